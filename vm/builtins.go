package vm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// NullKey is the canonical null handle.
const NullKey = "00000000-0000-0000-0000-000000000000"

// IsCanonicalKey reports whether s is a well-formed 8-4-4-4-12 hex handle.
func IsCanonicalKey(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
			if !isHex {
				return false
			}
		}
	}
	return true
}

// NewKey allocates a key handle userdata. Canonical keys are flagged so the
// persistence codec can use the compact packed form.
func NewKey(s string) Value {
	v := NewUserdata(UserdataKey)
	u := v.AsUserdata()
	u.Key = s
	u.Canonical = IsCanonicalKey(s)
	return v
}

// registerBuiltins installs the ll, bit32 and lsl module tables.
func registerBuiltins(vm *VM) {
	vm.RegisterModule("ll", makeModule("ll", map[string]NativeFn{
		"Say": func(t *Thread, args []Value) ([]Value, error) {
			var sb strings.Builder
			for i, a := range args {
				if i > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(ToDisplay(a))
			}
			t.vm.Say(sb.String())
			return nil, nil
		},
		"Sleep": func(t *Thread, args []Value) ([]Value, error) {
			// Sleeping parks the thread; the host decides when to resume.
			t.Yield(args)
			return nil, nil
		},
		"GetListLength": func(t *Thread, args []Value) ([]Value, error) {
			if len(args) != 1 || args[0].Kind() != KindTable {
				return nil, fmt.Errorf("GetListLength: expected a list")
			}
			return []Value{FromNumber(float64(args[0].AsTable().Length()))}, nil
		},
		"StringLength": func(t *Thread, args []Value) ([]Value, error) {
			if len(args) != 1 || args[0].Kind() != KindString {
				return nil, fmt.Errorf("StringLength: expected a string")
			}
			return []Value{FromNumber(float64(len(args[0].AsString().Data)))}, nil
		},
		"Fabs": func(t *Thread, args []Value) ([]Value, error) {
			if len(args) != 1 || !args[0].IsNumber() {
				return nil, fmt.Errorf("Fabs: expected a number")
			}
			return []Value{FromNumber(math.Abs(args[0].Number()))}, nil
		},
		"Listen": func(t *Thread, args []Value) ([]Value, error) {
			if len(args) != 4 || !args[0].IsNumber() {
				return nil, fmt.Errorf("Listen: expected (channel, name, key, message)")
			}
			reg := NewTable()
			for _, a := range args {
				reg.AsTable().Append(a)
			}
			listeners := t.vm.Events.AsUserdata().Listeners.AsTable()
			listeners.Append(reg)
			return []Value{FromNumber(float64(listeners.Length()))}, nil
		},
		"ListenRemove": func(t *Thread, args []Value) ([]Value, error) {
			if len(args) != 1 || !args[0].IsNumber() {
				return nil, fmt.Errorf("ListenRemove: expected a handle")
			}
			listeners := t.vm.Events.AsUserdata().Listeners.AsTable()
			idx := int(args[0].Number()) - 1
			if idx >= 0 && idx < listeners.Length() {
				listeners.ArraySet(idx, Nil)
			}
			return nil, nil
		},
		"SetTimerEvent": func(t *Thread, args []Value) ([]Value, error) {
			if len(args) != 1 || !args[0].IsNumber() {
				return nil, fmt.Errorf("SetTimerEvent: expected an interval")
			}
			t.vm.Timers.AsUserdata().Timers.AsTable().SetField("interval", args[0])
			return nil, nil
		},
	}))

	vm.RegisterModule("bit32", makeModule("bit32", map[string]NativeFn{
		"bnot": bitop1(func(a int32) int32 { return ^a }),
		"band": bitop2(func(a, b int32) int32 { return a & b }),
		"bor":  bitop2(func(a, b int32) int32 { return a | b }),
		"bxor": bitop2(func(a, b int32) int32 { return a ^ b }),
		"lshift": bitop2(func(a, b int32) int32 {
			return a << (uint32(b) & 31)
		}),
		"arshift": bitop2(func(a, b int32) int32 {
			return a >> (uint32(b) & 31)
		}),
	}))

	vm.RegisterModule("lsl", makeModule("lsl", map[string]NativeFn{
		"cast":          lslCast,
		"table_concat":  lslTableConcat,
		"replace_axis":  lslReplaceAxis,
		"change_state":  lslChangeState,
		"is_key_truthy": lslIsKeyTruthy,
		"vector":        lslVector,
	}))
}

func makeModule(module string, fns map[string]NativeFn) Value {
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)

	t := NewTable()
	for _, name := range names {
		t.AsTable().SetField(name, NewNativeClosure(module+"."+name, fns[name]))
	}
	return t
}

func bitop1(f func(int32) int32) NativeFn {
	return func(t *Thread, args []Value) ([]Value, error) {
		if len(args) != 1 || !args[0].IsNumber() {
			return nil, fmt.Errorf("bitwise operand must be an integer")
		}
		return []Value{FromNumber(float64(f(int32(args[0].Number()))))}, nil
	}
}

func bitop2(f func(a, b int32) int32) NativeFn {
	return func(t *Thread, args []Value) ([]Value, error) {
		if len(args) != 2 || !args[0].IsNumber() || !args[1].IsNumber() {
			return nil, fmt.Errorf("bitwise operands must be integers")
		}
		return []Value{FromNumber(float64(f(int32(args[0].Number()), int32(args[1].Number()))))}, nil
	}
}

// lslCast converts a value to the named script type.
func lslCast(t *Thread, args []Value) ([]Value, error) {
	if len(args) != 2 || args[1].Kind() != KindString {
		return nil, fmt.Errorf("cast: expected (value, typename)")
	}
	v := args[0]
	switch args[1].AsString().Data {
	case "string":
		return []Value{NewString(ToDisplay(v))}, nil
	case "integer":
		switch v.Kind() {
		case KindNumber:
			return []Value{FromNumber(float64(int32(v.Number())))}, nil
		case KindString:
			n := parseLeadingInt(v.AsString().Data)
			return []Value{FromNumber(float64(n))}, nil
		}
		return nil, fmt.Errorf("cast: cannot convert %s to integer", v.Kind())
	case "float":
		switch v.Kind() {
		case KindNumber:
			return []Value{FromNumber(float64(float32(v.Number())))}, nil
		case KindString:
			f := parseLeadingFloat(v.AsString().Data)
			return []Value{FromNumber(float64(float32(f)))}, nil
		}
		return nil, fmt.Errorf("cast: cannot convert %s to float", v.Kind())
	case "key":
		if v.Kind() == KindString {
			return []Value{NewKey(v.AsString().Data)}, nil
		}
		if v.Kind() == KindUserdata && v.AsUserdata().Tag == UserdataKey {
			return []Value{v}, nil
		}
		return nil, fmt.Errorf("cast: cannot convert %s to key", v.Kind())
	case "list":
		l := NewTable()
		l.AsTable().Append(v)
		return []Value{l}, nil
	default:
		return nil, fmt.Errorf("cast: unknown type %q", args[1].AsString().Data)
	}
}

// lslTableConcat builds a fresh list holding the elements of both operands.
// Non-list operands are treated as single elements.
func lslTableConcat(t *Thread, args []Value) ([]Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("table_concat: expected two operands")
	}
	out := NewTable()
	for _, a := range args {
		if a.Kind() == KindTable {
			src := a.AsTable()
			for i := 0; i < src.Length(); i++ {
				out.AsTable().Append(src.ArrayGet(i))
			}
		} else {
			out.AsTable().Append(a)
		}
	}
	return []Value{out}, nil
}

// lslReplaceAxis returns a copy of a vector with one named component
// replaced. Vectors are immutable values, so member assignment rebuilds.
func lslReplaceAxis(t *Thread, args []Value) ([]Value, error) {
	if len(args) != 3 || args[0].Kind() != KindVector ||
		args[1].Kind() != KindString || !args[2].IsNumber() {
		return nil, fmt.Errorf("replace_axis: expected (vector, axis, number)")
	}
	v := args[0].AsVector()
	n := float32(args[2].Number())
	x, y, z, w := v.X, v.Y, v.Z, v.W
	switch args[1].AsString().Data {
	case "x":
		x = n
	case "y":
		y = n
	case "z":
		z = n
	case "s":
		w = n
	default:
		return nil, fmt.Errorf("replace_axis: unknown axis %q", args[1].AsString().Data)
	}
	return []Value{NewVector(x, y, z, w)}, nil
}

// lslVector builds a vector from three components, or a rotation from four.
func lslVector(t *Thread, args []Value) ([]Value, error) {
	if len(args) != 3 && len(args) != 4 {
		return nil, fmt.Errorf("vector: expected three or four components")
	}
	var c [4]float32
	for i, a := range args {
		if !a.IsNumber() {
			return nil, fmt.Errorf("vector: component %d is a %s, not a number", i+1, a.Kind())
		}
		c[i] = float32(a.Number())
	}
	return []Value{NewVector(c[0], c[1], c[2], c[3])}, nil
}

// lslChangeState suspends the thread, handing the target state name to the
// host event loop.
func lslChangeState(t *Thread, args []Value) ([]Value, error) {
	if len(args) != 1 || args[0].Kind() != KindString {
		return nil, fmt.Errorf("change_state: expected a state name")
	}
	t.Yield([]Value{NewString("state"), args[0]})
	return nil, nil
}

// lslIsKeyTruthy implements the truth coercion of key handles as an integer:
// 1 only when well-formed and not the null key. Generated branch code
// compares the result against zero, so it must be numeric.
func lslIsKeyTruthy(t *Thread, args []Value) ([]Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("is_key_truthy: expected one operand")
	}
	v := args[0]
	if v.Kind() == KindUserdata && v.AsUserdata().Tag == UserdataKey {
		u := v.AsUserdata()
		if u.Canonical && u.Key != NullKey {
			return []Value{FromNumber(1)}, nil
		}
	}
	return []Value{FromNumber(0)}, nil
}

// ---------------------------------------------------------------------------
// Display conversion
// ---------------------------------------------------------------------------

// ToDisplay renders a value the way scripts stringify it.
func ToDisplay(v Value) string {
	switch v.Kind() {
	case KindNil:
		return ""
	case KindBool:
		if v.Bool() {
			return "1"
		}
		return "0"
	case KindNumber:
		n := v.Number()
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', 6, 64)
	case KindString:
		return v.AsString().Data
	case KindVector:
		vec := v.AsVector()
		if vec.W != 0 {
			return fmt.Sprintf("<%.5f, %.5f, %.5f, %.5f>", vec.X, vec.Y, vec.Z, vec.W)
		}
		return fmt.Sprintf("<%.5f, %.5f, %.5f>", vec.X, vec.Y, vec.Z)
	case KindTable:
		var sb strings.Builder
		t := v.AsTable()
		for i := 0; i < t.Length(); i++ {
			sb.WriteString(ToDisplay(t.ArrayGet(i)))
		}
		return sb.String()
	case KindUserdata:
		u := v.AsUserdata()
		if u.Tag == UserdataKey {
			return u.Key
		}
		return "userdata"
	default:
		return v.Kind().String()
	}
}

func parseLeadingInt(s string) int32 {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return int32(n)
}

func parseLeadingFloat(s string) float64 {
	s = strings.TrimLeft(s, " \t")
	end := len(s)
	for end > 0 {
		if f, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return f
		}
		end--
	}
	return 0
}
