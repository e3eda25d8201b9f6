package vm

import (
	"fmt"
	"math"
	"strings"
)

// Call starts fn on the thread with the given arguments and runs until it
// returns or suspends. When the thread suspends, Call returns the values
// the thread yielded and t.Status is ThreadSuspended.
func (t *Thread) Call(fn Value, args ...Value) ([]Value, error) {
	if t.Status == ThreadRunning {
		return nil, fmt.Errorf("thread is already running")
	}
	if fn.Kind() != KindClosure {
		return nil, fmt.Errorf("cannot call a %s value", fn.Kind())
	}

	base := t.Top + 1
	t.EnsureStack(base + len(args) + 1)
	t.Stack[base-1] = fn
	copy(t.Stack[base:], args)
	t.Top = base + len(args)

	cl := fn.AsClosure()
	if cl.IsNative {
		t.Status = ThreadRunning
		results, err := cl.Native(t, args)
		if err != nil {
			t.Status = ThreadErrored
			return nil, err
		}
		if t.yielding {
			t.yielding = false
			t.Status = ThreadSuspended
			t.Frames = append(t.Frames, CallInfo{
				FuncIdx: base - 1, Base: base, Top: t.Top,
				NumResults: -1, Kind: FrameNative,
			})
			return t.yieldValues, nil
		}
		t.Status = ThreadOK
		t.Top = base - 1
		return results, nil
	}

	t.Frames = append(t.Frames, CallInfo{
		FuncIdx:    base - 1,
		Base:       base,
		Top:        base + int(cl.Proto.MaxStackSize),
		NumResults: -1,
		Kind:       FrameScripted,
	})
	t.EnsureStack(base + int(cl.Proto.MaxStackSize))
	for i := base + len(args); i < base+int(cl.Proto.MaxStackSize); i++ {
		t.Stack[i] = Nil
	}
	return t.run()
}

// Resume continues a suspended thread, delivering values as the results of
// the call it suspended in.
func (t *Thread) Resume(values ...Value) ([]Value, error) {
	if t.Status != ThreadSuspended {
		return nil, fmt.Errorf("cannot resume a thread that is not suspended")
	}
	if len(t.Frames) == 0 {
		return nil, fmt.Errorf("suspended thread has no frames")
	}

	top := &t.Frames[len(t.Frames)-1]
	if top.Kind == FrameNative {
		// Top-level native call: the resume values are its results.
		t.Frames = t.Frames[:len(t.Frames)-1]
		t.Status = ThreadOK
		t.Top = top.FuncIdx
		return values, nil
	}

	t.resumeValues = values
	return t.run()
}

// run executes scripted frames until the thread returns, suspends or errors.
func (t *Thread) run() ([]Value, error) {
	t.Status = ThreadRunning

	for len(t.Frames) > 0 {
		results, done, err := t.runFrame()
		if err != nil {
			t.Status = ThreadErrored
			return nil, err
		}
		if t.Status == ThreadSuspended {
			return results, nil
		}
		if done {
			t.Status = ThreadOK
			return results, nil
		}
	}
	t.Status = ThreadOK
	return nil, nil
}

// runFrame executes the topmost frame. It returns done=true with the final
// results when the outermost frame returns.
func (t *Thread) runFrame() ([]Value, bool, error) {
	ci := &t.Frames[len(t.Frames)-1]
	cl := t.Stack[ci.FuncIdx].AsClosure()
	proto := cl.Proto
	code := proto.Code
	consts := proto.Constants
	base := ci.Base
	pc := ci.SavedPC

	// Pending resume values are the results of the call at pc-1.
	if t.resumeValues != nil {
		values := t.resumeValues
		t.resumeValues = nil
		call := code[pc-1]
		a, c := int(InsA(call)), int(InsC(call))
		want := c - 1
		if want < 0 {
			want = len(values)
		}
		for i := 0; i < want; i++ {
			v := Nil
			if i < len(values) {
				v = values[i]
			}
			t.Stack[base+a+i] = v
		}
	}

	kstr := func(idx uint32) string {
		return consts[idx].AsString().Data
	}

	for {
		if int(pc) >= len(code) {
			return nil, false, fmt.Errorf("%s: program counter out of range", proto.DebugName)
		}
		ins := code[pc]
		pc++
		op := InsOp(ins)
		a := int(InsA(ins))

		switch op {
		case OpNop:

		case OpLoadNil:
			t.Stack[base+a] = Nil

		case OpLoadB:
			t.Stack[base+a] = FromBool(InsB(ins) != 0)
			pc += int32(InsC(ins))

		case OpLoadN:
			t.Stack[base+a] = FromNumber(float64(InsD(ins)))

		case OpLoadK:
			t.Stack[base+a] = consts[InsD(ins)]

		case OpMove:
			t.Stack[base+a] = t.Stack[base+int(InsB(ins))]

		case OpGetGlobal:
			t.Stack[base+a] = GlobalGet(cl.Env, kstr(uint32(InsD(ins))))

		case OpSetGlobal:
			if err := GlobalSet(cl.Env, kstr(uint32(InsD(ins))), t.Stack[base+a]); err != nil {
				return nil, false, err
			}

		case OpGetImport:
			v, err := t.vm.ResolveImport(proto.Imports[InsD(ins)])
			if err != nil {
				return nil, false, err
			}
			t.Stack[base+a] = v

		case OpGetTableKS:
			aux := code[pc]
			pc++
			v, err := getField(t.Stack[base+int(InsB(ins))], kstr(aux))
			if err != nil {
				return nil, false, err
			}
			t.Stack[base+a] = v

		case OpSetTableKS:
			aux := code[pc]
			pc++
			obj := t.Stack[base+int(InsB(ins))]
			if obj.Kind() != KindTable {
				return nil, false, fmt.Errorf("cannot index a %s value", obj.Kind())
			}
			obj.AsTable().SetField(kstr(aux), t.Stack[base+a])

		case OpNewTable:
			t.Stack[base+a] = NewTableSized(int(InsB(ins)), 0)

		case OpSetList:
			aux := int(code[pc])
			pc++
			dst := t.Stack[base+a].AsTable()
			b, c := int(InsB(ins)), int(InsC(ins))
			for i := 0; i < c; i++ {
				dst.ArraySet(aux-1+i, t.Stack[base+b+i])
			}

		case OpGetUpval:
			t.Stack[base+a] = cl.Upvalues[InsB(ins)].Get()

		case OpSetUpval:
			cl.Upvalues[InsB(ins)].Set(t.Stack[base+a])

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			x, y := t.Stack[base+int(InsB(ins))], t.Stack[base+int(InsC(ins))]
			v, err := arith(op, x, y)
			if err != nil {
				return nil, false, err
			}
			t.Stack[base+a] = v

		case OpAddK, OpSubK, OpMulK, OpDivK, OpModK:
			x, y := t.Stack[base+int(InsB(ins))], consts[InsC(ins)]
			v, err := arith(op-OpAddK+OpAdd, x, y)
			if err != nil {
				return nil, false, err
			}
			t.Stack[base+a] = v

		case OpSubRK:
			x, y := consts[InsB(ins)], t.Stack[base+int(InsC(ins))]
			v, err := arith(OpSub, x, y)
			if err != nil {
				return nil, false, err
			}
			t.Stack[base+a] = v

		case OpDivRK:
			x, y := consts[InsB(ins)], t.Stack[base+int(InsC(ins))]
			v, err := arith(OpDiv, x, y)
			if err != nil {
				return nil, false, err
			}
			t.Stack[base+a] = v

		case OpUnm:
			x := t.Stack[base+int(InsB(ins))]
			if !x.IsNumber() {
				return nil, false, fmt.Errorf("cannot negate a %s value", x.Kind())
			}
			t.Stack[base+a] = FromNumber(-x.Number())

		case OpNot:
			t.Stack[base+a] = FromBool(!t.Stack[base+int(InsB(ins))].IsTruthy())

		case OpLength:
			x := t.Stack[base+int(InsB(ins))]
			switch x.Kind() {
			case KindTable:
				t.Stack[base+a] = FromNumber(float64(x.AsTable().Length()))
			case KindString:
				t.Stack[base+a] = FromNumber(float64(len(x.AsString().Data)))
			default:
				return nil, false, fmt.Errorf("cannot take length of a %s value", x.Kind())
			}

		case OpConcat:
			var sb strings.Builder
			for i := int(InsB(ins)); i <= int(InsC(ins)); i++ {
				v := t.Stack[base+i]
				if v.Kind() != KindString {
					return nil, false, fmt.Errorf("cannot concatenate a %s value", v.Kind())
				}
				sb.WriteString(v.AsString().Data)
			}
			t.Stack[base+a] = NewString(sb.String())

		case OpJump, OpJumpBack:
			pc += int32(InsD(ins))

		case OpJumpIf:
			if t.Stack[base+a].IsTruthy() {
				pc += int32(InsD(ins))
			}

		case OpJumpIfNot:
			if !t.Stack[base+a].IsTruthy() {
				pc += int32(InsD(ins))
			}

		case OpJumpIfEq, OpJumpIfNotEq:
			aux := code[pc]
			pc++
			eq := t.Stack[base+a].Equals(t.Stack[base+int(aux)])
			if eq == (op == OpJumpIfEq) {
				pc += int32(InsD(ins)) - 1
			}

		case OpJumpIfLt, OpJumpIfLe:
			aux := code[pc]
			pc++
			ok, err := lessThan(t.Stack[base+a], t.Stack[base+int(aux)], op == OpJumpIfLe)
			if err != nil {
				return nil, false, err
			}
			if ok {
				pc += int32(InsD(ins)) - 1
			}

		case OpCall:
			callee := t.Stack[base+a]
			nargs := int(InsB(ins)) - 1
			if nargs < 0 {
				nargs = t.Top - (base + a + 1)
			}
			if callee.Kind() != KindClosure {
				return nil, false, fmt.Errorf("cannot call a %s value", callee.Kind())
			}
			target := callee.AsClosure()

			if target.IsNative {
				args := make([]Value, nargs)
				copy(args, t.Stack[base+a+1:base+a+1+nargs])
				results, err := target.Native(t, args)
				if err != nil {
					return nil, false, err
				}
				if t.yielding {
					t.yielding = false
					ci.SavedPC = pc
					t.Status = ThreadSuspended
					values := t.yieldValues
					t.yieldValues = nil
					return values, false, nil
				}
				want := int(InsC(ins)) - 1
				if want < 0 {
					want = len(results)
				}
				for i := 0; i < want; i++ {
					v := Nil
					if i < len(results) {
						v = results[i]
					}
					t.Stack[base+a+i] = v
				}
				continue
			}

			// Scripted call: push a frame and restart the dispatch loop on it.
			ci.SavedPC = pc
			newBase := base + a + 1
			t.EnsureStack(newBase + int(target.Proto.MaxStackSize))
			for i := newBase + nargs; i < newBase+int(target.Proto.MaxStackSize); i++ {
				t.Stack[i] = Nil
			}
			t.Frames = append(t.Frames, CallInfo{
				FuncIdx:    base + a,
				Base:       newBase,
				Top:        newBase + int(target.Proto.MaxStackSize),
				NumResults: int(InsC(ins)) - 1,
				Kind:       FrameScripted,
			})
			return nil, false, nil

		case OpReturn:
			nres := int(InsB(ins)) - 1
			if nres < 0 {
				nres = t.Top - (base + a)
			}
			results := make([]Value, nres)
			copy(results, t.Stack[base+a:base+a+nres])

			t.CloseUpvalues(ci.FuncIdx)
			t.Frames = t.Frames[:len(t.Frames)-1]
			t.Top = ci.FuncIdx

			if len(t.Frames) == 0 {
				return results, true, nil
			}

			// Place results per the caller's CALL instruction.
			caller := &t.Frames[len(t.Frames)-1]
			callerCl := t.Stack[caller.FuncIdx].AsClosure()
			call := callerCl.Proto.Code[caller.SavedPC-1]
			ca, cc := int(InsA(call)), int(InsC(call))
			want := cc - 1
			if want < 0 {
				want = len(results)
			}
			for i := 0; i < want; i++ {
				v := Nil
				if i < len(results) {
					v = results[i]
				}
				t.Stack[caller.Base+ca+i] = v
			}
			return nil, false, nil

		case OpNewClosure:
			proto2 := proto.Protos[InsD(ins)]
			nc := NewClosure(proto2, cl.Env, int(proto2.NumUpvals))
			ncl := nc.AsClosure()
			for i := 0; i < int(proto2.NumUpvals); i++ {
				cap := code[pc]
				pc++
				switch uint8(InsA(cap)) {
				case CaptureValue:
					ncl.Upvalues[i] = NewClosedUpvalue(t.Stack[base+int(InsB(cap))])
				case CaptureRef:
					ncl.Upvalues[i] = t.FindOpenUpvalue(base + int(InsB(cap)))
				case CaptureUpval:
					ncl.Upvalues[i] = cl.Upvalues[InsB(cap)]
				}
			}
			t.Stack[base+a] = nc

		case OpDouble2Float:
			x := t.Stack[base+int(InsB(ins))]
			if !x.IsNumber() {
				return nil, false, fmt.Errorf("cannot truncate a %s value", x.Kind())
			}
			t.Stack[base+a] = FromNumber(float64(float32(x.Number())))

		case OpCastIntFloat:
			x := t.Stack[base+int(InsB(ins))]
			if !x.IsNumber() {
				return nil, false, fmt.Errorf("cannot convert a %s value", x.Kind())
			}
			if InsC(ins) == 0 {
				t.Stack[base+a] = FromNumber(math.Trunc(x.Number()))
			} else {
				t.Stack[base+a] = FromNumber(float64(float32(x.Number())))
			}

		default:
			return nil, false, fmt.Errorf("%s: invalid opcode %d at pc %d", proto.DebugName, op, pc-1)
		}

		ci.SavedPC = pc
	}
}

func arith(op Opcode, x, y Value) (Value, error) {
	if !x.IsNumber() || !y.IsNumber() {
		return Nil, fmt.Errorf("cannot perform arithmetic on %s and %s values", x.Kind(), y.Kind())
	}
	a, b := x.Number(), y.Number()
	switch op {
	case OpAdd:
		return FromNumber(a + b), nil
	case OpSub:
		return FromNumber(a - b), nil
	case OpMul:
		return FromNumber(a * b), nil
	case OpDiv:
		return FromNumber(a / b), nil
	case OpMod:
		// C-style remainder, truncated toward zero.
		return FromNumber(a - b*math.Trunc(a/b)), nil
	}
	return Nil, fmt.Errorf("invalid arithmetic opcode %d", op)
}

func lessThan(x, y Value, orEqual bool) (bool, error) {
	if x.IsNumber() && y.IsNumber() {
		if orEqual {
			return x.Number() <= y.Number(), nil
		}
		return x.Number() < y.Number(), nil
	}
	if x.Kind() == KindString && y.Kind() == KindString {
		if orEqual {
			return x.AsString().Data <= y.AsString().Data, nil
		}
		return x.AsString().Data < y.AsString().Data, nil
	}
	return false, fmt.Errorf("cannot compare %s and %s values", x.Kind(), y.Kind())
}

func getField(obj Value, name string) (Value, error) {
	switch obj.Kind() {
	case KindTable:
		return obj.AsTable().GetField(name), nil
	case KindVector:
		v := obj.AsVector()
		switch name {
		case "x":
			return FromNumber(float64(v.X)), nil
		case "y":
			return FromNumber(float64(v.Y)), nil
		case "z":
			return FromNumber(float64(v.Z)), nil
		case "s":
			return FromNumber(float64(v.W)), nil
		}
		return Nil, fmt.Errorf("unknown vector component %q", name)
	default:
		return Nil, fmt.Errorf("cannot index a %s value", obj.Kind())
	}
}
