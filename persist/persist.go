package persist

import (
	"fmt"
	"strings"

	"github.com/chazu/loom/vm"
)

// Persist serializes the object graph rooted at root into a
// self-describing byte stream. Values registered in perms are written as
// permanent keys instead of contents; every other heap object is written
// exactly once, with later encounters going through the reference table
// so cycles and sharing survive. The source graph is never mutated.
// Collection is paused for the duration of the call.
func Persist(machine *vm.VM, set Settings, perms *PermTable, root vm.Value) ([]byte, error) {
	set = set.withDefaults()
	if perms == nil {
		perms = NewPermTable()
	}
	defer machine.PauseGC()()

	e := &encoder{
		set:   set,
		perms: perms,
		refs:  make(map[vm.Value]int),
	}
	e.w.header()
	e.push("root")
	if err := e.value(root); err != nil {
		return nil, err
	}
	return e.w.buf.Bytes(), nil
}

type encoder struct {
	set   Settings
	perms *PermTable
	w     writer

	// refs maps already-visited heap objects to their dense ids,
	// allocated in visit order. Ids start at 1.
	refs map[vm.Value]int

	depth int
	path  []string
}

func (e *encoder) push(seg string) {
	if e.set.GeneratePath {
		e.path = append(e.path, seg)
	}
}

func (e *encoder) pop() {
	if e.set.GeneratePath {
		e.path = e.path[:len(e.path)-1]
	}
}

func (e *encoder) fail(err error) error {
	if e.set.GeneratePath && len(e.path) > 0 {
		return fmt.Errorf("at %s: %w", strings.Join(e.path, ""), err)
	}
	return err
}

// kindTag maps a native runtime kind to its wire tag.
func kindTag(v vm.Value) byte {
	switch v.Kind() {
	case vm.KindNil:
		return tagNil
	case vm.KindBool:
		if v.Bool() {
			return tagTrue
		}
		return tagFalse
	case vm.KindNumber:
		return tagNumber
	case vm.KindVector:
		return tagVector
	case vm.KindString:
		return tagString
	case vm.KindTable:
		return tagTable
	case vm.KindClosure:
		return tagClosure
	case vm.KindUserdata:
		return tagUserdata
	case vm.KindThread:
		return tagThread
	case vm.KindProto:
		return tagProto
	case vm.KindUpvalue:
		return tagUpvalue
	}
	return 0xFF
}

func (e *encoder) value(v vm.Value) error {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > e.set.MaxComplexity {
		return e.fail(fmt.Errorf("%w: depth exceeds %d", ErrTooComplex, e.set.MaxComplexity))
	}

	switch v.Kind() {
	case vm.KindNil:
		e.w.u8(tagNil)
		return nil
	case vm.KindBool:
		if v.Bool() {
			e.w.u8(tagTrue)
		} else {
			e.w.u8(tagFalse)
		}
		return nil
	case vm.KindNumber:
		e.w.u8(tagNumber)
		e.w.f64(v.Number())
		return nil
	}

	// Heap values: permanents by key, revisits by reference id.
	if key, ok := e.perms.KeyOf(v); ok {
		e.w.u8(tagPermanent)
		e.w.str(key)
		e.w.u8(kindTag(v))
		return nil
	}
	if id, ok := e.refs[v]; ok {
		e.w.u8(tagReference)
		e.w.size(id)
		return nil
	}

	// Native closures have no serializable body: they must resolve
	// through the permanent table, falling back to their stable name.
	if v.Kind() == vm.KindClosure && v.AsClosure().IsNative {
		name := "native/" + v.AsClosure().Name
		if _, ok := e.perms.Resolve(name); ok {
			e.w.u8(tagPermanent)
			e.w.str(name)
			e.w.u8(tagClosure)
			return nil
		}
		return e.fail(fmt.Errorf("%w: native closure %q is not registered", ErrPermanent, v.AsClosure().Name))
	}

	// Register the id before descending so cyclic children encode as
	// references back to it.
	e.refs[v] = len(e.refs) + 1

	switch v.Kind() {
	case vm.KindString:
		e.w.u8(tagString)
		e.w.str(v.AsString().Data)
		return nil

	case vm.KindVector:
		vec := v.AsVector()
		e.w.u8(tagVector)
		e.w.f32(vec.X)
		e.w.f32(vec.Y)
		e.w.f32(vec.Z)
		e.w.f32(vec.W)
		return nil

	case vm.KindTable:
		return e.table(v.AsTable())

	case vm.KindClosure:
		return e.closure(v.AsClosure())

	case vm.KindUserdata:
		return e.userdata(v.AsUserdata())

	case vm.KindProto:
		return e.proto(v.AsProto())

	case vm.KindUpvalue:
		return e.upvalue(v.AsUpvalue())

	case vm.KindThread:
		return e.thread(v.AsThread())
	}
	return e.fail(fmt.Errorf("%w: cannot persist a %s", ErrBadTag, v.Kind()))
}

// table writes flags, the array part, the hash part in iteration order,
// and the metatable. Explicit sizes let decode pre-size identically and
// cross-check the rebuilt key count.
func (e *encoder) table(t *vm.Table) error {
	e.w.u8(tagTable)

	var flags byte
	if t.ReadOnly {
		flags |= 1
	}
	if t.SafeEnv {
		flags |= 2
	}
	e.w.u8(flags)

	// Both sizes precede any child so decode can pre-size the target and
	// register it before descending.
	e.w.size(t.ArrayLen())
	e.w.size(t.HashLen())

	for i := 0; i < t.ArrayLen(); i++ {
		e.push(fmt.Sprintf("[%d]", i+1))
		if err := e.value(t.ArrayGet(i)); err != nil {
			return err
		}
		e.pop()
	}

	var inner error
	t.HashIterate(func(k, val vm.Value) bool {
		e.push(".key")
		if inner = e.value(k); inner != nil {
			return false
		}
		e.pop()
		e.push(".value")
		if inner = e.value(val); inner != nil {
			return false
		}
		e.pop()
		return true
	})
	if inner != nil {
		return inner
	}

	e.push(".meta")
	defer e.pop()
	return e.value(t.Meta())
}

func (e *encoder) closure(c *vm.Closure) error {
	e.w.u8(tagClosure)

	e.push(".env")
	if err := e.value(c.Env); err != nil {
		return err
	}
	e.pop()

	e.push(".proto")
	if err := e.value(c.Proto.Value()); err != nil {
		return err
	}
	e.pop()

	e.w.size(len(c.Upvalues))
	for i, u := range c.Upvalues {
		e.push(fmt.Sprintf(".upvalue[%d]", i))
		var uv vm.Value
		if u == nil {
			uv = vm.Nil
		} else {
			uv = u.Value()
		}
		if err := e.value(uv); err != nil {
			return err
		}
		e.pop()
	}
	return nil
}

func (e *encoder) userdata(u *vm.Userdata) error {
	e.w.u8(tagUserdata)
	e.w.u8(u.Tag)

	switch u.Tag {
	case vm.UserdataBlob:
		e.w.size(len(u.Bytes))
		e.w.buf.Write(u.Bytes)

	case vm.UserdataKey:
		if u.Canonical {
			packed, err := packKey(u.Key)
			if err != nil {
				return e.fail(err)
			}
			e.w.u8(1)
			e.w.buf.Write(packed[:])
		} else {
			e.w.u8(0)
			e.w.str(u.Key)
		}

	case vm.UserdataEvents:
		e.push(".listeners")
		if err := e.value(u.Listeners); err != nil {
			return err
		}
		e.pop()

	case vm.UserdataTimers:
		e.push(".timers")
		if err := e.value(u.Timers); err != nil {
			return err
		}
		e.pop()

	default:
		return e.fail(fmt.Errorf("%w: userdata tag %d", ErrBadTag, u.Tag))
	}

	e.push(".meta")
	defer e.pop()
	return e.value(u.Meta)
}

func (e *encoder) proto(p *vm.Proto) error {
	e.w.u8(tagProto)

	if !e.set.StripDebugInfo {
		e.w.str(p.Source)
		e.w.str(p.DebugName)
	} else {
		e.w.str("")
		e.w.str("")
	}
	e.w.integer(int64(p.LineDefined))
	e.w.integer(int64(p.BytecodeID))
	e.w.u8(p.MaxStackSize)
	e.w.u8(p.NumParams)
	e.w.u8(p.NumUpvals)
	if p.IsVararg {
		e.w.u8(1)
	} else {
		e.w.u8(0)
	}

	e.w.size(len(p.Code))
	for _, ins := range p.Code {
		e.w.u32(ins)
	}

	e.w.size(len(p.Constants))
	for i, k := range p.Constants {
		e.push(fmt.Sprintf(".const[%d]", i))
		if err := e.value(k); err != nil {
			return err
		}
		e.pop()
	}

	e.w.size(len(p.Imports))
	for _, imp := range p.Imports {
		e.w.str(imp.Module)
		e.w.str(imp.Member)
	}

	e.w.size(len(p.Protos))
	for i, child := range p.Protos {
		e.push(fmt.Sprintf(".proto[%d]", i))
		if err := e.value(child.Value()); err != nil {
			return err
		}
		e.pop()
	}

	e.w.size(len(p.YieldPoints))
	for _, yp := range p.YieldPoints {
		e.w.integer(int64(yp))
	}
	return nil
}

func (e *encoder) upvalue(u *vm.Upvalue) error {
	e.w.u8(tagUpvalue)
	if u.IsOpen() {
		e.w.u8(1)
		e.push(".owner")
		if err := e.value(u.Owner.Value()); err != nil {
			return err
		}
		e.pop()
		e.w.integer(int64(u.StackIndex))
		return nil
	}
	e.w.u8(0)
	e.push(".cell")
	defer e.pop()
	return e.value(u.Get())
}
