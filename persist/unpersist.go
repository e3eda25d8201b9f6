package persist

import (
	"fmt"
	"strings"

	"github.com/chazu/loom/vm"
)

// Unpersist reconstructs the object graph from a stream produced by
// Persist. Containers are registered in the reference table before their
// children decode, so self-referential and mutually-referential graphs
// rebuild with identity preserved. Any structural violation is a hard
// error: a half-reconstructed graph is never returned. Collection is
// paused for the duration of the call.
func Unpersist(machine *vm.VM, set Settings, perms *PermTable, data []byte) (vm.Value, error) {
	set = set.withDefaults()
	if perms == nil {
		perms = NewPermTable()
	}
	defer machine.PauseGC()()

	d := &decoder{
		machine: machine,
		set:     set,
		perms:   perms,
		r:       reader{data: data},
	}
	if err := d.r.header(); err != nil {
		return vm.Nil, err
	}
	d.push("root")
	v, err := d.value()
	if err != nil {
		return vm.Nil, err
	}
	if d.r.err != nil {
		return vm.Nil, d.r.err
	}
	if err := d.applyFixups(); err != nil {
		return vm.Nil, err
	}
	return v, nil
}

type decoder struct {
	machine *vm.VM
	set     Settings
	perms   *PermTable
	r       reader

	// refs holds decoded objects indexed by id-1, in the same allocation
	// order the encoder used.
	refs []vm.Value

	// reopens defers re-opening upvalues against restored stacks until
	// every object is materialized.
	reopens []reopenFixup

	depth int
	path  []string
}

type reopenFixup struct {
	u     *vm.Upvalue
	owner *vm.Thread
	idx   int
}

func (d *decoder) push(seg string) {
	if d.set.GeneratePath {
		d.path = append(d.path, seg)
	}
}

func (d *decoder) pop() {
	if d.set.GeneratePath {
		d.path = d.path[:len(d.path)-1]
	}
}

func (d *decoder) fail(err error) error {
	if d.r.err != nil {
		return d.r.err
	}
	if d.set.GeneratePath && len(d.path) > 0 {
		return fmt.Errorf("at %s: %w", strings.Join(d.path, ""), err)
	}
	return err
}

func (d *decoder) register(v vm.Value) {
	d.refs = append(d.refs, v)
}

// count reads a size and bounds it by the bytes left in the stream, so a
// corrupted length cannot drive a huge allocation.
func (d *decoder) count() (int, error) {
	n := d.r.size()
	if d.r.err != nil {
		return 0, d.r.err
	}
	if n < 0 || n > len(d.r.data)-d.r.pos {
		return 0, d.fail(fmt.Errorf("%w: count %d at offset %d", ErrTruncated, n, d.r.pos))
	}
	return n, nil
}

// applyFixups reopens deferred upvalues once every owner stack is
// materialized. The stored slot can only be validated here: at read time
// the owner thread may not have decoded its stack yet.
func (d *decoder) applyFixups() error {
	for _, f := range d.reopens {
		if f.idx < 0 || f.idx >= len(f.owner.Stack) {
			return fmt.Errorf("%w: open upvalue points at slot %d of a %d-slot stack",
				ErrReference, f.idx, len(f.owner.Stack))
		}
		f.u.Reopen(f.owner, f.idx)
		f.owner.OpenUpvalues = append(f.owner.OpenUpvalues, f.u)
	}
	d.reopens = nil
	return nil
}

func (d *decoder) value() (vm.Value, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > d.set.MaxComplexity {
		return vm.Nil, d.fail(fmt.Errorf("%w: depth exceeds %d", ErrTooComplex, d.set.MaxComplexity))
	}

	tag := d.r.u8()
	if d.r.err != nil {
		return vm.Nil, d.r.err
	}

	switch tag {
	case tagNil:
		return vm.Nil, nil
	case tagFalse:
		return vm.False, nil
	case tagTrue:
		return vm.True, nil

	case tagNumber:
		return vm.FromNumber(d.r.f64()), d.r.err

	case tagPermanent:
		key := d.r.str()
		want := d.r.u8()
		if d.r.err != nil {
			return vm.Nil, d.r.err
		}
		v, ok := d.perms.Resolve(key)
		if !ok {
			return vm.Nil, d.fail(fmt.Errorf("%w: %q is not registered", ErrPermanent, key))
		}
		if got := kindTag(v); got != want {
			return vm.Nil, d.fail(fmt.Errorf("%w: %q resolved to a %s, stream expects %s",
				ErrPermanent, key, tagName(got), tagName(want)))
		}
		return v, nil

	case tagReference:
		id := d.r.size()
		if d.r.err != nil {
			return vm.Nil, d.r.err
		}
		if id < 1 || id > len(d.refs) {
			return vm.Nil, d.fail(fmt.Errorf("%w: reference %d was never allocated", ErrReference, id))
		}
		return d.refs[id-1], nil

	case tagString:
		s := d.r.str()
		if d.r.err != nil {
			return vm.Nil, d.r.err
		}
		v := vm.NewString(s)
		d.register(v)
		return v, nil

	case tagVector:
		x, y, z, w := d.r.f32(), d.r.f32(), d.r.f32(), d.r.f32()
		if d.r.err != nil {
			return vm.Nil, d.r.err
		}
		v := vm.NewVector(x, y, z, w)
		d.register(v)
		return v, nil

	case tagTable:
		return d.table()
	case tagClosure:
		return d.closure()
	case tagUserdata:
		return d.userdata()
	case tagProto:
		return d.proto()
	case tagUpvalue:
		return d.upvalue()
	case tagThread:
		return d.thread()
	}
	return vm.Nil, d.fail(fmt.Errorf("%w: %s at offset %d", ErrBadTag, tagName(tag), d.r.pos-1))
}

// table pre-sizes the target from the declared shape, inserts pairs in
// stream order, then recounts: insertion-order preservation matters
// because host code may hold live iterators across a restore boundary,
// and a key-count mismatch means the stream is corrupt.
func (d *decoder) table() (vm.Value, error) {
	flags := d.r.u8()
	arrLen, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	hashLen, err := d.count()
	if err != nil {
		return vm.Nil, err
	}

	tv := vm.NewTableSized(arrLen, hashLen)
	d.register(tv)
	t := tv.AsTable()
	t.SafeEnv = flags&2 != 0

	for i := 0; i < arrLen; i++ {
		d.push(fmt.Sprintf("[%d]", i+1))
		v, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		t.ArraySet(i, v)
		d.pop()
	}

	for i := 0; i < hashLen; i++ {
		d.push(".key")
		k, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		d.push(".value")
		v, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		t.Set(k, v)
	}
	if t.HashLen() != hashLen {
		return vm.Nil, d.fail(fmt.Errorf("%w: rebuilt %d keys, stream declared %d",
			ErrCountMismatch, t.HashLen(), hashLen))
	}

	d.push(".meta")
	meta, err := d.value()
	if err != nil {
		return vm.Nil, err
	}
	d.pop()
	if meta != vm.Nil && meta.Kind() != vm.KindTable {
		return vm.Nil, d.fail(fmt.Errorf("%w: metatable is a %s", ErrBadTag, meta.Kind()))
	}
	t.SetMeta(meta)

	// Applied last so the inserts above were legal.
	t.ReadOnly = flags&1 != 0
	return tv, nil
}

func (d *decoder) closure() (vm.Value, error) {
	cv := vm.NewClosure(nil, vm.Nil, 0)
	d.register(cv)
	c := cv.AsClosure()

	d.push(".env")
	env, err := d.value()
	if err != nil {
		return vm.Nil, err
	}
	d.pop()
	if env != vm.Nil && env.Kind() != vm.KindTable {
		return vm.Nil, d.fail(fmt.Errorf("%w: closure environment is a %s", ErrBadTag, env.Kind()))
	}
	c.Env = env

	d.push(".proto")
	pv, err := d.value()
	if err != nil {
		return vm.Nil, err
	}
	d.pop()
	if pv.Kind() != vm.KindProto {
		return vm.Nil, d.fail(fmt.Errorf("%w: closure prototype is a %s", ErrBadTag, pv.Kind()))
	}
	c.Proto = pv.AsProto()

	nups, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	c.Upvalues = make([]*vm.Upvalue, nups)
	for i := 0; i < nups; i++ {
		d.push(fmt.Sprintf(".upvalue[%d]", i))
		uv, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		if uv == vm.Nil {
			continue
		}
		if uv.Kind() != vm.KindUpvalue {
			return vm.Nil, d.fail(fmt.Errorf("%w: upvalue slot holds a %s", ErrBadTag, uv.Kind()))
		}
		c.Upvalues[i] = uv.AsUpvalue()
	}
	return cv, nil
}

func (d *decoder) userdata() (vm.Value, error) {
	utag := d.r.u8()
	if d.r.err != nil {
		return vm.Nil, d.r.err
	}
	uv := vm.NewUserdata(utag)
	d.register(uv)
	u := uv.AsUserdata()

	switch utag {
	case vm.UserdataBlob:
		n, err := d.count()
		if err != nil {
			return vm.Nil, err
		}
		u.Bytes = make([]byte, n)
		d.r.bytes(u.Bytes)

	case vm.UserdataKey:
		if d.r.u8() == 1 {
			var packed [16]byte
			d.r.bytes(packed[:])
			u.Key = unpackKey(packed)
			u.Canonical = true
		} else {
			u.Key = d.r.str()
		}

	case vm.UserdataEvents:
		d.push(".listeners")
		v, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		u.Listeners = v

	case vm.UserdataTimers:
		d.push(".timers")
		v, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		u.Timers = v

	default:
		return vm.Nil, d.fail(fmt.Errorf("%w: userdata tag %d", ErrBadTag, utag))
	}
	if d.r.err != nil {
		return vm.Nil, d.r.err
	}

	d.push(".meta")
	meta, err := d.value()
	if err != nil {
		return vm.Nil, err
	}
	d.pop()
	if meta != vm.Nil && meta.Kind() != vm.KindTable {
		return vm.Nil, d.fail(fmt.Errorf("%w: metatable is a %s", ErrBadTag, meta.Kind()))
	}
	u.Meta = meta
	return uv, nil
}

func (d *decoder) proto() (vm.Value, error) {
	p := vm.NewProto()
	d.register(p.Value())

	p.Source = d.r.str()
	p.DebugName = d.r.str()
	p.LineDefined = int32(d.r.integer())
	p.BytecodeID = int32(d.r.integer())
	p.MaxStackSize = d.r.u8()
	p.NumParams = d.r.u8()
	p.NumUpvals = d.r.u8()
	p.IsVararg = d.r.u8() != 0

	ncode, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	p.Code = make([]uint32, ncode)
	for i := range p.Code {
		p.Code[i] = d.r.u32()
	}

	nconst, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	p.Constants = make([]vm.Value, 0, nconst)
	for i := 0; i < nconst; i++ {
		d.push(fmt.Sprintf(".const[%d]", i))
		k, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		p.Constants = append(p.Constants, k)
	}

	nimp, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	p.Imports = make([]vm.ImportRef, 0, nimp)
	for i := 0; i < nimp; i++ {
		mod := d.r.str()
		mem := d.r.str()
		p.Imports = append(p.Imports, vm.ImportRef{Module: mod, Member: mem})
	}

	nsub, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	p.Protos = make([]*vm.Proto, 0, nsub)
	for i := 0; i < nsub; i++ {
		d.push(fmt.Sprintf(".proto[%d]", i))
		cv, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		if cv.Kind() != vm.KindProto {
			return vm.Nil, d.fail(fmt.Errorf("%w: nested prototype is a %s", ErrBadTag, cv.Kind()))
		}
		p.Protos = append(p.Protos, cv.AsProto())
	}

	nyp, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	p.YieldPoints = make([]int32, 0, nyp)
	for i := 0; i < nyp; i++ {
		p.YieldPoints = append(p.YieldPoints, int32(d.r.integer()))
	}
	return p.Value(), d.r.err
}

func (d *decoder) upvalue() (vm.Value, error) {
	u := vm.NewClosedUpvalue(vm.Nil)
	d.register(u.Value())

	open := d.r.u8()
	if d.r.err != nil {
		return vm.Nil, d.r.err
	}
	if open == 1 {
		d.push(".owner")
		ov, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		if ov.Kind() != vm.KindThread {
			return vm.Nil, d.fail(fmt.Errorf("%w: upvalue owner is a %s", ErrBadTag, ov.Kind()))
		}
		idx := int(d.r.integer())
		if d.r.err != nil {
			return vm.Nil, d.r.err
		}
		d.reopens = append(d.reopens, reopenFixup{u: u, owner: ov.AsThread(), idx: idx})
		return u.Value(), nil
	}

	d.push(".cell")
	v, err := d.value()
	if err != nil {
		return vm.Nil, err
	}
	d.pop()
	u.Set(v)
	return u.Value(), nil
}

func (d *decoder) thread() (vm.Value, error) {
	t := vm.NewThread(d.machine, vm.Nil)
	d.register(t.Value())

	t.Status = vm.ThreadStatus(d.r.u8())
	if t.Status == vm.ThreadRunning {
		return vm.Nil, d.fail(fmt.Errorf("%w: stream claims a running thread", ErrBadTag))
	}
	t.MemCat = d.r.u8()

	d.push(".env")
	env, err := d.value()
	if err != nil {
		return vm.Nil, err
	}
	d.pop()
	if env.Kind() != vm.KindTable {
		return vm.Nil, d.fail(fmt.Errorf("%w: thread environment is a %s", ErrBadTag, env.Kind()))
	}
	t.Env = env

	t.Top = int(d.r.integer())
	stackLen, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	if t.Top < 0 || t.Top > stackLen {
		return vm.Nil, d.fail(fmt.Errorf("%w: stack top %d of %d", ErrBadTag, t.Top, stackLen))
	}
	t.EnsureStack(stackLen)
	for i := 0; i < stackLen; i++ {
		d.push(fmt.Sprintf(".stack[%d]", i))
		v, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		t.Stack[i] = v
		d.pop()
	}

	nframes, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	t.Frames = make([]vm.CallInfo, 0, nframes)
	for i := 0; i < nframes; i++ {
		ci := vm.CallInfo{
			Kind:       vm.FrameKind(d.r.u8()),
			Flags:      d.r.u8(),
			FuncIdx:    int(d.r.integer()),
			Base:       int(d.r.integer()),
			Top:        int(d.r.integer()),
			NumResults: int(d.r.integer()),
		}
		if d.r.err != nil {
			return vm.Nil, d.r.err
		}
		if ci.FuncIdx < 0 || ci.FuncIdx >= stackLen || ci.Base < 0 || ci.Top > stackLen {
			return vm.Nil, d.fail(fmt.Errorf("%w: frame %d offsets out of range", ErrBadTag, i))
		}

		if ci.Kind == vm.FrameScripted {
			fn := t.Stack[ci.FuncIdx]
			if fn.Kind() != vm.KindClosure || fn.AsClosure().IsNative || fn.AsClosure().Proto == nil {
				return vm.Nil, d.fail(fmt.Errorf("%w: frame %d callee is not a scripted closure", ErrInvalidSuspendPoint, i))
			}
			proto := fn.AsClosure().Proto
			yi := int(d.r.integer())
			switch {
			case yi >= 0 && yi < len(proto.YieldPoints):
				ci.SavedPC = proto.YieldPoints[yi]
			case yi == -1 && t.Status == vm.ThreadErrored:
				ci.SavedPC = int32(d.r.integer())
			default:
				return vm.Nil, d.fail(fmt.Errorf("%w: frame %d yield point %d of %d",
					ErrInvalidSuspendPoint, i, yi, len(proto.YieldPoints)))
			}
		} else if ci.Kind == vm.FrameNative {
			fn := t.Stack[ci.FuncIdx]
			if fn.Kind() != vm.KindClosure || !fn.AsClosure().IsNative {
				return vm.Nil, d.fail(fmt.Errorf("%w: frame %d callee is not a native closure", ErrPermanent, i))
			}
		}
		t.Frames = append(t.Frames, ci)
	}

	nopen, err := d.count()
	if err != nil {
		return vm.Nil, err
	}
	for i := 0; i < nopen; i++ {
		d.push(fmt.Sprintf(".open[%d]", i))
		uv, err := d.value()
		if err != nil {
			return vm.Nil, err
		}
		d.pop()
		if uv.Kind() != vm.KindUpvalue {
			return vm.Nil, d.fail(fmt.Errorf("%w: open upvalue slot holds a %s", ErrBadTag, uv.Kind()))
		}
		// Registration into OpenUpvalues happens in the reopen fixups.
	}
	return t.Value(), d.r.err
}
