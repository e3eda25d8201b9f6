package vm

import "unsafe"

// NativeFn is the signature of a host-implemented builtin. Results are
// returned directly; a builtin that suspends the caller calls t.Yield and
// returns the values to deliver to the resumer.
type NativeFn func(t *Thread, args []Value) ([]Value, error)

// Closure is a callable: either a host builtin (native) or a compiled proto
// with its captured upvalues and defining environment.
type Closure struct {
	objectHeader

	// Native half. Name is the stable identity used by the persistence
	// permanent table; native closures are never literally serialized.
	IsNative bool
	Native   NativeFn
	Name     string

	// Scripted half.
	Proto    *Proto
	Env      Value // environment table
	Upvalues []*Upvalue
}

// NewNativeClosure allocates a builtin closure with a stable name.
func NewNativeClosure(name string, fn NativeFn) Value {
	c := &Closure{
		objectHeader: objectHeader{kind: KindClosure},
		IsNative:     true,
		Native:       fn,
		Name:         name,
		Env:          Nil,
	}
	registerHeap(unsafe.Pointer(c))
	return fromHeapPtr(unsafe.Pointer(c))
}

// NewClosure allocates a scripted closure over proto with env as its
// environment and nups empty upvalue slots.
func NewClosure(proto *Proto, env Value, nups int) Value {
	c := &Closure{
		objectHeader: objectHeader{kind: KindClosure},
		Proto:        proto,
		Env:          env,
		Upvalues:     make([]*Upvalue, nups),
	}
	registerHeap(unsafe.Pointer(c))
	return fromHeapPtr(unsafe.Pointer(c))
}

// Value returns the boxed form of the closure.
func (c *Closure) Value() Value {
	return fromHeapPtr(unsafe.Pointer(c))
}

// ---------------------------------------------------------------------------
// Upvalue
// ---------------------------------------------------------------------------

// Upvalue is a shared variable cell. While open it aliases a live stack slot
// of its owner thread; once closed it owns the value directly. Two closures
// capturing the same variable share one Upvalue, and that sharing must
// survive a snapshot/restore round trip.
type Upvalue struct {
	objectHeader

	closed bool
	value  Value

	// Open state.
	Owner      *Thread
	StackIndex int
}

// NewClosedUpvalue allocates an upvalue already holding v.
func NewClosedUpvalue(v Value) *Upvalue {
	u := &Upvalue{objectHeader: objectHeader{kind: KindUpvalue}, closed: true, value: v}
	registerHeap(unsafe.Pointer(u))
	return u
}

// NewOpenUpvalue allocates an upvalue aliasing owner's stack slot idx.
func NewOpenUpvalue(owner *Thread, idx int) *Upvalue {
	u := &Upvalue{objectHeader: objectHeader{kind: KindUpvalue}, Owner: owner, StackIndex: idx}
	registerHeap(unsafe.Pointer(u))
	return u
}

// Value returns the boxed form of the upvalue.
func (u *Upvalue) Value() Value {
	return fromHeapPtr(unsafe.Pointer(u))
}

// IsOpen reports whether the upvalue still aliases a stack slot.
func (u *Upvalue) IsOpen() bool {
	return !u.closed
}

// Get reads through the cell.
func (u *Upvalue) Get() Value {
	if u.closed {
		return u.value
	}
	return u.Owner.Stack[u.StackIndex]
}

// Set writes through the cell.
func (u *Upvalue) Set(v Value) {
	if u.closed {
		u.value = v
		return
	}
	u.Owner.Stack[u.StackIndex] = v
}

// Close detaches the cell from the stack, capturing the current value.
func (u *Upvalue) Close() {
	if u.closed {
		return
	}
	u.value = u.Owner.Stack[u.StackIndex]
	u.closed = true
	u.Owner = nil
	u.StackIndex = 0
}

// Reopen points the cell back at a stack slot. Used when a restored thread
// rebuilds its open-upvalue list against the newly materialized stack.
func (u *Upvalue) Reopen(owner *Thread, idx int) {
	u.closed = false
	u.value = Nil
	u.Owner = owner
	u.StackIndex = idx
}
