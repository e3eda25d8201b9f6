package vm

import "unsafe"

// ThreadStatus is the cooperative life-cycle state of a thread.
type ThreadStatus uint8

const (
	ThreadOK        ThreadStatus = iota // never started or returned normally
	ThreadRunning                       // currently executing
	ThreadSuspended                     // parked at a yield point
	ThreadErrored                       // raised an error; can never resume
)

// FrameKind distinguishes call-info records.
type FrameKind uint8

const (
	FrameNone     FrameKind = iota // placeholder base frame
	FrameScripted                  // running a compiled proto
	FrameNative                    // running a host builtin
)

// CallInfo describes one activation record. All stack positions are
// stack-relative indices, never pointers: the backing array may be
// reallocated at any time, including while a snapshot is being restored.
type CallInfo struct {
	FuncIdx    int // stack index of the callee value
	Base       int // stack index of the first argument/register
	Top        int // one past the frame's live slots
	NumResults int // results expected by the caller (-1 = all)
	Flags      uint8
	Kind       FrameKind

	// SavedPC is the resume offset for scripted frames: the instruction
	// after the one that suspended.
	SavedPC int32
}

// Thread is a cooperative script task: a value stack plus a call-frame list.
type Thread struct {
	objectHeader

	Stack  []Value
	Top    int
	Frames []CallInfo
	Status ThreadStatus

	// Env is the thread's global environment table.
	Env Value

	// Open upvalues into this thread's stack, unordered.
	OpenUpvalues []*Upvalue

	// MemCat is the allocation-accounting category this thread and
	// everything it allocates are charged to.
	MemCat uint8

	vm *VM

	// Yield plumbing: set by a native builtin calling Yield, consumed by
	// the interpreter loop.
	yielding    bool
	yieldValues []Value

	// Resume values waiting to be delivered at the suspension point.
	resumeValues []Value
}

// NewThread allocates a thread with the given environment table.
func NewThread(vm *VM, env Value) *Thread {
	t := &Thread{
		objectHeader: objectHeader{kind: KindThread},
		Stack:        make([]Value, 32),
		Env:          env,
		vm:           vm,
	}
	for i := range t.Stack {
		t.Stack[i] = Nil
	}
	registerHeap(unsafe.Pointer(t))
	return t
}

// Value returns the boxed form of the thread.
func (t *Thread) Value() Value {
	return fromHeapPtr(unsafe.Pointer(t))
}

// VM returns the owning virtual machine.
func (t *Thread) VM() *VM {
	return t.vm
}

// SetVM attaches a restored thread to a VM.
func (t *Thread) SetVM(vm *VM) {
	t.vm = vm
}

// EnsureStack grows the stack to hold at least n slots.
func (t *Thread) EnsureStack(n int) {
	for len(t.Stack) < n {
		t.Stack = append(t.Stack, Nil)
	}
}

// Yield parks the thread at the current call site. The values are handed to
// whoever resumes the thread's owner. Only meaningful inside a native
// builtin invoked by the interpreter.
func (t *Thread) Yield(values []Value) {
	t.yielding = true
	t.yieldValues = values
}

// AbandonFrames drops every activation record, leaving the thread idle
// with its environment and globals intact. Hosts use it when a script
// asks to end its current handler rather than resume it.
func (t *Thread) AbandonFrames() {
	t.CloseUpvalues(0)
	t.Frames = t.Frames[:0]
	t.Top = 0
	t.Status = ThreadOK
	t.yielding = false
	t.yieldValues = nil
	t.resumeValues = nil
}

// FindOpenUpvalue returns the open upvalue aliasing stack slot idx, creating
// one if none exists. Sharing is by slot identity.
func (t *Thread) FindOpenUpvalue(idx int) *Upvalue {
	for _, u := range t.OpenUpvalues {
		if u.StackIndex == idx {
			return u
		}
	}
	u := NewOpenUpvalue(t, idx)
	t.OpenUpvalues = append(t.OpenUpvalues, u)
	return u
}

// CloseUpvalues closes every open upvalue at or above stack slot from.
func (t *Thread) CloseUpvalues(from int) {
	kept := t.OpenUpvalues[:0]
	for _, u := range t.OpenUpvalues {
		if u.StackIndex >= from {
			u.Close()
		} else {
			kept = append(kept, u)
		}
	}
	t.OpenUpvalues = kept
}
