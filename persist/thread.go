package persist

import (
	"fmt"

	"github.com/chazu/loom/vm"
)

// thread captures a suspended (or finished, or errored) thread: stack
// contents, call frames with stack-relative offsets, and open upvalues.
// Saved program counters cross the wire as yield-point indices so two
// prototype instances compiled from the same source stay interchangeable.
func (e *encoder) thread(t *vm.Thread) error {
	if t.Status == vm.ThreadRunning {
		return e.fail(ErrRunningThread)
	}

	e.w.u8(tagThread)
	e.w.u8(byte(t.Status))
	e.w.u8(t.MemCat)

	e.push(".env")
	if err := e.value(t.Env); err != nil {
		return err
	}
	e.pop()

	stackLen := t.Top
	for _, ci := range t.Frames {
		if ci.Top > stackLen {
			stackLen = ci.Top
		}
	}

	e.w.integer(int64(t.Top))
	e.w.size(stackLen)
	for i := 0; i < stackLen; i++ {
		e.push(fmt.Sprintf(".stack[%d]", i))
		if err := e.value(t.Stack[i]); err != nil {
			return err
		}
		e.pop()
	}

	e.w.size(len(t.Frames))
	for i, ci := range t.Frames {
		e.w.u8(byte(ci.Kind))
		e.w.u8(ci.Flags)
		e.w.integer(int64(ci.FuncIdx))
		e.w.integer(int64(ci.Base))
		e.w.integer(int64(ci.Top))
		e.w.integer(int64(ci.NumResults))

		if ci.Kind != vm.FrameScripted {
			continue
		}
		fn := t.Stack[ci.FuncIdx]
		if fn.Kind() != vm.KindClosure || fn.AsClosure().IsNative {
			return e.fail(fmt.Errorf("%w: frame %d callee is not a scripted closure", ErrInvalidSuspendPoint, i))
		}
		idx := fn.AsClosure().Proto.YieldPointIndex(ci.SavedPC)
		if idx < 0 {
			// A dead thread can never resume, so an approximate counter
			// is acceptable for it.
			if t.Status != vm.ThreadErrored {
				return e.fail(fmt.Errorf("%w: frame %d pc %d has no yield point", ErrInvalidSuspendPoint, i, ci.SavedPC))
			}
			e.w.integer(-1)
			e.w.integer(int64(ci.SavedPC))
			continue
		}
		e.w.integer(int64(idx))
	}

	e.w.size(len(t.OpenUpvalues))
	for i, u := range t.OpenUpvalues {
		e.push(fmt.Sprintf(".open[%d]", i))
		if err := e.value(u.Value()); err != nil {
			return err
		}
		e.pop()
	}
	return nil
}
