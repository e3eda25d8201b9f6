package vm

import (
	"fmt"
	"math"
)

// VM owns the shared runtime state: the globals base table, the helper
// module namespaces the compiler lowers onto, and allocation accounting.
type VM struct {
	// GlobalsBase is the real globals table. Sandboxed threads see it
	// through a read-through proxy so their writes stay thread-local.
	GlobalsBase Value

	// Modules maps a module name ("ll", "bit32", "lsl") to its table of
	// native closures. Import references resolve here.
	Modules map[string]Value

	// Say receives builtin chat output. Tests hook this.
	Say func(string)

	// Events and Timers are the manager singletons scripts reach through
	// llListen and llSetTimerEvent. They live in the globals base under
	// fixed names so snapshot permanents can anchor them.
	Events Value
	Timers Value

	gc gcState
}

// New creates a VM with the builtin modules registered.
func New() *VM {
	vm := &VM{
		GlobalsBase: NewTable(),
		Modules:     make(map[string]Value),
		Say:         func(string) {},
	}
	vm.gc.threshold = defaultGCThreshold
	registerBuiltins(vm)

	vm.Events = NewEventsManager()
	vm.Timers = NewTimersManager()
	base := vm.GlobalsBase.AsTable()
	base.SetField("__events", vm.Events)
	base.SetField("__timers", vm.Timers)
	return vm
}

// RegisterModule installs a module table under name. The table is marked
// read-only: module members are permanent objects with stable identities.
func (vm *VM) RegisterModule(name string, table Value) {
	table.AsTable().ReadOnly = true
	vm.Modules[name] = table
}

// ResolveImport resolves a module/member pair to its value.
func (vm *VM) ResolveImport(ref ImportRef) (Value, error) {
	mod, ok := vm.Modules[ref.Module]
	if !ok {
		return Nil, fmt.Errorf("unknown import module %q", ref.Module)
	}
	v := mod.AsTable().GetField(ref.Member)
	if v == Nil {
		return Nil, fmt.Errorf("unknown import %s.%s", ref.Module, ref.Member)
	}
	return v, nil
}

// NewSandboxedThread creates a thread whose environment is a fresh table
// reading through to the globals base via an __index metatable. The base is
// frozen so forked instances cannot observe each other through it.
func (vm *VM) NewSandboxedThread() *Thread {
	vm.GlobalsBase.AsTable().ReadOnly = true

	env := NewTable()
	meta := NewTable()
	meta.AsTable().SetField("__index", vm.GlobalsBase)
	env.AsTable().SetMeta(meta)
	env.AsTable().SafeEnv = true

	return NewThread(vm, env)
}

// GlobalGet reads a global through a thread environment, falling back to
// the base table via the __index link.
func GlobalGet(env Value, name string) Value {
	t := env.AsTable()
	if v := t.GetField(name); v != Nil {
		return v
	}
	if m := t.Meta(); m != Nil {
		if base := m.AsTable().GetField("__index"); base != Nil && base.Kind() == KindTable {
			return base.AsTable().GetField(name)
		}
	}
	return Nil
}

// GlobalSet writes a global into a thread environment.
func GlobalSet(env Value, name string, v Value) error {
	t := env.AsTable()
	if t.ReadOnly {
		return fmt.Errorf("cannot write global %q: environment is read-only", name)
	}
	t.SetField(name, v)
	return nil
}

// ---------------------------------------------------------------------------
// Allocation accounting / collection gate
// ---------------------------------------------------------------------------

const defaultGCThreshold = 1 << 20

type gcState struct {
	allocated uint64
	threshold uint64
}

// Account charges n allocation units to the current cycle. When the
// threshold is crossed a collection step would run; while collection is
// paused the threshold is parked at the maximum so no step can trigger.
func (vm *VM) Account(n uint64) {
	vm.gc.allocated += n
	if vm.gc.allocated >= vm.gc.threshold {
		vm.collectStep()
	}
}

func (vm *VM) collectStep() {
	// Collection itself is delegated to the Go runtime; the threshold only
	// gates when object bookkeeping may run.
	vm.gc.allocated = 0
}

// PauseGC disables collection steps and returns a func restoring the prior
// threshold. Callers pair it with defer so an error path cannot leave
// collection disabled.
func (vm *VM) PauseGC() (restore func()) {
	prev := vm.gc.threshold
	vm.gc.threshold = math.MaxUint64
	return func() {
		vm.gc.threshold = prev
	}
}

// GCPaused reports whether collection steps are currently disabled.
func (vm *VM) GCPaused() bool {
	return vm.gc.threshold == math.MaxUint64
}
