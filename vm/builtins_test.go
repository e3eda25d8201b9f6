package vm

import "testing"

func callBuiltin(t *testing.T, machine *VM, member string, args ...Value) []Value {
	t.Helper()
	fn, err := machine.ResolveImport(ImportRef{Module: "ll", Member: member})
	if err != nil {
		t.Fatal(err)
	}
	th := machine.NewSandboxedThread()
	res, err := th.Call(fn, args...)
	if err != nil {
		t.Fatalf("%s: %v", member, err)
	}
	return res
}

func TestListenRecordsRegistration(t *testing.T) {
	machine := New()

	res := callBuiltin(t, machine, "Listen",
		FromNumber(4), NewString("door"), NewKey(NullKey), NewString("open"))
	if len(res) != 1 || res[0].Number() != 1 {
		t.Fatalf("first handle = %v, want 1", res)
	}
	res = callBuiltin(t, machine, "Listen",
		FromNumber(0), NewString(""), NewKey(NullKey), NewString(""))
	if res[0].Number() != 2 {
		t.Fatalf("second handle = %v, want 2", res[0])
	}

	listeners := machine.Events.AsUserdata().Listeners.AsTable()
	if listeners.Length() != 2 {
		t.Fatalf("listener count = %d, want 2", listeners.Length())
	}
	reg := listeners.ArrayGet(0).AsTable()
	if reg.ArrayGet(0).Number() != 4 || reg.ArrayGet(1).AsString().Data != "door" {
		t.Error("first registration does not carry its channel and name")
	}
}

func TestListenRemoveClearsHandle(t *testing.T) {
	machine := New()
	callBuiltin(t, machine, "Listen",
		FromNumber(1), NewString("a"), NewKey(NullKey), NewString(""))
	callBuiltin(t, machine, "ListenRemove", FromNumber(1))

	listeners := machine.Events.AsUserdata().Listeners.AsTable()
	if listeners.ArrayGet(0) != Nil {
		t.Error("removed handle still holds a registration")
	}

	// Unknown handles are ignored, matching the scripting surface.
	callBuiltin(t, machine, "ListenRemove", FromNumber(99))
}

func TestSetTimerEventStoresInterval(t *testing.T) {
	machine := New()
	callBuiltin(t, machine, "SetTimerEvent", FromNumber(2.5))

	timers := machine.Timers.AsUserdata().Timers.AsTable()
	if got := timers.GetField("interval"); got.Number() != 2.5 {
		t.Fatalf("interval = %v, want 2.5", got)
	}

	callBuiltin(t, machine, "SetTimerEvent", FromNumber(0))
	if got := timers.GetField("interval"); got.Number() != 0 {
		t.Fatalf("interval after reset = %v, want 0", got)
	}
}

func TestManagerSingletonsInstalled(t *testing.T) {
	machine := New()
	base := machine.GlobalsBase.AsTable()

	ev := base.GetField("__events")
	if ev != machine.Events || ev.AsUserdata().Tag != UserdataEvents {
		t.Error("__events global is not the events manager")
	}
	tm := base.GetField("__timers")
	if tm != machine.Timers || tm.AsUserdata().Tag != UserdataTimers {
		t.Error("__timers global is not the timer manager")
	}
	if ev.AsUserdata().Listeners.Kind() != KindTable {
		t.Error("events manager has no state table")
	}
	if tm.AsUserdata().Timers.Kind() != KindTable {
		t.Error("timer manager has no state table")
	}
}
