package persist

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/loom/vm"
)

func roundTrip(t *testing.T, machine *vm.VM, perms *PermTable, v vm.Value) vm.Value {
	t.Helper()
	blob, err := Persist(machine, DefaultSettings(), perms, v)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	out, err := Unpersist(machine, DefaultSettings(), perms, blob)
	if err != nil {
		t.Fatalf("unpersist: %v", err)
	}
	return out
}

func TestRoundTripScalars(t *testing.T) {
	machine := vm.New()
	cases := []vm.Value{
		vm.Nil,
		vm.True,
		vm.False,
		vm.FromNumber(0),
		vm.FromNumber(-2.5),
		vm.FromNumber(math.Inf(1)),
	}
	for _, v := range cases {
		if got := roundTrip(t, machine, nil, v); got != v {
			t.Errorf("round trip of %v yielded %v", v, got)
		}
	}

	nan := roundTrip(t, machine, nil, vm.FromNumber(math.NaN()))
	if !math.IsNaN(nan.Number()) {
		t.Errorf("NaN round trip yielded %v", nan)
	}

	s := roundTrip(t, machine, nil, vm.NewString("hello"))
	if s.Kind() != vm.KindString || s.AsString().Data != "hello" {
		t.Errorf("string round trip yielded %v", s)
	}

	vec := roundTrip(t, machine, nil, vm.NewVector(1, -2, 3.5, 0)).AsVector()
	if vec.X != 1 || vec.Y != -2 || vec.Z != 3.5 || vec.W != 0 {
		t.Errorf("vector round trip yielded <%v, %v, %v, %v>", vec.X, vec.Y, vec.Z, vec.W)
	}
}

func TestRoundTripTableShapeAndOrder(t *testing.T) {
	machine := vm.New()
	src := vm.NewTable().AsTable()
	src.Append(vm.FromNumber(10))
	src.Append(vm.NewString("two"))
	src.SetField("z", vm.FromNumber(1))
	src.SetField("a", vm.FromNumber(2))
	src.SetField("m", vm.FromNumber(3))

	meta := vm.NewTable()
	meta.AsTable().SetField("__index", vm.NewString("marker"))
	src.SetMeta(meta)

	out := roundTrip(t, machine, nil, src.Value()).AsTable()
	if out.ArrayLen() != 2 || out.HashLen() != 3 {
		t.Fatalf("shape %d/%d, want 2/3", out.ArrayLen(), out.HashLen())
	}
	if out.ArrayGet(0).Number() != 10 || out.ArrayGet(1).AsString().Data != "two" {
		t.Error("array part mismatch")
	}

	var order []string
	out.HashIterate(func(k, _ vm.Value) bool {
		order = append(order, k.AsString().Data)
		return true
	})
	if strings.Join(order, ",") != "z,a,m" {
		t.Errorf("iteration order %v, want z,a,m", order)
	}

	m := out.Meta()
	if m == vm.Nil || m.AsTable().GetField("__index").AsString().Data != "marker" {
		t.Error("metatable lost")
	}
}

func TestRoundTripCycle(t *testing.T) {
	machine := vm.New()
	src := vm.NewTable()
	src.AsTable().SetField("self", src)

	out := roundTrip(t, machine, nil, src)
	if got := out.AsTable().GetField("self"); got != out {
		t.Fatal("self-reference does not point back at the decoded table")
	}
}

func TestRoundTripMutualReference(t *testing.T) {
	machine := vm.New()
	a := vm.NewTable()
	b := vm.NewTable()
	a.AsTable().SetField("peer", b)
	b.AsTable().SetField("peer", a)
	root := vm.NewTable()
	root.AsTable().Append(a)
	root.AsTable().Append(b)

	out := roundTrip(t, machine, nil, root).AsTable()
	da, db := out.ArrayGet(0), out.ArrayGet(1)
	if da.AsTable().GetField("peer") != db || db.AsTable().GetField("peer") != da {
		t.Fatal("mutual references lost identity")
	}
}

func TestRoundTripSharedValue(t *testing.T) {
	machine := vm.New()
	shared := vm.NewTable()
	root := vm.NewTable()
	root.AsTable().Append(shared)
	root.AsTable().Append(shared)

	out := roundTrip(t, machine, nil, root).AsTable()
	if out.ArrayGet(0) != out.ArrayGet(1) {
		t.Fatal("shared table decoded to two objects")
	}
}

func TestRoundTripUpvalueSharing(t *testing.T) {
	machine := vm.New()
	proto := vm.NewProto()
	proto.Source = "shared.lsl"
	proto.NumUpvals = 1

	u := vm.NewClosedUpvalue(vm.FromNumber(1))
	env := vm.NewTable()
	c1 := vm.NewClosure(proto, env, 1)
	c1.AsClosure().Upvalues[0] = u
	c2 := vm.NewClosure(proto, env, 1)
	c2.AsClosure().Upvalues[0] = u

	root := vm.NewTable()
	root.AsTable().Append(c1)
	root.AsTable().Append(c2)

	out := roundTrip(t, machine, nil, root).AsTable()
	d1 := out.ArrayGet(0).AsClosure()
	d2 := out.ArrayGet(1).AsClosure()
	if d1.Upvalues[0] != d2.Upvalues[0] {
		t.Fatal("shared upvalue decoded to two cells")
	}
	if d1.Proto != d2.Proto {
		t.Fatal("shared prototype decoded to two objects")
	}
	d1.Upvalues[0].Set(vm.FromNumber(42))
	if d2.Upvalues[0].Get().Number() != 42 {
		t.Fatal("mutation through one closure not visible through the other")
	}
}

func TestRoundTripOpenUpvalue(t *testing.T) {
	machine := vm.New()
	th := machine.NewSandboxedThread()
	th.EnsureStack(8)
	th.Stack[3] = vm.FromNumber(7)
	th.Top = 5
	u := th.FindOpenUpvalue(3)

	proto := vm.NewProto()
	proto.NumUpvals = 1
	c := vm.NewClosure(proto, th.Env, 1)
	c.AsClosure().Upvalues[0] = u

	root := vm.NewTable()
	root.AsTable().Append(th.Value())
	root.AsTable().Append(c)

	perms, err := ScavengeVM(machine)
	if err != nil {
		t.Fatal(err)
	}
	out := roundTrip(t, machine, perms, root).AsTable()
	dt := out.ArrayGet(0).AsThread()
	dc := out.ArrayGet(1).AsClosure()

	du := dc.Upvalues[0]
	if !du.IsOpen() {
		t.Fatal("upvalue decoded closed")
	}
	if du.Owner != dt || du.StackIndex != 3 {
		t.Fatalf("upvalue reopened against slot %d of the wrong thread", du.StackIndex)
	}
	if du.Get().Number() != 7 {
		t.Fatalf("upvalue reads %v, want 7", du.Get())
	}
	if len(dt.OpenUpvalues) != 1 || dt.OpenUpvalues[0] != du {
		t.Fatal("restored thread does not track its open upvalue")
	}
}

func TestOpenUpvalueSlotOutOfRange(t *testing.T) {
	machine := vm.New()

	// An open upvalue whose stored slot lies far past its owner's stack.
	var w writer
	w.header()
	w.u8(tagUpvalue)
	w.u8(1) // open
	w.u8(tagThread)
	w.u8(uint8(vm.ThreadSuspended))
	w.u8(0) // memory category
	w.u8(tagTable)
	w.u8(0)
	w.size(0)
	w.size(0)
	w.u8(tagNil) // env metatable
	w.integer(2) // top
	w.size(4)    // stack
	for i := 0; i < 4; i++ {
		w.u8(tagNil)
	}
	w.size(0)          // frames
	w.size(0)          // tracked open upvalues
	w.integer(1 << 30) // upvalue slot

	_, err := Unpersist(machine, DefaultSettings(), nil, w.buf.Bytes())
	if !errors.Is(err, ErrReference) {
		t.Fatalf("err = %v, want ErrReference", err)
	}
	if machine.GCPaused() {
		t.Error("collection left paused after a failed decode")
	}
}

func TestZeroValueSettingsKeepDebugInfo(t *testing.T) {
	machine := vm.New()
	proto := vm.NewProto()
	proto.Source = "door.lsl"
	proto.DebugName = "_fopen"

	blob, err := Persist(machine, Settings{}, nil, proto.Value())
	if err != nil {
		t.Fatal(err)
	}
	out, err := Unpersist(machine, Settings{}, nil, blob)
	if err != nil {
		t.Fatal(err)
	}
	dp := out.AsProto()
	if dp.Source != "door.lsl" || dp.DebugName != "_fopen" {
		t.Fatalf("debug info lost: source %q, name %q", dp.Source, dp.DebugName)
	}

	stripped, err := Persist(machine, Settings{StripDebugInfo: true}, nil, proto.Value())
	if err != nil {
		t.Fatal(err)
	}
	out, err = Unpersist(machine, Settings{}, nil, stripped)
	if err != nil {
		t.Fatal(err)
	}
	if dp := out.AsProto(); dp.Source != "" || dp.DebugName != "" {
		t.Fatalf("opt-out kept debug info: source %q, name %q", dp.Source, dp.DebugName)
	}
}

func TestRoundTripUserdata(t *testing.T) {
	machine := vm.New()

	blob := vm.NewUserdata(vm.UserdataBlob)
	blob.AsUserdata().Bytes = []byte{1, 2, 3, 0, 255}

	canonical := vm.NewKey("5748decc-f629-461c-9a36-a35a236fe36f")
	freeform := vm.NewKey("not a uuid")

	root := vm.NewTable()
	root.AsTable().Append(blob)
	root.AsTable().Append(canonical)
	root.AsTable().Append(freeform)

	out := roundTrip(t, machine, nil, root).AsTable()

	db := out.ArrayGet(0).AsUserdata()
	if db.Tag != vm.UserdataBlob || string(db.Bytes) != string([]byte{1, 2, 3, 0, 255}) {
		t.Error("blob payload mismatch")
	}
	dk := out.ArrayGet(1).AsUserdata()
	if !dk.Canonical || dk.Key != "5748decc-f629-461c-9a36-a35a236fe36f" {
		t.Errorf("canonical key decoded to %q (canonical=%v)", dk.Key, dk.Canonical)
	}
	df := out.ArrayGet(2).AsUserdata()
	if df.Canonical || df.Key != "not a uuid" {
		t.Errorf("free-form key decoded to %q (canonical=%v)", df.Key, df.Canonical)
	}
}

func TestRoundTripManagerInternalTables(t *testing.T) {
	machine := vm.New()

	events := vm.NewEventsManager()
	reg := vm.NewTable()
	reg.AsTable().Append(vm.FromNumber(4))
	reg.AsTable().Append(vm.NewString("door"))
	events.AsUserdata().Listeners.AsTable().Append(reg)

	timers := vm.NewTimersManager()
	timers.AsUserdata().Timers.AsTable().SetField("interval", vm.FromNumber(2.5))

	root := vm.NewTable()
	root.AsTable().Append(events)
	root.AsTable().Append(events.AsUserdata().Listeners)
	root.AsTable().Append(timers)

	out := roundTrip(t, machine, nil, root).AsTable()

	de := out.ArrayGet(0).AsUserdata()
	if de.Tag != vm.UserdataEvents {
		t.Fatalf("tag = %d, want UserdataEvents", de.Tag)
	}
	// The state table must decode to one object however it is reached.
	if de.Listeners != out.ArrayGet(1) {
		t.Fatal("listener table lost identity with its direct reference")
	}
	dreg := de.Listeners.AsTable().ArrayGet(0).AsTable()
	if dreg.ArrayGet(0).Number() != 4 || dreg.ArrayGet(1).AsString().Data != "door" {
		t.Error("listener registration payload mismatch")
	}

	dt := out.ArrayGet(2).AsUserdata()
	if dt.Tag != vm.UserdataTimers {
		t.Fatalf("tag = %d, want UserdataTimers", dt.Tag)
	}
	if dt.Timers.AsTable().GetField("interval").Number() != 2.5 {
		t.Error("timer interval lost")
	}
}

func TestManagerSingletonsScavenged(t *testing.T) {
	machine := vm.New()
	perms, err := ScavengeVM(machine)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := perms.Resolve("singleton/__events"); !ok || v != machine.Events {
		t.Error("events manager not scavenged as singleton/__events")
	}
	if v, ok := perms.Resolve("singleton/__timers"); !ok || v != machine.Timers {
		t.Error("timer manager not scavenged as singleton/__timers")
	}

	root := vm.NewTable()
	root.AsTable().SetField("ev", machine.Events)
	root.AsTable().SetField("tm", machine.Timers)
	out := roundTrip(t, machine, perms, root).AsTable()
	if out.GetField("ev") != machine.Events {
		t.Error("events manager did not resolve to the same object")
	}
	if out.GetField("tm") != machine.Timers {
		t.Error("timer manager did not resolve to the same object")
	}
}

func TestPermanentSubstitution(t *testing.T) {
	machine := vm.New()
	perms, err := ScavengeVM(machine)
	if err != nil {
		t.Fatal(err)
	}

	say, _ := machine.ResolveImport(vm.ImportRef{Module: "ll", Member: "Say"})
	root := vm.NewTable()
	root.AsTable().SetField("fn", say)
	root.AsTable().SetField("globals", machine.GlobalsBase)

	out := roundTrip(t, machine, perms, root).AsTable()
	if out.GetField("fn") != say {
		t.Error("native closure did not resolve to the same object")
	}
	if out.GetField("globals") != machine.GlobalsBase {
		t.Error("globals table did not resolve to the same object")
	}
}

func TestUnregisteredNativeClosureFails(t *testing.T) {
	machine := vm.New()
	orphan := vm.NewNativeClosure("orphan", func(*vm.Thread, []vm.Value) ([]vm.Value, error) {
		return nil, nil
	})
	_, err := Persist(machine, DefaultSettings(), NewPermTable(), orphan)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
}

func TestPermTableDuplicateRegistration(t *testing.T) {
	p := NewPermTable()
	v := vm.NewString("anchor")
	if err := p.Register("k", v); err != nil {
		t.Fatal(err)
	}
	if err := p.Register("k", v); err != nil {
		t.Errorf("re-registering the same pair: err = %v", err)
	}
	if err := p.Register("k", vm.NewString("other")); !errors.Is(err, ErrPermanent) {
		t.Errorf("duplicate key: err = %v", err)
	}
	if err := p.Register("alias", v); !errors.Is(err, ErrPermanent) {
		t.Errorf("duplicate value: err = %v", err)
	}
}

func TestComplexityCeiling(t *testing.T) {
	machine := vm.New()
	root := vm.NewTable()
	leaf := root
	for i := 0; i < 50; i++ {
		next := vm.NewTable()
		leaf.AsTable().SetField("next", next)
		leaf = next
	}

	set := Settings{MaxComplexity: 10}
	_, err := Persist(machine, set, nil, root)
	if !errors.Is(err, ErrTooComplex) {
		t.Fatalf("err = %v, want ErrTooComplex", err)
	}

	blob, err := Persist(machine, DefaultSettings(), nil, root)
	if err != nil {
		t.Fatalf("persist at default ceiling: %v", err)
	}
	if _, err := Unpersist(machine, set, nil, blob); !errors.Is(err, ErrTooComplex) {
		t.Fatalf("decode err = %v, want ErrTooComplex", err)
	}
}

func TestHeaderRejection(t *testing.T) {
	machine := vm.New()
	blob, err := Persist(machine, DefaultSettings(), nil, vm.FromNumber(1))
	if err != nil {
		t.Fatal(err)
	}

	bad := append([]byte(nil), blob...)
	bad[0] = 'X'
	if _, err := Unpersist(machine, DefaultSettings(), nil, bad); !errors.Is(err, ErrIncompatible) {
		t.Errorf("bad magic: err = %v", err)
	}

	legacy := append([]byte(nil), blob...)
	copy(legacy, legacyMagic[:])
	if _, err := Unpersist(machine, DefaultSettings(), nil, legacy); !errors.Is(err, ErrIncompatible) {
		t.Errorf("legacy magic: err = %v", err)
	}

	badVersion := append([]byte(nil), blob...)
	badVersion[4] = 0xEE
	if _, err := Unpersist(machine, DefaultSettings(), nil, badVersion); !errors.Is(err, ErrIncompatible) {
		t.Errorf("bad version: err = %v", err)
	}

	badCanary := append([]byte(nil), blob...)
	badCanary[10] ^= 0x01
	if _, err := Unpersist(machine, DefaultSettings(), nil, badCanary); !errors.Is(err, ErrIncompatible) {
		t.Errorf("bad canary: err = %v", err)
	}

	if _, err := Unpersist(machine, DefaultSettings(), nil, blob[:6]); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated header: err = %v", err)
	}
}

func TestCorruptedReferenceId(t *testing.T) {
	machine := vm.New()
	before := machine.GlobalsBase.AsTable().HashLen()

	var w writer
	w.header()
	w.u8(tagTable)
	w.u8(0)
	w.size(1) // one array slot
	w.size(0)
	w.u8(tagReference)
	w.size(99) // never allocated
	w.u8(tagNil)

	_, err := Unpersist(machine, DefaultSettings(), nil, w.buf.Bytes())
	if !errors.Is(err, ErrReference) {
		t.Fatalf("err = %v, want ErrReference", err)
	}
	if machine.GlobalsBase.AsTable().HashLen() != before {
		t.Error("failed decode disturbed the machine's globals")
	}
	if machine.GCPaused() {
		t.Error("collection left paused after a failed decode")
	}
}

func TestKeyCountMismatch(t *testing.T) {
	machine := vm.New()

	var w writer
	w.header()
	w.u8(tagTable)
	w.u8(0)
	w.size(0)
	w.size(2) // declares two pairs, but both use the same key
	w.u8(tagString)
	w.str("dup")
	w.u8(tagNumber)
	w.f64(1)
	w.u8(tagReference)
	w.size(2) // the "dup" string
	w.u8(tagNumber)
	w.f64(2)
	w.u8(tagNil)

	_, err := Unpersist(machine, DefaultSettings(), nil, w.buf.Bytes())
	if !errors.Is(err, ErrCountMismatch) {
		t.Fatalf("err = %v, want ErrCountMismatch", err)
	}
}

func TestGeneratePathBreadcrumb(t *testing.T) {
	machine := vm.New()
	orphan := vm.NewNativeClosure("orphan", func(*vm.Thread, []vm.Value) ([]vm.Value, error) {
		return nil, nil
	})
	root := vm.NewTable()
	root.AsTable().SetField("inner", orphan)

	set := DefaultSettings()
	set.GeneratePath = true
	_, err := Persist(machine, set, NewPermTable(), root)
	if err == nil || !strings.Contains(err.Error(), "at root") {
		t.Fatalf("err = %v, want a path breadcrumb", err)
	}
}

func TestPersistRunningThreadRefused(t *testing.T) {
	machine := vm.New()
	th := machine.NewSandboxedThread()
	th.Status = vm.ThreadRunning
	_, err := Persist(machine, DefaultSettings(), nil, th.Value())
	if !errors.Is(err, ErrRunningThread) {
		t.Fatalf("err = %v, want ErrRunningThread", err)
	}
}

func TestInvalidSuspendPointOnEncode(t *testing.T) {
	machine := vm.New()
	th := machine.NewSandboxedThread()
	proto := vm.NewProto()
	proto.Code = []uint32{0, 0, 0}
	proto.YieldPoints = []int32{2}
	proto.MaxStackSize = 2
	cl := vm.NewClosure(proto, th.Env, 0)

	th.EnsureStack(8)
	th.Stack[0] = cl
	th.Top = 3
	th.Status = vm.ThreadSuspended
	th.Frames = []vm.CallInfo{{
		FuncIdx: 0, Base: 1, Top: 3, NumResults: -1,
		Kind: vm.FrameScripted, SavedPC: 1, // not a yield point
	}}

	perms, err := ScavengeVM(machine)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Persist(machine, DefaultSettings(), perms, th.Value()); !errors.Is(err, ErrInvalidSuspendPoint) {
		t.Fatalf("err = %v, want ErrInvalidSuspendPoint", err)
	}

	// An errored thread may carry an approximate counter.
	th.Status = vm.ThreadErrored
	blob, err := Persist(machine, DefaultSettings(), perms, th.Value())
	if err != nil {
		t.Fatalf("errored thread: %v", err)
	}
	out, err := Unpersist(machine, DefaultSettings(), perms, blob)
	if err != nil {
		t.Fatalf("errored thread decode: %v", err)
	}
	if dt := out.AsThread(); dt.Status != vm.ThreadErrored || dt.Frames[0].SavedPC != 1 {
		t.Error("errored thread counter not carried through")
	}
}

func TestKeyPacking(t *testing.T) {
	const k = "5748decc-f629-461c-9a36-a35a236fe36f"
	packed, err := packKey(k)
	if err != nil {
		t.Fatal(err)
	}
	if got := unpackKey(packed); got != k {
		t.Fatalf("unpack(pack(%q)) = %q", k, got)
	}
	if _, err := packKey("not canonical"); err == nil {
		t.Fatal("packKey accepted a malformed key")
	}
}
