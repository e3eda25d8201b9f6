package vm

import (
	"math"
	"testing"
)

func makeProto(name string, numParams, maxStack uint8, code []uint32, consts []Value) *Proto {
	p := NewProto()
	p.DebugName = name
	p.NumParams = numParams
	p.MaxStackSize = maxStack
	p.Code = code
	p.Constants = consts
	return p
}

func TestInterpAddFunction(t *testing.T) {
	p := makeProto("add", 2, 3, []uint32{
		InsABC(OpAdd, 2, 0, 1),
		InsABC(OpReturn, 2, 2, 0),
	}, nil)

	vm := New()
	th := NewThread(vm, vm.GlobalsBase)
	fn := NewClosure(p, vm.GlobalsBase, 0)

	res, err := th.Call(fn, FromNumber(2), FromNumber(40))
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Number() != 42 {
		t.Fatalf("add(2, 40) = %v", res)
	}
}

func TestInterpAddKAndGlobals(t *testing.T) {
	// x = 5; x = x + 1 (via ADDK); return x
	consts := []Value{NewString("x"), FromNumber(1)}
	p := makeProto("inc", 0, 2, []uint32{
		InsAD(OpLoadN, 0, 5),
		InsAD(OpSetGlobal, 0, 0),
		InsAD(OpGetGlobal, 0, 0),
		InsABC(OpAddK, 0, 0, 1),
		InsAD(OpSetGlobal, 0, 0),
		InsAD(OpGetGlobal, 0, 0),
		InsABC(OpReturn, 0, 2, 0),
	}, consts)

	vm := New()
	env := NewTable()
	th := NewThread(vm, env)
	fn := NewClosure(p, env, 0)

	res, err := th.Call(fn)
	if err != nil {
		t.Fatal(err)
	}
	if res[0].Number() != 6 {
		t.Fatalf("x = %v, want 6", res[0].Number())
	}
}

func TestInterpYieldResume(t *testing.T) {
	p := makeProto("sleeper", 0, 2, []uint32{
		InsAD(OpGetImport, 0, 0),
		InsABC(OpCall, 0, 1, 1),
		InsAD(OpLoadN, 0, 42),
		InsABC(OpReturn, 0, 2, 0),
	}, nil)
	p.Imports = []ImportRef{{Module: "ll", Member: "Sleep"}}
	p.YieldPoints = []int32{2}

	vm := New()
	th := NewThread(vm, vm.GlobalsBase)
	fn := NewClosure(p, vm.GlobalsBase, 0)

	_, err := th.Call(fn)
	if err != nil {
		t.Fatal(err)
	}
	if th.Status != ThreadSuspended {
		t.Fatalf("status = %v, want suspended", th.Status)
	}
	if got := th.Frames[len(th.Frames)-1].SavedPC; got != 2 {
		t.Fatalf("saved pc = %d, want 2", got)
	}

	res, err := th.Resume()
	if err != nil {
		t.Fatal(err)
	}
	if th.Status != ThreadOK {
		t.Fatalf("status after resume = %v", th.Status)
	}
	if len(res) != 1 || res[0].Number() != 42 {
		t.Fatalf("resume results = %v", res)
	}
}

func TestInterpNaNComparisonIsFalse(t *testing.T) {
	// if R0 < R1 then return 1 else return 0
	p := makeProto("cmp", 2, 3, []uint32{
		InsAD(OpJumpIfLt, 0, 2), 1, // aux = rhs register
		InsAD(OpLoadN, 2, 0),
		InsABC(OpReturn, 2, 2, 0),
		InsAD(OpLoadN, 2, 1),
		InsABC(OpReturn, 2, 2, 0),
	}, nil)

	vm := New()
	fn := NewClosure(p, vm.GlobalsBase, 0)

	nan := FromNumber(math.NaN())
	for _, args := range [][]Value{
		{nan, FromNumber(1)},
		{FromNumber(1), nan},
		{nan, nan},
	} {
		th := NewThread(vm, vm.GlobalsBase)
		res, err := th.Call(fn, args...)
		if err != nil {
			t.Fatal(err)
		}
		if res[0].Number() != 0 {
			t.Errorf("NaN comparison returned true for %v", args)
		}
	}
}

func TestInterpSharedUpvalue(t *testing.T) {
	uv := NewClosedUpvalue(FromNumber(10))

	getP := makeProto("get", 0, 1, []uint32{
		InsABC(OpGetUpval, 0, 0, 0),
		InsABC(OpReturn, 0, 2, 0),
	}, nil)
	getP.NumUpvals = 1

	setP := makeProto("set", 1, 1, []uint32{
		InsABC(OpSetUpval, 0, 0, 0),
		InsABC(OpReturn, 0, 1, 0),
	}, nil)
	setP.NumUpvals = 1

	vm := New()
	get := NewClosure(getP, vm.GlobalsBase, 1)
	set := NewClosure(setP, vm.GlobalsBase, 1)
	get.AsClosure().Upvalues[0] = uv
	set.AsClosure().Upvalues[0] = uv

	th := NewThread(vm, vm.GlobalsBase)
	if _, err := th.Call(set, FromNumber(99)); err != nil {
		t.Fatal(err)
	}
	res, err := th.Call(get)
	if err != nil {
		t.Fatal(err)
	}
	if res[0].Number() != 99 {
		t.Fatalf("shared upvalue read %v, want 99 (mutation through one closure must be visible through the other)", res[0].Number())
	}
}

func TestInterpTruncationOpcode(t *testing.T) {
	p := makeProto("trunc", 1, 2, []uint32{
		InsABC(OpDouble2Float, 1, 0, 0),
		InsABC(OpReturn, 1, 2, 0),
	}, nil)

	vm := New()
	th := NewThread(vm, vm.GlobalsBase)
	fn := NewClosure(p, vm.GlobalsBase, 0)

	in := 1.1
	res, err := th.Call(fn, FromNumber(in))
	if err != nil {
		t.Fatal(err)
	}
	want := float64(float32(in))
	if res[0].Number() != want {
		t.Fatalf("DOUBLE2FLOAT(%v) = %v, want %v", in, res[0].Number(), want)
	}
	if res[0].Number() == in {
		t.Fatal("truncation did not change a value that is not float32-exact")
	}
}
