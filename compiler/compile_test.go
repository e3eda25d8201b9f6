package compiler

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/chazu/loom/vm"
)

// runMain compiles src and executes its entry routine on a fresh
// sandboxed thread, installing globals and routine closures into the
// thread environment.
func runMain(t *testing.T, src string) (*vm.VM, *vm.Thread) {
	t.Helper()
	res := compileOK(t, src)
	machine := vm.New()
	th := machine.NewSandboxedThread()
	if _, err := th.Call(vm.NewClosure(res.Main, th.Env, 0)); err != nil {
		t.Fatalf("entry routine: %v", err)
	}
	return machine, th
}

func callRoutine(t *testing.T, th *vm.Thread, name string, args ...vm.Value) []vm.Value {
	t.Helper()
	fn := vm.GlobalGet(th.Env, name)
	if fn == vm.Nil {
		t.Fatalf("routine %q not installed", name)
	}
	rets, err := th.Call(fn, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return rets
}

func callNumber(t *testing.T, th *vm.Thread, name string, args ...vm.Value) float64 {
	t.Helper()
	rets := callRoutine(t, th, name, args...)
	if len(rets) != 1 || !rets[0].IsNumber() {
		t.Fatalf("%s returned %v, want one number", name, rets)
	}
	return rets[0].Number()
}

func TestRunFactorial(t *testing.T) {
	_, th := runMain(t, `
integer fact(integer n) {
    if (n <= 1) return 1;
    return n * fact(n - 1);
}
`)
	if got := callNumber(t, th, "_ffact", vm.FromNumber(6)); got != 720 {
		t.Fatalf("fact(6) = %v, want 720", got)
	}
}

func TestRunForLoopCommaLists(t *testing.T) {
	_, th := runMain(t, `
integer sumTo(integer n) {
    integer s;
    integer i;
    for (s = 0, i = 1; i <= n; s += i, i++) {}
    return s;
}
`)
	if got := callNumber(t, th, "_fsumTo", vm.FromNumber(10)); got != 55 {
		t.Fatalf("sumTo(10) = %v, want 55", got)
	}
}

func TestRunJumpLabel(t *testing.T) {
	_, th := runMain(t, `
integer countTo(integer n) {
    integer c = 0;
    @loop;
    c++;
    if (c < n) jump loop;
    return c;
}
`)
	if got := callNumber(t, th, "_fcountTo", vm.FromNumber(5)); got != 5 {
		t.Fatalf("countTo(5) = %v, want 5", got)
	}
}

func TestRunWhileAndDoWhile(t *testing.T) {
	_, th := runMain(t, `
integer twice(integer n) {
    integer r = 0;
    while (n > 0) {
        r += 2;
        n--;
    }
    return r;
}
integer atLeastOnce(integer n) {
    integer c = 0;
    do {
        c++;
    } while (c < n);
    return c;
}
`)
	if got := callNumber(t, th, "_ftwice", vm.FromNumber(4)); got != 8 {
		t.Fatalf("twice(4) = %v, want 8", got)
	}
	if got := callNumber(t, th, "_fatLeastOnce", vm.FromNumber(0)); got != 1 {
		t.Fatalf("atLeastOnce(0) = %v, want 1", got)
	}
}

func TestRunStringConcat(t *testing.T) {
	_, th := runMain(t, `
string greet(string who) {
    return "hello " + who;
}
`)
	rets := callRoutine(t, th, "_fgreet", vm.NewString("bob"))
	if len(rets) != 1 || rets[0].Kind() != vm.KindString {
		t.Fatalf("greet returned %v", rets)
	}
	if got := rets[0].AsString().Data; got != "hello bob" {
		t.Fatalf("greet(bob) = %q", got)
	}
}

func TestRunListAppend(t *testing.T) {
	_, th := runMain(t, `
list l = [1, 2];
integer grow() {
    l += [3, 4, 5];
    return llGetListLength(l);
}
`)
	if got := callNumber(t, th, "_fgrow"); got != 5 {
		t.Fatalf("grow() = %v, want 5", got)
	}
	gl := vm.GlobalGet(th.Env, "_gl")
	if gl.Kind() != vm.KindTable || gl.AsTable().Length() != 5 {
		t.Fatalf("global list length = %d, want 5", gl.AsTable().Length())
	}
}

func TestRunVectorComponentAssign(t *testing.T) {
	_, th := runMain(t, `
vector v = <1.0, 2.0, 3.0>;
vector tweak() {
    v.y = 4;
    v.x++;
    return v;
}
`)
	rets := callRoutine(t, th, "_ftweak")
	if len(rets) != 1 || rets[0].Kind() != vm.KindVector {
		t.Fatalf("tweak returned %v", rets)
	}
	vec := rets[0].AsVector()
	if vec.X != 2 || vec.Y != 4 || vec.Z != 3 {
		t.Fatalf("tweak() = <%v, %v, %v>, want <2, 4, 3>", vec.X, vec.Y, vec.Z)
	}
}

func TestRunVectorLiteralFromVariables(t *testing.T) {
	_, th := runMain(t, `
vector make(float a, float b) {
    return <a, b, 0>;
}
`)
	rets := callRoutine(t, th, "_fmake", vm.FromNumber(1.5), vm.FromNumber(-2))
	vec := rets[0].AsVector()
	if vec.X != 1.5 || vec.Y != -2 || vec.Z != 0 {
		t.Fatalf("make(1.5, -2) = <%v, %v, %v>", vec.X, vec.Y, vec.Z)
	}
}

// Both operands of && evaluate even when the left one is already zero.
func TestRunLogicalEvaluatesBothOperands(t *testing.T) {
	_, th := runMain(t, `
integer calls = 0;
integer bump() {
    calls++;
    return 0;
}
integer both() {
    return bump() && bump();
}
`)
	if got := callNumber(t, th, "_fboth"); got != 0 {
		t.Fatalf("both() = %v, want 0", got)
	}
	if calls := vm.GlobalGet(th.Env, "_gcalls"); calls.Number() != 2 {
		t.Fatalf("calls = %v, want 2", calls.Number())
	}
}

func TestRunKeyTruthiness(t *testing.T) {
	_, th := runMain(t, `
integer truthy(key k) {
    if (k) return 1;
    return 0;
}
`)
	cases := []struct {
		key  string
		want float64
	}{
		{"5748decc-f629-461c-9a36-a35a236fe36f", 1},
		{vm.NullKey, 0},
		{"", 0},
		{"not a uuid", 0},
	}
	for _, c := range cases {
		if got := callNumber(t, th, "_ftruthy", vm.NewKey(c.key)); got != c.want {
			t.Errorf("truthy(%q) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestRunKeyStringEquality(t *testing.T) {
	_, th := runMain(t, `
integer matches(key k, string s) {
    return k == s;
}
`)
	if got := callNumber(t, th, "_fmatches", vm.NewKey("abc"), vm.NewString("abc")); got != 1 {
		t.Fatalf("matches(key abc, \"abc\") = %v, want 1", got)
	}
	if got := callNumber(t, th, "_fmatches", vm.NewKey("abc"), vm.NewString("abd")); got != 0 {
		t.Fatalf("matches(key abc, \"abd\") = %v, want 0", got)
	}
}

func TestRunSleepSuspendsAndResumes(t *testing.T) {
	_, th := runMain(t, `
integer g = 0;
default {
    touch_start(integer n) {
        g = 1;
        llSleep(0.5);
        g += 10;
    }
}
`)
	handler := vm.GlobalGet(th.Env, "_e0/touch_start")
	if handler == vm.Nil {
		t.Fatal("handler not installed")
	}
	yielded, err := th.Call(handler, vm.FromNumber(1))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if th.Status != vm.ThreadSuspended {
		t.Fatalf("status after sleep = %v, want suspended", th.Status)
	}
	if len(yielded) != 1 || yielded[0].Number() != 0.5 {
		t.Fatalf("yielded %v, want the sleep duration", yielded)
	}
	if g := vm.GlobalGet(th.Env, "_gg"); g.Number() != 1 {
		t.Fatalf("g = %v before resume, want 1", g.Number())
	}

	if _, err := th.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if th.Status != vm.ThreadOK {
		t.Fatalf("status after resume = %v, want ok", th.Status)
	}
	if g := vm.GlobalGet(th.Env, "_gg"); g.Number() != 11 {
		t.Fatalf("g = %v after resume, want 11", g.Number())
	}
}

func TestRunStateChangeYields(t *testing.T) {
	_, th := runMain(t, `
default {
    touch_start(integer n) {
        state other;
    }
}
state other {
    state_entry() {}
}
`)
	handler := vm.GlobalGet(th.Env, "_e0/touch_start")
	yielded, err := th.Call(handler, vm.FromNumber(1))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if th.Status != vm.ThreadSuspended {
		t.Fatalf("status = %v, want suspended", th.Status)
	}
	if len(yielded) != 2 ||
		yielded[0].Kind() != vm.KindString || yielded[0].AsString().Data != "state" ||
		yielded[1].Kind() != vm.KindString || yielded[1].AsString().Data != "other" {
		t.Fatalf("yielded %v, want [state other]", yielded)
	}
	// The destination's handlers were installed by the entry routine too.
	if vm.GlobalGet(th.Env, "_e1/state_entry") == vm.Nil {
		t.Error("destination state handler not installed")
	}
}

func TestStateNamesDeclarationOrder(t *testing.T) {
	res := compileOK(t, `
default {
    state_entry() {}
}
state armed {
    state_entry() {}
}
state other {
    state_entry() {}
}
`)
	want := []string{"default", "armed", "other"}
	if len(res.States) != len(want) {
		t.Fatalf("states = %v, want %v", res.States, want)
	}
	for i, name := range want {
		if res.States[i] != name {
			t.Errorf("states[%d] = %q, want %q", i, res.States[i], name)
		}
	}
}

func TestRunNaNComparisons(t *testing.T) {
	_, th := runMain(t, `
integer gt(float a, float b) { return a > b; }
integer lt(float a, float b) { return a < b; }
integer ge(float a, float b) { return a >= b; }
integer le(float a, float b) { return a <= b; }
integer eq(float a, float b) { return a == b; }
integer ne(float a, float b) { return a != b; }
`)
	nan := vm.FromNumber(math.NaN())
	one := vm.FromNumber(1)
	for _, name := range []string{"_fgt", "_flt", "_fge", "_fle", "_feq"} {
		if got := callNumber(t, th, name, nan, one); got != 0 {
			t.Errorf("%s(NaN, 1) = %v, want 0", name, got)
		}
		if got := callNumber(t, th, name, nan, nan); got != 0 {
			t.Errorf("%s(NaN, NaN) = %v, want 0", name, got)
		}
	}
	if got := callNumber(t, th, "_fne", nan, nan); got != 1 {
		t.Errorf("ne(NaN, NaN) = %v, want 1", got)
	}
}

func TestRunCasts(t *testing.T) {
	_, th := runMain(t, `
float half(integer n) {
    return (float)n / 2;
}
integer chop(float f) {
    return (integer)f;
}
integer parse(string s) {
    return (integer)s;
}
`)
	if got := callNumber(t, th, "_fhalf", vm.FromNumber(5)); got != 2.5 {
		t.Errorf("half(5) = %v, want 2.5", got)
	}
	if got := callNumber(t, th, "_fchop", vm.FromNumber(-2.7)); got != -2 {
		t.Errorf("chop(-2.7) = %v, want -2", got)
	}
	if got := callNumber(t, th, "_fparse", vm.NewString("42abc")); got != 42 {
		t.Errorf("parse(42abc) = %v, want 42", got)
	}
}

func TestRunDefaultGlobalValues(t *testing.T) {
	_, th := runMain(t, `
integer gi;
float gf;
string gs;
key gk;
vector gv;
rotation gr;
list gl;
`)
	if v := vm.GlobalGet(th.Env, "_ggi"); v.Number() != 0 {
		t.Errorf("integer default = %v", v)
	}
	if v := vm.GlobalGet(th.Env, "_ggf"); v.Number() != 0 {
		t.Errorf("float default = %v", v)
	}
	if v := vm.GlobalGet(th.Env, "_ggs"); v.Kind() != vm.KindString || v.AsString().Data != "" {
		t.Errorf("string default = %v", v)
	}
	if v := vm.GlobalGet(th.Env, "_ggk"); v.Kind() != vm.KindString || v.AsString().Data != "" {
		t.Errorf("key default = %v", v)
	}
	if v := vm.GlobalGet(th.Env, "_ggv"); v.Kind() != vm.KindVector {
		t.Errorf("vector default = %v", v)
	} else if vec := v.AsVector(); vec.X != 0 || vec.Y != 0 || vec.Z != 0 || vec.W != 0 {
		t.Errorf("vector default = <%v, %v, %v>", vec.X, vec.Y, vec.Z)
	}
	if v := vm.GlobalGet(th.Env, "_ggr"); v.Kind() != vm.KindVector {
		t.Errorf("rotation default = %v", v)
	} else if vec := v.AsVector(); vec.X != 0 || vec.Y != 0 || vec.Z != 0 || vec.W != 1 {
		t.Errorf("rotation default s = %v, want 1", vec.W)
	}
	if v := vm.GlobalGet(th.Env, "_ggl"); v.Kind() != vm.KindTable || v.AsTable().Length() != 0 {
		t.Errorf("list default = %v", v)
	}
}

func TestRunSayOutput(t *testing.T) {
	machine, th := runMain(t, `
shout() {
    llSay(0, "hi there");
}
`)
	var lines []string
	machine.Say = func(s string) { lines = append(lines, s) }
	callRoutine(t, th, "_fshout")
	if len(lines) != 1 || lines[0] != "0 hi there" {
		t.Fatalf("said %q", lines)
	}
}

// Sandboxed instances sharing one entry routine must not observe each
// other's global writes.
func TestRunSandboxIsolation(t *testing.T) {
	res := compileOK(t, `
integer n = 0;
bump() { n += 1; }
`)
	machine := vm.New()
	a := machine.NewSandboxedThread()
	b := machine.NewSandboxedThread()
	for _, th := range []*vm.Thread{a, b} {
		if _, err := th.Call(vm.NewClosure(res.Main, th.Env, 0)); err != nil {
			t.Fatalf("entry routine: %v", err)
		}
	}
	callRoutine(t, a, "_fbump")
	callRoutine(t, a, "_fbump")
	callRoutine(t, b, "_fbump")
	if got := vm.GlobalGet(a.Env, "_gn").Number(); got != 2 {
		t.Errorf("instance a: n = %v, want 2", got)
	}
	if got := vm.GlobalGet(b.Env, "_gn").Number(); got != 1 {
		t.Errorf("instance b: n = %v, want 1", got)
	}
}

const roundTripSource = `
integer total = 0;
float ratio = 1.5;
string label = "acc";
vector origin = <1.0, 2.0, 3.0>;

integer add(integer n) {
    total += n;
    if (total > 100) llSay(0, label + " overflow");
    return total;
}

default {
    state_entry() {
        total = add(1);
    }
    timer() {
        llSleep(0.25);
    }
}

state busy {
    state_entry() {
        state default;
    }
}
`

func TestCompileIdempotent(t *testing.T) {
	a := compileOK(t, roundTripSource)
	b := compileOK(t, roundTripSource)
	if !bytes.Equal(a.Blob, b.Blob) {
		t.Fatal("compiling the same source twice produced different blobs")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	res := compileOK(t, roundTripSource)
	protos, err := Deserialize(res.Blob)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(protos) != len(res.Protos) {
		t.Fatalf("routine count = %d, want %d", len(protos), len(res.Protos))
	}

	for i, p := range protos {
		orig := res.Protos[i]
		if p.DebugName != orig.DebugName {
			t.Errorf("routine %d name %q, want %q", i, p.DebugName, orig.DebugName)
		}
		if p.Source != orig.Source || p.LineDefined != orig.LineDefined || p.BytecodeID != orig.BytecodeID {
			t.Errorf("routine %d debug info mismatch", i)
		}
		if p.MaxStackSize != orig.MaxStackSize || p.NumParams != orig.NumParams {
			t.Errorf("routine %d frame shape mismatch", i)
		}
		if len(p.Code) != len(orig.Code) {
			t.Fatalf("routine %d code length %d, want %d", i, len(p.Code), len(orig.Code))
		}
		for j := range p.Code {
			if p.Code[j] != orig.Code[j] {
				t.Fatalf("routine %d instruction %d differs", i, j)
			}
		}
		if len(p.Constants) != len(orig.Constants) {
			t.Fatalf("routine %d constant count mismatch", i)
		}
		for j := range p.Constants {
			if !p.Constants[j].Equals(orig.Constants[j]) {
				t.Errorf("routine %d constant %d = %v, want %v", i, j, p.Constants[j], orig.Constants[j])
			}
		}
		if len(p.Imports) != len(orig.Imports) {
			t.Fatalf("routine %d import count mismatch", i)
		}
		for j := range p.Imports {
			if p.Imports[j] != orig.Imports[j] {
				t.Errorf("routine %d import %d = %v, want %v", i, j, p.Imports[j], orig.Imports[j])
			}
		}
		if len(p.YieldPoints) != len(orig.YieldPoints) {
			t.Fatalf("routine %d yield point count mismatch", i)
		}
		for j := range p.YieldPoints {
			if p.YieldPoints[j] != orig.YieldPoints[j] {
				t.Errorf("routine %d yield point %d mismatch", i, j)
			}
		}
	}

	// The entry routine comes last and references every sibling by index.
	main := protos[len(protos)-1]
	if len(main.Protos) != len(protos)-1 {
		t.Fatalf("entry routine has %d children, want %d", len(main.Protos), len(protos)-1)
	}
	for i, child := range main.Protos {
		if child != protos[i] {
			t.Errorf("child %d is not the shared routine instance", i)
		}
	}
}

func TestDeserializedBlobRuns(t *testing.T) {
	res := compileOK(t, roundTripSource)
	protos, err := Deserialize(res.Blob)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	machine := vm.New()
	th := machine.NewSandboxedThread()
	if _, err := th.Call(vm.NewClosure(protos[len(protos)-1], th.Env, 0)); err != nil {
		t.Fatalf("entry routine: %v", err)
	}
	if got := callNumber(t, th, "_fadd", vm.FromNumber(7)); got != 7 {
		t.Fatalf("add(7) = %v, want 7", got)
	}
}

func TestDeserializeErrors(t *testing.T) {
	res := compileOK(t, roundTripSource)

	if _, err := Deserialize([]byte("nope")); err == nil || !strings.Contains(err.Error(), "bad magic") {
		t.Errorf("bad magic: err = %v", err)
	}

	bad := append([]byte(nil), res.Blob...)
	bad[4] ^= 0xFF
	if _, err := Deserialize(bad); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("bad version: err = %v", err)
	}

	if _, err := Deserialize(res.Blob[:len(res.Blob)-5]); err == nil {
		t.Error("truncated blob deserialized without error")
	}
}
