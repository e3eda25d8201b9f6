package compiler

import (
	"strings"
	"testing"
)

func parseOK(t *testing.T, src string) *Program {
	t.Helper()
	diags := &diagSink{}
	prog := NewParser(src, diags).ParseProgram()
	if diags.hasErrors() {
		t.Fatalf("unexpected parse errors: %v", diags.errors)
	}
	return prog
}

func parseErr(t *testing.T, src, want string) {
	t.Helper()
	diags := &diagSink{}
	NewParser(src, diags).ParseProgram()
	if !diags.hasErrors() {
		t.Fatalf("expected a parse error containing %q", want)
	}
	for _, d := range diags.errors {
		if strings.Contains(d.Message, want) {
			return
		}
	}
	t.Fatalf("no error containing %q in %v", want, diags.errors)
}

func TestParserProgramShape(t *testing.T) {
	prog := parseOK(t, `
integer counter = 0;
string label;

integer twice(integer n) {
    return n * 2;
}

default {
    state_entry() {
        counter = twice(counter);
    }
    touch_start(integer total) {
        counter += total;
    }
}

state armed {
    touch_start(integer total) {
        state default;
    }
}
`)
	if len(prog.Globals) != 2 {
		t.Fatalf("globals = %d, want 2", len(prog.Globals))
	}
	if prog.Globals[0].Init == nil || prog.Globals[1].Init != nil {
		t.Error("initializer placement wrong")
	}
	if len(prog.Functions) != 1 || prog.Functions[0].Name != "twice" {
		t.Fatalf("functions = %v", prog.Functions)
	}
	fn := prog.Functions[0]
	if fn.ReturnType != TypeInteger || len(fn.Params) != 1 || fn.Params[0].Type != TypeInteger {
		t.Errorf("twice signature parsed wrong: ret=%s params=%v", fn.ReturnType, fn.Params)
	}
	if len(prog.States) != 2 {
		t.Fatalf("states = %d, want 2", len(prog.States))
	}
	if prog.States[0].Name != "default" || len(prog.States[0].Handlers) != 2 {
		t.Errorf("default state parsed wrong: %q with %d handlers",
			prog.States[0].Name, len(prog.States[0].Handlers))
	}
	if prog.States[1].Name != "armed" {
		t.Errorf("second state = %q, want armed", prog.States[1].Name)
	}
	for _, h := range prog.States[0].Handlers {
		if !h.IsEvent {
			t.Errorf("handler %q not marked as event", h.Name)
		}
	}
}

func TestParserCastVersusParen(t *testing.T) {
	prog := parseOK(t, `
probe(integer x) {
    (integer)x;
    (x);
}
`)
	body := prog.Functions[0].Body.Stmts
	if _, ok := body[0].(*ExprStmt).X.(*Cast); !ok {
		t.Errorf("(integer)x parsed as %T, want cast", body[0].(*ExprStmt).X)
	}
	if _, ok := body[1].(*ExprStmt).X.(*Paren); !ok {
		t.Errorf("(x) parsed as %T, want parenthesized expression", body[1].(*ExprStmt).X)
	}
}

func TestParserVectorAndRotationLiterals(t *testing.T) {
	prog := parseOK(t, `
vector v = <1, 2, 3>;
rotation r = <0, 0, 0, 1>;
`)
	if _, ok := prog.Globals[0].Init.(*VectorLit); !ok {
		t.Errorf("vector literal parsed as %T", prog.Globals[0].Init)
	}
	if _, ok := prog.Globals[1].Init.(*RotationLit); !ok {
		t.Errorf("rotation literal parsed as %T", prog.Globals[1].Init)
	}
}

// A bare '>' inside the component list must close the literal, while
// shift and arithmetic operators still bind inside it.
func TestParserVectorComponentPrecedence(t *testing.T) {
	prog := parseOK(t, `
probe(integer a) {
    vector v = <a + 1, a << 2, 3>;
}
`)
	decl := prog.Functions[0].Body.Stmts[0].(*Decl)
	lit, ok := decl.Init.(*VectorLit)
	if !ok {
		t.Fatalf("init parsed as %T, want vector literal", decl.Init)
	}
	if b, ok := lit.X.(*Binary); !ok || b.Op != TokenPlus {
		t.Errorf("component x parsed as %T", lit.X)
	}
	if b, ok := lit.Y.(*Binary); !ok || b.Op != TokenShl {
		t.Errorf("component y parsed as %T", lit.Y)
	}
}

func TestParserForCommaLists(t *testing.T) {
	prog := parseOK(t, `
probe(integer n) {
    integer i;
    integer j;
    for (i = 0, j = n; i < j; i++, j--) ;
}
`)
	f := prog.Functions[0].Body.Stmts[2].(*For)
	if len(f.Init) != 2 || len(f.Step) != 2 || f.Cond == nil {
		t.Fatalf("for clause counts: init=%d cond=%v step=%d", len(f.Init), f.Cond != nil, len(f.Step))
	}
}

func TestParserJumpAndLabel(t *testing.T) {
	prog := parseOK(t, `
probe() {
    @again;
    jump again;
}
`)
	body := prog.Functions[0].Body.Stmts
	if l, ok := body[0].(*Label); !ok || l.Name != "again" {
		t.Errorf("label parsed as %T", body[0])
	}
	if j, ok := body[1].(*Jump); !ok || j.Label != "again" {
		t.Errorf("jump parsed as %T", body[1])
	}
}

func TestParserIntegerWraparound(t *testing.T) {
	cases := []struct {
		src  string
		want int32
	}{
		{"integer a = 0xFFFFFFFF;", -1},
		{"integer b = 4294967295;", -1},
		{"integer c = 2147483648;", -2147483648},
	}
	for _, c := range cases {
		prog := parseOK(t, c.src)
		lit, ok := prog.Globals[0].Init.(*IntLit)
		if !ok {
			t.Errorf("%s: init parsed as %T", c.src, prog.Globals[0].Init)
			continue
		}
		if lit.Value != c.want {
			t.Errorf("%s: value %d, want %d", c.src, lit.Value, c.want)
		}
	}
}

func TestParserErrors(t *testing.T) {
	cases := []struct {
		src, want string
	}{
		{"x = 1;", "needs a type"},
		{"probe() { 1 = 2; }", "invalid assignment target"},
		{"integer x = 1", "expected ';'"},
		{"default { 42 }", "expected event handler"},
		{"probe(integer) {}", "expected identifier"},
	}
	for _, c := range cases {
		parseErr(t, c.src, c.want)
	}
}
