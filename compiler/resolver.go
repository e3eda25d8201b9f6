package compiler

import "fmt"

// Ceilings enforced at compile time. Exceeding any of them aborts the
// compile with a source-located error.
const (
	maxLocals        = 200
	maxStates        = 32767
	maxFunctions     = 32767
	maxRegisters     = 255
	maxConstants     = 32767
	maxByteConstants = 256
	maxImports       = 1024
)

// resolver binds names to symbols, assigns slot indices, and annotates
// every expression with its static type. It runs before desugaring so
// the rewrites can consult operand types.
type resolver struct {
	prog  *Program
	diags *diagSink

	globals map[string]int // name -> symbol id
	funcs   map[string]int // name -> Program.Functions index
	states  map[string]int // name -> state index

	fn        *Function
	scopes    []map[string]int
	declOrder [][]int // symbol ids per scope, in declaration order
	used      map[int]bool
	nextSlot  int
}

func resolve(prog *Program, diags *diagSink) {
	r := &resolver{
		prog:    prog,
		diags:   diags,
		globals: make(map[string]int),
		funcs:   make(map[string]int),
		states:  make(map[string]int),
		used:    make(map[int]bool),
	}
	r.declareTopLevel()
	if diags.hasErrors() {
		return
	}
	for _, g := range prog.Globals {
		if g.Init != nil {
			r.typeExpr(g.Init)
			if !assignable(g.DeclType, g.Init.Type()) {
				r.diags.errorf(g.Line, "cannot initialize %s %q with %s value",
					g.DeclType, g.Name, g.Init.Type())
			}
		}
	}
	for _, fn := range prog.Functions {
		r.resolveFunction(fn)
	}
	for si, st := range prog.States {
		for _, h := range st.Handlers {
			h.StateIdx = si
			r.resolveFunction(h)
		}
	}
}

func (r *resolver) newSymbol(kind SymbolKind, name string, t Type, slot, line int) int {
	id := len(r.prog.Symbols)
	r.prog.Symbols = append(r.prog.Symbols, &Symbol{
		Kind: kind, Name: name, Type: t, Slot: slot, Line: line,
	})
	return id
}

// declareTopLevel registers globals, functions, and states so forward
// references resolve, and assigns the dense indices.
func (r *resolver) declareTopLevel() {
	for _, g := range r.prog.Globals {
		if _, dup := r.globals[g.Name]; dup {
			r.diags.errorf(g.Line, "duplicate global %q", g.Name)
			continue
		}
		g.SymbolID = r.newSymbol(SymGlobal, g.Name, g.DeclType, -1, g.Line)
		r.globals[g.Name] = g.SymbolID
	}
	if len(r.prog.Functions) > maxFunctions {
		r.diags.errorf(0, "too many functions (%d, limit %d)", len(r.prog.Functions), maxFunctions)
	}
	for i, fn := range r.prog.Functions {
		if _, dup := r.funcs[fn.Name]; dup {
			r.diags.errorf(fn.Line, "duplicate function %q", fn.Name)
			continue
		}
		fn.MangledName = "_f" + fn.Name
		r.funcs[fn.Name] = i
	}
	if len(r.prog.States) > maxStates {
		r.diags.errorf(0, "too many states (%d, limit %d)", len(r.prog.States), maxStates)
	}
	for i, st := range r.prog.States {
		if _, dup := r.states[st.Name]; dup {
			r.diags.errorf(st.Line, "duplicate state %q", st.Name)
			continue
		}
		r.states[st.Name] = i
		for _, h := range st.Handlers {
			h.MangledName = fmt.Sprintf("_e%d/%s", i, h.Name)
		}
	}
}

// ---------------------------------------------------------------------------
// Function-scope resolution

func (r *resolver) resolveFunction(fn *Function) {
	r.fn = fn
	r.nextSlot = 0
	r.scopes = r.scopes[:0]
	r.declOrder = r.declOrder[:0]
	r.pushScope()

	if fn.IsEvent {
		sig, ok := eventSigs[fn.Name]
		if !ok {
			r.diags.errorf(fn.Line, "unknown event %q", fn.Name)
		} else if len(sig.Params) != len(fn.Params) {
			r.diags.errorf(fn.Line, "event %q takes %d parameters, %d declared",
				fn.Name, len(sig.Params), len(fn.Params))
		} else {
			for i, p := range fn.Params {
				if p.Type != sig.Params[i] {
					r.diags.errorf(p.Line, "event %q parameter %d must be %s",
						fn.Name, i+1, sig.Params[i])
				}
			}
		}
	}

	for _, p := range fn.Params {
		r.declareLocal(SymParam, p.Name, p.Type, p.Line)
	}
	r.resolveStmt(fn.Body)
	r.popScope()
	fn.NumSlots = r.nextSlot
	r.fn = nil
}

func (r *resolver) pushScope() {
	r.scopes = append(r.scopes, make(map[string]int))
	r.declOrder = append(r.declOrder, nil)
}

// popScope discards the innermost scope, warning about locals that were
// never referenced. Parameters are exempt since handlers must declare
// the full event signature.
func (r *resolver) popScope() {
	for _, id := range r.declOrder[len(r.declOrder)-1] {
		sym := r.prog.Symbols[id]
		if sym.Kind == SymLocal && !r.used[id] {
			r.diags.warnf(sym.Line, "variable %q declared but never used", sym.Name)
		}
	}
	r.scopes = r.scopes[:len(r.scopes)-1]
	r.declOrder = r.declOrder[:len(r.declOrder)-1]
}

func (r *resolver) declareLocal(kind SymbolKind, name string, t Type, line int) int {
	scope := r.scopes[len(r.scopes)-1]
	if _, dup := scope[name]; dup {
		r.diags.errorf(line, "duplicate declaration of %q", name)
	}
	if _, shadows := r.globals[name]; shadows {
		r.diags.warnf(line, "declaration of %q shadows a global", name)
	}
	if r.nextSlot >= maxLocals {
		r.diags.errorf(line, "too many local variables (limit %d)", maxLocals)
	}
	id := r.newSymbol(kind, name, t, r.nextSlot, line)
	r.nextSlot++
	scope[name] = id
	r.declOrder[len(r.declOrder)-1] = append(r.declOrder[len(r.declOrder)-1], id)
	r.fn.Locals = append(r.fn.Locals, id)
	return id
}

func (r *resolver) lookup(name string) (int, bool) {
	for i := len(r.scopes) - 1; i >= 0; i-- {
		if id, ok := r.scopes[i][name]; ok {
			return id, true
		}
	}
	if id, ok := r.globals[name]; ok {
		return id, true
	}
	return -1, false
}

func (r *resolver) resolveStmt(s Stmt) {
	switch n := s.(type) {
	case *Block:
		// Slot numbers are block-scoped so sibling blocks reuse them.
		saved := r.nextSlot
		r.pushScope()
		terminated, warned := false, false
		for _, inner := range n.Stmts {
			if _, isLabel := inner.(*Label); isLabel {
				// A label makes the tail reachable again via jump.
				terminated, warned = false, false
			} else if terminated && !warned {
				r.diags.warnf(inner.Pos(), "unreachable code")
				warned = true
			}
			r.resolveStmt(inner)
			switch inner.(type) {
			case *Return, *Jump, *StateChange:
				terminated = true
			}
		}
		r.popScope()
		r.nextSlot = saved
	case *Decl:
		if n.Init != nil {
			r.typeExpr(n.Init)
			if !assignable(n.DeclType, n.Init.Type()) {
				r.diags.errorf(n.Line, "cannot initialize %s %q with %s value",
					n.DeclType, n.Name, n.Init.Type())
			}
		}
		n.SymbolID = r.declareLocal(SymLocal, n.Name, n.DeclType, n.Line)
	case *ExprStmt:
		r.typeExpr(n.X)
	case *If:
		r.typeCondition(n.Cond)
		r.resolveStmt(n.Then)
		if n.Else != nil {
			r.resolveStmt(n.Else)
		}
	case *While:
		r.typeCondition(n.Cond)
		r.resolveStmt(n.Body)
	case *DoWhile:
		r.resolveStmt(n.Body)
		r.typeCondition(n.Cond)
	case *For:
		for _, e := range n.Init {
			r.typeExpr(e)
		}
		if n.Cond != nil {
			r.typeCondition(n.Cond)
		}
		for _, e := range n.Step {
			r.typeExpr(e)
		}
		r.resolveStmt(n.Body)
	case *Return:
		want := r.fn.ReturnType
		if n.Value == nil {
			if want != TypeVoid {
				r.diags.errorf(n.Line, "function %q must return a %s value", r.fn.Name, want)
			}
			return
		}
		r.typeExpr(n.Value)
		if want == TypeVoid {
			r.diags.errorf(n.Line, "function %q returns no value", r.fn.Name)
		} else if !assignable(want, n.Value.Type()) {
			r.diags.errorf(n.Line, "cannot return %s from %s function", n.Value.Type(), want)
		}
	case *Jump, *Label:
		// Labels are matched during code generation.
	case *StateChange:
		if _, ok := r.states[n.Name]; !ok {
			r.diags.errorf(n.Line, "unknown state %q", n.Name)
		}
		if !r.fn.IsEvent {
			r.diags.errorf(n.Line, "state change outside an event handler")
		}
	}
}

// typeCondition types a branch condition and validates it has truth
// semantics. Keys go through a helper at code generation time.
func (r *resolver) typeCondition(e Expr) {
	r.typeExpr(e)
	switch e.Type() {
	case TypeInteger, TypeFloat, TypeKey:
	default:
		r.diags.errorf(e.Pos(), "%s value has no truth semantics", e.Type())
	}
}

func (r *resolver) typeExpr(e Expr) {
	switch n := e.(type) {
	case *IntLit:
		n.setType(TypeInteger)
	case *FloatLit:
		n.setType(TypeFloat)
	case *StringLit:
		n.setType(TypeString)
	case *VectorLit:
		for _, c := range []Expr{n.X, n.Y, n.Z} {
			r.typeExpr(c)
			if !isNumeric(c.Type()) {
				r.diags.errorf(c.Pos(), "vector component must be numeric, got %s", c.Type())
			}
		}
		n.setType(TypeVector)
	case *RotationLit:
		for _, c := range []Expr{n.X, n.Y, n.Z, n.S} {
			r.typeExpr(c)
			if !isNumeric(c.Type()) {
				r.diags.errorf(c.Pos(), "rotation component must be numeric, got %s", c.Type())
			}
		}
		n.setType(TypeRotation)
	case *ListLit:
		for _, el := range n.Elems {
			r.typeExpr(el)
			if el.Type() == TypeVoid {
				r.diags.errorf(el.Pos(), "void value in list")
			}
			if el.Type() == TypeList {
				r.diags.errorf(el.Pos(), "lists cannot nest")
			}
		}
		n.setType(TypeList)
	case *Ident:
		id, ok := r.lookup(n.Name)
		if !ok {
			r.diags.errorf(n.Line, "undeclared identifier %q", n.Name)
			n.setType(TypeInteger)
			return
		}
		n.SymbolID = id
		r.used[id] = true
		n.setType(r.prog.Symbols[id].Type)
	case *Member:
		r.typeExpr(n.Object)
		ot := n.Object.Type()
		valid := map[string]bool{"x": true, "y": true, "z": true}
		if ot == TypeRotation {
			valid["s"] = true
		}
		if ot != TypeVector && ot != TypeRotation {
			r.diags.errorf(n.Line, "%s has no components", ot)
		} else if !valid[n.Field] {
			r.diags.errorf(n.Line, "%s has no component %q", ot, n.Field)
		}
		n.setType(TypeFloat)
	case *Unary:
		r.typeExpr(n.Operand)
		ot := n.Operand.Type()
		switch n.Op {
		case TokenMinus:
			if !isNumeric(ot) {
				r.diags.errorf(n.Line, "cannot negate %s", ot)
			}
			n.setType(ot)
		case TokenNot:
			if ot != TypeInteger {
				r.diags.errorf(n.Line, "'!' needs an integer operand, got %s", ot)
			}
			n.setType(TypeInteger)
		case TokenTilde:
			if ot != TypeInteger {
				r.diags.errorf(n.Line, "'~' needs an integer operand, got %s", ot)
			}
			n.setType(TypeInteger)
		case TokenIncr, TokenDecr:
			if !isNumeric(ot) {
				r.diags.errorf(n.Line, "cannot increment %s", ot)
			}
			if !isLValue(n.Operand) {
				r.diags.errorf(n.Line, "increment target is not assignable")
			}
			n.setType(ot)
		}
	case *Binary:
		r.typeExpr(n.L)
		r.typeExpr(n.R)
		res := binaryResult(n.Op, n.L.Type(), n.R.Type())
		if res == TypeVoid {
			r.diags.errorf(n.Line, "operator %s undefined for %s and %s",
				n.Op, n.L.Type(), n.R.Type())
			res = TypeInteger
		}
		n.setType(res)
	case *Assign:
		r.typeExpr(n.Target)
		r.typeExpr(n.Value)
		tt := n.Target.Type()
		if n.Op == TokenAssign {
			if !assignable(tt, n.Value.Type()) {
				r.diags.errorf(n.Line, "cannot assign %s to %s", n.Value.Type(), tt)
			}
		} else {
			binOp := compoundBase(n.Op)
			res := binaryResult(binOp, tt, n.Value.Type())
			if res == TypeVoid || !assignable(tt, res) {
				r.diags.errorf(n.Line, "operator %s undefined for %s and %s",
					n.Op, tt, n.Value.Type())
			}
		}
		n.setType(tt)
	case *Cast:
		r.typeExpr(n.Operand)
		if !castable(n.To, n.Operand.Type()) {
			r.diags.errorf(n.Line, "cannot cast %s to %s", n.Operand.Type(), n.To)
		}
		n.setType(n.To)
	case *Call:
		for _, a := range n.Args {
			r.typeExpr(a)
		}
		if sig, ok := builtinSigs[n.Name]; ok {
			n.Builtin = sig
			n.Params = sig.Params
			r.checkArgs(n, sig.Params, sig.Name)
			n.setType(sig.Returns)
			return
		}
		if idx, ok := r.funcs[n.Name]; ok {
			n.FuncIdx = idx
			callee := r.prog.Functions[idx]
			var params []Type
			for _, p := range callee.Params {
				params = append(params, p.Type)
			}
			n.Params = params
			r.checkArgs(n, params, n.Name)
			n.setType(callee.ReturnType)
			return
		}
		r.diags.errorf(n.Line, "call to undefined function %q", n.Name)
		n.setType(TypeVoid)
	case *Paren:
		r.typeExpr(n.Inner)
		n.setType(n.Inner.Type())
	}
}

func (r *resolver) checkArgs(call *Call, params []Type, name string) {
	if len(call.Args) != len(params) {
		r.diags.errorf(call.Line, "%s takes %d arguments, %d given",
			name, len(params), len(call.Args))
		return
	}
	for i, a := range call.Args {
		if !assignable(params[i], a.Type()) {
			r.diags.errorf(a.Pos(), "%s argument %d must be %s, got %s",
				name, i+1, params[i], a.Type())
		}
	}
}

func compoundBase(op TokenType) TokenType {
	switch op {
	case TokenPlusAssign:
		return TokenPlus
	case TokenMinusAssign:
		return TokenMinus
	case TokenStarAssign:
		return TokenStar
	case TokenSlashAssign:
		return TokenSlash
	case TokenPercentAssign:
		return TokenPercent
	}
	return op
}

func isLValue(e Expr) bool {
	switch e.(type) {
	case *Ident, *Member:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Resource pre-scan

// funcResources is what the code generator needs reserved before it
// starts emitting a function body.
type funcResources struct {
	// One-constants per numeric type for the K-immediate add/sub family.
	NeedsIntOne   bool
	NeedsFloatOne bool

	// Helper import pairs, in first-use order.
	Imports []importPair
	seen    map[importPair]bool
}

type importPair struct {
	Module string
	Member string
}

func (fr *funcResources) needImport(module, member string) {
	p := importPair{Module: module, Member: member}
	if fr.seen[p] {
		return
	}
	fr.seen[p] = true
	fr.Imports = append(fr.Imports, p)
}

// scanResources walks a function after desugaring and folding, so only
// helpers that survived simplification get reserved.
func scanResources(fn *Function) *funcResources {
	fr := &funcResources{seen: make(map[importPair]bool)}
	fr.scanStmt(fn.Body, fn.ReturnType)
	return fr
}

// scanGlobals collects the resources the entry routine needs to run
// the module-level initializers.
func scanGlobals(prog *Program) *funcResources {
	fr := &funcResources{seen: make(map[importPair]bool)}
	for _, g := range prog.Globals {
		if g.Init == nil {
			continue
		}
		if needsConvHelper(g.DeclType, g.Init.Type()) {
			fr.needImport("lsl", "cast")
		}
		fr.scanExpr(g.Init)
	}
	return fr
}

func (fr *funcResources) scanExpr(e Expr) {
	if e == nil {
		return
	}
	switch n := e.(type) {
	case *VectorLit:
		if !(isConstExpr(n.X) && isConstExpr(n.Y) && isConstExpr(n.Z)) {
			fr.needImport("lsl", "vector")
		}
		fr.scanExpr(n.X)
		fr.scanExpr(n.Y)
		fr.scanExpr(n.Z)
	case *RotationLit:
		if !(isConstExpr(n.X) && isConstExpr(n.Y) && isConstExpr(n.Z) && isConstExpr(n.S)) {
			fr.needImport("lsl", "vector")
		}
		fr.scanExpr(n.X)
		fr.scanExpr(n.Y)
		fr.scanExpr(n.Z)
		fr.scanExpr(n.S)
	case *ListLit:
		for _, el := range n.Elems {
			fr.scanExpr(el)
		}
	case *Member:
		fr.scanExpr(n.Object)
	case *Unary:
		switch n.Op {
		case TokenIncr, TokenDecr:
			if n.Operand.Type() == TypeFloat {
				fr.NeedsFloatOne = true
			} else {
				fr.NeedsIntOne = true
			}
			if _, onMember := unwrapParen(n.Operand).(*Member); onMember {
				fr.needImport("lsl", "replace_axis")
			}
		case TokenTilde:
			fr.needImport("bit32", "bnot")
		}
		fr.scanExpr(n.Operand)
	case *Binary:
		switch n.Op {
		case TokenAmp:
			fr.needImport("bit32", "band")
		case TokenPipe:
			fr.needImport("bit32", "bor")
		case TokenCaret:
			fr.needImport("bit32", "bxor")
		case TokenShl:
			fr.needImport("bit32", "lshift")
		case TokenShr:
			fr.needImport("bit32", "arshift")
		case TokenPlus:
			if n.L.Type() == TypeList || n.R.Type() == TypeList {
				fr.needImport("lsl", "table_concat")
			}
		}
		fr.scanExpr(n.L)
		fr.scanExpr(n.R)
	case *Assign:
		if m, ok := n.Target.(*Member); ok {
			fr.needImport("lsl", "replace_axis")
			fr.scanExpr(m.Object)
		}
		if needsConvHelper(n.Target.Type(), n.Value.Type()) {
			fr.needImport("lsl", "cast")
		}
		if n.Op == TokenPlusAssign && n.Target.Type() == TypeList {
			fr.needImport("lsl", "table_concat")
		}
		fr.scanExpr(n.Target)
		fr.scanExpr(n.Value)
	case *Cast:
		from := n.Operand.Type()
		intFloat := (n.To == TypeInteger && from == TypeFloat) ||
			(n.To == TypeFloat && from == TypeInteger)
		if !intFloat && n.To != from && !isConstExpr(n.Operand) {
			fr.needImport("lsl", "cast")
		}
		fr.scanExpr(n.Operand)
	case *Call:
		if n.Builtin != nil && n.Builtin.Name != "llGetListLength" {
			fr.needImport(n.Builtin.Module, n.Builtin.Member)
		}
		for i, a := range n.Args {
			if i < len(n.Params) && needsConvHelper(n.Params[i], a.Type()) {
				fr.needImport("lsl", "cast")
			}
			fr.scanExpr(a)
		}
	case *Paren:
		fr.scanExpr(n.Inner)
	}
}

func (fr *funcResources) scanStmt(s Stmt, retType Type) {
	switch n := s.(type) {
	case *Block:
		for _, inner := range n.Stmts {
			fr.scanStmt(inner, retType)
		}
	case *Decl:
		if n.Init != nil && needsConvHelper(n.DeclType, n.Init.Type()) {
			fr.needImport("lsl", "cast")
		}
		fr.scanExpr(n.Init)
	case *ExprStmt:
		fr.scanExpr(n.X)
	case *If:
		fr.scanCondition(n.Cond)
		fr.scanExpr(n.Cond)
		fr.scanStmt(n.Then, retType)
		if n.Else != nil {
			fr.scanStmt(n.Else, retType)
		}
	case *While:
		fr.scanCondition(n.Cond)
		fr.scanExpr(n.Cond)
		fr.scanStmt(n.Body, retType)
	case *DoWhile:
		fr.scanStmt(n.Body, retType)
		fr.scanCondition(n.Cond)
		fr.scanExpr(n.Cond)
	case *For:
		for _, e := range n.Init {
			fr.scanExpr(e)
		}
		if n.Cond != nil {
			fr.scanCondition(n.Cond)
			fr.scanExpr(n.Cond)
		}
		for _, e := range n.Step {
			fr.scanExpr(e)
		}
		fr.scanStmt(n.Body, retType)
	case *Return:
		if n.Value != nil && needsConvHelper(retType, n.Value.Type()) {
			fr.needImport("lsl", "cast")
		}
		fr.scanExpr(n.Value)
	case *StateChange:
		fr.needImport("lsl", "change_state")
	}
}

func (fr *funcResources) scanCondition(cond Expr) {
	if cond.Type() == TypeKey {
		fr.needImport("lsl", "is_key_truthy")
	}
}

// needsConvHelper reports whether storing a from-typed value into a
// to-typed location needs the runtime cast helper. Only the string/key
// pair converts through a helper; numeric widening has its own opcode.
func needsConvHelper(to, from Type) bool {
	return (to == TypeKey && from == TypeString) ||
		(to == TypeString && from == TypeKey)
}

// isConstExpr reports whether an expression is a literal the folder
// reduced to a single constant.
func isConstExpr(e Expr) bool {
	switch n := e.(type) {
	case *IntLit, *FloatLit, *StringLit:
		return true
	case *Paren:
		return isConstExpr(n.Inner)
	}
	return false
}
