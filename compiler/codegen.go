package compiler

import (
	"github.com/chazu/loom/vm"
)

// codegen walks the resolved, desugared, folded tree a final time and
// emits one proto per function-like node plus the synthetic entry
// routine that initializes globals and installs user functions.
type codegen struct {
	prog   *Program
	source string
	diags  *diagSink
}

func generate(prog *Program, source string, diags *diagSink) (*vm.Proto, []*vm.Proto) {
	cg := &codegen{prog: prog, source: source, diags: diags}

	var order []*Function
	order = append(order, prog.Functions...)
	for _, st := range prog.States {
		order = append(order, st.Handlers...)
	}

	protos := make([]*vm.Proto, 0, len(order)+1)
	for i, fn := range order {
		p := cg.emitFunction(fn)
		p.BytecodeID = int32(i)
		protos = append(protos, p)
	}
	main := cg.emitMain(order, protos)
	main.BytecodeID = int32(len(protos))
	return main, append(protos, main)
}

// ---------------------------------------------------------------------------
// Per-function builder

type constKey struct {
	kind byte // 0 number, 1 string, 2 vector
	num  float64
	str  string
	vec  [4]float32
}

type pendingJump struct {
	pc    int
	label string
	line  int
}

type funcBuilder struct {
	cg  *codegen
	fn  *Function // nil for the entry routine
	res *funcResources

	code        []uint32
	consts      []vm.Value
	constIdx    map[constKey]int
	imports     []vm.ImportRef
	importIdx   map[importPair]int
	yieldPoints []int32

	regTop int
	maxReg int
	target int // pending destination register, -1 when unset

	oneConstIdx int // K-immediate "one" for ++/--, reserved up front
	labels      map[string]int
	jumps       []pendingJump
	line        int
}

func (cg *codegen) newBuilder(fn *Function, res *funcResources) *funcBuilder {
	b := &funcBuilder{
		cg: cg, fn: fn, res: res,
		constIdx:    make(map[constKey]int),
		importIdx:   make(map[importPair]int),
		labels:      make(map[string]int),
		target:      -1,
		oneConstIdx: -1,
	}
	if fn != nil {
		b.regTop = fn.NumSlots
		b.maxReg = fn.NumSlots
	}
	if res != nil {
		// One-constants first so the K-immediate forms can address them.
		if res.NeedsIntOne || res.NeedsFloatOne {
			b.oneConstIdx = b.addNumConst(1)
		}
		for _, imp := range res.Imports {
			b.importFor(imp.Module, imp.Member)
		}
	}
	return b
}

func (b *funcBuilder) errorf(format string, args ...any) {
	b.cg.diags.errorf(b.line, format, args...)
}

func (b *funcBuilder) emit(ins uint32) int {
	pc := len(b.code)
	b.code = append(b.code, ins)
	return pc
}

func (b *funcBuilder) allocReg() int {
	r := b.regTop
	if r >= maxRegisters {
		b.errorf("out of registers (limit %d)", maxRegisters)
		return maxRegisters - 1
	}
	b.regTop++
	if b.regTop > b.maxReg {
		b.maxReg = b.regTop
	}
	return r
}

// grab takes the pending target, if any.
func (b *funcBuilder) grab() int {
	d := b.target
	b.target = -1
	return d
}

// dest resolves the destination for a leaf expression.
func (b *funcBuilder) dest() int {
	if d := b.grab(); d >= 0 {
		return d
	}
	return b.allocReg()
}

// place finalizes a composite expression: the register mark is restored
// and the result is moved to the caller's destination, or pinned into a
// register that survives the restore.
func (b *funcBuilder) place(dst, r, mark int) int {
	b.regTop = mark
	if dst < 0 {
		if r < mark {
			return r
		}
		dst = b.allocReg()
	}
	if dst != r {
		b.emit(vm.InsABC(vm.OpMove, uint8(dst), uint8(r), 0))
	}
	return dst
}

func (b *funcBuilder) addConst(key constKey, v vm.Value) int {
	if idx, ok := b.constIdx[key]; ok {
		return idx
	}
	idx := len(b.consts)
	if idx >= maxConstants {
		b.errorf("too many constants (limit %d)", maxConstants)
		return 0
	}
	b.consts = append(b.consts, v)
	b.constIdx[key] = idx
	return idx
}

func (b *funcBuilder) addNumConst(f float64) int {
	return b.addConst(constKey{kind: 0, num: f}, vm.FromNumber(f))
}

func (b *funcBuilder) addStrConst(s string) int {
	return b.addConst(constKey{kind: 1, str: s}, vm.NewString(s))
}

func (b *funcBuilder) addVecConst(x, y, z, w float32) int {
	return b.addConst(
		constKey{kind: 2, vec: [4]float32{x, y, z, w}},
		vm.NewVector(x, y, z, w),
	)
}

func (b *funcBuilder) importFor(module, member string) int {
	p := importPair{Module: module, Member: member}
	if idx, ok := b.importIdx[p]; ok {
		return idx
	}
	idx := len(b.imports)
	if idx >= maxImports {
		b.errorf("too many imports (limit %d)", maxImports)
		return 0
	}
	b.imports = append(b.imports, vm.ImportRef{Module: module, Member: member})
	b.importIdx[p] = idx
	return idx
}

// ---------------------------------------------------------------------------
// Jump plumbing

// emitJumpD emits a jump whose offset is known now.
func (b *funcBuilder) emitJumpD(op vm.Opcode, a uint8, d int) int {
	if d > vm.MaxJumpOffset || d < -vm.MaxJumpOffset {
		b.errorf("function too large to patch jumps")
		d = 0
	}
	return b.emit(vm.InsAD(op, a, int16(d)))
}

// patchJumpHere points a previously emitted jump at the next
// instruction to be emitted.
func (b *funcBuilder) patchJumpHere(jpc int) {
	d := len(b.code) - (jpc + 1)
	if d > vm.MaxJumpOffset || d < -vm.MaxJumpOffset {
		b.errorf("function too large to patch jumps")
		d = 0
	}
	b.code[jpc] = vm.PatchD(b.code[jpc], int16(d))
}

// emitBranchFalse compiles a condition and emits a jump taken when it
// is zero. The returned pc must be patched.
func (b *funcBuilder) emitBranchFalse(cond Expr) int {
	mark := b.regTop
	r := b.compileCondValue(cond)
	zr := b.allocReg()
	b.emit(vm.InsAD(vm.OpLoadN, uint8(zr), 0))
	jpc := b.emit(vm.InsAD(vm.OpJumpIfEq, uint8(r), 0))
	b.emit(uint32(zr))
	b.regTop = mark
	return jpc
}

// emitBranchTrueTo compiles a condition and emits a backward jump to
// target taken when it is nonzero.
func (b *funcBuilder) emitBranchTrueTo(cond Expr, targetPC int) {
	mark := b.regTop
	r := b.compileCondValue(cond)
	zr := b.allocReg()
	b.emit(vm.InsAD(vm.OpLoadN, uint8(zr), 0))
	d := targetPC - (len(b.code) + 1)
	b.emitJumpD(vm.OpJumpIfNotEq, uint8(r), d)
	b.emit(uint32(zr))
	b.regTop = mark
}

// compileCondValue compiles a branch condition to a numeric register.
// Key conditions route through the truthiness helper.
func (b *funcBuilder) compileCondValue(cond Expr) int {
	if cond.Type() != TypeKey {
		return b.compileExpr(cond)
	}
	mark := b.regTop
	f := b.allocReg()
	b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "is_key_truthy"))))
	a1 := b.allocReg()
	b.compileExprTo(cond, a1)
	b.emitCall(f, 1, true)
	return b.place(-1, f, mark)
}

// emitCall emits a CALL and records its yield point. Every call site is
// a legal suspension offset since callees may yield transitively.
func (b *funcBuilder) emitCall(f, nargs int, wantResult bool) {
	nres := 1
	if wantResult {
		nres = 2
	}
	b.emit(vm.InsABC(vm.OpCall, uint8(f), uint8(nargs+1), uint8(nres)))
	b.yieldPoints = append(b.yieldPoints, int32(len(b.code)))
}

// ---------------------------------------------------------------------------
// Function emission

func (cg *codegen) emitFunction(fn *Function) *vm.Proto {
	b := cg.newBuilder(fn, scanResources(fn))
	b.line = fn.Line

	b.compileStmt(fn.Body)
	b.emit(vm.InsABC(vm.OpReturn, 0, 1, 0))
	b.resolveLabels()

	return b.finishProto(fn.MangledName, fn.Line, len(fn.Params))
}

func (cg *codegen) emitMain(order []*Function, protos []*vm.Proto) *vm.Proto {
	b := cg.newBuilder(nil, scanGlobals(cg.prog))

	for _, g := range cg.prog.Globals {
		b.line = g.Line
		mark := b.regTop
		r := b.allocReg()
		if g.Init == nil {
			b.compileDefault(r, g.DeclType)
		} else {
			b.compileExprTo(g.Init, r)
			b.convertForStore(r, g.DeclType, g.Init, false)
		}
		b.emit(vm.InsAD(vm.OpSetGlobal, uint8(r), int16(b.addStrConst("_g"+g.Name))))
		b.regTop = mark
	}

	for i, fn := range order {
		b.line = fn.Line
		mark := b.regTop
		r := b.allocReg()
		b.emit(vm.InsAD(vm.OpNewClosure, uint8(r), int16(i)))
		b.emit(vm.InsAD(vm.OpSetGlobal, uint8(r), int16(b.addStrConst(fn.MangledName))))
		b.regTop = mark
	}

	b.emit(vm.InsABC(vm.OpReturn, 0, 1, 0))

	main := b.finishProto("_main", 0, 0)
	main.Protos = protos
	return main
}

func (b *funcBuilder) finishProto(name string, line, numParams int) *vm.Proto {
	p := vm.NewProto()
	p.Code = b.code
	p.Constants = b.consts
	p.Imports = b.imports
	p.Source = b.cg.source
	p.DebugName = name
	p.LineDefined = int32(line)
	p.MaxStackSize = uint8(b.maxReg)
	p.NumParams = uint8(numParams)
	p.YieldPoints = b.yieldPoints
	return p
}

func (b *funcBuilder) resolveLabels() {
	for _, j := range b.jumps {
		target, ok := b.labels[j.label]
		if !ok {
			b.cg.diags.errorf(j.line, "jump to undefined label %q", j.label)
			continue
		}
		d := target - (j.pc + 1)
		if d > vm.MaxJumpOffset || d < -vm.MaxJumpOffset {
			b.cg.diags.errorf(j.line, "function too large to patch jumps")
			d = 0
		}
		b.code[j.pc] = vm.PatchD(b.code[j.pc], int16(d))
	}
}

func (b *funcBuilder) compileDefault(reg int, t Type) {
	switch t {
	case TypeInteger, TypeFloat:
		b.emit(vm.InsAD(vm.OpLoadN, uint8(reg), 0))
	case TypeString, TypeKey:
		b.emit(vm.InsAD(vm.OpLoadK, uint8(reg), int16(b.addStrConst(""))))
	case TypeVector:
		b.emit(vm.InsAD(vm.OpLoadK, uint8(reg), int16(b.addVecConst(0, 0, 0, 0))))
	case TypeRotation:
		b.emit(vm.InsAD(vm.OpLoadK, uint8(reg), int16(b.addVecConst(0, 0, 0, 1))))
	case TypeList:
		b.emit(vm.InsABC(vm.OpNewTable, uint8(reg), 0, 0))
	}
}

// ---------------------------------------------------------------------------
// Statements

func (b *funcBuilder) compileStmt(s Stmt) {
	b.line = s.Pos()
	switch n := s.(type) {
	case *Block:
		mark := b.regTop
		for _, inner := range n.Stmts {
			b.compileStmt(inner)
		}
		b.regTop = mark

	case *Decl:
		sym := b.cg.prog.Symbols[n.SymbolID]
		// The slot may sit below regTop when a sibling block reused it;
		// either way it is reserved for the rest of this block.
		if sym.Slot >= b.regTop {
			b.regTop = sym.Slot + 1
			if b.regTop > b.maxReg {
				b.maxReg = b.regTop
			}
		}
		if n.Init == nil {
			b.compileDefault(sym.Slot, n.DeclType)
			return
		}
		b.compileExprTo(n.Init, sym.Slot)
		b.convertForStore(sym.Slot, n.DeclType, n.Init, false)

	case *ExprStmt:
		mark := b.regTop
		if u, ok := n.X.(*Unary); ok && (u.Op == TokenIncr || u.Op == TokenDecr) {
			b.compileIncDec(u, false)
		} else {
			b.compileExpr(n.X)
		}
		b.regTop = mark

	case *If:
		jf := b.emitBranchFalse(n.Cond)
		b.compileStmt(n.Then)
		if n.Else == nil {
			b.patchJumpHere(jf)
			return
		}
		jend := b.emitJumpD(vm.OpJump, 0, 0)
		b.patchJumpHere(jf)
		b.compileStmt(n.Else)
		b.patchJumpHere(jend)

	case *While:
		top := len(b.code)
		jf := b.emitBranchFalse(n.Cond)
		b.compileStmt(n.Body)
		b.emitJumpD(vm.OpJumpBack, 0, top-(len(b.code)+1))
		b.patchJumpHere(jf)

	case *DoWhile:
		top := len(b.code)
		b.compileStmt(n.Body)
		b.emitBranchTrueTo(n.Cond, top)

	case *For:
		mark := b.regTop
		for _, e := range n.Init {
			b.compileExpr(e)
			b.regTop = mark
		}
		top := len(b.code)
		jf := -1
		if n.Cond != nil {
			jf = b.emitBranchFalse(n.Cond)
		}
		b.compileStmt(n.Body)
		for _, e := range n.Step {
			b.compileExpr(e)
			b.regTop = mark
		}
		b.emitJumpD(vm.OpJumpBack, 0, top-(len(b.code)+1))
		if jf >= 0 {
			b.patchJumpHere(jf)
		}

	case *Return:
		if n.Value == nil {
			b.emit(vm.InsABC(vm.OpReturn, 0, 1, 0))
			return
		}
		mark := b.regTop
		r := b.allocReg()
		b.compileExprTo(n.Value, r)
		b.convertForStore(r, b.fn.ReturnType, n.Value, false)
		b.emit(vm.InsABC(vm.OpReturn, uint8(r), 2, 0))
		b.regTop = mark

	case *Jump:
		jpc := b.emitJumpD(vm.OpJump, 0, 0)
		b.jumps = append(b.jumps, pendingJump{pc: jpc, label: n.Label, line: n.Line})

	case *Label:
		if _, dup := b.labels[n.Name]; dup {
			b.errorf("duplicate label %q", n.Name)
		}
		b.labels[n.Name] = len(b.code)

	case *StateChange:
		mark := b.regTop
		f := b.allocReg()
		b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "change_state"))))
		a1 := b.allocReg()
		b.emit(vm.InsAD(vm.OpLoadK, uint8(a1), int16(b.addStrConst(n.Name))))
		b.emitCall(f, 1, false)
		b.regTop = mark
	}
}

// ---------------------------------------------------------------------------
// Expressions

func (b *funcBuilder) compileExprTo(e Expr, reg int) {
	b.target = reg
	r := b.compileExpr(e)
	b.target = -1
	if r != reg {
		b.emit(vm.InsABC(vm.OpMove, uint8(reg), uint8(r), 0))
	}
}

func (b *funcBuilder) compileExpr(e Expr) int {
	b.line = e.Pos()
	switch n := e.(type) {
	case *IntLit:
		dst := b.dest()
		if n.Value >= -32768 && n.Value <= 32767 {
			b.emit(vm.InsAD(vm.OpLoadN, uint8(dst), int16(n.Value)))
		} else {
			b.emit(vm.InsAD(vm.OpLoadK, uint8(dst), int16(b.addNumConst(float64(n.Value)))))
		}
		return dst

	case *FloatLit:
		dst := b.dest()
		// Float constants carry the narrow precision of the legacy
		// numeric model.
		k := b.addNumConst(float64(float32(n.Value)))
		b.emit(vm.InsAD(vm.OpLoadK, uint8(dst), int16(k)))
		return dst

	case *StringLit:
		dst := b.dest()
		b.emit(vm.InsAD(vm.OpLoadK, uint8(dst), int16(b.addStrConst(n.Value))))
		return dst

	case *VectorLit:
		return b.compileVectorLit([]Expr{n.X, n.Y, n.Z}, 0)

	case *RotationLit:
		return b.compileVectorLit([]Expr{n.X, n.Y, n.Z, n.S}, 1)

	case *ListLit:
		return b.compileListLit(n)

	case *Ident:
		sym := b.cg.prog.Symbols[n.SymbolID]
		if sym.Kind == SymGlobal {
			dst := b.dest()
			b.emit(vm.InsAD(vm.OpGetGlobal, uint8(dst), int16(b.addStrConst("_g"+sym.Name))))
			return dst
		}
		if d := b.grab(); d >= 0 {
			if d != sym.Slot {
				b.emit(vm.InsABC(vm.OpMove, uint8(d), uint8(sym.Slot), 0))
			}
			return d
		}
		return sym.Slot

	case *Member:
		dst := b.grab()
		mark := b.regTop
		obj := b.compileExpr(n.Object)
		t := b.allocReg()
		b.emit(vm.InsABC(vm.OpGetTableKS, uint8(t), uint8(obj), 0))
		b.emit(uint32(b.addStrConst(n.Field)))
		return b.place(dst, t, mark)

	case *Unary:
		return b.compileUnary(n)

	case *Binary:
		return b.compileBinary(n)

	case *Assign:
		return b.compileAssign(n, true)

	case *Cast:
		return b.compileCast(n)

	case *Call:
		return b.compileCall(n)

	case *Paren:
		return b.compileExpr(n.Inner)
	}
	b.errorf("internal: unhandled expression")
	return b.dest()
}

func (b *funcBuilder) compileVectorLit(comps []Expr, w float32) int {
	allConst := true
	for _, c := range comps {
		if !isConstExpr(c) {
			allConst = false
			break
		}
	}
	if allConst {
		var v [4]float32
		v[3] = w
		for i, c := range comps {
			f, _ := floatLitOf(unwrapParen(c))
			v[i] = float32(f)
		}
		dst := b.dest()
		k := b.addVecConst(v[0], v[1], v[2], v[3])
		b.emit(vm.InsAD(vm.OpLoadK, uint8(dst), int16(k)))
		return dst
	}

	dst := b.grab()
	mark := b.regTop
	f := b.allocReg()
	b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "vector"))))
	for range comps {
		b.allocReg()
	}
	for i, c := range comps {
		inner := b.regTop
		b.compileExprTo(c, f+1+i)
		b.regTop = inner
	}
	b.emitCall(f, len(comps), true)
	return b.place(dst, f, mark)
}

func (b *funcBuilder) compileListLit(n *ListLit) int {
	dst := b.grab()
	mark := b.regTop
	t := b.allocReg()
	hint := len(n.Elems)
	if hint > 255 {
		hint = 255
	}
	b.emit(vm.InsABC(vm.OpNewTable, uint8(t), uint8(hint), 0))

	// Elements land in contiguous scratch registers, flushed in chunks
	// so the per-instruction count operand stays in range.
	for start := 0; start < len(n.Elems); start += 255 {
		end := start + 255
		if end > len(n.Elems) {
			end = len(n.Elems)
		}
		chunkMark := b.regTop
		base := b.regTop
		for range n.Elems[start:end] {
			b.allocReg()
		}
		for i, el := range n.Elems[start:end] {
			inner := b.regTop
			b.compileExprTo(el, base+i)
			if el.Type() == TypeFloat && !isConstExpr(el) {
				b.emit(vm.InsABC(vm.OpDouble2Float, uint8(base+i), uint8(base+i), 0))
			}
			b.regTop = inner
		}
		b.emit(vm.InsABC(vm.OpSetList, uint8(t), uint8(base), uint8(end-start)))
		b.emit(uint32(start + 1))
		b.regTop = chunkMark
	}
	return b.place(dst, t, mark)
}

func (b *funcBuilder) compileUnary(n *Unary) int {
	switch n.Op {
	case TokenIncr, TokenDecr:
		return b.compileIncDec(n, true)

	case TokenMinus:
		dst := b.grab()
		mark := b.regTop
		r := b.compileExpr(n.Operand)
		t := b.allocReg()
		b.emit(vm.InsABC(vm.OpUnm, uint8(t), uint8(r), 0))
		return b.place(dst, t, mark)

	case TokenNot:
		dst := b.grab()
		mark := b.regTop
		r := b.compileExpr(n.Operand)
		zr := b.allocReg()
		b.emit(vm.InsAD(vm.OpLoadN, uint8(zr), 0))
		t := b.allocReg()
		b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 1))
		b.emitJumpD(vm.OpJumpIfEq, uint8(r), 2)
		b.emit(uint32(zr))
		b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 0))
		return b.place(dst, t, mark)

	case TokenTilde:
		dst := b.grab()
		mark := b.regTop
		f := b.allocReg()
		b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("bit32", "bnot"))))
		a1 := b.allocReg()
		b.compileExprTo(n.Operand, a1)
		b.emitCall(f, 1, true)
		return b.place(dst, f, mark)
	}
	b.errorf("internal: unhandled unary operator")
	return b.dest()
}

// compileIncDec lowers ++ and -- through the K-immediate add/sub
// family against the pre-reserved one-constant.
func (b *funcBuilder) compileIncDec(n *Unary, wantValue bool) int {
	op := vm.OpAddK
	if n.Op == TokenDecr {
		op = vm.OpSubK
	}
	isFloat := n.Operand.Type() == TypeFloat
	k := b.oneConstIdx
	if k < 0 || k >= maxByteConstants {
		b.errorf("increment constant out of immediate range")
		k = 0
	}

	apply := func(reg int) {
		b.emit(vm.InsABC(op, uint8(reg), uint8(reg), uint8(k)))
		if isFloat {
			b.emit(vm.InsABC(vm.OpDouble2Float, uint8(reg), uint8(reg), 0))
		}
	}

	switch target := unwrapParen(n.Operand).(type) {
	case *Ident:
		sym := b.cg.prog.Symbols[target.SymbolID]
		if sym.Kind != SymGlobal {
			slot := sym.Slot
			var old int
			if wantValue && n.Postfix {
				old = b.dest()
				b.emit(vm.InsABC(vm.OpMove, uint8(old), uint8(slot), 0))
			}
			apply(slot)
			if wantValue && n.Postfix {
				return old
			}
			if wantValue {
				if d := b.grab(); d >= 0 && d != slot {
					b.emit(vm.InsABC(vm.OpMove, uint8(d), uint8(slot), 0))
					return d
				}
			}
			return slot
		}

		dst := b.grab()
		mark := b.regTop
		kname := b.addStrConst("_g" + sym.Name)
		r := b.allocReg()
		b.emit(vm.InsAD(vm.OpGetGlobal, uint8(r), int16(kname)))
		old := -1
		if wantValue && n.Postfix {
			old = b.allocReg()
			b.emit(vm.InsABC(vm.OpMove, uint8(old), uint8(r), 0))
		}
		apply(r)
		b.emit(vm.InsAD(vm.OpSetGlobal, uint8(r), int16(kname)))
		if !wantValue {
			b.regTop = mark
			return r
		}
		if n.Postfix {
			return b.place(dst, old, mark)
		}
		return b.place(dst, r, mark)

	case *Member:
		// v.x++ reads the component, bumps it, and rebuilds the vector.
		dst := b.grab()
		mark := b.regTop
		r := b.compileMemberRead(target)
		t := b.allocReg()
		b.emit(vm.InsABC(vm.OpMove, uint8(t), uint8(r), 0))
		apply(t)
		b.storeMember(target, t)
		if wantValue && n.Postfix {
			return b.place(dst, r, mark)
		}
		return b.place(dst, t, mark)
	}
	b.errorf("increment target is not assignable")
	return b.dest()
}

func (b *funcBuilder) compileMemberRead(m *Member) int {
	obj := b.compileExpr(m.Object)
	t := b.allocReg()
	b.emit(vm.InsABC(vm.OpGetTableKS, uint8(t), uint8(obj), 0))
	b.emit(uint32(b.addStrConst(m.Field)))
	return t
}

// storeMember rebuilds the named vector variable with one component
// replaced by the value in valueReg.
func (b *funcBuilder) storeMember(m *Member, valueReg int) {
	id, ok := unwrapParen(m.Object).(*Ident)
	if !ok {
		b.errorf("component assignment needs a named vector")
		return
	}
	sym := b.cg.prog.Symbols[id.SymbolID]

	mark := b.regTop
	f := b.allocReg()
	b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "replace_axis"))))
	a1 := b.allocReg()
	if sym.Kind == SymGlobal {
		b.emit(vm.InsAD(vm.OpGetGlobal, uint8(a1), int16(b.addStrConst("_g"+sym.Name))))
	} else {
		b.emit(vm.InsABC(vm.OpMove, uint8(a1), uint8(sym.Slot), 0))
	}
	a2 := b.allocReg()
	b.emit(vm.InsAD(vm.OpLoadK, uint8(a2), int16(b.addStrConst(m.Field))))
	a3 := b.allocReg()
	b.emit(vm.InsABC(vm.OpMove, uint8(a3), uint8(valueReg), 0))
	b.emitCall(f, 3, true)
	if sym.Kind == SymGlobal {
		b.emit(vm.InsAD(vm.OpSetGlobal, uint8(f), int16(b.addStrConst("_g"+sym.Name))))
	} else {
		b.emit(vm.InsABC(vm.OpMove, uint8(sym.Slot), uint8(f), 0))
	}
	b.regTop = mark
}

// ---------------------------------------------------------------------------
// Binary operators

func (b *funcBuilder) compileBinary(n *Binary) int {
	switch n.Op {
	case TokenPlus:
		if n.L.Type() == TypeList || n.R.Type() == TypeList {
			return b.compileHelperBinary(n, "lsl", "table_concat")
		}
		if n.L.Type() == TypeString {
			return b.compileConcat(n)
		}
		return b.compileArith(n, vm.OpAdd)
	case TokenMinus:
		return b.compileArith(n, vm.OpSub)
	case TokenStar:
		return b.compileArith(n, vm.OpMul)
	case TokenSlash:
		return b.compileArith(n, vm.OpDiv)
	case TokenPercent:
		return b.compileArith(n, vm.OpMod)
	case TokenEq, TokenNeq:
		if n.L.Type() == TypeList && n.R.Type() == TypeList {
			return b.compileListCompare(n)
		}
		return b.compileCompare(n)
	case TokenLt, TokenGt, TokenLe, TokenGe:
		return b.compileCompare(n)
	case TokenAndAnd, TokenOrOr:
		return b.compileLogical(n)
	case TokenAmp:
		return b.compileHelperBinary(n, "bit32", "band")
	case TokenPipe:
		return b.compileHelperBinary(n, "bit32", "bor")
	case TokenCaret:
		return b.compileHelperBinary(n, "bit32", "bxor")
	case TokenShl:
		return b.compileHelperBinary(n, "bit32", "lshift")
	case TokenShr:
		return b.compileHelperBinary(n, "bit32", "arshift")
	}
	b.errorf("internal: unhandled binary operator")
	return b.dest()
}

// compileRHSOperand evaluates the right operand first, honoring the
// source language's right-to-left order. A bare local read may be
// aliased to its slot, except when compiling the left operand could
// mutate that variable, which would make the alias observe the new
// value.
func (b *funcBuilder) compileRHSOperand(r, l Expr) int {
	if id, ok := unwrapParen(r).(*Ident); ok {
		sym := b.cg.prog.Symbols[id.SymbolID]
		if sym.Kind != SymGlobal && !mutates(l, id.SymbolID) {
			return sym.Slot
		}
	}
	reg := b.allocReg()
	b.compileExprTo(r, reg)
	return reg
}

// mutates reports whether evaluating e can write the given symbol.
func mutates(e Expr, symID int) bool {
	found := false
	var walk func(Expr)
	walk = func(e Expr) {
		if e == nil || found {
			return
		}
		switch n := e.(type) {
		case *Assign:
			if id, ok := unwrapParen(n.Target).(*Ident); ok && id.SymbolID == symID {
				found = true
				return
			}
			if m, ok := unwrapParen(n.Target).(*Member); ok {
				if id, ok := unwrapParen(m.Object).(*Ident); ok && id.SymbolID == symID {
					found = true
					return
				}
			}
			walk(n.Target)
			walk(n.Value)
		case *Unary:
			if n.Op == TokenIncr || n.Op == TokenDecr {
				if id, ok := unwrapParen(n.Operand).(*Ident); ok && id.SymbolID == symID {
					found = true
					return
				}
			}
			walk(n.Operand)
		case *Binary:
			walk(n.L)
			walk(n.R)
		case *Member:
			walk(n.Object)
		case *Cast:
			walk(n.Operand)
		case *Paren:
			walk(n.Inner)
		case *Call:
			// A call could mutate any global; locals are unreachable
			// from callees, so only flag globals.
			for _, a := range n.Args {
				walk(a)
			}
		case *VectorLit:
			walk(n.X)
			walk(n.Y)
			walk(n.Z)
		case *RotationLit:
			walk(n.X)
			walk(n.Y)
			walk(n.Z)
			walk(n.S)
		case *ListLit:
			for _, el := range n.Elems {
				walk(el)
			}
		}
	}
	walk(e)
	return found
}

func unwrapParen(e Expr) Expr {
	for {
		p, ok := e.(*Paren)
		if !ok {
			return e
		}
		e = p.Inner
	}
}

func numericConstOf(e Expr) (float64, bool) {
	switch lit := unwrapParen(e).(type) {
	case *IntLit:
		return float64(lit.Value), true
	case *FloatLit:
		return float64(float32(lit.Value)), true
	}
	return 0, false
}

func (b *funcBuilder) compileArith(n *Binary, op vm.Opcode) int {
	dst := b.grab()
	mark := b.regTop

	// K-immediate forms when a constant operand's index fits a byte.
	if kv, ok := numericConstOf(n.R); ok {
		if k := b.addNumConst(kv); k < maxByteConstants {
			lr := b.compileExpr(n.L)
			t := b.allocReg()
			b.emit(vm.InsABC(op-vm.OpAdd+vm.OpAddK, uint8(t), uint8(lr), uint8(k)))
			return b.place(dst, t, mark)
		}
	}
	if kv, ok := numericConstOf(n.L); ok {
		if k := b.addNumConst(kv); k < maxByteConstants {
			switch op {
			case vm.OpAdd, vm.OpMul:
				rr := b.compileExpr(n.R)
				t := b.allocReg()
				b.emit(vm.InsABC(op-vm.OpAdd+vm.OpAddK, uint8(t), uint8(rr), uint8(k)))
				return b.place(dst, t, mark)
			case vm.OpSub, vm.OpDiv:
				rkOp := vm.OpSubRK
				if op == vm.OpDiv {
					rkOp = vm.OpDivRK
				}
				rr := b.compileExpr(n.R)
				t := b.allocReg()
				b.emit(vm.InsABC(rkOp, uint8(t), uint8(k), uint8(rr)))
				return b.place(dst, t, mark)
			}
		}
	}

	rr := b.compileRHSOperand(n.R, n.L)
	lr := b.compileExpr(n.L)
	t := b.allocReg()
	b.emit(vm.InsABC(op, uint8(t), uint8(lr), uint8(rr)))
	return b.place(dst, t, mark)
}

func (b *funcBuilder) compileConcat(n *Binary) int {
	dst := b.grab()
	mark := b.regTop
	base := b.allocReg()
	b.allocReg()
	b.compileExprTo(n.R, base+1)
	b.compileExprTo(n.L, base)
	b.emit(vm.InsABC(vm.OpConcat, uint8(base), uint8(base), uint8(base+1)))
	return b.place(dst, base, mark)
}

// compileCompare materializes a comparison as 0 or 1. Greater-than
// forms swap operands onto the less-than instructions; negating a
// less-than would misreport NaN operands.
func (b *funcBuilder) compileCompare(n *Binary) int {
	dst := b.grab()
	mark := b.regTop
	rr := b.compileRHSOperand(n.R, n.L)
	lr := b.compileExpr(n.L)
	t := b.allocReg()

	var op vm.Opcode
	a, aux := lr, rr
	switch n.Op {
	case TokenLt:
		op = vm.OpJumpIfLt
	case TokenLe:
		op = vm.OpJumpIfLe
	case TokenGt:
		op = vm.OpJumpIfLt
		a, aux = rr, lr
	case TokenGe:
		op = vm.OpJumpIfLe
		a, aux = rr, lr
	case TokenEq:
		op = vm.OpJumpIfEq
	case TokenNeq:
		op = vm.OpJumpIfNotEq
	}

	b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 1))
	b.emitJumpD(op, uint8(a), 2)
	b.emit(uint32(aux))
	b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 0))
	return b.place(dst, t, mark)
}

// compileListCompare implements the length-based list (in)equality:
// inequality yields the length difference, equality its logical not.
func (b *funcBuilder) compileListCompare(n *Binary) int {
	dst := b.grab()
	mark := b.regTop

	if emptyListLit(n.R) || emptyListLit(n.L) {
		other := n.L
		if emptyListLit(other) {
			other = n.R
		}
		r := b.compileExpr(other)
		t := b.allocReg()
		b.emit(vm.InsABC(vm.OpLength, uint8(t), uint8(r), 0))
		if n.Op == TokenNeq {
			return b.place(dst, t, mark)
		}
		zr := b.allocReg()
		b.emit(vm.InsAD(vm.OpLoadN, uint8(zr), 0))
		res := b.allocReg()
		b.emit(vm.InsAD(vm.OpLoadN, uint8(res), 1))
		b.emitJumpD(vm.OpJumpIfEq, uint8(t), 2)
		b.emit(uint32(zr))
		b.emit(vm.InsAD(vm.OpLoadN, uint8(res), 0))
		return b.place(dst, res, mark)
	}

	rr := b.compileRHSOperand(n.R, n.L)
	lr := b.compileExpr(n.L)
	la := b.allocReg()
	b.emit(vm.InsABC(vm.OpLength, uint8(la), uint8(lr), 0))
	lb := b.allocReg()
	b.emit(vm.InsABC(vm.OpLength, uint8(lb), uint8(rr), 0))
	t := b.allocReg()
	if n.Op == TokenNeq {
		b.emit(vm.InsABC(vm.OpSub, uint8(t), uint8(la), uint8(lb)))
		return b.place(dst, t, mark)
	}
	b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 1))
	b.emitJumpD(vm.OpJumpIfEq, uint8(la), 2)
	b.emit(uint32(lb))
	b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 0))
	return b.place(dst, t, mark)
}

func emptyListLit(e Expr) bool {
	l, ok := unwrapParen(e).(*ListLit)
	return ok && len(l.Elems) == 0
}

// compileLogical lowers && and ||. Both operands are always evaluated,
// matching the legacy semantics; only the result selection branches.
func (b *funcBuilder) compileLogical(n *Binary) int {
	dst := b.grab()
	mark := b.regTop
	rr := b.compileRHSOperand(n.R, n.L)
	lr := b.compileExpr(n.L)
	zr := b.allocReg()
	b.emit(vm.InsAD(vm.OpLoadN, uint8(zr), 0))
	t := b.allocReg()

	if n.Op == TokenAndAnd {
		b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 0))
		j1 := b.emit(vm.InsAD(vm.OpJumpIfEq, uint8(lr), 0))
		b.emit(uint32(zr))
		j2 := b.emit(vm.InsAD(vm.OpJumpIfEq, uint8(rr), 0))
		b.emit(uint32(zr))
		b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 1))
		b.patchJumpHere(j1)
		b.patchJumpHere(j2)
	} else {
		b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 1))
		j1 := b.emit(vm.InsAD(vm.OpJumpIfNotEq, uint8(lr), 0))
		b.emit(uint32(zr))
		j2 := b.emit(vm.InsAD(vm.OpJumpIfNotEq, uint8(rr), 0))
		b.emit(uint32(zr))
		b.emit(vm.InsAD(vm.OpLoadN, uint8(t), 0))
		b.patchJumpHere(j1)
		b.patchJumpHere(j2)
	}
	return b.place(dst, t, mark)
}

// compileHelperBinary lowers an operator to a two-argument helper call.
// The right operand still evaluates first.
func (b *funcBuilder) compileHelperBinary(n *Binary, module, member string) int {
	dst := b.grab()
	mark := b.regTop
	f := b.allocReg()
	b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor(module, member))))
	a1 := b.allocReg()
	a2 := b.allocReg()
	inner := b.regTop
	b.compileExprTo(n.R, a2)
	b.regTop = inner
	b.compileExprTo(n.L, a1)
	b.regTop = inner
	b.emitCall(f, 2, true)
	return b.place(dst, f, mark)
}

// ---------------------------------------------------------------------------
// Assignment

func (b *funcBuilder) compileAssign(n *Assign, wantValue bool) int {
	switch target := unwrapParen(n.Target).(type) {
	case *Ident:
		sym := b.cg.prog.Symbols[target.SymbolID]
		if sym.Kind == SymGlobal {
			return b.assignGlobal(n, sym, wantValue)
		}
		return b.assignLocal(n, sym, wantValue)
	case *Member:
		return b.assignMember(n, target, wantValue)
	}
	b.errorf("cannot assign to this expression")
	return b.dest()
}

func (b *funcBuilder) assignLocal(n *Assign, sym *Symbol, wantValue bool) int {
	dst := b.grab()
	slot := sym.Slot
	if n.Op == TokenAssign {
		mark := b.regTop
		b.compileExprTo(n.Value, slot)
		b.convertForStore(slot, sym.Type, n.Value, false)
		b.regTop = mark
	} else {
		b.compileCompound(n, slot, sym.Type)
	}
	if wantValue && dst >= 0 && dst != slot {
		b.emit(vm.InsABC(vm.OpMove, uint8(dst), uint8(slot), 0))
		return dst
	}
	return slot
}

func (b *funcBuilder) assignGlobal(n *Assign, sym *Symbol, wantValue bool) int {
	dst := b.grab()
	mark := b.regTop
	kname := b.addStrConst("_g" + sym.Name)
	r := b.allocReg()
	if n.Op == TokenAssign {
		b.compileExprTo(n.Value, r)
		b.convertForStore(r, sym.Type, n.Value, false)
	} else {
		b.emit(vm.InsAD(vm.OpGetGlobal, uint8(r), int16(kname)))
		b.compileCompound(n, r, sym.Type)
	}
	b.emit(vm.InsAD(vm.OpSetGlobal, uint8(r), int16(kname)))
	if !wantValue {
		b.regTop = mark
		return r
	}
	return b.place(dst, r, mark)
}

// compileCompound applies `reg = reg op value` for a compound
// assignment, leaving the stored value in reg.
func (b *funcBuilder) compileCompound(n *Assign, reg int, declType Type) {
	op := compoundBase(n.Op)
	mark := b.regTop

	switch {
	case op == TokenPlus && declType == TypeList:
		f := b.allocReg()
		b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "table_concat"))))
		a1 := b.allocReg()
		b.emit(vm.InsABC(vm.OpMove, uint8(a1), uint8(reg), 0))
		a2 := b.allocReg()
		b.compileExprTo(n.Value, a2)
		b.emitCall(f, 2, true)
		b.emit(vm.InsABC(vm.OpMove, uint8(reg), uint8(f), 0))

	case op == TokenPlus && declType == TypeString:
		base := b.allocReg()
		b.allocReg()
		b.compileExprTo(n.Value, base+1)
		b.emit(vm.InsABC(vm.OpMove, uint8(base), uint8(reg), 0))
		b.emit(vm.InsABC(vm.OpConcat, uint8(base), uint8(base), uint8(base+1)))
		b.emit(vm.InsABC(vm.OpMove, uint8(reg), uint8(base), 0))

	default:
		arithOp := arithOpcode(op)
		if kv, ok := numericConstOf(n.Value); ok {
			if k := b.addNumConst(kv); k < maxByteConstants {
				b.emit(vm.InsABC(arithOp-vm.OpAdd+vm.OpAddK, uint8(reg), uint8(reg), uint8(k)))
				break
			}
		}
		vr := b.allocReg()
		b.compileExprTo(n.Value, vr)
		b.emit(vm.InsABC(arithOp, uint8(reg), uint8(reg), uint8(vr)))
	}

	b.regTop = mark
	if declType == TypeFloat {
		b.emit(vm.InsABC(vm.OpDouble2Float, uint8(reg), uint8(reg), 0))
	}
}

func arithOpcode(op TokenType) vm.Opcode {
	switch op {
	case TokenPlus:
		return vm.OpAdd
	case TokenMinus:
		return vm.OpSub
	case TokenStar:
		return vm.OpMul
	case TokenSlash:
		return vm.OpDiv
	case TokenPercent:
		return vm.OpMod
	}
	return vm.OpAdd
}

// assignMember rewrites one component of a vector-valued variable and
// stores the rebuilt vector back.
func (b *funcBuilder) assignMember(n *Assign, m *Member, wantValue bool) int {
	id, ok := unwrapParen(m.Object).(*Ident)
	if !ok {
		b.errorf("component assignment needs a named vector")
		return b.dest()
	}
	sym := b.cg.prog.Symbols[id.SymbolID]

	dst := b.grab()
	mark := b.regTop
	f := b.allocReg()
	b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "replace_axis"))))
	a1 := b.allocReg()
	if sym.Kind == SymGlobal {
		b.emit(vm.InsAD(vm.OpGetGlobal, uint8(a1), int16(b.addStrConst("_g"+sym.Name))))
	} else {
		b.emit(vm.InsABC(vm.OpMove, uint8(a1), uint8(sym.Slot), 0))
	}
	a2 := b.allocReg()
	b.emit(vm.InsAD(vm.OpLoadK, uint8(a2), int16(b.addStrConst(m.Field))))
	a3 := b.allocReg()

	if n.Op == TokenAssign {
		inner := b.regTop
		b.compileExprTo(n.Value, a3)
		b.regTop = inner
	} else {
		inner := b.regTop
		cur := b.allocReg()
		b.emit(vm.InsABC(vm.OpGetTableKS, uint8(cur), uint8(a1), 0))
		b.emit(uint32(b.addStrConst(m.Field)))
		vr := b.allocReg()
		b.compileExprTo(n.Value, vr)
		b.emit(vm.InsABC(arithOpcode(compoundBase(n.Op)), uint8(a3), uint8(cur), uint8(vr)))
		b.regTop = inner
	}

	b.emitCall(f, 3, true)
	if sym.Kind == SymGlobal {
		b.emit(vm.InsAD(vm.OpSetGlobal, uint8(f), int16(b.addStrConst("_g"+sym.Name))))
	} else {
		b.emit(vm.InsABC(vm.OpMove, uint8(sym.Slot), uint8(f), 0))
	}
	if !wantValue {
		b.regTop = mark
		return f
	}
	return b.place(dst, a3, mark)
}

// ---------------------------------------------------------------------------
// Casts and calls

func (b *funcBuilder) compileCast(n *Cast) int {
	from := n.Operand.Type()
	if n.To == from {
		return b.compileExpr(n.Operand)
	}

	// Int and float convert through the dedicated instruction; these
	// are too hot in arithmetic code for a helper call.
	if (n.To == TypeInteger && from == TypeFloat) || (n.To == TypeFloat && from == TypeInteger) {
		dst := b.grab()
		mark := b.regTop
		r := b.compileExpr(n.Operand)
		t := b.allocReg()
		c := uint8(0)
		if n.To == TypeFloat {
			c = 1
		}
		b.emit(vm.InsABC(vm.OpCastIntFloat, uint8(t), uint8(r), c))
		return b.place(dst, t, mark)
	}

	dst := b.grab()
	mark := b.regTop
	f := b.allocReg()
	b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "cast"))))
	a1 := b.allocReg()
	a2 := b.allocReg()
	inner := b.regTop
	b.compileExprTo(n.Operand, a1)
	b.regTop = inner
	b.emit(vm.InsAD(vm.OpLoadK, uint8(a2), int16(b.addStrConst(n.To.String()))))
	b.emitCall(f, 2, true)
	return b.place(dst, f, mark)
}

func (b *funcBuilder) compileCall(n *Call) int {
	// Fast path: list-length lowers to the length primitive.
	if n.Builtin != nil && n.Builtin.Name == "llGetListLength" {
		dst := b.grab()
		mark := b.regTop
		r := b.compileExpr(n.Args[0])
		t := b.allocReg()
		b.emit(vm.InsABC(vm.OpLength, uint8(t), uint8(r), 0))
		return b.place(dst, t, mark)
	}

	dst := b.grab()
	mark := b.regTop
	f := b.allocReg()
	if n.Builtin != nil {
		b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor(n.Builtin.Module, n.Builtin.Member))))
	} else {
		callee := b.cg.prog.Functions[n.FuncIdx]
		b.emit(vm.InsAD(vm.OpGetGlobal, uint8(f), int16(b.addStrConst(callee.MangledName))))
	}

	for range n.Args {
		b.allocReg()
	}
	for i, arg := range n.Args {
		r := f + 1 + i
		inner := b.regTop
		b.compileExprTo(arg, r)
		if i < len(n.Params) {
			b.convertForStore(r, n.Params[i], arg, true)
		}
		b.regTop = inner
	}

	wantResult := n.Type() != TypeVoid
	b.emitCall(f, len(n.Args), wantResult)
	if !wantResult {
		b.regTop = mark
		return f
	}
	return b.place(dst, f, mark)
}

// ---------------------------------------------------------------------------
// Store conversions

// convertForStore adjusts the value in reg to the declared type of its
// destination: the float32 truncation boundary and string/key
// bridging. Argument passing skips the truncation when the value is
// forwarded directly from a variable or component, which already holds
// a truncated value.
func (b *funcBuilder) convertForStore(reg int, to Type, value Expr, argPass bool) {
	from := value.Type()

	if to == TypeFloat && isNumeric(from) && !isConstExpr(value) {
		if !(argPass && isSimpleRead(value)) {
			b.emit(vm.InsABC(vm.OpDouble2Float, uint8(reg), uint8(reg), 0))
		}
	}

	if needsConvHelper(to, from) {
		mark := b.regTop
		f := b.allocReg()
		b.emit(vm.InsAD(vm.OpGetImport, uint8(f), int16(b.importFor("lsl", "cast"))))
		a1 := b.allocReg()
		b.emit(vm.InsABC(vm.OpMove, uint8(a1), uint8(reg), 0))
		a2 := b.allocReg()
		b.emit(vm.InsAD(vm.OpLoadK, uint8(a2), int16(b.addStrConst(to.String()))))
		b.emitCall(f, 2, true)
		b.emit(vm.InsABC(vm.OpMove, uint8(reg), uint8(f), 0))
		b.regTop = mark
	}
}

func isSimpleRead(e Expr) bool {
	switch unwrapParen(e).(type) {
	case *Ident, *Member:
		return true
	}
	return false
}
