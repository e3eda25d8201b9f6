package compiler

// Desugaring rewrites a typed tree in place before folding and code
// generation. The one structural rule: (in)equality between a string
// and a key injects an explicit string conversion of both sides, since
// the instruction set has no mixed-type comparison. Folding afterwards
// collapses the injected casts when the operands are literals.

func desugar(prog *Program) {
	for _, g := range prog.Globals {
		if g.Init != nil {
			g.Init = desugarExpr(g.Init)
		}
	}
	for _, fn := range prog.Functions {
		desugarStmt(fn.Body)
	}
	for _, st := range prog.States {
		for _, h := range st.Handlers {
			desugarStmt(h.Body)
		}
	}
}

func desugarStmt(s Stmt) {
	switch n := s.(type) {
	case *Block:
		for _, inner := range n.Stmts {
			desugarStmt(inner)
		}
	case *Decl:
		if n.Init != nil {
			n.Init = desugarExpr(n.Init)
		}
	case *ExprStmt:
		n.X = desugarExpr(n.X)
	case *If:
		n.Cond = desugarExpr(n.Cond)
		desugarStmt(n.Then)
		if n.Else != nil {
			desugarStmt(n.Else)
		}
	case *While:
		n.Cond = desugarExpr(n.Cond)
		desugarStmt(n.Body)
	case *DoWhile:
		desugarStmt(n.Body)
		n.Cond = desugarExpr(n.Cond)
	case *For:
		for i, e := range n.Init {
			n.Init[i] = desugarExpr(e)
		}
		if n.Cond != nil {
			n.Cond = desugarExpr(n.Cond)
		}
		for i, e := range n.Step {
			n.Step[i] = desugarExpr(e)
		}
		desugarStmt(n.Body)
	case *Return:
		if n.Value != nil {
			n.Value = desugarExpr(n.Value)
		}
	}
}

func desugarExpr(e Expr) Expr {
	switch n := e.(type) {
	case *VectorLit:
		n.X = desugarExpr(n.X)
		n.Y = desugarExpr(n.Y)
		n.Z = desugarExpr(n.Z)
	case *RotationLit:
		n.X = desugarExpr(n.X)
		n.Y = desugarExpr(n.Y)
		n.Z = desugarExpr(n.Z)
		n.S = desugarExpr(n.S)
	case *ListLit:
		for i, el := range n.Elems {
			n.Elems[i] = desugarExpr(el)
		}
	case *Member:
		n.Object = desugarExpr(n.Object)
	case *Unary:
		n.Operand = desugarExpr(n.Operand)
	case *Binary:
		n.L = desugarExpr(n.L)
		n.R = desugarExpr(n.R)
		if n.Op == TokenEq || n.Op == TokenNeq {
			lt, rt := n.L.Type(), n.R.Type()
			// Key comparisons are textual, so both sides drop to their
			// string representation.
			if lt == TypeKey || rt == TypeKey {
				n.L = castToString(n.L)
				n.R = castToString(n.R)
			}
		}
	case *Assign:
		n.Target = desugarExpr(n.Target)
		n.Value = desugarExpr(n.Value)
	case *Cast:
		n.Operand = desugarExpr(n.Operand)
	case *Call:
		for i, a := range n.Args {
			n.Args[i] = desugarExpr(a)
		}
	case *Paren:
		n.Inner = desugarExpr(n.Inner)
	}
	return e
}

func castToString(e Expr) Expr {
	if e.Type() == TypeString {
		return e
	}
	c := &Cast{exprBase: exprBase{base: base{e.Pos()}}, To: TypeString, Operand: e}
	c.setType(TypeString)
	return c
}
