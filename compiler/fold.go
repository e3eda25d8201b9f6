package compiler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Constant folding runs after desugaring. It reduces literal
// subexpressions so injected conversions of literals disappear and
// global initializers become single constants where possible.

func fold(prog *Program) {
	for _, g := range prog.Globals {
		if g.Init != nil {
			g.Init = foldExpr(g.Init)
		}
	}
	for _, fn := range prog.Functions {
		foldStmt(fn.Body)
	}
	for _, st := range prog.States {
		for _, h := range st.Handlers {
			foldStmt(h.Body)
		}
	}
}

func foldStmt(s Stmt) {
	switch n := s.(type) {
	case *Block:
		for _, inner := range n.Stmts {
			foldStmt(inner)
		}
	case *Decl:
		if n.Init != nil {
			n.Init = foldExpr(n.Init)
		}
	case *ExprStmt:
		n.X = foldExpr(n.X)
	case *If:
		n.Cond = foldExpr(n.Cond)
		foldStmt(n.Then)
		if n.Else != nil {
			foldStmt(n.Else)
		}
	case *While:
		n.Cond = foldExpr(n.Cond)
		foldStmt(n.Body)
	case *DoWhile:
		foldStmt(n.Body)
		n.Cond = foldExpr(n.Cond)
	case *For:
		for i, e := range n.Init {
			n.Init[i] = foldExpr(e)
		}
		if n.Cond != nil {
			n.Cond = foldExpr(n.Cond)
		}
		for i, e := range n.Step {
			n.Step[i] = foldExpr(e)
		}
		foldStmt(n.Body)
	case *Return:
		if n.Value != nil {
			n.Value = foldExpr(n.Value)
		}
	}
}

func foldExpr(e Expr) Expr {
	switch n := e.(type) {
	case *VectorLit:
		n.X = foldExpr(n.X)
		n.Y = foldExpr(n.Y)
		n.Z = foldExpr(n.Z)
	case *RotationLit:
		n.X = foldExpr(n.X)
		n.Y = foldExpr(n.Y)
		n.Z = foldExpr(n.Z)
		n.S = foldExpr(n.S)
	case *ListLit:
		for i, el := range n.Elems {
			n.Elems[i] = foldExpr(el)
		}
	case *Member:
		n.Object = foldExpr(n.Object)
	case *Unary:
		n.Operand = foldExpr(n.Operand)
		return foldUnary(n)
	case *Binary:
		n.L = foldExpr(n.L)
		n.R = foldExpr(n.R)
		return foldBinary(n)
	case *Assign:
		n.Target = foldExpr(n.Target)
		n.Value = foldExpr(n.Value)
	case *Cast:
		n.Operand = foldExpr(n.Operand)
		return foldCast(n)
	case *Call:
		for i, a := range n.Args {
			n.Args[i] = foldExpr(a)
		}
	case *Paren:
		n.Inner = foldExpr(n.Inner)
		if isConstExpr(n.Inner) {
			return n.Inner
		}
	}
	return e
}

func intLitOf(e Expr) (int32, bool) {
	if lit, ok := e.(*IntLit); ok {
		return lit.Value, true
	}
	return 0, false
}

func floatLitOf(e Expr) (float64, bool) {
	switch lit := e.(type) {
	case *FloatLit:
		return lit.Value, true
	case *IntLit:
		return float64(lit.Value), true
	}
	return 0, false
}

func newIntLit(line int, v int32) *IntLit {
	lit := &IntLit{exprBase: exprBase{base: base{line}}, Value: v}
	lit.setType(TypeInteger)
	return lit
}

func newFloatLit(line int, v float64) *FloatLit {
	lit := &FloatLit{exprBase: exprBase{base: base{line}}, Value: v}
	lit.setType(TypeFloat)
	return lit
}

func newStringLit(line int, v string) *StringLit {
	lit := &StringLit{exprBase: exprBase{base: base{line}}, Value: v}
	lit.setType(TypeString)
	return lit
}

func foldUnary(n *Unary) Expr {
	switch n.Op {
	case TokenMinus:
		if v, ok := intLitOf(n.Operand); ok {
			return newIntLit(n.Line, -v)
		}
		if lit, ok := n.Operand.(*FloatLit); ok {
			return newFloatLit(n.Line, -lit.Value)
		}
	case TokenNot:
		if v, ok := intLitOf(n.Operand); ok {
			if v == 0 {
				return newIntLit(n.Line, 1)
			}
			return newIntLit(n.Line, 0)
		}
	case TokenTilde:
		if v, ok := intLitOf(n.Operand); ok {
			return newIntLit(n.Line, ^v)
		}
	}
	return n
}

func foldBinary(n *Binary) Expr {
	// Integer arithmetic folds exactly; division by a zero literal is
	// left for runtime so the error surfaces at the right place.
	if lv, lok := intLitOf(n.L); lok {
		if rv, rok := intLitOf(n.R); rok {
			switch n.Op {
			case TokenPlus:
				return newIntLit(n.Line, lv+rv)
			case TokenMinus:
				return newIntLit(n.Line, lv-rv)
			case TokenStar:
				return newIntLit(n.Line, lv*rv)
			case TokenSlash:
				if rv != 0 {
					return newIntLit(n.Line, lv/rv)
				}
			case TokenPercent:
				if rv != 0 {
					return newIntLit(n.Line, lv%rv)
				}
			case TokenAmp:
				return newIntLit(n.Line, lv&rv)
			case TokenPipe:
				return newIntLit(n.Line, lv|rv)
			case TokenCaret:
				return newIntLit(n.Line, lv^rv)
			case TokenShl:
				return newIntLit(n.Line, lv<<(uint32(rv)&31))
			case TokenShr:
				return newIntLit(n.Line, lv>>(uint32(rv)&31))
			}
		}
	}

	if n.L.Type() == TypeFloat || n.R.Type() == TypeFloat {
		lv, lok := floatLitOf(n.L)
		rv, rok := floatLitOf(n.R)
		if lok && rok {
			switch n.Op {
			case TokenPlus:
				return newFloatLit(n.Line, lv+rv)
			case TokenMinus:
				return newFloatLit(n.Line, lv-rv)
			case TokenStar:
				return newFloatLit(n.Line, lv*rv)
			case TokenSlash:
				if rv != 0 {
					return newFloatLit(n.Line, lv/rv)
				}
			}
		}
	}

	if n.Op == TokenPlus {
		if ls, lok := n.L.(*StringLit); lok {
			if rs, rok := n.R.(*StringLit); rok {
				return newStringLit(n.Line, ls.Value+rs.Value)
			}
		}
	}

	if n.Op == TokenEq || n.Op == TokenNeq {
		if ls, lok := n.L.(*StringLit); lok {
			if rs, rok := n.R.(*StringLit); rok {
				eq := ls.Value == rs.Value
				if n.Op == TokenNeq {
					eq = !eq
				}
				if eq {
					return newIntLit(n.Line, 1)
				}
				return newIntLit(n.Line, 0)
			}
		}
	}
	return n
}

func foldCast(n *Cast) Expr {
	from := n.Operand.Type()
	if n.To == from {
		return n.Operand
	}
	switch n.To {
	case TypeInteger:
		if lit, ok := n.Operand.(*FloatLit); ok {
			return newIntLit(n.Line, truncToInt(lit.Value))
		}
		if lit, ok := n.Operand.(*StringLit); ok {
			return newIntLit(n.Line, parseIntPrefix(lit.Value))
		}
	case TypeFloat:
		if lit, ok := n.Operand.(*IntLit); ok {
			return newFloatLit(n.Line, float64(lit.Value))
		}
		if lit, ok := n.Operand.(*StringLit); ok {
			return newFloatLit(n.Line, parseFloatPrefix(lit.Value))
		}
	case TypeString:
		switch lit := n.Operand.(type) {
		case *IntLit:
			return newStringLit(n.Line, strconv.FormatInt(int64(lit.Value), 10))
		case *FloatLit:
			return newStringLit(n.Line, fmt.Sprintf("%.6f", lit.Value))
		}
	case TypeKey:
		// Keys keep their string payload; no fold needed beyond the
		// string representation already present.
		if _, ok := n.Operand.(*StringLit); ok {
			return n
		}
	}
	return n
}

// truncToInt converts with the saturating rule: values beyond the
// 32-bit range clamp rather than wrap.
func truncToInt(f float64) int32 {
	if math.IsNaN(f) {
		return 0
	}
	t := math.Trunc(f)
	if t >= math.MaxInt32 {
		return math.MaxInt32
	}
	if t <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(t)
}

// parseIntPrefix reads a leading integer the way the runtime cast does.
func parseIntPrefix(s string) int32 {
	s = strings.TrimLeft(s, " \t")
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return 0
	}
	v, err := strconv.ParseInt(s[:j], 10, 64)
	if err != nil {
		return 0
	}
	return int32(v)
}

func parseFloatPrefix(s string) float64 {
	s = strings.TrimLeft(s, " \t")
	j := 0
	if j < len(s) && (s[j] == '+' || s[j] == '-') {
		j++
	}
	for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
		j++
	}
	if j == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(s[:j], 64)
	if err != nil {
		return 0
	}
	return v
}
