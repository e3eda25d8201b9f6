package compiler

import "strconv"

// Parser is a recursive-descent parser over the lexer's token stream.
// It records diagnostics into the shared sink and synchronizes at
// statement boundaries so several errors can be reported per compile.
type Parser struct {
	lex   *Lexer
	tok   Token
	ahead *Token
	diags *diagSink
}

func NewParser(input string, diags *diagSink) *Parser {
	p := &Parser{lex: NewLexer(input), diags: diags}
	p.next()
	return p
}

func (p *Parser) next() {
	if p.ahead != nil {
		p.tok = *p.ahead
		p.ahead = nil
		return
	}
	p.tok = p.lex.NextToken()
}

func (p *Parser) peekAhead() Token {
	if p.ahead == nil {
		t := p.lex.NextToken()
		p.ahead = &t
	}
	return *p.ahead
}

func (p *Parser) errorf(format string, args ...any) {
	p.diags.errorf(p.tok.Line, format, args...)
}

func (p *Parser) expect(tt TokenType) Token {
	tok := p.tok
	if tok.Type != tt {
		p.errorf("expected %s, found %s", tt, tok.Type)
		return tok
	}
	p.next()
	return tok
}

// synchronize skips tokens until a statement boundary.
func (p *Parser) synchronize() {
	for p.tok.Type != TokenEOF {
		if p.tok.Type == TokenSemicolon {
			p.next()
			return
		}
		if p.tok.Type == TokenRBrace || p.tok.Type == TokenLBrace {
			return
		}
		p.next()
	}
}

// ParseProgram parses a whole script.
func (p *Parser) ParseProgram() *Program {
	prog := &Program{}
	for p.tok.Type != TokenEOF {
		switch {
		case p.tok.Type == TokenKwDefault:
			prog.States = append(prog.States, p.parseState(true))
		case p.tok.Type == TokenKwState:
			prog.States = append(prog.States, p.parseState(false))
		case p.tok.Type.IsTypeKeyword():
			p.parseGlobalOrFunction(prog, typeFromKeyword(p.tok.Type))
		case p.tok.Type == TokenIdent:
			p.parseGlobalOrFunction(prog, TypeVoid)
		default:
			p.errorf("unexpected %s at top level", p.tok.Type)
			p.next()
			p.synchronize()
		}
	}
	return prog
}

func (p *Parser) parseGlobalOrFunction(prog *Program, declType Type) {
	line := p.tok.Line
	if declType != TypeVoid {
		p.next() // type keyword
	}
	name := p.expect(TokenIdent)

	if p.tok.Type == TokenLParen {
		fn := p.parseFunctionRest(name.Literal, declType, line)
		prog.Functions = append(prog.Functions, fn)
		return
	}

	if declType == TypeVoid {
		p.errorf("global variable %q needs a type", name.Literal)
		p.synchronize()
		return
	}
	g := &GlobalVar{DeclType: declType, Name: name.Literal, Line: line, SymbolID: -1}
	if p.tok.Type == TokenAssign {
		p.next()
		g.Init = p.parseExpr()
	}
	p.expect(TokenSemicolon)
	prog.Globals = append(prog.Globals, g)
}

func (p *Parser) parseFunctionRest(name string, ret Type, line int) *Function {
	fn := &Function{Name: name, ReturnType: ret, Line: line, StateIdx: -1}
	fn.Params = p.parseParams()
	fn.Body = p.parseBlock()
	return fn
}

func (p *Parser) parseParams() []Param {
	p.expect(TokenLParen)
	var params []Param
	for p.tok.Type != TokenRParen && p.tok.Type != TokenEOF {
		if len(params) > 0 {
			p.expect(TokenComma)
		}
		if !p.tok.Type.IsTypeKeyword() {
			p.errorf("expected parameter type, found %s", p.tok.Type)
			p.synchronize()
			return params
		}
		pt := typeFromKeyword(p.tok.Type)
		p.next()
		pn := p.expect(TokenIdent)
		params = append(params, Param{Type: pt, Name: pn.Literal, Line: pn.Line})
	}
	p.expect(TokenRParen)
	return params
}

func (p *Parser) parseState(isDefault bool) *State {
	st := &State{Line: p.tok.Line}
	if isDefault {
		st.Name = "default"
		p.next()
	} else {
		p.next() // state
		st.Name = p.expect(TokenIdent).Literal
	}
	p.expect(TokenLBrace)
	for p.tok.Type != TokenRBrace && p.tok.Type != TokenEOF {
		if p.tok.Type != TokenIdent {
			p.errorf("expected event handler, found %s", p.tok.Type)
			p.next()
			continue
		}
		name := p.tok
		p.next()
		h := p.parseFunctionRest(name.Literal, TypeVoid, name.Line)
		h.IsEvent = true
		st.Handlers = append(st.Handlers, h)
	}
	p.expect(TokenRBrace)
	return st
}

// ---------------------------------------------------------------------------
// Statements

func (p *Parser) parseBlock() *Block {
	blk := &Block{stmtBase: stmtBase{base{p.tok.Line}}}
	p.expect(TokenLBrace)
	for p.tok.Type != TokenRBrace && p.tok.Type != TokenEOF {
		blk.Stmts = append(blk.Stmts, p.parseStmt())
	}
	p.expect(TokenRBrace)
	return blk
}

func (p *Parser) parseStmt() Stmt {
	line := p.tok.Line
	switch p.tok.Type {
	case TokenLBrace:
		return p.parseBlock()
	case TokenSemicolon:
		p.next()
		return &Block{stmtBase: stmtBase{base{line}}}
	case TokenKwIf:
		return p.parseIf()
	case TokenKwWhile:
		p.next()
		p.expect(TokenLParen)
		cond := p.parseExpr()
		p.expect(TokenRParen)
		body := p.parseStmt()
		return &While{stmtBase: stmtBase{base{line}}, Cond: cond, Body: body}
	case TokenKwDo:
		p.next()
		body := p.parseStmt()
		p.expect(TokenKwWhile)
		p.expect(TokenLParen)
		cond := p.parseExpr()
		p.expect(TokenRParen)
		p.expect(TokenSemicolon)
		return &DoWhile{stmtBase: stmtBase{base{line}}, Body: body, Cond: cond}
	case TokenKwFor:
		return p.parseFor()
	case TokenKwReturn:
		p.next()
		ret := &Return{stmtBase: stmtBase{base{line}}}
		if p.tok.Type != TokenSemicolon {
			ret.Value = p.parseExpr()
		}
		p.expect(TokenSemicolon)
		return ret
	case TokenKwJump:
		p.next()
		name := p.expect(TokenIdent)
		p.expect(TokenSemicolon)
		return &Jump{stmtBase: stmtBase{base{line}}, Label: name.Literal}
	case TokenAt:
		p.next()
		name := p.expect(TokenIdent)
		p.expect(TokenSemicolon)
		return &Label{stmtBase: stmtBase{base{line}}, Name: name.Literal}
	case TokenKwState:
		p.next()
		var name string
		if p.tok.Type == TokenKwDefault {
			name = "default"
			p.next()
		} else {
			name = p.expect(TokenIdent).Literal
		}
		p.expect(TokenSemicolon)
		return &StateChange{stmtBase: stmtBase{base{line}}, Name: name}
	default:
		if p.tok.Type.IsTypeKeyword() {
			return p.parseDecl()
		}
		x := p.parseExpr()
		p.expect(TokenSemicolon)
		return &ExprStmt{stmtBase: stmtBase{base{line}}, X: x}
	}
}

func (p *Parser) parseIf() Stmt {
	line := p.tok.Line
	p.next()
	p.expect(TokenLParen)
	cond := p.parseExpr()
	p.expect(TokenRParen)
	then := p.parseStmt()
	var els Stmt
	if p.tok.Type == TokenKwElse {
		p.next()
		els = p.parseStmt()
	}
	return &If{stmtBase: stmtBase{base{line}}, Cond: cond, Then: then, Else: els}
}

func (p *Parser) parseFor() Stmt {
	line := p.tok.Line
	p.next()
	p.expect(TokenLParen)
	f := &For{stmtBase: stmtBase{base{line}}}
	for p.tok.Type != TokenSemicolon && p.tok.Type != TokenEOF {
		if len(f.Init) > 0 {
			p.expect(TokenComma)
		}
		f.Init = append(f.Init, p.parseExpr())
	}
	p.expect(TokenSemicolon)
	if p.tok.Type != TokenSemicolon {
		f.Cond = p.parseExpr()
	}
	p.expect(TokenSemicolon)
	for p.tok.Type != TokenRParen && p.tok.Type != TokenEOF {
		if len(f.Step) > 0 {
			p.expect(TokenComma)
		}
		f.Step = append(f.Step, p.parseExpr())
	}
	p.expect(TokenRParen)
	f.Body = p.parseStmt()
	return f
}

func (p *Parser) parseDecl() Stmt {
	line := p.tok.Line
	dt := typeFromKeyword(p.tok.Type)
	p.next()
	name := p.expect(TokenIdent)
	d := &Decl{stmtBase: stmtBase{base{line}}, DeclType: dt, Name: name.Literal, SymbolID: -1}
	if p.tok.Type == TokenAssign {
		p.next()
		d.Init = p.parseExpr()
	}
	p.expect(TokenSemicolon)
	return d
}

// ---------------------------------------------------------------------------
// Expressions

// Binding powers for binary operators. Comparison sits below shifts,
// matching the reference grammar.
var binaryPrec = map[TokenType]int{
	TokenOrOr:    1,
	TokenAndAnd:  2,
	TokenPipe:    3,
	TokenCaret:   4,
	TokenAmp:     5,
	TokenEq:      6,
	TokenNeq:     6,
	TokenLt:      7,
	TokenGt:      7,
	TokenLe:      7,
	TokenGe:      7,
	TokenShl:     8,
	TokenShr:     8,
	TokenPlus:    9,
	TokenMinus:   9,
	TokenStar:    10,
	TokenSlash:   10,
	TokenPercent: 10,
}

// precVectorComponent is the minimum binding power inside <x, y, z>
// literals, chosen so a bare '>' always closes the literal.
const precVectorComponent = 8

func (p *Parser) parseExpr() Expr {
	return p.parseAssign()
}

func isAssignOp(tt TokenType) bool {
	switch tt {
	case TokenAssign, TokenPlusAssign, TokenMinusAssign,
		TokenStarAssign, TokenSlashAssign, TokenPercentAssign:
		return true
	}
	return false
}

func (p *Parser) parseAssign() Expr {
	lhs := p.parseBinary(1)
	if !isAssignOp(p.tok.Type) {
		return lhs
	}
	op := p.tok.Type
	line := p.tok.Line
	p.next()
	rhs := p.parseAssign()
	switch lhs.(type) {
	case *Ident, *Member:
	default:
		p.diags.errorf(line, "invalid assignment target")
	}
	return &Assign{exprBase: exprBase{base: base{line}}, Op: op, Target: lhs, Value: rhs}
}

func (p *Parser) parseBinary(minPrec int) Expr {
	lhs := p.parseUnary(minPrec)
	for {
		prec, ok := binaryPrec[p.tok.Type]
		if !ok || prec < minPrec {
			return lhs
		}
		op := p.tok.Type
		line := p.tok.Line
		p.next()
		rhs := p.parseBinary(prec + 1)
		lhs = &Binary{exprBase: exprBase{base: base{line}}, Op: op, L: lhs, R: rhs}
	}
}

func (p *Parser) parseUnary(minPrec int) Expr {
	line := p.tok.Line
	switch p.tok.Type {
	case TokenMinus, TokenNot, TokenTilde:
		op := p.tok.Type
		p.next()
		operand := p.parseUnary(minPrec)
		return &Unary{exprBase: exprBase{base: base{line}}, Op: op, Operand: operand}
	case TokenIncr, TokenDecr:
		op := p.tok.Type
		p.next()
		operand := p.parseUnary(minPrec)
		return &Unary{exprBase: exprBase{base: base{line}}, Op: op, Operand: operand}
	case TokenLParen:
		// A parenthesized type keyword is a cast.
		if p.peekAhead().Type.IsTypeKeyword() {
			p.next()
			to := typeFromKeyword(p.tok.Type)
			p.next()
			p.expect(TokenRParen)
			operand := p.parseUnary(minPrec)
			return &Cast{exprBase: exprBase{base: base{line}}, To: to, Operand: operand}
		}
	}
	return p.parsePostfix(minPrec)
}

func (p *Parser) parsePostfix(minPrec int) Expr {
	x := p.parsePrimary(minPrec)
	for {
		switch p.tok.Type {
		case TokenDot:
			line := p.tok.Line
			p.next()
			field := p.expect(TokenIdent)
			x = &Member{exprBase: exprBase{base: base{line}}, Object: x, Field: field.Literal}
		case TokenIncr, TokenDecr:
			op := p.tok.Type
			line := p.tok.Line
			p.next()
			x = &Unary{exprBase: exprBase{base: base{line}}, Op: op, Operand: x, Postfix: true}
		default:
			return x
		}
	}
}

func (p *Parser) parsePrimary(minPrec int) Expr {
	line := p.tok.Line
	eb := exprBase{base: base{line}}
	switch p.tok.Type {
	case TokenInteger:
		lit := p.tok.Literal
		p.next()
		v, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			// Out-of-range literals wrap the way 32-bit parsing did.
			u, uerr := strconv.ParseUint(lit, 0, 64)
			if uerr != nil {
				p.diags.errorf(line, "malformed integer literal %q", lit)
				return &IntLit{exprBase: eb}
			}
			v = int64(u)
		}
		return &IntLit{exprBase: eb, Value: int32(v)}
	case TokenFloat:
		lit := p.tok.Literal
		p.next()
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			p.diags.errorf(line, "malformed float literal %q", lit)
		}
		return &FloatLit{exprBase: eb, Value: v}
	case TokenString:
		lit := p.tok.Literal
		p.next()
		return &StringLit{exprBase: eb, Value: lit}
	case TokenIdent:
		name := p.tok.Literal
		p.next()
		if p.tok.Type == TokenLParen {
			return p.parseCall(name, line)
		}
		return &Ident{exprBase: eb, Name: name, SymbolID: -1}
	case TokenLParen:
		p.next()
		inner := p.parseExpr()
		p.expect(TokenRParen)
		return &Paren{exprBase: eb, Inner: inner}
	case TokenLBracket:
		p.next()
		lst := &ListLit{exprBase: eb}
		for p.tok.Type != TokenRBracket && p.tok.Type != TokenEOF {
			if len(lst.Elems) > 0 {
				p.expect(TokenComma)
			}
			lst.Elems = append(lst.Elems, p.parseExpr())
		}
		p.expect(TokenRBracket)
		return lst
	case TokenLt:
		return p.parseVectorLit(line)
	}
	p.errorf("unexpected %s in expression", p.tok.Type)
	p.next()
	return &IntLit{exprBase: eb}
}

func (p *Parser) parseVectorLit(line int) Expr {
	eb := exprBase{base: base{line}}
	p.next() // '<'
	x := p.parseBinary(precVectorComponent)
	p.expect(TokenComma)
	y := p.parseBinary(precVectorComponent)
	p.expect(TokenComma)
	z := p.parseBinary(precVectorComponent)
	if p.tok.Type == TokenComma {
		p.next()
		s := p.parseBinary(precVectorComponent)
		p.expect(TokenGt)
		return &RotationLit{exprBase: eb, X: x, Y: y, Z: z, S: s}
	}
	p.expect(TokenGt)
	return &VectorLit{exprBase: eb, X: x, Y: y, Z: z}
}

func (p *Parser) parseCall(name string, line int) Expr {
	call := &Call{exprBase: exprBase{base: base{line}}, Name: name, FuncIdx: -1}
	p.expect(TokenLParen)
	for p.tok.Type != TokenRParen && p.tok.Type != TokenEOF {
		if len(call.Args) > 0 {
			p.expect(TokenComma)
		}
		call.Args = append(call.Args, p.parseExpr())
	}
	p.expect(TokenRParen)
	return call
}
