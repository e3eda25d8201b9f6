package compiler

import "strings"

// Lexer turns source text into a token stream. It is a plain
// byte-at-a-time scanner; positions are 1-based.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

func (l *Lexer) peek() byte {
	if l.pos >= len(l.input) {
		return 0
	}
	return l.input[l.pos]
}

func (l *Lexer) peekAt(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func (l *Lexer) advance() byte {
	ch := l.input[l.pos]
	l.pos++
	if ch == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	return ch
}

func (l *Lexer) skipWhitespaceAndComments() {
	for l.pos < len(l.input) {
		ch := l.peek()
		switch {
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n':
			l.advance()
		case ch == '/' && l.peekAt(1) == '/':
			for l.pos < len(l.input) && l.peek() != '\n' {
				l.advance()
			}
		case ch == '/' && l.peekAt(1) == '*':
			l.advance()
			l.advance()
			for l.pos < len(l.input) {
				if l.peek() == '*' && l.peekAt(1) == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return
		}
	}
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
func isHexDigit(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}
func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
func isIdentPart(ch byte) bool { return isIdentStart(ch) || isDigit(ch) }

// NextToken scans and returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	line, col := l.line, l.column
	mk := func(tt TokenType, lit string) Token {
		return Token{Type: tt, Literal: lit, Line: line, Column: col}
	}

	if l.pos >= len(l.input) {
		return mk(TokenEOF, "")
	}

	ch := l.peek()

	if isIdentStart(ch) {
		start := l.pos
		for l.pos < len(l.input) && isIdentPart(l.peek()) {
			l.advance()
		}
		lit := l.input[start:l.pos]
		if kw, ok := keywords[lit]; ok {
			return mk(kw, lit)
		}
		return mk(TokenIdent, lit)
	}

	if isDigit(ch) || (ch == '.' && isDigit(l.peekAt(1))) {
		return l.scanNumber(line, col)
	}

	if ch == '"' {
		return l.scanString(line, col)
	}

	l.advance()
	two := func(next byte, matched, single TokenType) Token {
		if l.peek() == next {
			l.advance()
			return mk(matched, string(ch)+string(next))
		}
		return mk(single, string(ch))
	}

	switch ch {
	case '(':
		return mk(TokenLParen, "(")
	case ')':
		return mk(TokenRParen, ")")
	case '{':
		return mk(TokenLBrace, "{")
	case '}':
		return mk(TokenRBrace, "}")
	case '[':
		return mk(TokenLBracket, "[")
	case ']':
		return mk(TokenRBracket, "]")
	case ',':
		return mk(TokenComma, ",")
	case ';':
		return mk(TokenSemicolon, ";")
	case '.':
		return mk(TokenDot, ".")
	case '@':
		return mk(TokenAt, "@")
	case '~':
		return mk(TokenTilde, "~")
	case '^':
		return mk(TokenCaret, "^")
	case '+':
		if l.peek() == '+' {
			l.advance()
			return mk(TokenIncr, "++")
		}
		return two('=', TokenPlusAssign, TokenPlus)
	case '-':
		if l.peek() == '-' {
			l.advance()
			return mk(TokenDecr, "--")
		}
		return two('=', TokenMinusAssign, TokenMinus)
	case '*':
		return two('=', TokenStarAssign, TokenStar)
	case '/':
		return two('=', TokenSlashAssign, TokenSlash)
	case '%':
		return two('=', TokenPercentAssign, TokenPercent)
	case '=':
		return two('=', TokenEq, TokenAssign)
	case '!':
		return two('=', TokenNeq, TokenNot)
	case '<':
		if l.peek() == '<' {
			l.advance()
			return mk(TokenShl, "<<")
		}
		return two('=', TokenLe, TokenLt)
	case '>':
		if l.peek() == '>' {
			l.advance()
			return mk(TokenShr, ">>")
		}
		return two('=', TokenGe, TokenGt)
	case '&':
		return two('&', TokenAndAnd, TokenAmp)
	case '|':
		return two('|', TokenOrOr, TokenPipe)
	}

	return mk(TokenError, string(ch))
}

func (l *Lexer) scanNumber(line, col int) Token {
	start := l.pos
	isFloat := false

	if l.peek() == '0' && (l.peekAt(1) == 'x' || l.peekAt(1) == 'X') {
		l.advance()
		l.advance()
		for l.pos < len(l.input) && isHexDigit(l.peek()) {
			l.advance()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Line: line, Column: col}
	}

	for l.pos < len(l.input) && isDigit(l.peek()) {
		l.advance()
	}
	if l.peek() == '.' && l.peekAt(1) != '.' {
		isFloat = true
		l.advance()
		for l.pos < len(l.input) && isDigit(l.peek()) {
			l.advance()
		}
	}
	if l.peek() == 'e' || l.peek() == 'E' {
		next := l.peekAt(1)
		if isDigit(next) || ((next == '+' || next == '-') && isDigit(l.peekAt(2))) {
			isFloat = true
			l.advance()
			if l.peek() == '+' || l.peek() == '-' {
				l.advance()
			}
			for l.pos < len(l.input) && isDigit(l.peek()) {
				l.advance()
			}
		}
	}

	tt := TokenInteger
	if isFloat {
		tt = TokenFloat
	}
	return Token{Type: tt, Literal: l.input[start:l.pos], Line: line, Column: col}
}

func (l *Lexer) scanString(line, col int) Token {
	l.advance() // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.advance()
		if ch == '"' {
			return Token{Type: TokenString, Literal: sb.String(), Line: line, Column: col}
		}
		if ch == '\\' && l.pos < len(l.input) {
			esc := l.advance()
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				// Historic tab expansion: a tab becomes four spaces.
				sb.WriteString("    ")
			case '"':
				sb.WriteByte('"')
			case '\\':
				sb.WriteByte('\\')
			default:
				sb.WriteByte(esc)
			}
			continue
		}
		sb.WriteByte(ch)
	}
	return Token{Type: TokenError, Literal: "unterminated string", Line: line, Column: col}
}
