package compiler

import "testing"

func lexAll(input string) []Token {
	l := NewLexer(input)
	var toks []Token
	for {
		tok := l.NextToken()
		toks = append(toks, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return toks
		}
	}
}

func TestLexerOperators(t *testing.T) {
	cases := []struct {
		input string
		want  []TokenType
	}{
		{"+ ++ +=", []TokenType{TokenPlus, TokenIncr, TokenPlusAssign, TokenEOF}},
		{"- -- -=", []TokenType{TokenMinus, TokenDecr, TokenMinusAssign, TokenEOF}},
		{"= == != !", []TokenType{TokenAssign, TokenEq, TokenNeq, TokenNot, TokenEOF}},
		{"< <= << > >= >>", []TokenType{TokenLt, TokenLe, TokenShl, TokenGt, TokenGe, TokenShr, TokenEOF}},
		{"& && | || ^ ~", []TokenType{TokenAmp, TokenAndAnd, TokenPipe, TokenOrOr, TokenCaret, TokenTilde, TokenEOF}},
		{"* *= / /= % %=", []TokenType{TokenStar, TokenStarAssign, TokenSlash, TokenSlashAssign, TokenPercent, TokenPercentAssign, TokenEOF}},
		{"@lbl;", []TokenType{TokenAt, TokenIdent, TokenSemicolon, TokenEOF}},
	}
	for _, c := range cases {
		toks := lexAll(c.input)
		if len(toks) != len(c.want) {
			t.Errorf("%q: got %d tokens, want %d", c.input, len(toks), len(c.want))
			continue
		}
		for i, tok := range toks {
			if tok.Type != c.want[i] {
				t.Errorf("%q token %d: got %s, want %s", c.input, i, tok.Type, c.want[i])
			}
		}
	}
}

func TestLexerKeywords(t *testing.T) {
	toks := lexAll("integer float string key vector rotation quaternion list default state if else while do for return jump")
	want := []TokenType{
		TokenKwInteger, TokenKwFloat, TokenKwString, TokenKwKey,
		TokenKwVector, TokenKwRotation, TokenKwRotation, TokenKwList,
		TokenKwDefault, TokenKwState, TokenKwIf, TokenKwElse, TokenKwWhile,
		TokenKwDo, TokenKwFor, TokenKwReturn, TokenKwJump, TokenEOF,
	}
	for i, tok := range toks {
		if tok.Type != want[i] {
			t.Errorf("token %d: got %s, want %s", i, tok.Type, want[i])
		}
	}
}

func TestLexerNumbers(t *testing.T) {
	cases := []struct {
		input string
		typ   TokenType
		lit   string
	}{
		{"42", TokenInteger, "42"},
		{"0x1F", TokenInteger, "0x1F"},
		{"0XfF", TokenInteger, "0XfF"},
		{"3.14", TokenFloat, "3.14"},
		{".5", TokenFloat, ".5"},
		{"1e6", TokenFloat, "1e6"},
		{"2.5e-3", TokenFloat, "2.5e-3"},
		{"1E+2", TokenFloat, "1E+2"},
	}
	for _, c := range cases {
		tok := NewLexer(c.input).NextToken()
		if tok.Type != c.typ || tok.Literal != c.lit {
			t.Errorf("%q: got (%s, %q), want (%s, %q)", c.input, tok.Type, tok.Literal, c.typ, c.lit)
		}
	}
}

func TestLexerStringEscapes(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{`"hello"`, "hello"},
		{`"a\nb"`, "a\nb"},
		{`"a\tb"`, "a    b"}, // tabs expand to four spaces
		{`"say \"hi\""`, `say "hi"`},
		{`"back\\slash"`, `back\slash`},
	}
	for _, c := range cases {
		tok := NewLexer(c.input).NextToken()
		if tok.Type != TokenString {
			t.Errorf("%q: got %s, want string literal", c.input, tok.Type)
			continue
		}
		if tok.Literal != c.want {
			t.Errorf("%q: got %q, want %q", c.input, tok.Literal, c.want)
		}
	}
}

func TestLexerUnterminatedString(t *testing.T) {
	tok := NewLexer(`"no closing quote`).NextToken()
	if tok.Type != TokenError {
		t.Fatalf("got %s, want error token", tok.Type)
	}
}

func TestLexerComments(t *testing.T) {
	toks := lexAll("a // line comment\nb /* block\ncomment */ c")
	want := []string{"a", "b", "c"}
	if len(toks) != len(want)+1 {
		t.Fatalf("got %d tokens, want %d", len(toks), len(want)+1)
	}
	for i, lit := range want {
		if toks[i].Type != TokenIdent || toks[i].Literal != lit {
			t.Errorf("token %d: got (%s, %q), want identifier %q", i, toks[i].Type, toks[i].Literal, lit)
		}
	}
}

func TestLexerPositions(t *testing.T) {
	toks := lexAll("a\n  b")
	if toks[0].Line != 1 || toks[0].Column != 1 {
		t.Errorf("a at %d:%d, want 1:1", toks[0].Line, toks[0].Column)
	}
	if toks[1].Line != 2 || toks[1].Column != 3 {
		t.Errorf("b at %d:%d, want 2:3", toks[1].Line, toks[1].Column)
	}
}
