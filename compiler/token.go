package compiler

import "fmt"

// TokenType identifies lexical token categories.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError

	// Literals and names
	TokenIdent
	TokenInteger
	TokenFloat
	TokenString

	// Punctuation
	TokenLParen
	TokenRParen
	TokenLBrace
	TokenRBrace
	TokenLBracket
	TokenRBracket
	TokenComma
	TokenSemicolon
	TokenDot
	TokenAt

	// Operators
	TokenAssign     // =
	TokenPlusAssign // +=
	TokenMinusAssign
	TokenStarAssign
	TokenSlashAssign
	TokenPercentAssign
	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash
	TokenPercent
	TokenIncr // ++
	TokenDecr // --
	TokenEq   // ==
	TokenNeq  // !=
	TokenLt
	TokenGt
	TokenLe
	TokenGe
	TokenAndAnd
	TokenOrOr
	TokenNot   // !
	TokenTilde // ~
	TokenAmp   // &
	TokenPipe  // |
	TokenCaret // ^
	TokenShl   // <<
	TokenShr   // >>

	// Keywords
	TokenKwInteger
	TokenKwFloat
	TokenKwString
	TokenKwKey
	TokenKwVector
	TokenKwRotation
	TokenKwList
	TokenKwDefault
	TokenKwState
	TokenKwIf
	TokenKwElse
	TokenKwWhile
	TokenKwDo
	TokenKwFor
	TokenKwReturn
	TokenKwJump
)

var tokenNames = map[TokenType]string{
	TokenEOF: "end of file", TokenError: "error",
	TokenIdent: "identifier", TokenInteger: "integer literal",
	TokenFloat: "float literal", TokenString: "string literal",
	TokenLParen: "'('", TokenRParen: "')'", TokenLBrace: "'{'",
	TokenRBrace: "'}'", TokenLBracket: "'['", TokenRBracket: "']'",
	TokenComma: "','", TokenSemicolon: "';'", TokenDot: "'.'", TokenAt: "'@'",
	TokenAssign: "'='", TokenPlusAssign: "'+='", TokenMinusAssign: "'-='",
	TokenStarAssign: "'*='", TokenSlashAssign: "'/='", TokenPercentAssign: "'%='",
	TokenPlus: "'+'", TokenMinus: "'-'", TokenStar: "'*'", TokenSlash: "'/'",
	TokenPercent: "'%'", TokenIncr: "'++'", TokenDecr: "'--'",
	TokenEq: "'=='", TokenNeq: "'!='", TokenLt: "'<'", TokenGt: "'>'",
	TokenLe: "'<='", TokenGe: "'>='", TokenAndAnd: "'&&'", TokenOrOr: "'||'",
	TokenNot: "'!'", TokenTilde: "'~'", TokenAmp: "'&'", TokenPipe: "'|'",
	TokenCaret: "'^'", TokenShl: "'<<'", TokenShr: "'>>'",
	TokenKwInteger: "'integer'", TokenKwFloat: "'float'",
	TokenKwString: "'string'", TokenKwKey: "'key'", TokenKwVector: "'vector'",
	TokenKwRotation: "'rotation'", TokenKwList: "'list'",
	TokenKwDefault: "'default'", TokenKwState: "'state'", TokenKwIf: "'if'",
	TokenKwElse: "'else'", TokenKwWhile: "'while'", TokenKwDo: "'do'",
	TokenKwFor: "'for'", TokenKwReturn: "'return'", TokenKwJump: "'jump'",
}

func (tt TokenType) String() string {
	if s, ok := tokenNames[tt]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(tt))
}

var keywords = map[string]TokenType{
	"integer":    TokenKwInteger,
	"float":      TokenKwFloat,
	"string":     TokenKwString,
	"key":        TokenKwKey,
	"vector":     TokenKwVector,
	"rotation":   TokenKwRotation,
	"quaternion": TokenKwRotation,
	"list":       TokenKwList,
	"default":    TokenKwDefault,
	"state":      TokenKwState,
	"if":         TokenKwIf,
	"else":       TokenKwElse,
	"while":      TokenKwWhile,
	"do":         TokenKwDo,
	"for":        TokenKwFor,
	"return":     TokenKwReturn,
	"jump":       TokenKwJump,
}

// Token is a lexed token with its source position.
type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Column  int
}

// IsTypeKeyword reports whether tt names a declarable type.
func (tt TokenType) IsTypeKeyword() bool {
	switch tt {
	case TokenKwInteger, TokenKwFloat, TokenKwString, TokenKwKey,
		TokenKwVector, TokenKwRotation, TokenKwList:
		return true
	}
	return false
}
