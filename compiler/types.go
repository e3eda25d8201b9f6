package compiler

// Type is the static type of a declaration or expression.
type Type int

const (
	TypeVoid Type = iota
	TypeInteger
	TypeFloat
	TypeString
	TypeKey
	TypeVector
	TypeRotation
	TypeList
)

var typeNames = [...]string{
	TypeVoid:     "void",
	TypeInteger:  "integer",
	TypeFloat:    "float",
	TypeString:   "string",
	TypeKey:      "key",
	TypeVector:   "vector",
	TypeRotation: "rotation",
	TypeList:     "list",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

func typeFromKeyword(tt TokenType) Type {
	switch tt {
	case TokenKwInteger:
		return TypeInteger
	case TokenKwFloat:
		return TypeFloat
	case TokenKwString:
		return TypeString
	case TokenKwKey:
		return TypeKey
	case TokenKwVector:
		return TypeVector
	case TokenKwRotation:
		return TypeRotation
	case TokenKwList:
		return TypeList
	}
	return TypeVoid
}

// assignable reports whether a value of type from may be stored into a
// declaration of type to, counting the implicit widenings.
func assignable(to, from Type) bool {
	if to == from {
		return true
	}
	switch {
	case to == TypeFloat && from == TypeInteger:
		return true
	case to == TypeKey && from == TypeString:
		return true
	case to == TypeString && from == TypeKey:
		return true
	}
	return false
}

// castable reports whether an explicit (type) cast is allowed.
func castable(to, from Type) bool {
	if to == from || to == TypeList || to == TypeString {
		return true
	}
	switch from {
	case TypeInteger:
		return to == TypeFloat
	case TypeFloat:
		return to == TypeInteger
	case TypeString:
		return true
	case TypeKey:
		return to == TypeString
	}
	return false
}

// binaryResult computes the result type of a binary operator, or
// TypeVoid when the combination is invalid.
func binaryResult(op TokenType, l, r Type) Type {
	switch op {
	case TokenPlus:
		switch {
		case l == TypeList || r == TypeList:
			return TypeList
		case l == TypeString && r == TypeString:
			return TypeString
		case l == TypeInteger && r == TypeInteger:
			return TypeInteger
		case isNumeric(l) && isNumeric(r):
			return TypeFloat
		}
	case TokenMinus, TokenStar, TokenSlash:
		switch {
		case l == TypeInteger && r == TypeInteger:
			return TypeInteger
		case isNumeric(l) && isNumeric(r):
			return TypeFloat
		}
	case TokenPercent:
		if l == TypeInteger && r == TypeInteger {
			return TypeInteger
		}
	case TokenEq, TokenNeq:
		if comparableTypes(l, r) {
			return TypeInteger
		}
	case TokenLt, TokenGt, TokenLe, TokenGe:
		if isNumeric(l) && isNumeric(r) {
			return TypeInteger
		}
	case TokenAndAnd, TokenOrOr:
		if l == TypeInteger && r == TypeInteger {
			return TypeInteger
		}
	case TokenAmp, TokenPipe, TokenCaret, TokenShl, TokenShr:
		if l == TypeInteger && r == TypeInteger {
			return TypeInteger
		}
	}
	return TypeVoid
}

func isNumeric(t Type) bool { return t == TypeInteger || t == TypeFloat }

func comparableTypes(l, r Type) bool {
	if l == r {
		return true
	}
	if isNumeric(l) && isNumeric(r) {
		return true
	}
	// String and key comparisons cast both sides to string.
	if (l == TypeString && r == TypeKey) || (l == TypeKey && r == TypeString) {
		return true
	}
	return false
}
