package compiler

// The syntax tree is a closed set of node structs. Nodes are built once
// by the parser; later passes annotate them (types, symbol ids) but
// never restructure them except where desugaring swaps an expression
// for an equivalent one.

// Node is the common interface of all syntax nodes.
type Node interface {
	Pos() int // source line
}

type base struct {
	Line int
}

func (b base) Pos() int { return b.Line }

// ---------------------------------------------------------------------------
// Expressions

// Expr is any expression node. Ty is filled in by the type checker.
type Expr interface {
	Node
	exprNode()
	Type() Type
	setType(Type)
}

type exprBase struct {
	base
	Ty Type
}

func (exprBase) exprNode()         {}
func (e *exprBase) Type() Type     { return e.Ty }
func (e *exprBase) setType(t Type) { e.Ty = t }

type IntLit struct {
	exprBase
	Value int32
}

type FloatLit struct {
	exprBase
	Value float64
}

type StringLit struct {
	exprBase
	Value string
}

// VectorLit is a <x, y, z> literal; RotationLit a <x, y, z, s> one.
type VectorLit struct {
	exprBase
	X, Y, Z Expr
}

type RotationLit struct {
	exprBase
	X, Y, Z, S Expr
}

type ListLit struct {
	exprBase
	Elems []Expr
}

// Ident is a reference to a variable or parameter. SymbolID indexes
// Program.Symbols after resolution; -1 until then.
type Ident struct {
	exprBase
	Name     string
	SymbolID int
}

// Member is v.x style component access on a vector or rotation.
type Member struct {
	exprBase
	Object Expr
	Field  string
}

type Unary struct {
	exprBase
	Op      TokenType
	Operand Expr
	Postfix bool // x++ and x-- set this
}

type Binary struct {
	exprBase
	Op   TokenType
	L, R Expr
}

// Assign covers = and the compound forms. Target must be an Ident
// or a Member node.
type Assign struct {
	exprBase
	Op     TokenType
	Target Expr
	Value  Expr
}

type Cast struct {
	exprBase
	To      Type
	Operand Expr
}

// Call invokes a user function or a builtin by name.
type Call struct {
	exprBase
	Name string
	Args []Expr

	// Filled by the resolver.
	Builtin *BuiltinSig
	FuncIdx int    // index into Program.Functions, -1 for builtins
	Params  []Type // declared parameter types of the callee
}

type Paren struct {
	exprBase
	Inner Expr
}

// ---------------------------------------------------------------------------
// Statements

type Stmt interface {
	Node
	stmtNode()
}

type stmtBase struct{ base }

func (stmtBase) stmtNode() {}

type Block struct {
	stmtBase
	Stmts []Stmt
}

// Decl declares a local variable, optionally with an initializer.
type Decl struct {
	stmtBase
	DeclType Type
	Name     string
	Init     Expr
	SymbolID int
}

type ExprStmt struct {
	stmtBase
	X Expr
}

type If struct {
	stmtBase
	Cond Expr
	Then Stmt
	Else Stmt // nil when absent
}

type While struct {
	stmtBase
	Cond Expr
	Body Stmt
}

type DoWhile struct {
	stmtBase
	Body Stmt
	Cond Expr
}

// For carries expression lists for init and step, matching the source
// grammar where both are comma-separated expression sequences.
type For struct {
	stmtBase
	Init []Expr
	Cond Expr // nil means always true
	Step []Expr
	Body Stmt
}

type Return struct {
	stmtBase
	Value Expr // nil for bare return
}

// Jump transfers control to a Label in the same function.
type Jump struct {
	stmtBase
	Label string
}

type Label struct {
	stmtBase
	Name string
}

// StateChange is the `state name;` statement.
type StateChange struct {
	stmtBase
	Name string
}

// ---------------------------------------------------------------------------
// Declarations

type Param struct {
	Type Type
	Name string
	Line int
}

// Function is a user function or an event handler. Event handlers have
// IsEvent set and belong to the state at StateIdx.
type Function struct {
	Name       string
	ReturnType Type
	Params     []Param
	Body       *Block
	Line       int

	IsEvent  bool
	StateIdx int

	// Filled by the resolver.
	Locals      []int // symbol ids in slot order, params first
	NumSlots    int
	MangledName string
}

type GlobalVar struct {
	DeclType Type
	Name     string
	Init     Expr // nil when defaulted
	Line     int
	SymbolID int
}

// State is a script state with its event handlers.
type State struct {
	Name     string
	Handlers []*Function
	Line     int
}

// SymbolKind distinguishes the storage class of a resolved name.
type SymbolKind int

const (
	SymGlobal SymbolKind = iota
	SymParam
	SymLocal
)

// Symbol is an entry in the program-wide symbol arena.
type Symbol struct {
	Kind SymbolKind
	Name string
	Type Type
	Slot int // register slot for params/locals, ignored for globals
	Line int
}

// Program is the root of a parsed script.
type Program struct {
	Globals   []*GlobalVar
	Functions []*Function
	States    []*State
	Symbols   []*Symbol
}
