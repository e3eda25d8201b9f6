package vm

// Opcode is the register-machine instruction set. Instructions are 32 bits:
// either op|A|B|C (three byte operands) or op|A|D (one byte operand plus a
// signed 16-bit operand). A few opcodes consume a following auxiliary word.
type Opcode uint8

const (
	OpNop Opcode = iota

	// Loads and moves
	OpLoadNil // A: R[A] = nil
	OpLoadB   // A B: R[A] = bool(B)
	OpLoadN   // A D: R[A] = number(D)
	OpLoadK   // A D: R[A] = K[D]
	OpMove    // A B: R[A] = R[B]

	// Globals and imports
	OpGetGlobal // A D: R[A] = env[K[D]]
	OpSetGlobal // A D: env[K[D]] = R[A]
	OpGetImport // A D: R[A] = import table entry D

	// Table access (aux = constant index of the string key)
	OpGetTableKS // A B, aux: R[A] = R[B][K[aux]]
	OpSetTableKS // A B, aux: R[B][K[aux]] = R[A]
	OpNewTable   // A B: R[A] = new table, array hint B
	OpSetList    // A B C, aux: R[A][aux+i] = R[B+i] for i in 0..C-1

	// Upvalues
	OpGetUpval // A B: R[A] = U[B]
	OpSetUpval // A B: U[B] = R[A]

	// Arithmetic, register-register
	OpAdd // A B C: R[A] = R[B] + R[C]
	OpSub
	OpMul
	OpDiv
	OpMod

	// Arithmetic, register-constant (C = constant index, must fit a byte)
	OpAddK
	OpSubK
	OpMulK
	OpDivK
	OpModK

	// Reversed constant forms (B = constant index, C = register)
	OpSubRK
	OpDivRK

	// Unary
	OpUnm    // A B: R[A] = -R[B]
	OpNot    // A B: R[A] = not truthy(R[B])
	OpLength // A B: R[A] = #R[B]

	// Strings
	OpConcat // A B C: R[A] = concat R[B]..R[C] (contiguous)

	// Jumps; D is a signed instruction offset relative to the next pc
	OpJump
	OpJumpBack
	OpJumpIf      // A D: if truthy(R[A])
	OpJumpIfNot   // A D: if not truthy(R[A])
	OpJumpIfEq    // A D, aux: if R[A] == R[aux]
	OpJumpIfNotEq // A D, aux: if R[A] ~= R[aux]
	OpJumpIfLt    // A D, aux: if R[A] < R[aux]
	OpJumpIfLe    // A D, aux: if R[A] <= R[aux]

	// Calls
	OpCall   // A B C: call R[A] with B-1 args, C-1 results (-1 encodes all)
	OpReturn // A B: return B-1 values starting at R[A]

	// Closures
	OpNewClosure // A D: R[A] = closure over proto D; followed by CAPTURE ops
	OpCapture    // A B: capture kind A (0=value,1=ref,2=upvalue), index B

	// Numeric-model conversions
	OpDouble2Float // A B: R[A] = float32 truncation of R[B]
	OpCastIntFloat // A B C: C=0 float->int (trunc toward zero), C=1 int->float

	opCount
)

var opcodeNames = [...]string{
	OpNop: "NOP", OpLoadNil: "LOADNIL", OpLoadB: "LOADB", OpLoadN: "LOADN",
	OpLoadK: "LOADK", OpMove: "MOVE", OpGetGlobal: "GETGLOBAL",
	OpSetGlobal: "SETGLOBAL", OpGetImport: "GETIMPORT",
	OpGetTableKS: "GETTABLEKS", OpSetTableKS: "SETTABLEKS",
	OpNewTable: "NEWTABLE", OpSetList: "SETLIST",
	OpGetUpval: "GETUPVAL", OpSetUpval: "SETUPVAL",
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD",
	OpAddK: "ADDK", OpSubK: "SUBK", OpMulK: "MULK", OpDivK: "DIVK",
	OpModK: "MODK", OpSubRK: "SUBRK", OpDivRK: "DIVRK",
	OpUnm: "UNM", OpNot: "NOT", OpLength: "LENGTH", OpConcat: "CONCAT",
	OpJump: "JUMP", OpJumpBack: "JUMPBACK", OpJumpIf: "JUMPIF",
	OpJumpIfNot: "JUMPIFNOT", OpJumpIfEq: "JUMPIFEQ",
	OpJumpIfNotEq: "JUMPIFNOTEQ", OpJumpIfLt: "JUMPIFLT",
	OpJumpIfLe: "JUMPIFLE", OpCall: "CALL", OpReturn: "RETURN",
	OpNewClosure: "NEWCLOSURE", OpCapture: "CAPTURE",
	OpDouble2Float: "DOUBLE2FLOAT", OpCastIntFloat: "CASTINTFLOAT",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return "INVALID"
}

// HasAux reports whether the opcode consumes a following auxiliary word.
func (op Opcode) HasAux() bool {
	switch op {
	case OpGetTableKS, OpSetTableKS, OpSetList,
		OpJumpIfEq, OpJumpIfNotEq, OpJumpIfLt, OpJumpIfLe:
		return true
	}
	return false
}

// Capture kinds for OpCapture.
const (
	CaptureValue uint8 = 0 // copy the current value into a closed upvalue
	CaptureRef   uint8 = 1 // share the stack slot through an open upvalue
	CaptureUpval uint8 = 2 // reshare the enclosing closure's upvalue
)

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// InsABC packs op with three byte operands.
func InsABC(op Opcode, a, b, c uint8) uint32 {
	return uint32(op) | uint32(a)<<8 | uint32(b)<<16 | uint32(c)<<24
}

// InsAD packs op with a byte operand and a signed 16-bit operand.
func InsAD(op Opcode, a uint8, d int16) uint32 {
	return uint32(op) | uint32(a)<<8 | uint32(uint16(d))<<16
}

// InsOp extracts the opcode.
func InsOp(i uint32) Opcode {
	return Opcode(i & 0xFF)
}

// InsA extracts operand A.
func InsA(i uint32) uint8 {
	return uint8(i >> 8)
}

// InsB extracts operand B.
func InsB(i uint32) uint8 {
	return uint8(i >> 16)
}

// InsC extracts operand C.
func InsC(i uint32) uint8 {
	return uint8(i >> 24)
}

// InsD extracts the signed 16-bit operand.
func InsD(i uint32) int16 {
	return int16(uint16(i >> 16))
}

// PatchD rewrites the D operand of an encoded instruction.
func PatchD(i uint32, d int16) uint32 {
	return (i & 0x0000FFFF) | uint32(uint16(d))<<16
}

// MaxJumpOffset is the largest representable jump distance.
const MaxJumpOffset = 32767
