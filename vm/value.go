package vm

import (
	"math"
	"unsafe"
)

// Value represents a loom runtime value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-number values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Number: Native IEEE 754 double (if not a tagged NaN, it's a number)
//   - Special: Quiet NaN + tagSpecial + special value ID (nil/true/false)
//   - Heap: Quiet NaN + tagHeap + 48-bit pointer to a heap object
//
// Heap objects carry their own kind byte in a common header, so a single
// pointer tag covers strings, vectors, tables, closures, upvalues, protos,
// threads and userdata.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for pointer/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagSpecial uint64 = 0x0001000000000000 // nil, true, false
	tagHeap    uint64 = 0x0002000000000000 // heap object pointer
)

// Special value payloads
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// ValueKind identifies the runtime type of a Value.
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindBool
	KindNumber
	KindVector
	KindString
	KindTable
	KindClosure
	KindUserdata
	KindThread
	KindProto
	KindUpvalue
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindBool:     "boolean",
	KindNumber:   "number",
	KindVector:   "vector",
	KindString:   "string",
	KindTable:    "table",
	KindClosure:  "function",
	KindUserdata: "userdata",
	KindThread:   "thread",
	KindProto:    "proto",
	KindUpvalue:  "upvalue",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNumber returns true if v represents a float64 value.
// A value is a number if it's not one of our tagged NaN values.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsNumber() bool {
	bits := uint64(v)

	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular float
		return true
	}

	// Exponent all 1s: Infinity has zero mantissa
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}

	// Signaling NaNs and untagged quiet NaNs are numbers
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

func (v Value) isHeap() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagHeap)
}

// Kind returns the runtime type of v.
func (v Value) Kind() ValueKind {
	switch {
	case v == Nil:
		return KindNil
	case v == True, v == False:
		return KindBool
	case v.isHeap():
		return v.header().kind
	default:
		return KindNumber
	}
}

// ---------------------------------------------------------------------------
// Number operations
// ---------------------------------------------------------------------------

// Number returns v as a float64.
// Panics if v is not a number.
func (v Value) Number() float64 {
	if !v.IsNumber() {
		panic("Value.Number: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// FromNumber creates a Value from a float64.
func FromNumber(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// IsTruthy returns true if v is considered "truthy" in conditionals.
// Only false and nil are falsy; everything else is truthy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// ---------------------------------------------------------------------------
// Heap object access
// ---------------------------------------------------------------------------

// header returns the common heap header. Caller must know v is a heap value.
func (v Value) header() *objectHeader {
	ptr := uintptr(uint64(v) & payloadMask)
	return (*objectHeader)(unsafe.Pointer(ptr))
}

func (v Value) heapPtr() unsafe.Pointer {
	return unsafe.Pointer(uintptr(uint64(v) & payloadMask))
}

func fromHeapPtr(p unsafe.Pointer) Value {
	return Value(nanBits | tagHeap | (uint64(uintptr(p)) & payloadMask))
}

// AsString returns the *String behind v. Panics on kind mismatch.
func (v Value) AsString() *String {
	if v.Kind() != KindString {
		panic("Value.AsString: not a string")
	}
	return (*String)(v.heapPtr())
}

// AsVector returns the *Vector behind v. Panics on kind mismatch.
func (v Value) AsVector() *Vector {
	if v.Kind() != KindVector {
		panic("Value.AsVector: not a vector")
	}
	return (*Vector)(v.heapPtr())
}

// AsTable returns the *Table behind v. Panics on kind mismatch.
func (v Value) AsTable() *Table {
	if v.Kind() != KindTable {
		panic("Value.AsTable: not a table")
	}
	return (*Table)(v.heapPtr())
}

// AsClosure returns the *Closure behind v. Panics on kind mismatch.
func (v Value) AsClosure() *Closure {
	if v.Kind() != KindClosure {
		panic("Value.AsClosure: not a function")
	}
	return (*Closure)(v.heapPtr())
}

// AsUserdata returns the *Userdata behind v. Panics on kind mismatch.
func (v Value) AsUserdata() *Userdata {
	if v.Kind() != KindUserdata {
		panic("Value.AsUserdata: not a userdata")
	}
	return (*Userdata)(v.heapPtr())
}

// AsThread returns the *Thread behind v. Panics on kind mismatch.
func (v Value) AsThread() *Thread {
	if v.Kind() != KindThread {
		panic("Value.AsThread: not a thread")
	}
	return (*Thread)(v.heapPtr())
}

// AsProto returns the *Proto behind v. Panics on kind mismatch.
func (v Value) AsProto() *Proto {
	if v.Kind() != KindProto {
		panic("Value.AsProto: not a proto")
	}
	return (*Proto)(v.heapPtr())
}

// AsUpvalue returns the *Upvalue behind v. Panics on kind mismatch.
func (v Value) AsUpvalue() *Upvalue {
	if v.Kind() != KindUpvalue {
		panic("Value.AsUpvalue: not an upvalue")
	}
	return (*Upvalue)(v.heapPtr())
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equals implements runtime equality: numbers by numeric value, strings by
// content, vectors componentwise, everything else by identity.
func (v Value) Equals(o Value) bool {
	if v == o {
		// Identical bits, but NaN != NaN for numbers.
		if v.IsNumber() {
			n := v.Number()
			return n == n
		}
		return true
	}
	vk, ok := v.Kind(), o.Kind()
	if vk != ok {
		return false
	}
	switch vk {
	case KindNumber:
		return v.Number() == o.Number()
	case KindString:
		return v.AsString().Data == o.AsString().Data
	case KindVector:
		a, b := v.AsVector(), o.AsVector()
		return a.X == b.X && a.Y == b.Y && a.Z == b.Z && a.W == b.W
	default:
		return false
	}
}
