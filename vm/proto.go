package vm

import "unsafe"

// ImportRef names an entry in a fixed helper namespace: module + member,
// resolved against the VM's registered modules when a GETIMPORT executes.
type ImportRef struct {
	Module string
	Member string
}

// Proto is a compiled function prototype: immutable code plus the tables the
// interpreter and the persistence codec need.
type Proto struct {
	objectHeader

	Code      []uint32
	Constants []Value
	Imports   []ImportRef
	Protos    []*Proto

	Source      string
	DebugName   string
	LineDefined int32

	// BytecodeID is a dense per-compilation-unit index, stable across
	// re-instantiations of the same unit.
	BytecodeID int32

	MaxStackSize uint8
	NumParams    uint8
	NumUpvals    uint8
	IsVararg     bool

	// YieldPoints lists, in ascending order, every instruction offset at
	// which a thread running this proto may legally be suspended. Saved
	// program counters cross the wire as indices into this table, never as
	// raw offsets.
	YieldPoints []int32
}

// NewProto allocates a registered proto.
func NewProto() *Proto {
	p := &Proto{objectHeader: objectHeader{kind: KindProto}}
	registerHeap(unsafe.Pointer(p))
	return p
}

// Value returns the boxed form of the proto.
func (p *Proto) Value() Value {
	return fromHeapPtr(unsafe.Pointer(p))
}

// YieldPointIndex returns the index of pc in the yield-point table, or -1
// when pc is not a legal suspension offset.
func (p *Proto) YieldPointIndex(pc int32) int {
	for i, off := range p.YieldPoints {
		if off == pc {
			return i
		}
	}
	return -1
}
