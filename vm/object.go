package vm

import (
	"sync"
	"unsafe"
)

// objectHeader is embedded as the first field of every heap object kind so
// the kind can be read back through a Value's payload pointer.
type objectHeader struct {
	kind ValueKind
}

// heapRegistry keeps heap objects alive. When an object pointer is folded
// into a NaN-boxed Value, Go's GC can no longer see the reference, so every
// constructor registers the object here.
var (
	heapMu       sync.Mutex
	heapRegistry = make(map[unsafe.Pointer]struct{})
)

func registerHeap(p unsafe.Pointer) {
	heapMu.Lock()
	heapRegistry[p] = struct{}{}
	heapMu.Unlock()
}

// ---------------------------------------------------------------------------
// String
// ---------------------------------------------------------------------------

// String is an immutable heap string.
type String struct {
	objectHeader
	Data string
}

// NewString allocates a string value.
func NewString(s string) Value {
	obj := &String{objectHeader: objectHeader{kind: KindString}, Data: s}
	registerHeap(unsafe.Pointer(obj))
	return fromHeapPtr(unsafe.Pointer(obj))
}

// ---------------------------------------------------------------------------
// Vector
// ---------------------------------------------------------------------------

// VectorSize is the number of 32-bit components carried by a vector value.
// Rotations use all four; plain vectors leave W at zero.
const VectorSize = 4

// Vector is a packed float32 quad used for both vectors and rotations.
type Vector struct {
	objectHeader
	X, Y, Z, W float32
}

// NewVector allocates a vector value.
func NewVector(x, y, z, w float32) Value {
	obj := &Vector{objectHeader: objectHeader{kind: KindVector}, X: x, Y: y, Z: z, W: w}
	registerHeap(unsafe.Pointer(obj))
	return fromHeapPtr(unsafe.Pointer(obj))
}

// ---------------------------------------------------------------------------
// Userdata
// ---------------------------------------------------------------------------

// Userdata tags understood by the runtime and the persistence codec.
const (
	UserdataBlob   uint8 = iota // opaque byte payload
	UserdataKey                 // wrapped handle; canonical 16-byte or free-form string
	UserdataEvents              // event-listener manager singleton
	UserdataTimers              // timer manager singleton
)

// Userdata wraps a host-side object exposed to scripts.
type Userdata struct {
	objectHeader
	Tag uint8

	// Blob payload (UserdataBlob).
	Bytes []byte

	// Key payload (UserdataKey). Canonical keys carry the packed 16-byte
	// form; free-form keys carry only the string.
	Key       string
	Canonical bool

	// Manager payloads (UserdataEvents, UserdataTimers): internal state
	// tables persisted by reference.
	Listeners Value
	Timers    Value

	// Metatable, if any.
	Meta Value
}

// NewUserdata allocates a userdata value with the given tag.
func NewUserdata(tag uint8) Value {
	obj := &Userdata{objectHeader: objectHeader{kind: KindUserdata}, Tag: tag, Listeners: Nil, Timers: Nil, Meta: Nil}
	registerHeap(unsafe.Pointer(obj))
	return fromHeapPtr(unsafe.Pointer(obj))
}

// Value returns the boxed form of a userdata already allocated with
// NewUserdata.
func (u *Userdata) Value() Value {
	return fromHeapPtr(unsafe.Pointer(u))
}

// NewEventsManager allocates the listener-manager singleton. Its state
// table holds one registration record per live listen handle.
func NewEventsManager() Value {
	v := NewUserdata(UserdataEvents)
	v.AsUserdata().Listeners = NewTable()
	return v
}

// NewTimersManager allocates the timer-manager singleton.
func NewTimersManager() Value {
	v := NewUserdata(UserdataTimers)
	v.AsUserdata().Timers = NewTable()
	return v
}
