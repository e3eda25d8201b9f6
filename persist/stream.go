package persist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Wire header: magic, version, then the numeric-layout bytes that let a
// consumer on a different architecture reject a stream it cannot decode
// instead of misreading it.
var (
	snapMagic   = [4]byte{'L', 'O', 'O', 'M'}
	legacyMagic = [4]byte{'L', 'O', 'M', '0'}
)

const (
	snapVersion uint32 = 1

	floatWidth  = 8
	intWidth    = 8
	sizeWidth   = 4
	vectorComps = 4

	// canaryFloat catches incompatible floating-point representations:
	// a producer whose doubles do not round-trip this exact bit pattern
	// cannot have written a stream we can trust.
	canaryFloat = -1.234567890
)

// Value type tags. The first group mirrors the runtime's native kinds;
// tagPermanent and tagReference are synthetic: they stand for a permanent
// table lookup and an already-allocated reference id respectively.
const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagNumber
	tagVector
	tagString
	tagTable
	tagClosure
	tagUserdata
	tagThread
	tagProto
	tagUpvalue

	tagPermanent
	tagReference
)

func tagName(t byte) string {
	names := [...]string{
		"nil", "false", "true", "number", "vector", "string", "table",
		"closure", "userdata", "thread", "proto", "upvalue",
		"permanent", "reference",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("tag %d", t)
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

type writer struct {
	buf bytes.Buffer
}

func (w *writer) header() {
	w.buf.Write(snapMagic[:])
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], snapVersion)
	w.buf.Write(v[:])
	w.buf.WriteByte(floatWidth)
	w.f64(canaryFloat)
	w.buf.WriteByte(intWidth)
	w.buf.WriteByte(sizeWidth)
	w.buf.WriteByte(vectorComps)
}

func (w *writer) u8(b byte) {
	w.buf.WriteByte(b)
}

// size writes an unsigned count at the declared size width.
func (w *writer) size(n int) {
	var b [sizeWidth]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	w.buf.Write(b[:])
}

// integer writes a signed value at the declared int width.
func (w *writer) integer(n int64) {
	var b [intWidth]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	w.buf.Write(b[:])
}

// u32 writes a fixed 4-byte word; bytecode instructions use this width
// regardless of the declared integer widths.
func (w *writer) u32(n uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	w.buf.Write(b[:])
}

func (w *writer) f64(f float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	w.buf.Write(b[:])
}

func (w *writer) f32(f float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
	w.buf.Write(b[:])
}

func (w *writer) str(s string) {
	w.size(len(s))
	w.buf.WriteString(s)
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// reader decodes at the widths the stream's own header declared, so a
// stream written by a host with different integer widths still reads
// correctly.
type reader struct {
	data []byte
	pos  int
	err  error

	intW  int
	sizeW int
}

// header validates the wire header and configures the reader's widths.
func (r *reader) header() error {
	var magic [4]byte
	r.bytes(magic[:])
	if r.err != nil {
		return r.err
	}
	if magic == legacyMagic {
		return fmt.Errorf("%w: legacy snapshot format", ErrIncompatible)
	}
	if magic != snapMagic {
		return fmt.Errorf("%w: bad magic", ErrIncompatible)
	}
	var vb [4]byte
	r.bytes(vb[:])
	if r.err != nil {
		return r.err
	}
	if v := binary.LittleEndian.Uint32(vb[:]); v != snapVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatible, v, snapVersion)
	}
	if fw := r.u8(); fw != floatWidth {
		return fmt.Errorf("%w: float width %d", ErrIncompatible, fw)
	}
	if c := r.f64(); math.Float64bits(c) != math.Float64bits(canaryFloat) {
		return fmt.Errorf("%w: float canary mismatch", ErrIncompatible)
	}
	r.intW = int(r.u8())
	r.sizeW = int(r.u8())
	if (r.intW != 4 && r.intW != 8) || (r.sizeW != 4 && r.sizeW != 8) {
		return fmt.Errorf("%w: integer widths %d/%d", ErrIncompatible, r.intW, r.sizeW)
	}
	if vc := r.u8(); vc != vectorComps {
		return fmt.Errorf("%w: %d vector components", ErrIncompatible, vc)
	}
	return r.err
}

func (r *reader) bytes(dst []byte) {
	if r.err != nil {
		return
	}
	if r.pos+len(dst) > len(r.data) {
		r.err = fmt.Errorf("%w: at offset %d", ErrTruncated, r.pos)
		return
	}
	copy(dst, r.data[r.pos:])
	r.pos += len(dst)
}

func (r *reader) u8() byte {
	var b [1]byte
	r.bytes(b[:])
	return b[0]
}

func (r *reader) size() int {
	if r.sizeW == 8 {
		var b [8]byte
		r.bytes(b[:])
		return int(binary.LittleEndian.Uint64(b[:]))
	}
	var b [4]byte
	r.bytes(b[:])
	return int(binary.LittleEndian.Uint32(b[:]))
}

func (r *reader) integer() int64 {
	if r.intW == 4 {
		var b [4]byte
		r.bytes(b[:])
		return int64(int32(binary.LittleEndian.Uint32(b[:])))
	}
	var b [8]byte
	r.bytes(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func (r *reader) u32() uint32 {
	var b [4]byte
	r.bytes(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *reader) f64() float64 {
	var b [8]byte
	r.bytes(b[:])
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:]))
}

func (r *reader) f32() float32 {
	var b [4]byte
	r.bytes(b[:])
	return math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
}

func (r *reader) str() string {
	n := r.size()
	if r.err != nil || n < 0 || r.pos+n > len(r.data) {
		if r.err == nil {
			r.err = fmt.Errorf("%w: string of %d bytes at offset %d", ErrTruncated, n, r.pos)
		}
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}
