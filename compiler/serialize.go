package compiler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/loom/vm"
)

// Compiled units serialize to a flat little-endian blob. The layout is
// deterministic for a given input, so compiling the same source twice
// yields identical bytes.

var blobMagic = [4]byte{'L', 'B', 'C', '1'}

const (
	constTagNumber byte = 0
	constTagString byte = 1
	constTagVector byte = 2
)

// Serialize encodes protos, which must list every routine of one
// compilation unit with the entry routine last.
func Serialize(protos []*vm.Proto) []byte {
	var buf bytes.Buffer
	buf.Write(blobMagic[:])
	writeU32(&buf, Version)
	writeU32(&buf, uint32(len(protos)))

	index := make(map[*vm.Proto]int, len(protos))
	for i, p := range protos {
		index[p] = i
	}

	for _, p := range protos {
		writeString(&buf, p.DebugName)
		writeString(&buf, p.Source)
		writeU32(&buf, uint32(p.LineDefined))
		writeU32(&buf, uint32(p.BytecodeID))
		buf.WriteByte(p.MaxStackSize)
		buf.WriteByte(p.NumParams)
		buf.WriteByte(p.NumUpvals)
		if p.IsVararg {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

		writeU32(&buf, uint32(len(p.Code)))
		for _, ins := range p.Code {
			writeU32(&buf, ins)
		}

		writeU32(&buf, uint32(len(p.Constants)))
		for _, k := range p.Constants {
			writeConstant(&buf, k)
		}

		writeU32(&buf, uint32(len(p.Imports)))
		for _, imp := range p.Imports {
			writeString(&buf, imp.Module)
			writeString(&buf, imp.Member)
		}

		writeU32(&buf, uint32(len(p.Protos)))
		for _, child := range p.Protos {
			writeU32(&buf, uint32(index[child]))
		}

		writeU32(&buf, uint32(len(p.YieldPoints)))
		for _, yp := range p.YieldPoints {
			writeU32(&buf, uint32(yp))
		}
	}
	return buf.Bytes()
}

// Deserialize decodes a blob produced by Serialize, returning the
// protos with the entry routine last.
func Deserialize(blob []byte) ([]*vm.Proto, error) {
	r := &blobReader{data: blob}

	var magic [4]byte
	r.read(magic[:])
	if magic != blobMagic {
		return nil, fmt.Errorf("bytecode blob: bad magic")
	}
	if v := r.u32(); v != Version {
		return nil, fmt.Errorf("bytecode blob: version %d, want %d", v, Version)
	}

	count := int(r.u32())
	if count == 0 {
		return nil, fmt.Errorf("bytecode blob: no routines")
	}
	protos := make([]*vm.Proto, count)
	for i := range protos {
		protos[i] = vm.NewProto()
	}

	for i := 0; i < count && r.err == nil; i++ {
		p := protos[i]
		p.DebugName = r.str()
		p.Source = r.str()
		p.LineDefined = int32(r.u32())
		p.BytecodeID = int32(r.u32())
		p.MaxStackSize = r.byte()
		p.NumParams = r.byte()
		p.NumUpvals = r.byte()
		p.IsVararg = r.byte() != 0

		p.Code = make([]uint32, r.u32())
		for j := range p.Code {
			p.Code[j] = r.u32()
		}

		nconsts := int(r.u32())
		p.Constants = make([]vm.Value, 0, nconsts)
		for j := 0; j < nconsts && r.err == nil; j++ {
			k, err := readConstant(r)
			if err != nil {
				return nil, err
			}
			p.Constants = append(p.Constants, k)
		}

		nimports := int(r.u32())
		p.Imports = make([]vm.ImportRef, 0, nimports)
		for j := 0; j < nimports; j++ {
			module := r.str()
			member := r.str()
			p.Imports = append(p.Imports, vm.ImportRef{Module: module, Member: member})
		}

		nchildren := int(r.u32())
		p.Protos = make([]*vm.Proto, 0, nchildren)
		for j := 0; j < nchildren; j++ {
			idx := int(r.u32())
			if idx < 0 || idx >= count {
				return nil, fmt.Errorf("bytecode blob: child proto index %d out of range", idx)
			}
			p.Protos = append(p.Protos, protos[idx])
		}

		nyield := int(r.u32())
		p.YieldPoints = make([]int32, 0, nyield)
		for j := 0; j < nyield; j++ {
			p.YieldPoints = append(p.YieldPoints, int32(r.u32()))
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return protos, nil
}

func writeConstant(buf *bytes.Buffer, k vm.Value) {
	switch k.Kind() {
	case vm.KindNumber:
		buf.WriteByte(constTagNumber)
		writeU64(buf, math.Float64bits(k.Number()))
	case vm.KindString:
		buf.WriteByte(constTagString)
		writeString(buf, k.AsString().Data)
	case vm.KindVector:
		buf.WriteByte(constTagVector)
		v := k.AsVector()
		writeU32(buf, math.Float32bits(v.X))
		writeU32(buf, math.Float32bits(v.Y))
		writeU32(buf, math.Float32bits(v.Z))
		writeU32(buf, math.Float32bits(v.W))
	default:
		// The generator only emits the three kinds above.
		panic(fmt.Sprintf("cannot serialize %s constant", k.Kind()))
	}
}

func readConstant(r *blobReader) (vm.Value, error) {
	switch tag := r.byte(); tag {
	case constTagNumber:
		return vm.FromNumber(math.Float64frombits(r.u64())), nil
	case constTagString:
		return vm.NewString(r.str()), nil
	case constTagVector:
		x := math.Float32frombits(r.u32())
		y := math.Float32frombits(r.u32())
		z := math.Float32frombits(r.u32())
		w := math.Float32frombits(r.u32())
		return vm.NewVector(x, y, z, w), nil
	default:
		return vm.Nil, fmt.Errorf("bytecode blob: unknown constant tag %d", tag)
	}
}

// ---------------------------------------------------------------------------
// Little-endian plumbing

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

type blobReader struct {
	data []byte
	pos  int
	err  error
}

func (r *blobReader) read(dst []byte) {
	if r.err != nil {
		return
	}
	if r.pos+len(dst) > len(r.data) {
		r.err = fmt.Errorf("bytecode blob: truncated at offset %d", r.pos)
		return
	}
	copy(dst, r.data[r.pos:])
	r.pos += len(dst)
}

func (r *blobReader) byte() byte {
	var b [1]byte
	r.read(b[:])
	return b[0]
}

func (r *blobReader) u32() uint32 {
	var b [4]byte
	r.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *blobReader) u64() uint64 {
	var b [8]byte
	r.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (r *blobReader) str() string {
	n := int(r.u32())
	if r.err != nil || n < 0 || r.pos+n > len(r.data) {
		if r.err == nil {
			r.err = fmt.Errorf("bytecode blob: bad string length %d", n)
		}
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}
