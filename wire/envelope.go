// Package wire defines the envelope that carries a script snapshot
// between hosts. The envelope pairs the opaque snapshot bytes with
// enough provenance to decide whether the receiving side can load it.
package wire

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// EnvelopeVersion is the current envelope layout version. Receivers
// refuse envelopes with a higher version.
const EnvelopeVersion = 1

// Envelope wraps a snapshot blob for storage and shipping.
type Envelope struct {
	Script          string    `cbor:"1,keyasint"`           // script identifier
	Version         uint32    `cbor:"2,keyasint"`           // envelope layout version
	CompilerVersion string    `cbor:"3,keyasint"`           // producing compiler
	ContentHash     [32]byte  `cbor:"4,keyasint"`           // sha256 of Snapshot
	Snapshot        []byte    `cbor:"5,keyasint"`           // opaque snapshot stream
	CreatedAt       time.Time `cbor:"6,keyasint,omitempty"` // capture time
}

// cborEncMode uses canonical mode so equal envelopes encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// New builds an envelope around snapshot, stamping the content hash and
// creation time.
func New(script, compilerVersion string, snapshot []byte) *Envelope {
	return &Envelope{
		Script:          script,
		Version:         EnvelopeVersion,
		CompilerVersion: compilerVersion,
		ContentHash:     sha256.Sum256(snapshot),
		Snapshot:        snapshot,
		CreatedAt:       time.Now().UTC(),
	}
}

// Marshal serializes an Envelope to CBOR bytes.
func Marshal(e *Envelope) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// Unmarshal deserializes an Envelope from CBOR bytes and checks its
// version and content hash.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	if err := e.Verify(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Verify checks the envelope version and that the snapshot bytes match
// the declared content hash.
func (e *Envelope) Verify() error {
	if e.Version > EnvelopeVersion {
		return fmt.Errorf("wire: envelope version %d, support up to %d", e.Version, EnvelopeVersion)
	}
	computed := sha256.Sum256(e.Snapshot)
	if computed != e.ContentHash {
		return fmt.Errorf("wire: hash mismatch: declared %x, computed %x", e.ContentHash, computed)
	}
	return nil
}
