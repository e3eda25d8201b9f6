package persist

import (
	"encoding/hex"
	"fmt"
)

// Canonical key handles ("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx") travel
// as a packed 16-byte form; free-form key strings travel verbatim.

func packKey(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return out, fmt.Errorf("%w: key %q is not canonical", ErrBadTag, s)
	}
	hexOnly := s[0:8] + s[9:13] + s[14:18] + s[19:23] + s[24:36]
	b, err := hex.DecodeString(hexOnly)
	if err != nil {
		return out, fmt.Errorf("%w: key %q is not canonical", ErrBadTag, s)
	}
	copy(out[:], b)
	return out, nil
}

func unpackKey(b [16]byte) string {
	h := hex.EncodeToString(b[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}
