package persist

import "errors"

// Persistence errors are fatal to the single persist or unpersist call
// that raised them; there is no partial-recovery path because a half
// reconstructed object graph is unsafe to resume execution on. The fork
// server is the one boundary that converts these into returned values.
var (
	ErrIncompatible        = errors.New("incompatible snapshot")
	ErrTruncated           = errors.New("snapshot truncated")
	ErrBadTag              = errors.New("unknown type tag")
	ErrReference           = errors.New("bad reference")
	ErrPermanent           = errors.New("bad permanent key")
	ErrTooComplex          = errors.New("object graph too complex")
	ErrCountMismatch       = errors.New("table key count mismatch")
	ErrInvalidSuspendPoint = errors.New("invalid suspend point")
	ErrRunningThread       = errors.New("cannot persist currently running thread")
)
