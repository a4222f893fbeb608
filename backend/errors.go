package backend

import "errors"

// Error kinds shared by all backend implementations. Backends must never
// panic on missing or corrupt keys; they return one of these (wrapped with
// fmt.Errorf("%w: ...") for context) or a nil error.
var (
	// ErrInternal is a logic or resource-limit error inside a backend.
	// Non-fatal at the core level.
	ErrInternal = errors.New("backend: internal error")
	// ErrConnection means the remote backend is unreachable. Non-fatal;
	// treated as a miss on read, logged on write.
	ErrConnection = errors.New("backend: connection error")
	// ErrFormat is a serialization failure. On write it aborts that
	// tier's write; on read it is treated as a miss.
	ErrFormat = errors.New("backend: format error")
	// ErrCompression has the same handling as ErrFormat.
	ErrCompression = errors.New("backend: compression error")
)

// BothLayersFailedError aggregates the two underlying errors from a
// composition write policy when both L1 and L2 writes failed. It is
// surfaced to the caller as a terminal write failure.
type BothLayersFailedError struct {
	L1 error
	L2 error
}

func (e *BothLayersFailedError) Error() string {
	return "backend: both layers failed: l1=" + errString(e.L1) + " l2=" + errString(e.L2)
}

func (e *BothLayersFailedError) Unwrap() []error {
	return []error{e.L1, e.L2}
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
