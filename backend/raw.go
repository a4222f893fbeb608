// Package backend specifies the two-layer backend contract (C3): a raw
// key-to-bytes store with TTL, and a typed layer built on top of it that
// adds serialization and compression.
package backend

// Raw is an opaque, cheaply-cloneable byte buffer — the wire type passed
// between the typed cache layer and the raw backend. It is reference
// counted only in the sense that Go slices already share a backing array;
// Clone here exists to make that sharing explicit and to give backends a
// single type to store without caring about the original payload's type.
type Raw struct {
	bytes []byte
}

// NewRaw wraps a byte slice as a Raw buffer. The slice is not copied;
// callers that continue to mutate it after constructing a Raw must Clone
// first.
func NewRaw(b []byte) Raw {
	return Raw{bytes: b}
}

// Bytes returns the underlying byte slice. Callers must not mutate it
// without first calling Clone, since the backing array may be shared.
func (r Raw) Bytes() []byte {
	return r.bytes
}

// Len returns the number of bytes in the buffer.
func (r Raw) Len() int {
	return len(r.bytes)
}

// Clone returns a Raw with an independent copy of the backing array.
func (r Raw) Clone() Raw {
	cp := make([]byte, len(r.bytes))
	copy(cp, r.bytes)
	return Raw{bytes: cp}
}
