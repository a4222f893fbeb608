// Package cachekey implements the stable, serializable cache key model.
//
// A CacheKey is a triple of prefix, version, and an ordered sequence of key
// parts. Two codecs are supported: a compact binary form used by storage
// backends, and a URL-encoded query form intended for debugging and for
// backends that prefer a human-readable key (e.g. log correlation). Both
// codecs are deterministic: identical inputs always produce byte-identical
// output, and decoding the encoded form always recovers the original key.
package cachekey

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ReservedPrefixName and ReservedVersionName are the query-string field
// names reserved by the URL-encoded codec; a KeyPart using either name is
// rejected at construction time.
const (
	ReservedPrefixName  = "_prefix"
	ReservedVersionName = "_version"
)

// KeyPart is a single named component of a cache key. Value is optional:
// a part may carry a name with no value (e.g. a boolean flag extractor).
type KeyPart struct {
	Name    string
	Value   string
	HasValue bool
}

// NewKeyPart returns a part with a value.
func NewKeyPart(name, value string) KeyPart {
	return KeyPart{Name: name, Value: value, HasValue: true}
}

// NewKeyPartNoValue returns a part carrying only a name.
func NewKeyPartNoValue(name string) KeyPart {
	return KeyPart{Name: name}
}

// CacheKey is the stable identifier for a cacheable entity: a short prefix
// (typically the route or handler name), a version (bumped to invalidate
// all keys under a prefix at once), and an ordered sequence of parts
// emitted by extractors. Order is significant and preserved exactly as
// extractors appended it — two keys built from parts in a different order
// are not equal, even if the part sets match, by design: extractor order
// is itself part of the key's identity (it reflects declaration order in
// configuration).
type CacheKey struct {
	Prefix  string
	Version uint32
	Parts   []KeyPart
}

// New constructs a CacheKey from a prefix, version, and parts. The parts
// slice is copied so the caller's backing array can be reused.
func New(prefix string, version uint32, parts []KeyPart) (CacheKey, error) {
	for _, p := range parts {
		if p.Name == ReservedPrefixName || p.Name == ReservedVersionName {
			return CacheKey{}, fmt.Errorf("cachekey: part name %q is reserved", p.Name)
		}
	}
	cp := make([]KeyPart, len(parts))
	copy(cp, parts)
	return CacheKey{Prefix: prefix, Version: version, Parts: cp}, nil
}

// Equal reports structural equality over all three fields, in declared
// part order.
func (k CacheKey) Equal(other CacheKey) bool {
	if k.Prefix != other.Prefix || k.Version != other.Version {
		return false
	}
	if len(k.Parts) != len(other.Parts) {
		return false
	}
	for i := range k.Parts {
		if k.Parts[i] != other.Parts[i] {
			return false
		}
	}
	return true
}

// String renders a debug-friendly representation; it is not a codec and
// must not be used for storage or comparison.
func (k CacheKey) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/v%d", k.Prefix, k.Version)
	for _, p := range k.Parts {
		if p.HasValue {
			fmt.Fprintf(&b, "/%s=%s", p.Name, p.Value)
		} else {
			fmt.Fprintf(&b, "/%s", p.Name)
		}
	}
	return b.String()
}

// Format identifies which codec to use for Serialize/Deserialize.
type Format int

const (
	// FormatBinary is the compact binary codec used by storage backends.
	FormatBinary Format = iota
	// FormatQuery is the URL-encoded, human-readable codec.
	FormatQuery
)

// Serialize encodes the key deterministically under the given format.
// Two calls with structurally equal keys always produce byte-identical
// output, from any goroutine.
func (k CacheKey) Serialize(format Format) ([]byte, error) {
	switch format {
	case FormatBinary:
		return k.serializeBinary(), nil
	case FormatQuery:
		return []byte(k.serializeQuery()), nil
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrSerialize, format)
	}
}

// Deserialize decodes a key previously produced by Serialize with the same
// format. deserialize(fmt, serialize(fmt, k)) == k for both formats.
func Deserialize(format Format, data []byte) (CacheKey, error) {
	switch format {
	case FormatBinary:
		return deserializeBinary(data)
	case FormatQuery:
		return deserializeQuery(string(data))
	default:
		return CacheKey{}, fmt.Errorf("%w: unknown format %d", ErrDeserialize, format)
	}
}

// binary layout: prefixLen(uvarint) prefix version(4 LE) numParts(uvarint)
// then per part: nameLen(uvarint) name hasValue(1 byte) [valueLen(uvarint) value]
func (k CacheKey) serializeBinary() []byte {
	var b []byte
	b = appendUvarint(b, uint64(len(k.Prefix)))
	b = append(b, k.Prefix...)
	b = append(b, byte(k.Version), byte(k.Version>>8), byte(k.Version>>16), byte(k.Version>>24))
	b = appendUvarint(b, uint64(len(k.Parts)))
	for _, p := range k.Parts {
		b = appendUvarint(b, uint64(len(p.Name)))
		b = append(b, p.Name...)
		if p.HasValue {
			b = append(b, 1)
			b = appendUvarint(b, uint64(len(p.Value)))
			b = append(b, p.Value...)
		} else {
			b = append(b, 0)
		}
	}
	return b
}

func deserializeBinary(data []byte) (CacheKey, error) {
	r := &byteReader{buf: data}
	prefixLen, err := r.uvarint()
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	prefix, err := r.take(int(prefixLen))
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	versionBytes, err := r.take(4)
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	version := uint32(versionBytes[0]) | uint32(versionBytes[1])<<8 | uint32(versionBytes[2])<<16 | uint32(versionBytes[3])<<24
	numParts, err := r.uvarint()
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	parts := make([]KeyPart, 0, numParts)
	for i := uint64(0); i < numParts; i++ {
		nameLen, err := r.uvarint()
		if err != nil {
			return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
		}
		name, err := r.take(int(nameLen))
		if err != nil {
			return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
		}
		hasValueByte, err := r.byte()
		if err != nil {
			return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
		}
		if hasValueByte == 1 {
			valueLen, err := r.uvarint()
			if err != nil {
				return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
			}
			value, err := r.take(int(valueLen))
			if err != nil {
				return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
			}
			parts = append(parts, NewKeyPart(string(name), string(value)))
		} else {
			parts = append(parts, NewKeyPartNoValue(string(name)))
		}
	}
	return CacheKey{Prefix: string(prefix), Version: version, Parts: parts}, nil
}

func (k CacheKey) serializeQuery() string {
	v := url.Values{}
	v.Set(ReservedPrefixName, k.Prefix)
	v.Set(ReservedVersionName, strconv.FormatUint(uint64(k.Version), 10))
	// Parts are order-preserving; encode their declaration order as an
	// explicit index prefix so Encode's alphabetical sort (url.Values.Encode
	// always sorts keys) doesn't scramble it on decode.
	// Value-less parts use an "f" index prefix instead of "p", so decoding
	// can tell them apart from a part whose value is the empty string.
	for i, p := range k.Parts {
		if p.HasValue {
			v.Set(fmt.Sprintf("p%06d.%s", i, p.Name), p.Value)
		} else {
			v.Set(fmt.Sprintf("f%06d.%s", i, p.Name), "")
		}
	}
	return v.Encode()
}

func deserializeQuery(s string) (CacheKey, error) {
	v, err := url.ParseQuery(s)
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	prefix := v.Get(ReservedPrefixName)
	versionStr := v.Get(ReservedVersionName)
	version, err := strconv.ParseUint(versionStr, 10, 32)
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: invalid version %q", ErrDeserialize, versionStr)
	}

	type indexed struct {
		idx  int
		name string
		val  string
		has  bool
	}
	var entries []indexed
	for key, vals := range v {
		if key == ReservedPrefixName || key == ReservedVersionName {
			continue
		}
		var idx int
		var name string
		if key == "" || (key[0] != 'p' && key[0] != 'f') {
			return CacheKey{}, fmt.Errorf("%w: malformed part key %q", ErrDeserialize, key)
		}
		if _, err := fmt.Sscanf(key[1:], "%06d.", &idx); err != nil {
			return CacheKey{}, fmt.Errorf("%w: malformed part key %q", ErrDeserialize, key)
		}
		dot := strings.IndexByte(key, '.')
		if dot < 0 {
			return CacheKey{}, fmt.Errorf("%w: malformed part key %q", ErrDeserialize, key)
		}
		name = key[dot+1:]
		val := ""
		if len(vals) > 0 {
			val = vals[0]
		}
		entries = append(entries, indexed{idx: idx, name: name, val: val, has: key[0] == 'p'})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })

	parts := make([]KeyPart, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, KeyPart{Name: e.name, Value: e.val, HasValue: e.has})
	}
	return CacheKey{Prefix: prefix, Version: uint32(version), Parts: parts}, nil
}

func appendUvarint(b []byte, x uint64) []byte {
	for x >= 0x80 {
		b = append(b, byte(x)|0x80)
		x >>= 7
	}
	return append(b, byte(x))
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) uvarint() (uint64, error) {
	var x uint64
	var s uint
	for {
		if r.pos >= len(r.buf) {
			return 0, fmt.Errorf("unexpected end of buffer")
		}
		b := r.buf[r.pos]
		r.pos++
		if b < 0x80 {
			if s >= 63 && b > 1 {
				return 0, fmt.Errorf("uvarint overflow")
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("unexpected end of buffer")
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *byteReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of buffer")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}
