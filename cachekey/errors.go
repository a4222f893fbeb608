package cachekey

import "errors"

// ErrSerialize and ErrDeserialize are the two format-error sentinels for
// the key codecs, mirroring the Backend/Format error kind used elsewhere
// in the cache (see backend.ErrFormat). Wrap with fmt.Errorf("%w: ...")
// for context; callers should match with errors.Is.
var (
	ErrSerialize   = errors.New("cachekey: serialize failed")
	ErrDeserialize = errors.New("cachekey: deserialize failed")
)
