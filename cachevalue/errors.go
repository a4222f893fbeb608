package cachevalue

import "errors"

// ErrInvalidTimestamps is returned by New when stale is after expire,
// violating the stale ≤ expire invariant.
var ErrInvalidTimestamps = errors.New("cachevalue: stale timestamp after expire timestamp")
