// Package cachestatus implements the C8 status-reporting extension point:
// attaching the final cache outcome to an outgoing response in a
// protocol-appropriate way. The core only exposes the attach function and
// a default header convention; the actual response type is supplied by
// the caller's transport adapter.
package cachestatus

import "github.com/hitboxcache/hitboxcache/cachecontext"

// DefaultHeaderName is the canonical status header name.
const DefaultHeaderName = "x-cache-status"

// Config controls how a status is attached to a subject.
type Config struct {
	// HeaderName overrides DefaultHeaderName. Empty means use the
	// default.
	HeaderName string
}

func (c Config) headerName() string {
	if c.HeaderName == "" {
		return DefaultHeaderName
	}
	return c.HeaderName
}

// HeaderSetter is satisfied by any response/subject type that exposes a
// single-value header setter (e.g. net/http's http.Header via Set, or a
// framework's response wrapper). This is the full extent of the
// transport coupling the core imposes.
type HeaderSetter interface {
	SetHeader(name, value string)
}

// Attach writes the final Context.Status onto subject using cfg's header
// convention. Values are exactly "HIT", "MISS", "STALE" (upper case).
func Attach(subject HeaderSetter, ctx cachecontext.Context, cfg Config) {
	subject.SetHeader(cfg.headerName(), ctx.Status().String())
}
