// Package fsm implements the request-lifecycle state machine: the
// orchestrator that ties predicate evaluation, key extraction, cache
// lookup, staleness handling, concurrency coalescing, upstream
// invocation, response evaluation, and cache writeback into the
// processing of a single request. Grounded on hitbox/src/fsm/{mod,states,
// future}.rs.
package fsm

import (
	"context"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
)

// State names a node in the request-lifecycle transition graph.
// Machine.Run's loop holds the current State and switches on it to pick
// the next transition.
type State int

const (
	Initial State = iota
	CheckRequestCachePolicy
	PollCache
	HandleStale
	CheckConcurrency
	PollUpstream
	AwaitResponse
	UpstreamPolled
	CheckResponseCachePolicy
	UpdateCache
	ConvertResponse
	PollUpstreamDirect
	Response
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case CheckRequestCachePolicy:
		return "CheckRequestCachePolicy"
	case PollCache:
		return "PollCache"
	case HandleStale:
		return "HandleStale"
	case CheckConcurrency:
		return "CheckConcurrency"
	case PollUpstream:
		return "PollUpstream"
	case AwaitResponse:
		return "AwaitResponse"
	case UpstreamPolled:
		return "UpstreamPolled"
	case CheckResponseCachePolicy:
		return "CheckResponseCachePolicy"
	case UpdateCache:
		return "UpdateCache"
	case ConvertResponse:
		return "ConvertResponse"
	case PollUpstreamDirect:
		return "PollUpstreamDirect"
	case Response:
		return "Response"
	default:
		return "Unknown"
	}
}

// Upstream is the caller-supplied function that produces a response for a
// request. The machine calls it at most once per Run, except for the
// background revalidation pipeline, which calls it at most once per
// coalesced group of stale hits.
type Upstream[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// CacheBackend is the subset of backend.TypedBackend / composition.Backend
// the machine depends on. Both *backend.typedBackend[T] (via NewTyped) and
// *composition.Backend[T] satisfy it, so a Machine can sit directly on a
// single tier or on a full L1/L2 composition without caring which.
type CacheBackend[T any] interface {
	Get(ctx context.Context, key cachekey.CacheKey, cctx cachecontext.Context) (cachevalue.CacheValue[T], bool, error)
	Set(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[T], cctx cachecontext.Context) error
	Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error)
	Label() backend.Label
}

// Logger is the minimal logging capability the machine needs.
type Logger interface {
	Trace(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Trace(string, map[string]any) {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}
