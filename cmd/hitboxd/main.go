// Command hitboxd is a composed example binary: an HTTP reverse-proxy
// response cache wiring every package in this module together — config,
// logging, metrics, the L1/L2 backend composition, and the request
// lifecycle state machine — in front of an upstream HTTP server.
//
// It is deliberately thin. Production deployments of this module are
// expected to embed the same pieces (pkg/config, pkg/logging,
// composition, fsm) inside their own service framework — an Encore
// service, in the teacher's own deployment model — rather than run this
// binary directly; hitboxd exists to prove the wiring compiles and to
// give a reference for that embedding.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachestatus"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/hitboxcache/hitboxcache/composition"
	"github.com/hitboxcache/hitboxcache/concurrency"
	"github.com/hitboxcache/hitboxcache/fsm"
	"github.com/hitboxcache/hitboxcache/offload"
	"github.com/hitboxcache/hitboxcache/pkg/config"
	"github.com/hitboxcache/hitboxcache/pkg/logging"
	"github.com/hitboxcache/hitboxcache/pkg/memcache"
	"github.com/hitboxcache/hitboxcache/pkg/middleware"
	"github.com/hitboxcache/hitboxcache/pkg/metrics"
	"github.com/hitboxcache/hitboxcache/pkg/rediscache"
	"github.com/hitboxcache/hitboxcache/predicate"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults-only if empty)")
	upstreamURL := flag.String("upstream", "http://localhost:8081", "upstream origin to cache responses from")
	listenAddr := flag.String("listen", ":8080", "address to serve the caching proxy on")
	metricsAddr := flag.String("metrics-listen", ":9090", "address to serve /metrics on")
	trace := flag.Bool("trace", false, "enable trace-level logging")
	flag.Parse()

	log := logging.New(*trace)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("hitboxd: loading config", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	upstream, err := url.Parse(*upstreamURL)
	if err != nil {
		log.Error("hitboxd: parsing upstream url", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	handler, collectors, err := newCachingProxy(cfg, upstream, log)
	if err != nil {
		log.Error("hitboxd: building caching proxy", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors)

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("hitboxd: metrics server exited", map[string]any{"error": err.Error()})
		}
	}()

	proxyServer := &http.Server{Addr: *listenAddr, Handler: handler}
	go func() {
		if err := proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("hitboxd: proxy server exited", map[string]any{"error": err.Error()})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = proxyServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
}

// cachedResponse is the Resp type the machine caches: an upstream HTTP
// response captured as status/headers/body.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

func newCachingProxy(cfg *config.Config, upstream *url.URL, log *logging.StructuredLogger) (http.Handler, *metrics.Collectors, error) {
	pol, err := cfg.Policy.Descriptor()
	if err != nil {
		return nil, nil, err
	}

	offloadCfg, err := cfg.Offload.Build(log)
	if err != nil {
		return nil, nil, err
	}
	offloadMgr := offload.New(offloadCfg)

	l1Raw, err := memcache.New(cfg.Backends.MemcacheSize, backend.Label("l1.memcache"))
	if err != nil {
		return nil, nil, err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Backends.RedisAddr, DB: cfg.Backends.RedisDB})
	l2Raw := rediscache.New(redisClient, backend.Label("l2.redis"))

	codec := backend.Codec[*cachedResponse]{
		Format: "json",
		Marshal: func(r *cachedResponse) ([]byte, error) {
			return json.Marshal(r)
		},
		Unmarshal: func(b []byte) (*cachedResponse, error) {
			var r cachedResponse
			if err := json.Unmarshal(b, &r); err != nil {
				return nil, err
			}
			return &r, nil
		},
	}

	l1 := backend.NewTyped[*cachedResponse](l1Raw, codec)
	l2 := backend.NewTyped[*cachedResponse](l2Raw, codec)

	composed := composition.New[*cachedResponse](
		l1, l2,
		composition.NewParallelRead[*cachedResponse](),
		composition.NewOptimisticParallelWrite(),
		composition.NewAlwaysRefill(),
		offloadMgr,
		composition.SharedFormat,
		backend.Label("proxy"),
	)
	composed.WithLogger(log)

	concMgr := concurrency.NewBroadcast[*cachedResponse]()

	machine := fsm.New[*http.Request, *cachedResponse](
		composed,
		cacheableMethod(),
		cacheableStatus(),
		[]predicate.Extractor[*http.Request]{requestKeyExtractor()},
		"http",
		1,
		pol,
		concMgr,
		offloadMgr,
	)
	machine.WithLogger(log)

	rp := httputil.NewSingleHostReverseProxy(upstream)
	collectors := metrics.NewCollectors("hitboxcache")

	var handler http.Handler = &proxyHandler{machine: machine, reverseProxy: rp, collectors: collectors}
	if limiter := cfg.RateLimit.Build(); limiter != nil {
		handler = middleware.RateLimitMiddleware(handler, limiter, middleware.KeyByIP)
	}
	handler = middleware.RequestLogger(handler, log)

	return handler, collectors, nil
}

// cacheableMethod permits only GET and HEAD requests to be served from
// cache; anything else takes the direct-to-upstream path.
func cacheableMethod() predicate.Predicate[*http.Request] {
	return predicate.PredicateFunc[*http.Request](func(_ context.Context, req *http.Request) (*http.Request, predicate.Decision) {
		if req.Method == http.MethodGet || req.Method == http.MethodHead {
			return req, predicate.Cacheable
		}
		return req, predicate.NonCacheable
	})
}

// cacheableStatus permits only 200 responses to be written to cache.
func cacheableStatus() predicate.Predicate[*cachedResponse] {
	return predicate.PredicateFunc[*cachedResponse](func(_ context.Context, resp *cachedResponse) (*cachedResponse, predicate.Decision) {
		if resp != nil && resp.StatusCode == http.StatusOK {
			return resp, predicate.Cacheable
		}
		return resp, predicate.NonCacheable
	})
}

// requestKeyExtractor derives cache-key parts from the request method,
// path, and raw query string.
func requestKeyExtractor() predicate.Extractor[*http.Request] {
	return predicate.ExtractorFunc[*http.Request](func(_ context.Context, req *http.Request) (*http.Request, []cachekey.KeyPart) {
		return req, []cachekey.KeyPart{
			cachekey.NewKeyPart("method", req.Method),
			cachekey.NewKeyPart("path", req.URL.Path),
			cachekey.NewKeyPart("query", req.URL.RawQuery),
		}
	})
}

// proxyHandler adapts fsm.Machine's Run loop to net/http, capturing the
// upstream reverse-proxy response into a cachedResponse and attaching the
// final cache status onto the outgoing response.
type proxyHandler struct {
	machine      *fsm.Machine[*http.Request, *cachedResponse]
	reverseProxy *httputil.ReverseProxy
	collectors   *metrics.Collectors
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	resp, cctx, err := h.machine.Run(req.Context(), req, h.callUpstream)
	if err != nil {
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}

	cachestatus.Attach(headerSetter{w}, cctx, cachestatus.Config{})
	h.collectors.ObserveRequest(req.URL.Path, cctx.Status())
	if cctx.Status() != cachecontext.Hit {
		h.collectors.ObserveUpstreamLatency(req.URL.Path, time.Since(start))
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// callUpstream runs req through the embedded reverse proxy and captures
// the result, satisfying fsm.Upstream.
func (h *proxyHandler) callUpstream(ctx context.Context, req *http.Request) (*cachedResponse, error) {
	rec := newResponseRecorder()
	h.reverseProxy.ServeHTTP(rec, req.WithContext(ctx))
	return &cachedResponse{StatusCode: rec.status, Header: rec.Header(), Body: rec.body.Bytes()}, nil
}

// headerSetter adapts http.ResponseWriter to cachestatus.HeaderSetter.
type headerSetter struct{ w http.ResponseWriter }

func (h headerSetter) SetHeader(name, value string) { h.w.Header().Set(name, value) }

// responseRecorder is a minimal http.ResponseWriter capturing status,
// headers, and body for the upstream call, without net/http/httptest's
// testing-only guarantees (but the same shape).
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
}

var _ io.Writer = (*responseRecorder)(nil)
