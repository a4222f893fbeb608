package middleware

import (
	"net/http"
	"time"

	"github.com/hitboxcache/hitboxcache/pkg/logging"
)

// RequestLogger wraps next with request-scoped logging: it mints (or
// propagates, via X-Request-ID) a request ID, attaches it to the
// request's context the same way pkg/logging does for fsm/offload
// logging, and emits one structured log line per request through log.
//
// Example:
//
//	mux := http.NewServeMux()
//	http.ListenAndServe(":8080", middleware.RequestLogger(mux, log))
func RequestLogger(next http.Handler, log *logging.StructuredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		var ctx = r.Context()
		if requestID == "" {
			ctx, requestID = logging.NewRequestID(ctx)
		} else {
			ctx = logging.WithRequestID(ctx, requestID)
		}
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := map[string]any{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"bytes":       wrapped.bytesWritten,
			"remote_addr": r.RemoteAddr,
		}
		switch {
		case wrapped.statusCode >= 500:
			log.Error("http request", fields)
		case wrapped.statusCode >= 400:
			log.Warn("http request", fields)
		default:
			log.Trace("http request", fields)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code and
// bytes written for the access log line above.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
