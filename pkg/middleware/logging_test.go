package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitboxcache/hitboxcache/pkg/logging"
)

func TestRequestLoggerPropagatesGeneratedRequestID(t *testing.T) {
	log := logging.New(false)

	var gotRequestID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = logging.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestLogger(handler, log)
	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)

	if gotRequestID == "" {
		t.Error("expected a generated request ID to reach the handler via context")
	}
	if rr.Header().Get("X-Request-ID") != gotRequestID {
		t.Errorf("X-Request-ID header = %q, want %q", rr.Header().Get("X-Request-ID"), gotRequestID)
	}
}

func TestRequestLoggerPreservesIncomingRequestID(t *testing.T) {
	log := logging.New(false)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestLogger(handler, log)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "caller-supplied-id" {
		t.Errorf("X-Request-ID = %q, want %q", got, "caller-supplied-id")
	}
}

func TestRequestLoggerPassesThroughHandlerStatus(t *testing.T) {
	log := logging.New(false)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	})

	wrapped := RequestLogger(handler, log)
	req := httptest.NewRequest("GET", "/missing", nil)
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
