package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/idempotency"
	"github.com/pitabwire/intake/internal/observability"
)

const (
	// IdempotencyKeyHeader carries the client's deduplication key.
	IdempotencyKeyHeader = "X-Idempotency-Key"
	// ReplayedHeader is set on responses served from the idempotency store.
	ReplayedHeader = "Idempotent-Replayed"
)

// Idempotent deduplicates requests carrying X-Idempotency-Key. A retry with
// the same key and body replays the first 2xx response; the same key with a
// different body is a CONFLICT. Requests without the header, or with a nil
// store, pass through.
func Idempotent(store idempotency.Store, ttl time.Duration, logger *zap.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := readBody(r)
			if err != nil {
				WriteError(w, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := idempotency.Key(r.Method+" "+r.URL.Path, clientKey)
			hash := idempotency.HashRequest(body)
			log := observability.LoggerFrom(r.Context(), logger)

			cached, found, err := store.Check(r.Context(), key, hash)
			if err != nil && found {
				WriteError(w, err)
				return
			}
			if err != nil {
				// Store down: serve the request without deduplication.
				log.Warn("idempotency check failed", zap.Error(err))
			} else if found {
				metrics.RecordIdempotentReplay()
				w.Header().Set(ReplayedHeader, "true")
				WriteJSON(w, cached.Status, cached.Body)
				return
			}

			rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 || !json.Valid(rec.buf.Bytes()) {
				return
			}
			resp := idempotency.Response{Status: rec.status, Body: json.RawMessage(bytes.TrimSpace(rec.buf.Bytes()))}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				log.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

// capturingWriter copies the response body while writing it through.
type capturingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	buf     bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.written = true
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
