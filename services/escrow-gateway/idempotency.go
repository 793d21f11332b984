package main

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"credify/gateway/middleware"
	"credify/services/orders"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// withIdempotency replays the stored success response when a write is
// retried with the same Idempotency-Key and body. Keys are scoped to the token subject.
// Reusing a key with a different body is rejected with 409.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readRequestBody(r)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		scope := middleware.SubjectFromContext(r.Context())
		if scope == "" {
			scope = "anonymous"
		}
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		cached, err := s.store.LookupIdempotency(r.Context(), scope, key, requestHash)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, orders.ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		// Only settled successes are replayed. Rejections such as a missing
		// age proof depend on state that can change before the retry.
		if !cacheableStatus(recorder.status) {
			return
		}
		if err := s.store.SaveIdempotency(r.Context(), scope, key, requestHash, recorder.status, recorder.buf.Bytes()); err != nil {
			s.logger.Warn("store idempotent response", slog.String("error", err.Error()))
		}
	})
}

func cacheableStatus(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices && status != http.StatusAccepted
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
