package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/iho/minibank/internal/adapter/http/dto"
	"github.com/iho/minibank/internal/usecase"
)

const (
	// IdempotencyKeyHeader is the header name for idempotency keys.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayHeader marks a response served from the store.
	IdempotencyReplayHeader = "X-Idempotency-Replay"

	pendingMarker = "processing"
	maxKeyLength  = 128
)

// cachedResponse is what gets stored under an idempotency key.
type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyMiddleware replays the first outcome of a mutating request for
// every later request carrying the same Idempotency-Key. Keys are scoped by
// method and path.
type IdempotencyMiddleware struct {
	store   usecase.IdempotencyStore
	ttl     time.Duration
	logger  zerolog.Logger
	replays prometheus.Counter
}

// NewIdempotencyMiddleware creates a new IdempotencyMiddleware.
func NewIdempotencyMiddleware(store usecase.IdempotencyStore, ttl time.Duration, logger zerolog.Logger) *IdempotencyMiddleware {
	if ttl <= 0 {
		ttl = usecase.IdempotencyKeyTTL
	}
	return &IdempotencyMiddleware{store: store, ttl: ttl, logger: logger}
}

// WithReplayCounter counts replayed responses.
func (m *IdempotencyMiddleware) WithReplayCounter(c prometheus.Counter) *IdempotencyMiddleware {
	m.replays = c
	return m
}

// Wrap wraps an http.Handler with idempotency checking.
func (m *IdempotencyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only apply to mutating requests
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(IdempotencyKeyHeader)
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(header) > maxKeyLength {
			writeErrorJSON(w, http.StatusBadRequest, "invalid_idempotency_key", "Idempotency-Key is too long")
			return
		}

		key := r.Method + ":" + r.URL.Path + ":" + header

		exists, stored, err := m.store.CheckAndSet(r.Context(), key, nil, m.ttl)
		if err != nil {
			m.logger.Error().Err(err).Str("idempotency_key", header).Msg("idempotency check failed")
			writeErrorJSON(w, http.StatusServiceUnavailable, "idempotency_unavailable", "Service temporarily unavailable, please try again")
			return
		}

		if exists {
			m.replay(w, header, stored)
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: w,
			body:           &bytes.Buffer{},
			statusCode:     http.StatusOK,
		}

		// a detached context keeps the bookkeeping alive after the client hangs up
		ctx := context.WithoutCancel(r.Context())

		defer func() {
			if p := recover(); p != nil {
				// the handler may have changed state before panicking
				body, _ := json.Marshal(dto.ErrorResponse{Error: "internal_error", Message: "Internal server error"})
				m.finish(ctx, header, key, http.StatusInternalServerError, body)
				panic(p)
			}
		}()

		next.ServeHTTP(recorder, r)

		m.finish(ctx, header, key, recorder.statusCode, recorder.body.Bytes())
	})
}

// finish records the outcome of a claimed key. Handlers answer 503 only when
// nothing was applied, so that is the one status that frees the key for a
// retry. Every other outcome, 500 included, is final and replayed.
func (m *IdempotencyMiddleware) finish(ctx context.Context, header, key string, status int, body []byte) {
	if status == http.StatusServiceUnavailable {
		if err := m.store.Release(ctx, key); err != nil {
			m.logger.Warn().Err(err).Str("idempotency_key", header).Msg("failed to release idempotency key")
		}
		return
	}

	payload, err := json.Marshal(cachedResponse{Status: status, Body: body})
	if err == nil {
		err = m.store.Update(ctx, key, payload, m.ttl)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("idempotency_key", header).Msg("failed to store idempotent response")
	}
}

func (m *IdempotencyMiddleware) replay(w http.ResponseWriter, header string, stored []byte) {
	if string(stored) == pendingMarker {
		writeErrorJSON(w, http.StatusConflict, "request_in_progress", "A request with this Idempotency-Key is still being processed")
		return
	}

	var cached cachedResponse
	if err := json.Unmarshal(stored, &cached); err != nil || cached.Status == 0 {
		m.logger.Warn().Str("idempotency_key", header).Msg("unreadable idempotent response")
		writeErrorJSON(w, http.StatusConflict, "request_in_progress", "A request with this Idempotency-Key is still being processed")
		return
	}

	if m.replays != nil {
		m.replays.Inc()
	}

	if len(cached.Body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set(IdempotencyReplayHeader, "true")
	w.WriteHeader(cached.Status)
	w.Write(cached.Body)
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.ErrorResponse{Error: code, Message: message})
}
