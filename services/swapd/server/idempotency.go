package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"lukechampine.com/blake3"

	"ledgerswap/services/swapd/storage"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxIdempotencyKey = 128
)

// IdempotencyStore persists idempotency keys and their responses.
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key, method, path, bodyHash string) (storage.IdempotencyKey, bool, error)
	CompleteIdempotencyKey(ctx context.Context, key string, status int, response string) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// withIdempotency executes a request carrying an Idempotency-Key at most
// once and replays the stored response for repeats. A repeat that arrives
// while the first request is still running gets 409; a repeat with another
// method, path or body gets 422.
func withIdempotency(store IdempotencyStore, maxBody int64, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				writeError(w, http.StatusBadRequest, "InvalidRequest", "idempotency key too long")
				return
			}
			if subject, ok := RequesterFromContext(r.Context()); ok {
				key = subject + ":" + key
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "InvalidRequest", "read body: "+err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := blake3.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])

			rec, claimed, err := store.ClaimIdempotencyKey(r.Context(), key, r.Method, r.URL.Path, bodyHash)
			if err != nil {
				logger.Error("claim idempotency key failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "StoreUnavailable", "idempotency store unavailable")
				return
			}
			if !claimed {
				switch {
				case rec.Method != r.Method || rec.Path != r.URL.Path || rec.BodyHash != bodyHash:
					writeError(w, http.StatusUnprocessableEntity, "InvalidRequest", "idempotency key was used for a different request")
				case rec.State == storage.IdempotencyCompleted:
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set(replayedHeader, "true")
					w.WriteHeader(rec.Status)
					_, _ = w.Write([]byte(rec.Response))
				default:
					writeError(w, http.StatusConflict, "RequestInProgress", "a request with this idempotency key is in progress")
				}
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			ctx := context.WithoutCancel(r.Context())
			if retryable(recorder.status) {
				if err := store.ReleaseIdempotencyKey(ctx, key); err != nil {
					logger.Warn("release idempotency key failed", "error", err)
				}
				return
			}
			if err := store.CompleteIdempotencyKey(ctx, key, recorder.status, recorder.body.String()); err != nil {
				logger.Warn("complete idempotency key failed", "error", err)
			}
		})
	}
}

// retryable statuses mean the request did nothing, so the key is freed.
func retryable(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (rr *responseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.wroteHeader = true
	}
	rr.body.Write(b)
	return rr.ResponseWriter.Write(b)
}
