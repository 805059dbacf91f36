package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/cassiomorais/paylink/internal/repository/postgres"
	"github.com/rs/zerolog/log"
)

const (
	maxIdempotencyBodySize = 1 << 20
	idempotencyTTL         = 24 * time.Hour
	// Longer than the router's request timeout, so a crashed request frees its key.
	idempotencyReservationTTL = 2 * time.Minute
)

// IdempotencyStore keeps the first response produced for an Idempotency-Key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error)
	Reserve(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	Set(ctx context.Context, entry *postgres.IdempotencyEntry) error
	Release(ctx context.Context, key string) error
}

// Idempotency replays the stored response when a request repeats an
// Idempotency-Key. Keys are scoped by method and route so the same key on two
// endpoints does not collide. The key is reserved before the handler runs; a
// repeat that arrives while the first is still running gets 409. Server
// errors are not stored, so a retry after one runs again.
func Idempotency(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Method + " " + r.URL.Path + " " + key
			ctx := r.Context()

			entry, err := store.Get(ctx, scoped)
			if err != nil {
				log.Warn().Err(err).Msg("idempotency lookup failed")
				next.ServeHTTP(w, r)
				return
			}
			if entry != nil {
				replay(w, entry)
				return
			}

			reserved, err := store.Reserve(ctx, scoped, time.Now().UTC().Add(idempotencyReservationTTL))
			if err != nil {
				log.Warn().Err(err).Msg("idempotency reservation failed")
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				// Lost to a concurrent request; it may have finished meanwhile.
				if entry, err := store.Get(ctx, scoped); err == nil && entry != nil {
					replay(w, entry)
					return
				}
				writeError(w, http.StatusConflict, "a request with this idempotency key is in progress", "idempotency_in_progress")
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The request context may be done by now; the bookkeeping must still land.
			storeCtx := context.WithoutCancel(ctx)
			if rec.statusCode >= 500 || rec.bodyTruncated {
				if err := store.Release(storeCtx, scoped); err != nil {
					log.Warn().Err(err).Msg("idempotency release failed")
				}
				return
			}
			now := time.Now().UTC()
			if err := store.Set(storeCtx, &postgres.IdempotencyEntry{
				Key:            scoped,
				ResponseBody:   rec.body.String(),
				ResponseStatus: rec.statusCode,
				CreatedAt:      now,
				ExpiresAt:      now.Add(idempotencyTTL),
			}); err != nil {
				log.Warn().Err(err).Msg("idempotency store failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, entry *postgres.IdempotencyEntry) {
	if entry.Pending() {
		writeError(w, http.StatusConflict, "a request with this idempotency key is in progress", "idempotency_in_progress")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Replayed", "true")
	w.WriteHeader(entry.ResponseStatus)
	w.Write([]byte(entry.ResponseBody))
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
