package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/werkstatt-flow/api/internal/platform/httpx"
	"github.com/werkstatt-flow/api/internal/platform/requestctx"
)

const (
	HeaderName     = "Idempotency-Key"
	ReplayHeader   = "Idempotent-Replayed"
	maxKeyLength   = 128
	maxBodyToGuard = 1 << 20
)

// Option customises a Guard.
type Option func(*Guard)

func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Guard replays stored responses for repeated keys. It must run after
// authentication so keys are scoped to the actor.
type Guard struct {
	store Store
	ttl   time.Duration
	clock func() time.Time
}

// NewGuard returns nil for a nil store; a nil Guard passes requests through.
func NewGuard(store Store, opts ...Option) *Guard {
	if store == nil {
		return nil
	}
	g := &Guard{store: store, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware guards requests that carry an Idempotency-Key header. Server
// errors release the key so the client can retry. Store outages are logged
// and the request proceeds unguarded.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	if g == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := strings.TrimSpace(r.Header.Get(HeaderName))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLength {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyToGuard+1))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) > maxBodyToGuard {
			next.ServeHTTP(w, r)
			return
		}

		actorID := "anonymous"
		if actor, ok := requestctx.Actor(ctx); ok && actor.ID != "" {
			actorID = actor.ID
		}
		scoped := actorID + "|" + key
		fingerprint := digest([]byte(r.Method), []byte(r.URL.Path), body)
		logger := requestctx.Logger(ctx).With(zap.String("idempotencyKey", key))

		claim, err := g.store.Claim(ctx, scoped, fingerprint, g.clock().UTC(), g.ttl)
		switch {
		case errors.Is(err, ErrKeyReused):
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used for a different request", http.StatusUnprocessableEntity))
			return
		case err != nil:
			logger.Warn("idempotency store unavailable; request not guarded", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		switch claim.State {
		case ClaimReplay:
			if claim.Response.ContentType != "" {
				w.Header().Set("Content-Type", claim.Response.ContentType)
			}
			w.Header().Set(ReplayHeader, "true")
			w.WriteHeader(claim.Response.Status)
			_, _ = w.Write(claim.Response.Body)
			return
		case ClaimInFlight:
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still running", http.StatusConflict))
			return
		}

		rec := &bufferedWriter{header: make(http.Header)}
		next.ServeHTTP(rec, r)

		if rec.statusCode() >= http.StatusInternalServerError {
			if err := g.store.Release(ctx, scoped); err != nil {
				logger.Warn("idempotency release failed", zap.Error(err))
			}
		} else {
			resp := StoredResponse{Status: rec.statusCode(), ContentType: rec.header.Get("Content-Type"), Body: rec.body.Bytes()}
			if err := g.store.Complete(ctx, scoped, resp, g.clock().UTC(), g.ttl); err != nil {
				logger.Warn("idempotency completion failed", zap.Error(err))
			}
		}
		rec.flushTo(w)
	})
}

type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
