package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/platform/httpx"
)

const replayHeader = "Idempotent-Replayed"

type options struct {
	header   string
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
	required bool
}

// Option customises the middleware.
type Option func(*options)

// WithHeader sets the request header carrying the key.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long a key is remembered.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger for store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRequiredKey rejects requests that carry no key.
func WithRequiredKey() Option {
	return func(o *options) { o.required = true }
}

// Middleware guards the wrapped handler. Keys are scoped to the authenticated caller and bound to
// a fingerprint of the request, so the same key with a different body is rejected. Responses of
// 5xx are not remembered and the client may retry with the same key.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	o := options{header: "Idempotency-Key", ttl: DefaultTTL, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := strings.TrimSpace(r.Header.Get(o.header))
			if raw == "" {
				if o.required {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", o.header+" header is required", http.StatusBadRequest))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(raw) > 255 {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := callerOf(ctx)
			key := digest(caller, raw)
			fingerprint := digest(r.Method, r.URL.Path, caller, string(body))

			entry, st, err := store.Claim(ctx, key, fingerprint, o.now().UTC().Add(o.ttl))
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				o.logger.Error("idempotency claim failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to check idempotency key", http.StatusServiceUnavailable))
				return
			}
			switch st {
			case StateDone:
				replay(w, entry)
				return
			case StateInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			var captured bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&captured)
			completed := false
			defer func() {
				if !completed {
					abandon(o.logger, store, key, fingerprint)
				}
			}()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			err = store.Finish(context.WithoutCancel(ctx), key, Entry{
				Fingerprint: fingerprint,
				Done:        true,
				Status:      status,
				Header:      replayable(ww.Header()),
				Body:        captured.Bytes(),
				ExpiresAt:   o.now().UTC().Add(o.ttl),
			})
			if err != nil {
				o.logger.Warn("idempotency finish failed", zap.Error(err))
				return
			}
			completed = true
		})
	}
}

func abandon(logger *zap.Logger, store Store, key, fingerprint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Abandon(ctx, key, fingerprint); err != nil {
		logger.Warn("idempotency abandon failed", zap.Error(err))
	}
}

func replay(w http.ResponseWriter, entry Entry) {
	for name, values := range entry.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeader, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func callerOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}
