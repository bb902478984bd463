package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/obs"
)

// Handler enforces rate limits before delegating to the next handler.
type Handler struct {
	Limiter *limiter.Limiter
	// Key derives the bucket; nil disables limiting.
	Key     func(*http.Request) string
	OnError func(error)
	// CountIf, when set, charges a request against the bucket only if its response
	// status matches; other requests just check the bucket.
	CountIf func(status int) bool
}

// RejectedOnly charges responses that refused the caller's credentials.
func RejectedOnly(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// ByCaller keys on the authenticated subject, falling back to the client IP.
func ByCaller(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		if subject, ok := common.Subject(r.Context()); ok {
			return scope + ":sub:" + subject
		}
		return scope + ":ip:" + common.ClientIP(r)
	}
}

// Middleware implements the http.Handler middleware interface. Store failures fail open.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Key == nil || h.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Key(r)
		take := h.Limiter.Get
		if h.CountIf != nil {
			take = h.Limiter.Peek
		}
		lctx, err := take(r.Context(), key)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		// Peek reports the bucket after the last charge, so an exhausted bucket is already full.
		reached := lctx.Reached || (h.CountIf != nil && lctx.Remaining <= 0)
		if reached {
			retryAfter := int64(time.Until(time.Unix(lctx.Reset, 0)).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}

		if h.CountIf == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := obs.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		if h.CountIf(rec.Status()) {
			if _, err := h.Limiter.Get(r.Context(), key); err != nil && h.OnError != nil {
				h.OnError(err)
			}
		}
	})
}
