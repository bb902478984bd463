package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const idemPending = "pending"

type idemRecord struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Idem replays the stored response for a repeated Idempotency-Key. A key whose first
// request is still running answers 409. 5xx responses are not stored so the caller can
// retry. Without Redis or a header the middleware is transparent.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ctx := r.Context()
		key := idemKey(r, header)

		ok, err := i.R.SetNX(ctx, key, idemPending, ttl).Result()
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("idempotency_store_error")
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable", nil)
			return
		}
		if !ok {
			i.replay(ctx, w, key)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			// background ctx: the request ctx may already be cancelled
			bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if !completed || rec.status >= http.StatusInternalServerError {
				_ = i.R.Del(bg, key).Err()
				return
			}
			raw, _ := json.Marshal(idemRecord{Status: rec.status, Body: rec.buf.Bytes()})
			_ = i.R.Set(bg, key, raw, ttl).Err()
		}()
		next.ServeHTTP(rec, r)
		completed = true
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && string(raw) == idemPending) {
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "a request with this Idempotency-Key is in progress", nil)
		return
	}
	var stored idemRecord
	if err == nil {
		err = json.Unmarshal(raw, &stored)
	}
	if err != nil {
		JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

func idemKey(r *http.Request, header string) string {
	caller, _ := Subject(r.Context())
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + caller + " " + header))
	return "idem:" + hex.EncodeToString(sum[:])
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}
