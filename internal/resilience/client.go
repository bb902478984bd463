package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewProviderHTTPClient returns an http.Client for outbound provider calls: traced with
// otelhttp and, when breaker is non-nil, guarded by it.
func NewProviderHTTPClient(timeout time.Duration, breaker *Breaker) *http.Client {
	var rt http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if breaker != nil {
		rt = &BreakerTransport{Base: rt, Breaker: breaker}
	}
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(rt)}
}

// BreakerTransport is a RoundTripper that reports 5xx responses and transport errors
// to a Breaker and refuses requests while it is open.
type BreakerTransport struct {
	Base    http.RoundTripper
	Breaker *Breaker
}

func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Breaker == nil {
		return base.RoundTrip(req)
	}
	ctx := req.Context()
	if !t.Breaker.Allow(ctx) {
		return nil, ErrOpenCircuit
	}
	resp, err := base.RoundTrip(req)
	t.Breaker.Report(ctx, err == nil && resp.StatusCode < 500)
	return resp, err
}

// HTTPClient retries idempotent provider calls on transport errors and 5xx responses.
type HTTPClient struct {
	Client      *http.Client
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
}

// Do sends req, buffering its body so it can be replayed. The final 5xx response is
// returned to the caller rather than converted into an error.
func (c HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		try := req.Clone(ctx)
		if body != nil {
			try.Body = io.NopCloser(bytes.NewReader(body))
			try.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		}
		resp, err := c.Client.Do(try)
		switch {
		case err == nil && resp.StatusCode < 500:
			return resp, nil
		case err == nil && attempt == attempts:
			return resp, nil
		case err == nil:
			lastErr = fmt.Errorf("resilience: upstream status %d", resp.StatusCode)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		default:
			lastErr = err
			if errors.Is(err, ErrOpenCircuit) || ctx.Err() != nil {
				return nil, err
			}
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(Backoff(c.BaseBackoff, attempt, c.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}
