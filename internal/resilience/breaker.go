package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when a provider breaker refuses a call.
var ErrOpenCircuit = errors.New("resilience: provider circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig tunes a Breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	// Provider labels metrics and logs.
	Provider string
	// MinRequests is the sample size needed before the failure ratio is evaluated.
	MinRequests int
	// FailureRatio at or above which the breaker opens.
	FailureRatio float64
	// OpenFor is the cool-off before a half-open probe is let through.
	OpenFor time.Duration
	Logger  *zerolog.Logger
}

// Breaker guards calls to one payment provider. While half-open a single probe is
// in flight at a time.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	ok       int
	failed   int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = 0.5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	cfg.Provider = strings.TrimSpace(cfg.Provider)
	if cfg.Provider == "" {
		cfg.Provider = "unknown"
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	BreakerState.WithLabelValues(cfg.Provider).Set(0)
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenFor {
			BreakerRejectedTotal.WithLabelValues(b.cfg.Provider).Inc()
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			BreakerRejectedTotal.WithLabelValues(b.cfg.Provider).Inc()
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// Report records the outcome of a call previously admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}
	if success {
		b.ok++
	} else {
		b.failed++
	}
	total := b.ok + b.failed
	if total < b.cfg.MinRequests {
		return
	}
	if float64(b.failed)/float64(total) >= b.cfg.FailureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	if total >= b.cfg.MinRequests*4 {
		b.ok, b.failed = b.ok/2, b.failed/2
	}
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.ok, b.failed = 0, 0
	if next == Open {
		b.openedAt = b.now()
	}
	BreakerState.WithLabelValues(b.cfg.Provider).Set(float64(next))
	BreakerTransitions.WithLabelValues(b.cfg.Provider, prev.String(), next.String()).Inc()

	logger := b.cfg.Logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = l
	}
	if logger == nil {
		return
	}
	evt := logger.Warn().Str("provider", b.cfg.Provider).Str("from", prev.String()).Str("to", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("provider_breaker_transition")
}

// Backoff returns base * 2^(attempt-1), spread by +/- jitter (a fraction of the delay).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
