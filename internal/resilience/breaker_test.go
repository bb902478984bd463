package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/resilience"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	resilience.BreakerTransitions.Reset()
	ctx := context.Background()
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Provider:     "test-recover",
		MinRequests:  2,
		FailureRatio: 0.5,
		OpenFor:      30 * time.Millisecond,
	})

	require.True(t, b.Allow(ctx))
	b.Report(ctx, false)
	require.True(t, b.Allow(ctx))
	b.Report(ctx, false)
	require.Equal(t, resilience.Open, b.State())
	require.False(t, b.Allow(ctx))

	require.Eventually(t, func() bool { return b.Allow(ctx) }, 200*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, resilience.HalfOpen, b.State())
	require.False(t, b.Allow(ctx), "only one probe while half-open")

	b.Report(ctx, true)
	require.Equal(t, resilience.Closed, b.State())
	require.True(t, b.Allow(ctx))

	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("test-recover", "closed", "open")))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("test-recover", "half_open", "closed")))
	require.Equal(t, 0.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues("test-recover")))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	b := resilience.NewBreaker(resilience.BreakerConfig{Provider: "test-reopen", MinRequests: 1, OpenFor: 10 * time.Millisecond})

	require.True(t, b.Allow(ctx))
	b.Report(ctx, false)
	require.Eventually(t, func() bool { return b.Allow(ctx) }, 200*time.Millisecond, 5*time.Millisecond)
	b.Report(ctx, false)
	require.Equal(t, resilience.Open, b.State())
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues("test-reopen")))
}

func TestBreakerStaysClosedBelowRatio(t *testing.T) {
	ctx := context.Background()
	b := resilience.NewBreaker(resilience.BreakerConfig{Provider: "test-ratio", MinRequests: 4, FailureRatio: 0.75})
	for _, ok := range []bool{true, false, true, false, true, true} {
		require.True(t, b.Allow(ctx))
		b.Report(ctx, ok)
	}
	require.Equal(t, resilience.Closed, b.State())
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, 160*time.Millisecond)
	require.LessOrEqual(t, d, 240*time.Millisecond)
}
