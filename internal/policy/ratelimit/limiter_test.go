package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireSpacesRequests(t *testing.T) {
	t.Parallel()

	l := New()
	t0 := time.Unix(1_700_000_000, 0)

	require.True(t, l.TryAcquire("go.dev", time.Second, t0))
	require.False(t, l.TryAcquire("go.dev", time.Second, t0.Add(500*time.Millisecond)))
	require.InDelta(t, float64(500*time.Millisecond), float64(l.Delay("go.dev", t0.Add(500*time.Millisecond))), float64(time.Millisecond))

	// other domains are independent
	require.True(t, l.TryAcquire("pkg.go.dev", time.Second, t0.Add(500*time.Millisecond)))

	require.Zero(t, l.Delay("go.dev", t0.Add(time.Second)))
	require.True(t, l.TryAcquire("go.dev", time.Second, t0.Add(time.Second)))
}

func TestStrictestDelayWins(t *testing.T) {
	t.Parallel()

	l := New()
	t0 := time.Unix(1_700_000_000, 0)

	require.True(t, l.TryAcquire("a.dev", time.Second, t0))
	require.True(t, l.TryAcquire("a.dev", 2*time.Second, t0.Add(time.Second)))
	require.False(t, l.TryAcquire("a.dev", 2*time.Second, t0.Add(2*time.Second)))
	require.InDelta(t, float64(time.Second), float64(l.Delay("a.dev", t0.Add(2*time.Second))), float64(time.Millisecond))

	// a more lenient caller does not loosen the gate
	require.False(t, l.TryAcquire("a.dev", 500*time.Millisecond, t0.Add(2100*time.Millisecond)))
	require.True(t, l.TryAcquire("a.dev", 500*time.Millisecond, t0.Add(3*time.Second)))
}

func TestIdleDomainForgetsStrictDelay(t *testing.T) {
	t.Parallel()

	l := New()
	t0 := time.Unix(1_700_000_000, 0)

	require.True(t, l.TryAcquire("a.dev", time.Minute, t0))

	later := t0.Add(time.Hour)
	require.True(t, l.TryAcquire("a.dev", 100*time.Millisecond, later))
	require.True(t, l.TryAcquire("a.dev", 100*time.Millisecond, later.Add(time.Second)))
	require.False(t, l.TryAcquire("a.dev", 100*time.Millisecond, later.Add(time.Second+50*time.Millisecond)))
	require.InDelta(t, float64(50*time.Millisecond),
		float64(l.Delay("a.dev", later.Add(time.Second+50*time.Millisecond))), float64(time.Millisecond))
}

func TestZeroDelayAlwaysAllows(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.True(t, l.TryAcquire("x.dev", 0, now))
	}
	require.Zero(t, l.Delay("x.dev", now))
	require.NoError(t, l.Wait(context.Background(), "x.dev", 0))
}

func TestWaitBlocksUntilSlot(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "w.dev", 100*time.Millisecond))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "w.dev", 100*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, l.Wait(cancelled, "w.dev", time.Hour))
}
