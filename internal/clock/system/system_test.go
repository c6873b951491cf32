package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestClockAfterFires(t *testing.T) {
	t.Parallel()

	select {
	case <-New().After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After did not fire")
	}
}
