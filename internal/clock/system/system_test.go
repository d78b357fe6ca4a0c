package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestSleepWaits(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, New().Sleep(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSleepStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleepZeroReturnsImmediately(t *testing.T) {
	t.Parallel()
	require.NoError(t, New().Sleep(context.Background(), 0))
}
