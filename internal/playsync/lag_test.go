package playsync

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/couchsync/backend/internal/models"
)

// fakeClock is a manually advanced clock shared by estimator tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestObserveClampsNegativeLag(t *testing.T) {
	clk := newFakeClock()
	e := NewLagEstimator(SampleWindow, clk.Now)
	id := uuid.New()

	// Client clock ahead of server: reported time is in our future.
	lag := e.Observe(id, clk.Now().Add(500*time.Millisecond), 10, true, 1.0)
	require.Equal(t, time.Duration(0), lag)

	avg, ok := e.AverageLag(id)
	require.True(t, ok)
	require.Equal(t, time.Duration(0), avg)
}

func TestAverageLagIsArithmeticMean(t *testing.T) {
	clk := newFakeClock()
	e := NewLagEstimator(SampleWindow, clk.Now)
	id := uuid.New()

	e.Observe(id, clk.Now().Add(-100*time.Millisecond), 1, true, 1.0)
	clk.Advance(time.Second)
	e.Observe(id, clk.Now().Add(-300*time.Millisecond), 2, true, 1.0)

	avg, ok := e.AverageLag(id)
	require.True(t, ok)
	require.Equal(t, 200*time.Millisecond, avg)
}

func TestSampleWindowExpiry(t *testing.T) {
	clk := newFakeClock()
	e := NewLagEstimator(SampleWindow, clk.Now)
	id := uuid.New()

	e.Observe(id, clk.Now().Add(-3*time.Second), 1, true, 1.0)
	clk.Advance(SampleWindow + time.Second)
	e.Observe(id, clk.Now().Add(-100*time.Millisecond), 2, true, 1.0)

	// Only the fresh sample may contribute; a stale 3s sample would
	// otherwise drag the mean above the good threshold.
	avg, ok := e.AverageLag(id)
	require.True(t, ok)
	require.Equal(t, 100*time.Millisecond, avg)

	clk.Advance(SampleWindow + time.Second)
	_, ok = e.AverageLag(id)
	require.False(t, ok)
}

func TestQualityThresholds(t *testing.T) {
	cases := []struct {
		name string
		lag  time.Duration
		want models.SyncQuality
	}{
		{"good", 100 * time.Millisecond, models.SyncGood},
		{"good boundary is exclusive", 250 * time.Millisecond, models.SyncUnstable},
		{"unstable", time.Second, models.SyncUnstable},
		{"unstable boundary is inclusive", 2 * time.Second, models.SyncUnstable},
		{"disconnected", 3 * time.Second, models.SyncDisconnected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := newFakeClock()
			e := NewLagEstimator(SampleWindow, clk.Now)
			id := uuid.New()
			e.Observe(id, clk.Now().Add(-tc.lag), 0, true, 1.0)
			require.Equal(t, tc.want, e.Quality(id))
		})
	}
}

func TestQualityWithoutSamplesIsDisconnected(t *testing.T) {
	e := NewLagEstimator(SampleWindow, newFakeClock().Now)
	require.Equal(t, models.SyncDisconnected, e.Quality(uuid.New()))
}

func TestCompensation(t *testing.T) {
	clk := newFakeClock()
	e := NewLagEstimator(SampleWindow, clk.Now)
	id := uuid.New()

	e.Observe(id, clk.Now().Add(-150*time.Millisecond), 42, true, 1.0)

	require.InDelta(t, 0.15, e.Compensation(id, 1.0, true), 1e-9)
	require.InDelta(t, 0.30, e.Compensation(id, 2.0, true), 1e-9)

	// Paused position does not advance in transit.
	require.Zero(t, e.Compensation(id, 1.0, false))

	// No sample, no offset.
	require.Zero(t, e.Compensation(uuid.New(), 1.0, true))
}

func TestObserveRetainsReportedPlayback(t *testing.T) {
	clk := newFakeClock()
	e := NewLagEstimator(SampleWindow, clk.Now)
	id := uuid.New()

	e.Observe(id, clk.Now().Add(-100*time.Millisecond), 42.5, true, 1.5)

	samples := e.windows[id]
	require.Len(t, samples, 1)
	require.Equal(t, 42.5, samples[0].Position)
	require.True(t, samples[0].IsPlaying)
	require.Equal(t, 1.5, samples[0].Rate)
}

func TestDropDiscardsWindow(t *testing.T) {
	clk := newFakeClock()
	e := NewLagEstimator(SampleWindow, clk.Now)
	id := uuid.New()

	e.Observe(id, clk.Now().Add(-100*time.Millisecond), 0, true, 1.0)
	e.Drop(id)

	_, ok := e.AverageLag(id)
	require.False(t, ok)
}

func TestOptimalPlaybackRate(t *testing.T) {
	// 150ms lag over a 5s convergence horizon: small nudge.
	require.InDelta(t, 1.03, OptimalPlaybackRate(150*time.Millisecond, 1.0), 1e-9)

	// Large lag: deviation clamps at 0.1.
	require.InDelta(t, 1.1, OptimalPlaybackRate(10*time.Second, 1.0), 1e-9)

	// Never exceeds the rate ceiling.
	require.InDelta(t, models.MaxPlaybackRate, OptimalPlaybackRate(10*time.Second, 3.95), 1e-9)

	// A non-positive result falls back to the canonical rate.
	require.InDelta(t, 0.05, OptimalPlaybackRate(-time.Second, 0.05), 1e-9)
}
