package playsync

import (
	"time"

	"github.com/google/uuid"

	"github.com/couchsync/backend/internal/models"
)

const (
	// SampleWindow is how long lag samples are retained per participant.
	SampleWindow = 30 * time.Second
	// GoodLagThreshold is the upper bound for "good" sync quality.
	GoodLagThreshold = 250 * time.Millisecond
	// UnstableLagThreshold is the upper bound for "unstable"; above it (or
	// with no recent sample) a participant counts as disconnected.
	UnstableLagThreshold = 2 * time.Second
	// MaxRateDeviation bounds how far a suggested playback rate may move
	// from the canonical rate. Clients converge via a nudge, not a skip.
	MaxRateDeviation = 0.1
	// ConvergenceTime is the target horizon for closing a participant's
	// drift through rate adjustment.
	ConvergenceTime = 5 * time.Second
)

// LagSample is one rolling-window entry collected from a heartbeat.
// Ephemeral: never persisted, discarded with the participant.
type LagSample struct {
	Lag       time.Duration
	At        time.Time
	Position  float64
	IsPlaying bool
	Rate      float64
}

// LagEstimator keeps a rolling window of lag samples per participant and
// derives average lag, sync quality and per-participant compensation.
//
// Network lag is measured as serverReceiveTime - clientReportedTime. This
// assumes roughly symmetric network delay; asymmetric paths are not
// corrected for. The average is a plain arithmetic mean over the window
// with no outlier rejection, so a single jitter spike can transiently
// degrade the reported quality.
//
// The estimator is owned by a single session worker and is not safe for
// concurrent use.
type LagEstimator struct {
	windows map[uuid.UUID][]LagSample
	window  time.Duration
	now     func() time.Time
}

// NewLagEstimator creates an estimator with the given retention window.
func NewLagEstimator(window time.Duration, now func() time.Time) *LagEstimator {
	if window <= 0 {
		window = SampleWindow
	}
	if now == nil {
		now = time.Now
	}
	return &LagEstimator{
		windows: make(map[uuid.UUID][]LagSample),
		window:  window,
		now:     now,
	}
}

// Observe records a heartbeat sample and returns the measured network lag.
func (e *LagEstimator) Observe(participantID uuid.UUID, clientTime time.Time, position float64, playing bool, rate float64) time.Duration {
	received := e.now()
	lag := received.Sub(clientTime)
	if lag < 0 {
		// Client clock ahead of ours; clamp rather than report negative lag.
		lag = 0
	}
	samples := append(e.windows[participantID], LagSample{
		Lag:       lag,
		At:        received,
		Position:  position,
		IsPlaying: playing,
		Rate:      rate,
	})
	e.windows[participantID] = e.prune(samples)
	return lag
}

// AverageLag returns the arithmetic mean of the participant's current
// window. ok is false when no sample is recent enough.
func (e *LagEstimator) AverageLag(participantID uuid.UUID) (time.Duration, bool) {
	samples := e.prune(e.windows[participantID])
	e.windows[participantID] = samples
	if len(samples) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range samples {
		total += s.Lag
	}
	return total / time.Duration(len(samples)), true
}

// Quality classifies the participant's sync quality from its average lag.
func (e *LagEstimator) Quality(participantID uuid.UUID) models.SyncQuality {
	avg, ok := e.AverageLag(participantID)
	switch {
	case !ok:
		return models.SyncDisconnected
	case avg < GoodLagThreshold:
		return models.SyncGood
	case avg <= UnstableLagThreshold:
		return models.SyncUnstable
	default:
		return models.SyncDisconnected
	}
}

// Compensation returns the timestamp offset (seconds) that makes the
// participant's perceived position converge toward the authoritative
// timestamp. While paused the position does not advance in transit, so the
// offset is zero.
func (e *LagEstimator) Compensation(participantID uuid.UUID, playbackRate float64, playing bool) float64 {
	if !playing {
		return 0
	}
	avg, ok := e.AverageLag(participantID)
	if !ok {
		return 0
	}
	return avg.Seconds() * playbackRate
}

// Drop discards the participant's sample window. Called synchronously when
// the participant leaves or is evicted.
func (e *LagEstimator) Drop(participantID uuid.UUID) {
	delete(e.windows, participantID)
}

func (e *LagEstimator) prune(samples []LagSample) []LagSample {
	cutoff := e.now().Add(-e.window)
	kept := samples[:0]
	for _, s := range samples {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// OptimalPlaybackRate computes a temporary rate for a lagging participant,
// aiming to close the gap within ConvergenceTime while deviating at most
// MaxRateDeviation from the canonical rate.
func OptimalPlaybackRate(averageLag time.Duration, currentRate float64) float64 {
	delta := averageLag.Seconds() / ConvergenceTime.Seconds()
	if delta > MaxRateDeviation {
		delta = MaxRateDeviation
	} else if delta < -MaxRateDeviation {
		delta = -MaxRateDeviation
	}
	rate := currentRate + delta
	if rate > models.MaxPlaybackRate {
		rate = models.MaxPlaybackRate
	}
	if rate <= 0 {
		rate = currentRate
	}
	return rate
}
