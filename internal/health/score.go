// Package health computes account health scores and runs the background
// prober that validates upstream credentials.
package health

import (
	"fmt"
	"math"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/warden/internal"
)

const (
	scoreCacheTTL = 10 * time.Minute // swept on the same TTL as pool snapshots
	scoreCacheLen = 10_000

	// decayHalfLife controls the exponential time decay: a score based on a
	// ten-minute-old probe is worth ~37% of a fresh one.
	decayHalfLife = 600.0 // seconds
)

// Scorer computes a [0,1] composite health score per account from its
// counters and last probe result. Scores are cached per account and
// recomputed when the inputs change.
type Scorer struct {
	cache *otter.Cache[string, scored]
	now   func() time.Time
}

// scored pairs a computed score with a fingerprint of its inputs so stale
// cache entries self-invalidate when counters or probe results move.
type scored struct {
	fingerprint string
	score       float64
}

// NewScorer returns a Scorer with an empty cache. now may be nil for
// time.Now; tests inject a fixed clock.
func NewScorer(now func() time.Time) (*Scorer, error) {
	if now == nil {
		now = time.Now
	}
	cache, err := otter.New(&otter.Options[string, scored]{
		MaximumSize:      scoreCacheLen,
		ExpiryCalculator: otter.ExpiryWriting[string, scored](scoreCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create score cache: %w", err)
	}
	return &Scorer{cache: cache, now: now}, nil
}

// Score returns the cached score for the account, computing it if the
// cached inputs no longer match.
func (s *Scorer) Score(a *gateway.UpstreamAccount) float64 {
	fp := fingerprint(a)
	if cached, ok := s.cache.GetIfPresent(a.ID); ok && cached.fingerprint == fp {
		return cached.score
	}
	score := Compute(a, s.now())
	s.cache.Set(a.ID, scored{fingerprint: fp, score: score})
	return score
}

// Invalidate drops a cached score, e.g. after a probe updates the account.
func (s *Scorer) Invalidate(accountID string) {
	s.cache.Invalidate(accountID)
}

func fingerprint(a *gateway.UpstreamAccount) string {
	var checked int64
	var latency int64
	if a.LastHealth != nil {
		checked = a.LastHealth.CheckedAt.Unix()
		latency = a.LastHealth.LatencyMs
	}
	return fmt.Sprintf("%d/%d/%d/%s/%d/%d", a.RequestCount, a.ErrorCount, a.SuccessCount, a.State, checked, latency)
}

// Compute derives the composite score at the given instant:
//
//	0.4*availability + 0.3*performance + 0.3*reliability, decayed by probe age.
//
// Accounts that have never been probed get no decay; a probe has to exist
// before its age can count against the account.
func Compute(a *gateway.UpstreamAccount, now time.Time) float64 {
	total := a.RequestCount
	if total < 1 {
		total = 1
	}
	successRate := float64(a.SuccessCount) / float64(total)
	errorRate := float64(a.ErrorCount) / float64(total)

	availability := successRate
	switch a.State {
	case gateway.StateError:
		availability *= 0.1
	case gateway.StateInactive:
		availability *= 0.5
	}

	performance := Performance(probeLatency(a))
	reliability := 1 - errorRate

	decay := 1.0
	if a.LastHealth != nil && !a.LastHealth.CheckedAt.IsZero() {
		age := now.Sub(a.LastHealth.CheckedAt).Seconds()
		if age > 0 {
			decay = math.Exp(-age / decayHalfLife)
		}
	}

	score := (0.4*availability + 0.3*performance + 0.3*reliability) * decay
	return min(1, max(0, score))
}

func probeLatency(a *gateway.UpstreamAccount) int64 {
	if a.LastHealth == nil {
		return 0
	}
	return a.LastHealth.LatencyMs
}

// Performance maps probe latency to [0.1, 1.0]: flat up to 1s, a steep
// ramp to 2s, then a gentle slope with a 0.1 floor.
func Performance(latencyMs int64) float64 {
	l := float64(latencyMs)
	switch {
	case l <= 1000:
		return 1.0
	case l <= 2000:
		return 1.0 - (l-1000)/5000
	default:
		return max(0.1, 1.0-(l-2000)/10000)
	}
}
