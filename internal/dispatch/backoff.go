package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// Randomizer injects randomness into backoff jitter so tests can be
// deterministic. It takes a low and high bound and returns a uniformly
// distributed value in [lo, hi).
type Randomizer func(lo, hi float64) float64

// defaultRandomizer returns a uniformly distributed float64 in [lo, hi).
func defaultRandomizer(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rand.Float64()*(hi-lo)
}

// BackoffConfig holds the policy constants governing delay computation.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	JitterRatio float64
	Randomizer  Randomizer
}

// computeDelay derives the next retry delay for a host given how many
// consecutive rate-limit responses it has produced and an optional
// server-provided retry hint. The baseline is the larger of an
// exponentially growing backoff and the hint; jitter is absolute, not
// proportional to the baseline: it is a uniformly random number of seconds
// in [0, JitterRatio) added directly on top, so small baselines still get
// meaningful spread. The result is capped at Max and never negative.
func computeDelay(consecutiveBackoffs int, hint *time.Duration, cfg BackoffConfig) time.Duration {
	rng := cfg.Randomizer
	if rng == nil {
		rng = defaultRandomizer
	}

	exp := float64(cfg.Base) * math.Pow(2, float64(consecutiveBackoffs-1))
	baseline := exp
	if hint != nil && float64(*hint) > baseline {
		baseline = float64(*hint)
	}

	jitter := rng(0, cfg.JitterRatio)
	delay := baseline + jitter*float64(time.Second)

	max := float64(cfg.Max)
	if delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
