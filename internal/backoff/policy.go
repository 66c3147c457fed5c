// Package backoff computes jittered exponential delays for retrying model
// stream creation and desktop startup probes.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters of an exponential backoff.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction (0.0 to 1.0) of the base delay added at random.
	Jitter float64
}

// ModelPolicy is used between attempts to open a model stream.
func ModelPolicy() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 20 * time.Second, Factor: 2, Jitter: 0.2}
}

// ProbePolicy is used while waiting for a local process to come up.
func ProbePolicy() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 1.5, Jitter: 0.05}
}

// Delay returns the wait before the given attempt, counting from 1:
// min(Max, Initial*Factor^(attempt-1) * (1 + Jitter*rand)).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
