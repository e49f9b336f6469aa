package dispatch

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Interval yields the delay applied after each successful send.
type Interval interface {
	Next() time.Duration
}

// Fixed always returns the same delay.
type Fixed time.Duration

func (f Fixed) Next() time.Duration { return time.Duration(f) }

// Random draws a whole number of seconds uniformly from [Min, Max].
type Random struct {
	mu       sync.Mutex
	rng      *rand.Rand
	min, max int
}

// NewRandom builds a Random interval. seed 0 picks a time-based seed.
// min and max are seconds; max < min is clamped to min.
func NewRandom(minSeconds, maxSeconds int, seed uint64) *Random {
	if minSeconds < 0 {
		minSeconds = 0
	}
	if maxSeconds < minSeconds {
		maxSeconds = minSeconds
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Random{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		min: minSeconds,
		max: maxSeconds,
	}
}

func (r *Random) Next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.min + r.rng.IntN(r.max-r.min+1)
	return time.Duration(n) * time.Second
}
