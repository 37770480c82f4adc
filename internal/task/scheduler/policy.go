package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// Policy decides how long the loop waits between cycles and before each user.
type Policy interface {
	NextRun() time.Duration
	UserDelay() time.Duration
}

// RandomPolicy samples both delays uniformly, bounds included.
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand

	minInterval  time.Duration
	maxInterval  time.Duration
	maxUserDelay time.Duration
}

// NewRandomPolicy samples NextRun from [minInterval, maxInterval] and
// UserDelay from [0, maxUserDelay]. A nil rng gets a time-seeded source.
func NewRandomPolicy(minInterval, maxInterval, maxUserDelay time.Duration, rng *rand.Rand) *RandomPolicy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &RandomPolicy{
		rng:          rng,
		minInterval:  minInterval,
		maxInterval:  maxInterval,
		maxUserDelay: max(maxUserDelay, 0),
	}
}

func (p *RandomPolicy) NextRun() time.Duration {
	return p.uniform(p.minInterval, p.maxInterval)
}

func (p *RandomPolicy) UserDelay() time.Duration {
	return p.uniform(0, p.maxUserDelay)
}

func (p *RandomPolicy) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	n := p.rng.Int63n(int64(hi-lo) + 1)
	p.mu.Unlock()
	return lo + time.Duration(n)
}

// FixedPolicy always returns the same delays. The zero value never waits.
type FixedPolicy struct {
	Interval time.Duration
	Delay    time.Duration
}

func (p FixedPolicy) NextRun() time.Duration   { return p.Interval }
func (p FixedPolicy) UserDelay() time.Duration { return p.Delay }
