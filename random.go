package redundancy

import (
	"math/rand/v2"
	"sync"
	"time"
)

// lockedRand is a seeded random source safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// float64Range returns a value uniform in [lo, hi).
func (l *lockedRand) float64Range(lo, hi float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo + l.r.Float64()*(hi-lo)
}

// duration returns a duration uniform in [lo, hi], or lo when hi <= lo.
func (l *lockedRand) duration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo + time.Duration(l.r.Int64N(int64(hi-lo)+1))
}
