package scheduler

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// JitteredSchedule fires every base interval plus a random extra in
// [0, jitter*base). Each call to Next draws a fresh jitter, so consecutive
// gaps differ.
type JitteredSchedule struct {
	mu     sync.Mutex
	base   time.Duration
	jitter float64
	rng    *rand.Rand
	last   time.Duration
}

// JitteredEvery returns a schedule around base. A nil rng uses a
// clock-seeded source. Jitter is clamped to [0, 1].
func JitteredEvery(base time.Duration, jitter float64, rng *rand.Rand) *JitteredSchedule {
	if base < time.Second {
		base = time.Second
	}
	jitter = min(max(jitter, 0), 1)
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return &JitteredSchedule{base: base, jitter: jitter, rng: rng}
}

func (j *JitteredSchedule) Next(t time.Time) time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	d := j.base
	if j.jitter > 0 {
		d += time.Duration(j.rng.Float64() * j.jitter * float64(j.base))
	}
	j.last = d
	return t.Add(d)
}

// Base returns the configured interval without jitter.
func (j *JitteredSchedule) Base() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.base
}

// LastGap is the gap chosen by the most recent Next call.
func (j *JitteredSchedule) LastGap() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *JitteredSchedule) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return fmt.Sprintf("@every %s +%d%% jitter", j.base, int(j.jitter*100))
}
