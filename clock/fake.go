package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. Sleep and
// After advance the fake time by d and return immediately rather than
// blocking, so rate-limit/backoff tests run instantly; Advance moves time
// forward explicitly when a test needs to simulate elapsed windows.
type Fake struct {
	mu  sync.Mutex
	now int64 // epoch ms
}

// NewFake returns a Fake clock seeded at the given epoch-ms instant.
func NewFake(startMs int64) *Fake {
	return &Fake{now: startMs}
}

func (f *Fake) NowMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += d.Milliseconds()
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- time.UnixMilli(f.NowMs())
	return ch
}

// FakeRand is a deterministic Rand for tests: it returns the supplied
// fixed sequence of values first, then the midpoint of the range (lo when
// hi <= lo).
type FakeRand struct {
	mu  sync.Mutex
	seq []int
}

// NewFakeRand returns a FakeRand that yields the given sequence, then
// falls back to the range midpoint once exhausted.
func NewFakeRand(seq ...int) *FakeRand {
	return &FakeRand{seq: seq}
}

func (r *FakeRand) IntRange(lo, hi int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seq) > 0 {
		v := r.seq[0]
		r.seq = r.seq[1:]
		return v
	}
	if hi <= lo {
		return lo
	}
	return lo + (hi-lo)/2
}
