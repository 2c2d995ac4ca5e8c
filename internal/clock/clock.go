package clock

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so deadline rules (payment windows, waitlist
// cutoffs, lazy completion) can be exercised in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Fake is a manually driven clock for tests. It starts pinned to an instant
// and only moves when Advance or Set is called.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed returns a clock pinned to t until it is advanced.
func NewFixed(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
