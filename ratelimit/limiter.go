// Package ratelimit provides a per-source sliding-window request throttle.
// One Limiter is constructed per process and passed by reference to every
// caller; there is no ambient state.
package ratelimit

import (
	"sync"
	"time"
)

// Config bounds one source's request window.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Stats is a point-in-time, side-effect-free view of one source's counters.
type Stats struct {
	TotalRequests int64
	InWindow      int
	MaxRequests   int
	Window        time.Duration
}

// sourceState is one source's window. Each source has its own lock so
// acquiring for one source never blocks another.
type sourceState struct {
	mu     sync.Mutex
	cfg    Config
	stamps []time.Time
	total  int64
}

// Limiter tracks rolling request windows per source key. Sources without a
// configured window are unlimited: Acquire always admits them.
type Limiter struct {
	mu      sync.RWMutex
	sources map[string]*sourceState
	configs map[string]Config
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter with per-source window configurations.
func New(configs map[string]Config, opts ...Option) *Limiter {
	l := &Limiter{
		sources: make(map[string]*sourceState),
		configs: make(map[string]Config, len(configs)),
		now:     time.Now,
	}
	for k, v := range configs {
		l.configs[k] = v
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// state returns the window for a configured source, creating it on first use.
// Unconfigured sources return nil.
func (l *Limiter) state(source string) *sourceState {
	l.mu.RLock()
	st, ok := l.sources[source]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.sources[source]; ok {
		return st
	}
	cfg, ok := l.configs[source]
	if !ok {
		return nil
	}
	st = &sourceState{cfg: cfg}
	l.sources[source] = st
	return st
}

// prune drops stamps that have aged out of the window. Caller holds st.mu.
func (st *sourceState) prune(now time.Time) {
	cutoff := now.Add(-st.cfg.Window)
	i := 0
	for i < len(st.stamps) && !st.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.stamps = append(st.stamps[:0], st.stamps[i:]...)
	}
}

// Acquire evaluates the current window for source. If under capacity it
// records the request and returns 0. If at capacity it returns the wait until
// the oldest request ages out; the caller decides whether to sleep or reject.
// Unconfigured sources always return 0.
func (l *Limiter) Acquire(source string) time.Duration {
	st := l.state(source)
	if st == nil {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Non-positive MaxRequests means the source is configured but
	// unlimited; only the total counter is kept.
	if st.cfg.MaxRequests <= 0 {
		st.total++
		return 0
	}

	now := l.now()
	st.prune(now)

	if len(st.stamps) < st.cfg.MaxRequests {
		st.stamps = append(st.stamps, now)
		st.total++
		return 0
	}
	return st.stamps[0].Add(st.cfg.Window).Sub(now)
}

// Remaining reports slots left in the current window, or -1 for an
// unlimited source (unconfigured, or configured with MaxRequests <= 0).
func (l *Limiter) Remaining(source string) int {
	st := l.state(source)
	if st == nil {
		return -1
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.cfg.MaxRequests <= 0 {
		return -1
	}

	st.prune(l.now())
	remaining := st.cfg.MaxRequests - len(st.stamps)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Stats returns counters for a source without mutating window state.
func (l *Limiter) Stats(source string) Stats {
	st := l.state(source)
	if st == nil {
		return Stats{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Count in-window stamps without pruning so observation has no side
	// effects on stored state.
	now := l.now()
	cutoff := now.Add(-st.cfg.Window)
	inWindow := 0
	for _, ts := range st.stamps {
		if ts.After(cutoff) {
			inWindow++
		}
	}
	return Stats{
		TotalRequests: st.total,
		InWindow:      inWindow,
		MaxRequests:   st.cfg.MaxRequests,
		Window:        st.cfg.Window,
	}
}

// Reset clears window state for one source. Test/ops hook.
func (l *Limiter) Reset(source string) {
	st := l.state(source)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.stamps = nil
	st.mu.Unlock()
}

// ResetAll clears window state for every source.
func (l *Limiter) ResetAll() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, st := range l.sources {
		st.mu.Lock()
		st.stamps = nil
		st.mu.Unlock()
	}
}
