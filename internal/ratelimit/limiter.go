// Package ratelimit implements fixed-window admission control keyed by
// caller identity.
//
// Each identity owns at most one window. A window admits up to
// MaxRequests requests until its end; the first request at or after the
// end starts a fresh window. Bursts of up to twice the nominal rate are
// possible across a window boundary.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

type Config struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultConfig is the chat endpoint policy: 10 requests per minute.
func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: time.Minute}
}

func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return errors.New("max requests must be > 0")
	}
	if c.Window <= 0 {
		return errors.New("window must be > 0")
	}
	return nil
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Admitted  bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until ResetAt rounded up to whole seconds. Denied
// decisions never report less than one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		if d.Admitted {
			return 0
		}
		return time.Second
	}
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

type window struct {
	count int
	end   time.Time
}

type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Now reports the limiter's clock.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// CheckAndConsume records one request for identity and reports whether it
// is admitted. Denied requests do not modify the window.
func (l *Limiter) CheckAndConsume(identity string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok || !now.Before(w.end) {
		w = &window{count: 1, end: now.Add(l.cfg.Window)}
		l.windows[identity] = w
		return Decision{
			Admitted:  true,
			Limit:     l.cfg.MaxRequests,
			Remaining: l.cfg.MaxRequests - 1,
			ResetAt:   w.end,
		}
	}

	if w.count >= l.cfg.MaxRequests {
		return Decision{
			Admitted:  false,
			Limit:     l.cfg.MaxRequests,
			Remaining: 0,
			ResetAt:   w.end,
		}
	}

	w.count++
	return Decision{
		Admitted:  true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - w.count,
		ResetAt:   w.end,
	}
}

// Sweep drops windows that have already ended and returns how many were
// removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for identity, w := range l.windows {
		if !now.Before(w.end) {
			delete(l.windows, identity)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps every interval until ctx is done. onSweep, when non-nil,
// receives the number of removed windows after each pass.
func (l *Limiter) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Sweep()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
