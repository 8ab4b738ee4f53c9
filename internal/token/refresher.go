package token

import (
	"context"
	"sync"
	"time"

	"github.com/zerodha/logf"
	"go.uber.org/atomic"
)

// Refresher ticks every second, tracking the TOTP countdown, and refreshes
// the manager when a new time-step begins. Errors are logged and never
// stop the ticker.
type Refresher struct {
	m        *Manager
	mu       sync.Locker
	interval time.Duration
	lo       *logf.Logger

	enabled   *atomic.Bool
	remaining *atomic.Int32
	lastStep  uint64
}

// NewRefresher returns a Refresher. mu is held during every refresh so that
// it never overlaps other device operations.
func NewRefresher(m *Manager, mu sync.Locker, interval time.Duration, lo *logf.Logger) *Refresher {
	if interval == 0 {
		interval = time.Second
	}

	return &Refresher{
		m:         m,
		mu:        mu,
		interval:  interval,
		lo:        lo,
		enabled:   atomic.NewBool(true),
		remaining: atomic.NewInt32(int32(m.Remaining())),
	}
}

// Suspend pauses refreshes, eg: while an entry is being added or deleted.
func (r *Refresher) Suspend() {
	r.enabled.Store(false)
}

// Resume re-enables refreshes.
func (r *Refresher) Resume() {
	r.enabled.Store(true)
}

// Remaining returns the countdown of the last tick.
func (r *Refresher) Remaining() int {
	return int(r.remaining.Load())
}

// Run ticks until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.lastStep = r.m.Step()

	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.tick(ctx)
		}
	}
}

// tick updates the countdown and refreshes on a time-step boundary.
func (r *Refresher) tick(ctx context.Context) bool {
	r.remaining.Store(int32(r.m.Remaining()))

	step := r.m.Step()
	if step == r.lastStep {
		return false
	}
	if !r.enabled.Load() {
		return false
	}
	r.lastStep = step

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.m.Refresh(ctx); err != nil {
		r.lo.Debug("refresh failed", "step", step, "error", err)
	}
	return true
}
