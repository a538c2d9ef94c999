// Package lifecycle holds process state shared across handlers during
// graceful shutdown.
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64 // unix nanos when draining began

	once sync.Once
	done chan struct{}
}

func (l *Lifecycle) init() {
	l.once.Do(func() { l.done = make(chan struct{}) })
}

// StartDraining flips readiness to false and closes Draining(). It is
// idempotent.
func (l *Lifecycle) StartDraining(now time.Time) {
	if l == nil {
		return
	}
	l.init()
	if l.draining.CompareAndSwap(false, true) {
		l.since.Store(now.UnixNano())
		close(l.done)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is zero until StartDraining is called.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil || !l.draining.Load() {
		return time.Time{}
	}
	return time.Unix(0, l.since.Load())
}

// Draining is closed once shutdown begins.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.init()
	return l.done
}
