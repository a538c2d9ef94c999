// Package sessions tracks open bridge sessions so that each user holds at
// most one coordinator and shutdown can warn and cancel them all.
package sessions

import (
	"context"
	"sync"
)

type Handle struct {
	SessionID string
	UserID    int64
	Cancel    func()
	Warn      func(code, message string) error
}

type Tracker struct {
	mu     sync.Mutex
	byID   map[string]*trackedSession
	byUser map[int64]*trackedSession
	wg     sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		byID:   make(map[string]*trackedSession),
		byUser: make(map[int64]*trackedSession),
	}
}

// Register adds h and returns its unregister func. A session already held
// by the same user is warned with code "replaced" and cancelled.
func (t *Tracker) Register(h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.byID == nil {
		t.byID = make(map[string]*trackedSession)
		t.byUser = make(map[int64]*trackedSession)
	}
	oldID := t.byID[h.SessionID]
	oldUser := t.byUser[h.UserID]
	t.byID[h.SessionID] = entry
	t.byUser[h.UserID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if oldID != nil {
		t.unregister(oldID)
	}
	if oldUser != nil && oldUser != oldID {
		if oldUser.handle.Warn != nil {
			_ = oldUser.handle.Warn("replaced", "a newer session for this account was opened")
		}
		if oldUser.handle.Cancel != nil {
			oldUser.handle.Cancel()
		}
	}

	return func() { t.unregister(entry) }
}

func (t *Tracker) unregister(entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.byID[entry.handle.SessionID] == entry {
			delete(t.byID, entry.handle.SessionID)
		}
		if t.byUser[entry.handle.UserID] == entry {
			delete(t.byUser, entry.handle.UserID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// ForUser reports the session id currently held by userID.
func (t *Tracker) ForUser(userID int64) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byUser[userID]
	if !ok {
		return "", false
	}
	return entry.handle.SessionID, true
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.byID))
	for _, entry := range t.byID {
		out = append(out, entry.handle)
	}
	return out
}

// WarnAll is best-effort; errors from individual sessions are ignored.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
