// Package limiter throttles extension nudges per (loan, requester) pair.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Cooldown grants at most one nudge per window for each (loan, requester).
type Cooldown interface {
	// Acquire reports whether a nudge is allowed now and records it; otherwise it
	// returns the time left until the window reopens.
	Acquire(ctx context.Context, loanID uuid.UUID, requesterID int64, window time.Duration) (bool, time.Duration, error)
	// Release drops the stamp of the last granted nudge so the requester may try again.
	Release(ctx context.Context, loanID uuid.UUID, requesterID int64) error
}

type key struct {
	loan      uuid.UUID
	requester int64
}

// Memory is an in-process Cooldown.
type Memory struct {
	mu   sync.Mutex
	last map[key]time.Time
	now  func() time.Time
}

// NewMemory returns an empty in-process cooldown using the wall clock.
func NewMemory() *Memory { return NewMemoryWithClock(time.Now) }

// NewMemoryWithClock returns an in-process cooldown with an injected clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{last: map[key]time.Time{}, now: now}
}

// Acquire implements Cooldown.
func (m *Memory) Acquire(_ context.Context, loanID uuid.UUID, requesterID int64, window time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := key{loan: loanID, requester: requesterID}
	if prev, ok := m.last[k]; ok {
		if next := prev.Add(window); next.After(now) {
			return false, next.Sub(now), nil
		}
	}
	m.last[k] = now
	return true, 0, nil
}

// Release implements Cooldown. A granted stamp replaces one outside the window, so
// dropping it reopens the window.
func (m *Memory) Release(_ context.Context, loanID uuid.UUID, requesterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, key{loan: loanID, requester: requesterID})
	return nil
}
