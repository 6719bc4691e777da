// internal/ratelimit/memory.go
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count         int
	windowResetAt time.Time
}

// Memory is a process-local fixed-window limiter. Each Check is an atomic
// read-modify-write under one mutex, so concurrent requests from the same
// caller cannot both take the last slot.
type Memory struct {
	mu      sync.Mutex
	clock   Clock
	limit   int
	window  time.Duration
	entries map[string]*entry
}

// NewMemory creates a limiter admitting limit requests per window.
// Non-positive values fall back to the defaults and a nil clock uses RealClock.
func NewMemory(clock Clock, limit int, window time.Duration) *Memory {
	if clock == nil {
		clock = RealClock{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		clock:   clock,
		limit:   limit,
		window:  window,
		entries: make(map[string]*entry),
	}
}

// Check never blocks on anything but the map mutex and never fails.
func (m *Memory) Check(_ context.Context, identity string) (Decision, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[identity]
	// An entry whose window ended is treated as absent even before Sweep removes it.
	if !ok || e.windowResetAt.Before(now) {
		e = &entry{count: 1, windowResetAt: now.Add(m.window)}
		m.entries[identity] = e
		return m.decision(true, e, now), nil
	}

	if e.count < m.limit {
		e.count++
		return m.decision(true, e, now), nil
	}
	return m.decision(false, e, now), nil
}

func (m *Memory) decision(allowed bool, e *entry, now time.Time) Decision {
	remaining := m.limit - e.count
	if !allowed || remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     m.limit,
		Remaining: remaining,
		ResetAt:   e.windowResetAt,
		ResetIn:   e.windowResetAt.Sub(now),
	}
}

// Sweep deletes every entry whose window ended before now and returns how many were removed.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if e.windowResetAt.Before(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked callers, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
