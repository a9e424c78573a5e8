package storage

import (
	"sync"
	"time"

	"github.com/gridsight/gridsight/pkg/types"
)

// Memory holds the latest reading and a bounded FIFO of recent readings for
// live and short-range queries. Only the poller writes; any number of request
// handlers read concurrently, always from snapshot copies.
type Memory struct {
	mu       sync.RWMutex
	current  types.Reading
	ring     []types.Reading
	capacity int
}

// NewMemory creates a store keeping at most capacity recent readings.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{capacity: capacity}
}

// Publish atomically replaces the current reading and appends it to the ring,
// evicting the oldest entry once capacity is exceeded.
func (m *Memory) Publish(r types.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = r
	m.ring = append(m.ring, r)
	if len(m.ring) > m.capacity {
		m.ring = m.ring[len(m.ring)-m.capacity:]
	}
}

// Current returns the latest published reading.
func (m *Memory) Current() types.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Recent returns the buffered readings, optionally restricted to the last
// window, decimated down to limit entries.
func (m *Memory) Recent(limit int, window time.Duration) []types.Reading {
	m.mu.RLock()
	snapshot := make([]types.Reading, len(m.ring))
	copy(snapshot, m.ring)
	m.mu.RUnlock()

	if window > 0 {
		cutoff := time.Now().Add(-window)
		filtered := snapshot[:0]
		for _, r := range snapshot {
			if !r.Timestamp.Before(cutoff) {
				filtered = append(filtered, r)
			}
		}
		snapshot = filtered
	}
	return Decimate(snapshot, limit)
}

// RangeByDate returns the buffered readings whose calendar day falls in the
// inclusive [start, end] date range. Used as the fallback when the persisted
// log has nothing for a window, e.g. before the first flush.
func (m *Memory) RangeByDate(start, end time.Time) []types.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Reading
	for _, r := range m.ring {
		d := r.Date()
		if d.Before(truncateDay(start)) || d.After(truncateDay(end)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Decimate uniformly thins readings down to limit entries by keeping every
// (len/limit)-th element. This preserves temporal spread; it is deliberately
// not an average.
func Decimate(readings []types.Reading, limit int) []types.Reading {
	if limit <= 0 || len(readings) <= limit {
		return readings
	}
	step := (len(readings) + limit - 1) / limit
	out := make([]types.Reading, 0, limit)
	for i := 0; i < len(readings); i += step {
		out = append(out, readings[i])
	}
	if len(out) > limit {
		out = out[:limit]
	}
	// keep the span's endpoints so the thinned series still covers the full
	// temporal range
	out[len(out)-1] = readings[len(readings)-1]
	return out
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
