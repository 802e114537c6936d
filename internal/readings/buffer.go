// Package readings holds the bounded in-memory buffer of recent readings
package readings

import (
	"sync"

	"github.com/mrcode/glucose-scraper/internal/models"
)

// DefaultCapacity is 24 hours of readings at a 5 minute cadence
const DefaultCapacity = 288

// Buffer maps reading timestamps to readings, remembering insertion order.
//
// It is not a ring buffer: when an Add brings the size to capacity the
// whole buffer is cleared and refills from empty.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	data     map[int64]models.Reading
	order    []int64
}

// NewBuffer creates a buffer that resets when it reaches capacity.
// A non-positive capacity selects DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		data:     make(map[int64]models.Reading, capacity),
		order:    make([]int64, 0, capacity),
	}
}

// Add stores r under ts, overwriting an existing entry with the same
// timestamp. It reports whether the insert triggered a reset.
func (b *Buffer) Add(ts int64, r models.Reading) (reset bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data[ts]; !ok {
		b.order = append(b.order, ts)
	}
	b.data[ts] = r

	if len(b.data) >= b.capacity {
		b.data = make(map[int64]models.Reading, b.capacity)
		b.order = b.order[:0]
		return true
	}
	return false
}

// Snapshot returns a copy of the current contents
func (b *Buffer) Snapshot() map[int64]models.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[int64]models.Reading, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

// Ordered returns the readings in insertion order
func (b *Buffer) Ordered() []models.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.Reading, 0, len(b.order))
	for _, ts := range b.order {
		out = append(out, b.data[ts])
	}
	return out
}

// Latest returns the most recently inserted reading
func (b *Buffer) Latest() (models.Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.order) == 0 {
		return models.Reading{}, false
	}
	return b.data[b.order[len(b.order)-1]], true
}

// Size returns the number of buffered readings
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Capacity returns the reset threshold
func (b *Buffer) Capacity() int {
	return b.capacity
}
