// Package memory holds items deferred by an environment for a later rollout.
package memory

import (
	"sync"

	"github.com/boristopalov/countenv/pkg/core"
)

// Backlog is a bounded FIFO of items. When full, the oldest item is evicted.
type Backlog struct {
	items    []core.Item
	capacity int
	evicted  int
	mu       sync.Mutex
}

func NewBacklog(capacity int) *Backlog {
	if capacity < 1 {
		capacity = 1
	}
	return &Backlog{
		items:    make([]core.Item, 0, capacity),
		capacity: capacity,
	}
}

// Push appends items, evicting from the front past capacity
func (b *Backlog) Push(items ...core.Item) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, items...)
	if over := len(b.items) - b.capacity; over > 0 {
		b.items = append(b.items[:0], b.items[over:]...)
		b.evicted += over
	}
}

// Pop removes and returns the oldest item
func (b *Backlog) Pop() (core.Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return core.Item{}, false
	}
	item := b.items[0]
	b.items = b.items[1:]
	return item, true
}

func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Evicted reports how many items were dropped for lack of room
func (b *Backlog) Evicted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
