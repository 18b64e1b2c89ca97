package messaging

import (
	"context"
	"fmt"
	"sync"
)

// SimpleBroker implements the Broker interface.
// subscribers maps subscriber IDs to the channels they receive on.
type SimpleBroker struct {
	subscribers map[string]chan<- Message
	mu          sync.RWMutex
}

func NewBroker() *SimpleBroker {
	return &SimpleBroker{
		subscribers: make(map[string]chan<- Message),
	}
}

// Publish sends msg to its recipients, waiting for each one to accept it.
// Batches are never dropped silently: if ctx ends first the remaining
// deliveries are abandoned and ctx's error is returned.
func (b *SimpleBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	recipients := msg.To
	if len(recipients) == 0 {
		for id := range b.subscribers {
			if id != msg.From {
				recipients = append(recipients, id)
			}
		}
	}
	channels := make([]chan<- Message, 0, len(recipients))
	for _, id := range recipients {
		if ch, ok := b.subscribers[id]; ok {
			channels = append(channels, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range channels {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return fmt.Errorf("publish from %s: %w", msg.From, ctx.Err())
		}
	}
	return nil
}

func (b *SimpleBroker) Subscribe(id string, ch chan<- Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; exists {
		return fmt.Errorf("%s is already subscribed", id)
	}

	b.subscribers[id] = ch
	return nil
}

func (b *SimpleBroker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return fmt.Errorf("%s is not subscribed", id)
	}

	delete(b.subscribers, id)
	return nil
}

func (b *SimpleBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]chan<- Message)
}
