// Package messaging routes scored batches from the rollout driver to the
// consumers that train on or persist them.
package messaging

import (
	"context"
	"time"

	"github.com/boristopalov/countenv/pkg/core"
)

// Message carries one scored batch
type Message struct {
	From      string            // Environment that produced the batch
	To        []string          // Subscriber IDs (empty means broadcast)
	Batch     *core.ScoredBatch // The scored batch
	Timestamp time.Time         // When the batch was published
}

// Broker handles message routing between the driver and subscribers
type Broker interface {
	// Publish delivers a message to the specified subscribers
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers a subscriber to receive messages
	Subscribe(id string, ch chan<- Message) error
	// Unsubscribe removes a subscription
	Unsubscribe(id string) error
}
