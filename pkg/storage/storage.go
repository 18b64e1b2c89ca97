// Package storage persists scored batches published by the rollout driver.
package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/boristopalov/countenv/pkg/core"
	"github.com/boristopalov/countenv/pkg/messaging"
)

// BatchStore saves scored batches
type BatchStore interface {
	SaveBatch(ctx context.Context, env string, batch *core.ScoredBatch) error
}

// Recorder is a broker subscriber that writes every received batch to a
// BatchStore.
type Recorder struct {
	store  BatchStore
	ch     chan messaging.Message
	logger *slog.Logger

	wg     sync.WaitGroup
	once   sync.Once
	saved  atomic.Int64
	failed atomic.Int64
}

func NewRecorder(store BatchStore, buffer int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		ch:     make(chan messaging.Message, buffer),
		logger: logger,
	}
}

// Channel is the channel to subscribe to the broker with
func (r *Recorder) Channel() chan<- messaging.Message {
	return r.ch
}

// Start saves incoming batches until Close is called or ctx is done
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case msg, ok := <-r.ch:
				if !ok {
					return
				}
				r.save(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Recorder) save(ctx context.Context, msg messaging.Message) {
	if msg.Batch == nil {
		return
	}
	if err := r.store.SaveBatch(ctx, msg.From, msg.Batch); err != nil {
		r.failed.Add(1)
		r.logger.Error("failed to save batch",
			slog.String("batch_id", msg.Batch.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.saved.Add(1)
}

// Close stops accepting batches and waits for queued ones to be saved.
// Unsubscribe from the broker before calling Close.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.ch)
	})
	r.wg.Wait()
}

func (r *Recorder) Saved() int64 {
	return r.saved.Load()
}

func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}
