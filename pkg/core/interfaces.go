package core

import (
	"context"
)

// Environment turns dataset items into scored training batches
type Environment interface {
	// Name identifies the environment in logs and storage
	Name() string
	// NextItem returns the next item to roll out. It never fails; a
	// retrieval failure is reported through ItemResult.Err.
	NextItem(ctx context.Context) ItemResult
	// CollectTrajectories samples candidate trajectories for an item and
	// returns any items deferred to a backlog
	CollectTrajectories(ctx context.Context, item Item) ([]Trajectory, []Item, error)
	// Score rewards the trajectories and assembles a batch
	Score(ctx context.Context, trajectories []Trajectory) *ScoredBatch
	// Evaluate runs an evaluation pass
	Evaluate(ctx context.Context) error
}
