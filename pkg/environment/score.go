package environment

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boristopalov/countenv/pkg/answer"
	"github.com/boristopalov/countenv/pkg/core"
)

// Score visits the trajectories in random order so the capacity cutoff does
// not favour generation order. Each one is tokenized and judged; trajectories
// with fewer than MinTrainableTokens trainable positions are dropped.
// Scoring stops once the batch holds GroupSize entries.
func (e *CountingEnvironment) Score(ctx context.Context, trajectories []core.Trajectory) *core.ScoredBatch {
	_, span := tracer.Start(ctx, "environment.Score")
	defer span.End()

	var itemID string
	if len(trajectories) > 0 {
		itemID = trajectories[0].ItemID
	}
	batch := core.NewScoredBatch(uuid.NewString(), itemID, e.groupSize)

	order := make([]core.Trajectory, len(trajectories))
	copy(order, trajectories)
	e.shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	var short, failed, visited int
	for _, t := range order {
		visited++

		tokens, err := e.tokenizer.Tokenize(t.Messages)
		if err != nil {
			e.logger.Warn("failed to tokenize trajectory",
				slog.String("item_id", t.ItemID),
				slog.String("error", err.Error()),
			)
			continue
		}

		judgment := answer.Judge(t.Reply(), t.Gold)
		if judgment.Outcome == answer.Failed {
			failed++
			e.logger.Debug("answer could not be judged",
				slog.String("item_id", t.ItemID),
				slog.String("error", judgment.Err.Error()),
			)
		}

		if tokens.Trainable() < e.minTrainableTokens {
			short++
			continue
		}

		batch.Append(tokens.Tokens, tokens.Masks, judgment.Reward(), t.Image)
		if batch.Len() >= e.groupSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("batch_size", batch.Len()),
		attribute.Int("rejected_short", short),
		attribute.Int("judge_failures", failed),
	)
	e.logger.Debug("scored trajectories",
		slog.String("item_id", itemID),
		slog.Int("candidates", len(trajectories)),
		slog.Int("visited", visited),
		slog.Int("rejected_short", short),
		slog.Int("judge_failures", failed),
		slog.Int("batch_size", batch.Len()),
		slog.Float64("mean_score", batch.MeanScore()),
	)
	return batch
}
