package environment

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/boristopalov/countenv/pkg/core"
	"github.com/boristopalov/countenv/pkg/imaging"
)

// CollectTrajectories issues one request for GroupSize completions and pairs
// each with the item's question, gold answer and image. Generation errors
// are returned as is; there are no retries or partial results. The backlog
// is always empty.
func (e *CountingEnvironment) CollectTrajectories(ctx context.Context, item core.Item) ([]core.Trajectory, []core.Item, error) {
	ctx, span := tracer.Start(ctx, "environment.CollectTrajectories")
	defer span.End()
	span.SetAttributes(
		attribute.String("item_id", item.ID),
		attribute.Int("group_size", e.groupSize),
	)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	completions, err := e.generator.ChatCompletion(ctx, e.renderRequest(item))
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("chat completion for item %s: %w", item.ID, err)
	}
	if len(completions) != e.groupSize {
		err := fmt.Errorf("item %s: got %d, want %d: %w", item.ID, len(completions), e.groupSize, ErrCompletionCount)
		span.RecordError(err)
		return nil, nil, err
	}

	question := item.Prompt.Text()
	trajectories := make([]core.Trajectory, 0, len(completions))
	for _, completion := range completions {
		trajectories = append(trajectories, core.Trajectory{
			ItemID: item.ID,
			Messages: []core.Message{
				{Role: core.RoleUser, Content: question},
				{Role: core.RoleAssistant, Content: completion},
			},
			Gold:  item.Gold,
			Image: item.Image,
		})
	}

	e.logger.Debug("collected trajectories",
		slog.String("item_id", item.ID),
		slog.Int("count", len(trajectories)),
	)
	return trajectories, []core.Item{}, nil
}

func (e *CountingEnvironment) renderRequest(item core.Item) core.ChatRequest {
	user := core.ChatMessage{Role: core.RoleUser, Content: item.Prompt.Text()}
	if item.Image != nil {
		user.ImageURL = imaging.DataURI(*item.Image)
	}
	return core.ChatRequest{
		Messages: []core.ChatMessage{
			{Role: core.RoleSystem, Content: e.systemPrompt},
			user,
		},
		N:         e.groupSize,
		MaxTokens: e.maxTokens,
	}
}
