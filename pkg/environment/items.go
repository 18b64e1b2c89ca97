package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boristopalov/countenv/pkg/answer"
	"github.com/boristopalov/countenv/pkg/core"
)

const (
	FallbackItemID   = "fallback"
	fallbackQuestion = "Please solve: 2 + 2 = ?"
)

var errEmptyDataset = errors.New("dataset is empty")

// FallbackItem is served whenever a dataset item cannot be built. Every
// call returns an equal value.
func FallbackItem() core.Item {
	return core.Item{
		ID:     FallbackItemID,
		Prompt: core.Prompt{{Role: core.RoleUser, Content: fallbackQuestion}},
		Gold:   answer.FormatCount(4),
	}
}

// NextItem advances the cursor and builds the item at its previous
// position, wrapping around the dataset. Failures yield FallbackItem with
// the cause in ItemResult.Err.
func (e *CountingEnvironment) NextItem(ctx context.Context) core.ItemResult {
	ctx, span := tracer.Start(ctx, "environment.NextItem")
	defer span.End()

	cursor := e.cursor.Add(1) - 1
	span.SetAttributes(attribute.Int64("cursor", int64(cursor)))

	item, err := e.buildItem(ctx, cursor)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("item retrieval failed, serving fallback",
			slog.Uint64("cursor", cursor),
			slog.String("error", err.Error()),
		)
		return core.ItemResult{Item: FallbackItem(), Err: err}
	}
	return core.ItemResult{Item: item}
}

func (e *CountingEnvironment) buildItem(ctx context.Context, cursor uint64) (core.Item, error) {
	n, err := e.source.Len(ctx)
	if err != nil {
		return core.Item{}, fmt.Errorf("failed to get dataset length: %w", err)
	}
	if n <= 0 {
		return core.Item{}, errEmptyDataset
	}

	index := int(cursor % uint64(n))
	record, err := e.source.Get(ctx, index)
	if err != nil {
		return core.Item{}, fmt.Errorf("failed to get record %d: %w", index, err)
	}

	image, err := e.images.EncodePNG(ctx, record.ImageURL)
	if err != nil {
		return core.Item{}, fmt.Errorf("record %d: %w", index, err)
	}

	question := fmt.Sprintf("how many %s are in the image?", record.Label)
	return core.Item{
		ID:     uuid.NewString(),
		Prompt: core.Prompt{{Role: core.RoleUser, Content: question}},
		Gold:   answer.FormatCount(record.Count),
		Image:  &image,
	}, nil
}
