package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/boristopalov/countenv/pkg/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "batches.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveAndGetBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	image := "aGVsbG8="
	batch := core.NewScoredBatch("batch-1", "item-7", 2)
	batch.Append([]int{1, 2, 3}, []int{-100, 2, 3}, 1.0, &image)
	batch.Append([]int{4, 5}, []int{-100, 5}, -1.0, nil)

	if err := store.SaveBatch(ctx, "pixmo_count", batch); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	got, err := store.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if got.ItemID != "item-7" {
		t.Errorf("ItemID = %q, want item-7", got.ItemID)
	}
	if got.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", got.Len())
	}
	if got.Scores[0] != 1.0 || got.Scores[1] != -1.0 {
		t.Errorf("Scores = %v, want [1 -1]", got.Scores)
	}
	if len(got.Tokens[0]) != 3 || got.Masks[0][0] != -100 {
		t.Errorf("entry 0 = %v / %v", got.Tokens[0], got.Masks[0])
	}
	if got.Images[0] == nil || *got.Images[0] != image {
		t.Errorf("Images[0] = %v, want %q", got.Images[0], image)
	}
	if got.Images[1] != nil {
		t.Errorf("Images[1] = %v, want nil", *got.Images[1])
	}
	if err := got.Validate(2); err != nil {
		t.Errorf("loaded batch invalid: %v", err)
	}
}

func TestStore_GetBatchNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBatch(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBatch() error = %v, want ErrNotFound", err)
	}
}

func TestStore_CountBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		batch := core.NewScoredBatch(id, "item", 1)
		batch.Append([]int{1}, []int{1}, 1.0, nil)
		if err := store.SaveBatch(ctx, "pixmo_count", batch); err != nil {
			t.Fatalf("SaveBatch(%s) error = %v", id, err)
		}
	}

	n, err := store.CountBatches(ctx, "pixmo_count")
	if err != nil {
		t.Fatalf("CountBatches() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountBatches() = %d, want 3", n)
	}

	n, err = store.CountBatches(ctx, "other")
	if err != nil {
		t.Fatalf("CountBatches() error = %v", err)
	}
	if n != 0 {
		t.Errorf("CountBatches(other) = %d, want 0", n)
	}
}

func TestStore_SaveBatchRejectsMisaligned(t *testing.T) {
	store := newTestStore(t)
	batch := &core.ScoredBatch{
		ID:     "bad",
		Tokens: [][]int{{1, 2}},
		Masks:  [][]int{{1}},
		Scores: []float64{1},
		Images: []*string{nil},
	}
	if err := store.SaveBatch(context.Background(), "pixmo_count", batch); err == nil {
		t.Fatal("expected error for misaligned batch")
	}
}

func TestStore_DuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := core.NewScoredBatch("dup", "item", 1)
	batch.Append([]int{1}, []int{1}, 1.0, nil)
	if err := store.SaveBatch(ctx, "pixmo_count", batch); err != nil {
		t.Fatalf("first SaveBatch() error = %v", err)
	}
	if err := store.SaveBatch(ctx, "pixmo_count", batch); err == nil {
		t.Fatal("expected error saving the same batch twice")
	}
}
