// Package dataset provides indexable sources of labeled counting records.
package dataset

import (
	"context"
	"errors"
	"fmt"
)

var ErrIndexOutOfRange = errors.New("index out of range")

// Record is one labeled image: Count instances of Label appear in the
// image at ImageURL.
type Record struct {
	Label    string `json:"label"`
	Count    int    `json:"count"`
	ImageURL string `json:"image_url"`
}

// Source is an indexable, length-queryable sequence of records
type Source interface {
	Len(ctx context.Context) (int, error)
	Get(ctx context.Context, i int) (Record, error)
}

// MemorySource serves records from a slice
type MemorySource struct {
	records []Record
}

func NewMemorySource(records []Record) *MemorySource {
	cp := make([]Record, len(records))
	copy(cp, records)
	return &MemorySource{records: cp}
}

func (s *MemorySource) Len(ctx context.Context) (int, error) {
	return len(s.records), nil
}

func (s *MemorySource) Get(ctx context.Context, i int) (Record, error) {
	if i < 0 || i >= len(s.records) {
		return Record{}, fmt.Errorf("record %d of %d: %w", i, len(s.records), ErrIndexOutOfRange)
	}
	return s.records[i], nil
}
