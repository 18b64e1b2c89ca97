// Package sqlite stores scored batches in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/boristopalov/countenv/pkg/core"
	"github.com/boristopalov/countenv/pkg/storage"
)

var ErrNotFound = errors.New("batch not found")

// Store is a SQLite implementation of storage.BatchStore
type Store struct {
	db *sql.DB
}

var _ storage.BatchStore = (*Store)(nil)

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			env TEXT NOT NULL,
			item_id TEXT NOT NULL,
			size INTEGER NOT NULL,
			mean_score REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batch_entries (
			batch_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			tokens TEXT NOT NULL,
			masks TEXT NOT NULL,
			score REAL NOT NULL,
			image TEXT,
			PRIMARY KEY (batch_id, idx),
			FOREIGN KEY (batch_id) REFERENCES batches(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_env ON batches(env)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveBatch writes the batch and its entries in one transaction
func (s *Store) SaveBatch(ctx context.Context, env string, batch *core.ScoredBatch) error {
	if err := batch.Validate(batch.Len()); err != nil {
		return fmt.Errorf("refusing to save batch %s: %w", batch.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, env, item_id, size, mean_score, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID, env, batch.ItemID, batch.Len(), batch.MeanScore(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	for i := range batch.Scores {
		tokens, err := json.Marshal(batch.Tokens[i])
		if err != nil {
			return fmt.Errorf("failed to marshal tokens: %w", err)
		}
		masks, err := json.Marshal(batch.Masks[i])
		if err != nil {
			return fmt.Errorf("failed to marshal masks: %w", err)
		}
		var image sql.NullString
		if batch.Images[i] != nil {
			image = sql.NullString{String: *batch.Images[i], Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_entries (batch_id, idx, tokens, masks, score, image) VALUES (?, ?, ?, ?, ?, ?)`,
			batch.ID, i, string(tokens), string(masks), batch.Scores[i], image,
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetBatch loads a batch with its entries in index order
func (s *Store) GetBatch(ctx context.Context, id string) (*core.ScoredBatch, error) {
	var (
		itemID string
		size   int
	)
	err := s.db.QueryRowContext(ctx, `SELECT item_id, size FROM batches WHERE id = ?`, id).Scan(&itemID, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tokens, masks, score, image FROM batch_entries WHERE batch_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	batch := core.NewScoredBatch(id, itemID, size)
	for rows.Next() {
		var (
			tokensJSON, masksJSON string
			score                 float64
			image                 sql.NullString
		)
		if err := rows.Scan(&tokensJSON, &masksJSON, &score, &image); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		var tokens, masks []int
		if err := json.Unmarshal([]byte(tokensJSON), &tokens); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
		}
		if err := json.Unmarshal([]byte(masksJSON), &masks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal masks: %w", err)
		}
		var img *string
		if image.Valid {
			img = &image.String
		}
		batch.Append(tokens, masks, score, img)
	}
	return batch, rows.Err()
}

// CountBatches returns the number of stored batches for env
func (s *Store) CountBatches(ctx context.Context, env string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches WHERE env = ?`, env).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
