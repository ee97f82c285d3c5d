// Package sqlite provides a persistent embedded vector store on pure-Go SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"

	"github.com/thebtf/recall/internal/vector"
)

const schema = `
CREATE TABLE IF NOT EXISTS vectors (
	doc_id    TEXT PRIMARY KEY,
	embedding BLOB NOT NULL,
	dimension INTEGER NOT NULL,
	metadata  TEXT,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vectors_updated ON vectors(updated_at);
`

// Store persists vectors in a SQLite file and searches with a brute-force
// cosine scan. Suitable for fleets up to a few hundred thousand vectors.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Compile-time check that Store implements vector.Store.
var _ vector.Store = (*Store)(nil)

// NewStore opens (or creates) the store at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single writer keeps the brute-force scan simple and lock-free on read.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vectors schema: %w", err)
	}
	return &Store{db: db}, nil
}

// encodeVector serializes a float32 slice as little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector deserializes little-endian bytes into a float32 slice.
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// Upsert inserts or replaces documents in one transaction.
func (s *Store) Upsert(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insert = `
		INSERT OR REPLACE INTO vectors (doc_id, embedding, dimension, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now().UnixMilli()
	for _, doc := range docs {
		if doc.ID == "" {
			err = fmt.Errorf("vector upsert: empty document id")
			return err
		}
		var meta []byte
		if doc.Metadata != nil {
			if meta, err = json.Marshal(doc.Metadata); err != nil {
				return fmt.Errorf("marshal metadata %s: %w", doc.ID, err)
			}
		}
		if _, err = tx.ExecContext(ctx, insert, doc.ID, encodeVector(doc.Vector), len(doc.Vector), meta, now); err != nil {
			return fmt.Errorf("upsert %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Search scans all rows and returns the topK most similar documents.
func (s *Store) Search(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, embedding, metadata FROM vectors`)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var id string
		var blob []byte
		var metaRaw sql.NullString
		if err := rows.Scan(&id, &blob, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}

		var meta map[string]any
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &meta); err != nil {
				continue
			}
		}
		if !vector.MatchesFilter(meta, opts.Filter) {
			continue
		}

		score := vector.Cosine(vec, decodeVector(blob))
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		r := vector.Result{ID: id, Score: score}
		if opts.IncludeMetadata {
			r.Metadata = meta
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// Delete removes documents by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `DELETE FROM vectors WHERE doc_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Stats reports row count, dimension, and last update time.
func (s *Store) Stats(ctx context.Context) (*vector.Stats, error) {
	stats := &vector.Stats{IndexType: "sqlite-flat"}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(dimension), 0), COALESCE(MAX(updated_at), 0) FROM vectors`)
	var updatedMs int64
	if err := row.Scan(&stats.TotalVectors, &stats.Dimension, &updatedMs); err != nil {
		return nil, fmt.Errorf("vector stats: %w", err)
	}
	if updatedMs > 0 {
		stats.LastUpdated = time.UnixMilli(updatedMs)
	}
	return stats, nil
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
