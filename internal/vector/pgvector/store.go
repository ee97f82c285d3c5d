// Package pgvector provides PostgreSQL+pgvector based vector storage for recall.
package pgvector

import (
	"context"
	"fmt"
	"time"

	gormigrate "github.com/go-gormigrate/gormigrate/v2"
	json "github.com/goccy/go-json"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/thebtf/recall/internal/vector"
)

// vectorRecord is the GORM model for the recall_vectors table.
type vectorRecord struct {
	DocID     string       `gorm:"primaryKey;column:doc_id"`
	Embedding pgvec.Vector `gorm:"column:embedding"`
	SourceID  string       `gorm:"column:source_id;index"`
	Metadata  string       `gorm:"column:metadata"`
	UpdatedAt time.Time    `gorm:"column:updated_at"`
}

func (vectorRecord) TableName() string { return "recall_vectors" }

// Store provides vector operations via PostgreSQL+pgvector.
type Store struct {
	db        *gorm.DB
	dimension int
}

// Compile-time check that Store implements vector.Store.
var _ vector.Store = (*Store)(nil)

// NewStore connects to Postgres and migrates the vectors schema.
func NewStore(dsn string, dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("pgvector: dimension is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := migrate(db, dimension); err != nil {
		return nil, fmt.Errorf("migrate vectors schema: %w", err)
	}
	return &Store{db: db, dimension: dimension}, nil
}

// migrate creates the pgvector extension and the vectors table.
func migrate(db *gorm.DB, dimension int) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "20250801_create_recall_vectors",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
					return err
				}
				ddl := fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS recall_vectors (
						doc_id     TEXT PRIMARY KEY,
						embedding  vector(%d) NOT NULL,
						source_id  TEXT,
						metadata   TEXT,
						updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`, dimension)
				if err := tx.Exec(ddl).Error; err != nil {
					return err
				}
				return tx.Exec(
					"CREATE INDEX IF NOT EXISTS idx_recall_vectors_source ON recall_vectors(source_id)").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP TABLE IF EXISTS recall_vectors").Error
			},
		},
	})
	return m.Migrate()
}

// Upsert inserts or replaces documents (ON CONFLICT DO UPDATE on doc_id).
func (s *Store) Upsert(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	records := make([]vectorRecord, 0, len(docs))
	now := time.Now()
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("vector upsert: empty document id")
		}
		if len(doc.Vector) != s.dimension {
			return fmt.Errorf("vector upsert %s: dimension %d, store has %d", doc.ID, len(doc.Vector), s.dimension)
		}
		var meta []byte
		if doc.Metadata != nil {
			var err error
			if meta, err = json.Marshal(doc.Metadata); err != nil {
				return fmt.Errorf("marshal metadata %s: %w", doc.ID, err)
			}
		}
		sourceID, _ := doc.Metadata["sourceId"].(string)
		records = append(records, vectorRecord{
			DocID:     doc.ID,
			Embedding: pgvec.NewVector(doc.Vector),
			SourceID:  sourceID,
			Metadata:  string(meta),
			UpdatedAt: now,
		})
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"embedding", "source_id", "metadata", "updated_at"}),
		}).
		Create(&records).Error
}

// Search runs cosine k-NN. pgvector returns distances; scores are mapped
// through 1/(1+distance).
func (s *Store) Search(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	type row struct {
		DocID    string
		Metadata string
		Distance float64
	}

	query := s.db.WithContext(ctx).
		Model(&vectorRecord{}).
		Select("doc_id, metadata, embedding <=> ? AS distance", pgvec.NewVector(vec)).
		Order("distance ASC").
		Limit(opts.TopK * 2) // over-fetch so Go-side filtering can still fill topK

	if sourceID, ok := opts.Filter["sourceId"].(string); ok && sourceID != "" {
		query = query.Where("source_id = ?", sourceID)
	}

	var rows []row
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}

	results := make([]vector.Result, 0, len(rows))
	for _, r := range rows {
		var meta map[string]any
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
				continue
			}
		}
		if !vector.MatchesFilter(meta, opts.Filter) {
			continue
		}
		score := vector.ScoreFromDistance(r.Distance)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		res := vector.Result{ID: r.DocID, Score: score}
		if opts.IncludeMetadata {
			res.Metadata = meta
		}
		results = append(results, res)
		if len(results) >= opts.TopK {
			break
		}
	}
	return results, nil
}

// Delete removes documents by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&vectorRecord{}, "doc_id IN ?", ids).Error
}

// Stats reports row count and store shape.
func (s *Store) Stats(ctx context.Context) (*vector.Stats, error) {
	stats := &vector.Stats{IndexType: "pgvector-cosine", Dimension: s.dimension}

	if err := s.db.WithContext(ctx).Model(&vectorRecord{}).Count(&stats.TotalVectors).Error; err != nil {
		return nil, fmt.Errorf("pgvector stats: %w", err)
	}
	var last time.Time
	s.db.WithContext(ctx).Model(&vectorRecord{}).Select("COALESCE(MAX(updated_at), 'epoch')").Scan(&last)
	stats.LastUpdated = last
	return stats, nil
}

// Health pings the underlying connection.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
