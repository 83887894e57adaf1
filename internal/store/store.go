package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/facestage/internal/reference"
	"github.com/andresmejia3/facestage/internal/types"
	"github.com/andresmejia3/facestage/internal/utils"
)

// Store manages the PostgreSQL pool: the reference identities and the processing ledger.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and the vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS known_identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			embedding VECTOR NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			container TEXT NOT NULL,
			key TEXT NOT NULL,
			frame_count INT NOT NULL,
			processed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS resolutions (
			id TEXT PRIMARY KEY,
			frame_container TEXT NOT NULL,
			frame_key TEXT NOT NULL,
			result_key TEXT NOT NULL,
			label TEXT NOT NULL,
			distance DOUBLE PRECISION NOT NULL,
			reference_version TEXT NOT NULL DEFAULT '',
			resolved_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS resolutions_label_idx ON resolutions (label);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// LoadReferenceSet reads every known identity in id order. The version is derived from
// the row count and the newest row so a changed table yields a different version.
func (s *Store) LoadReferenceSet(ctx context.Context) (*reference.Set, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, embedding, created_at FROM known_identities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		labels []string
		embs   []reference.Embedding
		newest time.Time
	)
	for rows.Next() {
		var name string
		var vec pgvector.Vector
		var created time.Time
		if err := rows.Scan(&name, &vec, &created); err != nil {
			return nil, err
		}
		labels = append(labels, name)
		embs = append(embs, vec.Slice())
		if created.After(newest) {
			newest = created
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	version := "pg-" + strconv.Itoa(len(labels)) + "-" + strconv.FormatInt(newest.Unix(), 10)
	return reference.NewSet(version, embs, labels)
}

// ImportReferences inserts the set in order. With replace, existing identities are removed
// first so ids follow the set's order.
func (s *Store) ImportReferences(ctx context.Context, set *reference.Set, replace bool) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if replace {
		if _, err := tx.Exec(ctx, "TRUNCATE known_identities RESTART IDENTITY"); err != nil {
			return 0, err
		}
	}

	batch := &pgx.Batch{}
	for i, e := range set.Embeddings {
		batch.Queue("INSERT INTO known_identities (name, embedding) VALUES ($1, $2)", set.Labels[i], pgvector.NewVector(e))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	return set.Len(), tx.Commit(ctx)
}

// Identity is one row of known_identities without its embedding.
type Identity struct {
	ID        int
	Name      string
	Dim       int
	CreatedAt time.Time
}

func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, vector_dims(embedding), created_at FROM known_identities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Identity, error) {
		var i Identity
		err := row.Scan(&i.ID, &i.Name, &i.Dim, &i.CreatedAt)
		return i, err
	})
}

// RenameIdentity changes the label of a reference identity.
func (s *Store) RenameIdentity(ctx context.Context, id int, name string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE known_identities SET name = $1 WHERE id = $2", name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %d not found", id)
	}
	return nil
}

// RecordVideo registers a split video. Re-delivery updates the existing row.
func (s *Store) RecordVideo(ctx context.Context, ref types.ObjectRef, frames int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_metadata (id, container, key, frame_count, processed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET frame_count = EXCLUDED.frame_count, processed_at = NOW()
	`, utils.ObjectID(ref), ref.Container, ref.Key, frames)
	return err
}

// Resolution is one ledger row.
type Resolution struct {
	Frame      types.ObjectRef
	ResultKey  string
	Label      string
	Distance   float64
	Version    string
	ResolvedAt time.Time
}

// RecordResolution stores the outcome for a frame, keyed by the frame so repeated
// resolution of the same frame overwrites.
func (s *Store) RecordResolution(ctx context.Context, r Resolution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resolutions (id, frame_container, frame_key, result_key, label, distance, reference_version, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			result_key = EXCLUDED.result_key,
			label = EXCLUDED.label,
			distance = EXCLUDED.distance,
			reference_version = EXCLUDED.reference_version,
			resolved_at = NOW()
	`, utils.ObjectID(r.Frame), r.Frame.Container, r.Frame.Key, r.ResultKey, r.Label, r.Distance, r.Version)
	return err
}

// FindResolutions lists frames resolved to label, newest first. An empty label lists all.
func (s *Store) FindResolutions(ctx context.Context, label string) ([]Resolution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT frame_container, frame_key, result_key, label, distance, reference_version, resolved_at
		FROM resolutions
		WHERE $1 = '' OR label = $1
		ORDER BY resolved_at DESC, frame_key
	`, label)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Resolution, error) {
		var r Resolution
		err := row.Scan(&r.Frame.Container, &r.Frame.Key, &r.ResultKey, &r.Label, &r.Distance, &r.Version, &r.ResolvedAt)
		return r, err
	})
}

// GetResolution returns the ledger row for a frame, or ok=false if it was never resolved.
func (s *Store) GetResolution(ctx context.Context, frame types.ObjectRef) (Resolution, bool, error) {
	var r Resolution
	err := s.pool.QueryRow(ctx, `
		SELECT frame_container, frame_key, result_key, label, distance, reference_version, resolved_at
		FROM resolutions WHERE id = $1
	`, utils.ObjectID(frame)).Scan(&r.Frame.Container, &r.Frame.Key, &r.ResultKey, &r.Label, &r.Distance, &r.Version, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, err
	}
	return r, true, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS resolutions CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
		DROP TABLE IF EXISTS known_identities CASCADE;
	`)
	return err
}
