package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/merlin/internal/mr"
)

// NewPostgresStores connects to PostgreSQL and returns both stores backed by
// the same pool. The pool is owned by the transcript store's Close.
func NewPostgresStores(ctx context.Context, databaseURL string) (*PostgresTranscriptStore, *PostgresRelationStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return &PostgresTranscriptStore{pool: pool}, &PostgresRelationStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			position BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS mr_relations (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			driver TEXT NOT NULL,
			status TEXT NOT NULL,
			language TEXT NOT NULL,
			position BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// PostgresTranscriptStore persists the transcript in PostgreSQL.
type PostgresTranscriptStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresTranscriptStore) Append(ctx context.Context, turn mr.Turn) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_turns (id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		turn.ID, string(turn.Role), turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresTranscriptStore) ReplaceAll(ctx context.Context, turns []mr.Turn) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chat_turns`); err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}
		for _, turn := range turns {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_turns (id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
				turn.ID, string(turn.Role), turn.Content, turn.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresTranscriptStore) ClearAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_turns`); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

func (s *PostgresTranscriptStore) All(ctx context.Context) ([]mr.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, created_at FROM chat_turns ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []mr.Turn
	for rows.Next() {
		var t mr.Turn
		var role string
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = mr.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *PostgresTranscriptStore) Close() error {
	s.pool.Close()
	return nil
}

// PostgresRelationStore persists relations in PostgreSQL.
type PostgresRelationStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresRelationStore) Append(ctx context.Context, rel mr.Relation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mr_relations (id, description, driver, status, language, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rel.ID, rel.Description, rel.Driver, string(rel.Status), rel.Language, rel.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append relation: %w", err)
	}
	return nil
}

func (s *PostgresRelationStore) UpdateStatus(ctx context.Context, id string, status mr.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mr_relations SET status=$2 WHERE id=$1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update relation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRelationStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mr_relations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete relation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRelationStore) ReplaceAll(ctx context.Context, rels []mr.Relation) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mr_relations`); err != nil {
			return fmt.Errorf("clear relations: %w", err)
		}
		for _, rel := range rels {
			if _, err := tx.Exec(ctx,
				`INSERT INTO mr_relations (id, description, driver, status, language, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				rel.ID, rel.Description, rel.Driver, string(rel.Status), rel.Language, rel.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert relation: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresRelationStore) ClearAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mr_relations`); err != nil {
		return fmt.Errorf("clear relations: %w", err)
	}
	return nil
}

func (s *PostgresRelationStore) All(ctx context.Context) ([]mr.Relation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, description, driver, status, language, created_at
		 FROM mr_relations ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	var rels []mr.Relation
	for rows.Next() {
		var r mr.Relation
		var status string
		if err := rows.Scan(&r.ID, &r.Description, &r.Driver, &status, &r.Language, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}
		r.Status = mr.Status(status)
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relation rows: %w", err)
	}
	return rels, nil
}

// Close is a no-op: the pool is shared and closed by the transcript store.
func (s *PostgresRelationStore) Close() error { return nil }

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
