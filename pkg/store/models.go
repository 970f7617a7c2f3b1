package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ramble/pkg/chat"
)

// UpsertModels records model names reported by the generation service.
// Already-known names are left untouched.
func (s *Store) UpsertModels(ctx context.Context, names []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			if name == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO models (name) VALUES (?) ON CONFLICT(name) DO NOTHING`,
				name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListModels(ctx context.Context) ([]chat.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, inserted_at, updated_at FROM models ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []chat.Model
	for rows.Next() {
		var m chat.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.InsertedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

func defaultModel(ctx context.Context, q querier) (chat.Model, error) {
	var m chat.Model
	row := q.QueryRowContext(ctx,
		`SELECT id, name, inserted_at, updated_at FROM models ORDER BY id ASC LIMIT 1`)
	err := row.Scan(&m.ID, &m.Name, &m.InsertedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Model{}, ErrNoModels
	}
	return m, err
}

// DefaultModel returns the first known model, the one new conversations
// select.
func (s *Store) DefaultModel(ctx context.Context) (chat.Model, error) {
	return defaultModel(ctx, s.db)
}
