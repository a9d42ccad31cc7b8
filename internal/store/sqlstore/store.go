// Package sqlstore persists the authority's entities and credentials with
// bun on PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"

	"schedula/replica/internal/domain"
)

type Store struct {
	db *bun.DB
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, model := range []any{(*entityRow)(nil), (*credentialRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*entityRow)(nil)).
		Index("entities_kind_idx").
		Column("kind").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *Store) LoadEntities(ctx context.Context) ([]domain.Entity, error) {
	var rows []entityRow
	if err := s.db.NewSelect().Model(&rows).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := domain.DecodeEntity(domain.Kind(row.Kind), []byte(row.Payload))
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", row.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// SaveChanges upserts stored and deletes removed in one transaction.
func (s *Store) SaveChanges(ctx context.Context, stored []domain.Entity, removed []domain.ID) error {
	rows := make([]entityRow, 0, len(stored))
	for _, e := range stored {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.EntityID(), err)
		}
		rows = append(rows, entityRow{
			ID:      string(e.EntityID()),
			Kind:    string(e.EntityKind()),
			Version: e.EntityVersion(),
			Payload: string(payload),
		})
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(removed) > 0 {
			_, err := tx.NewDelete().
				Model((*entityRow)(nil)).
				Where("id IN (?)", bun.In(removed)).
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().
			Model(&rows).
			On("CONFLICT (id) DO UPDATE").
			Set("kind = EXCLUDED.kind").
			Set("version = EXCLUDED.version").
			Set("payload = EXCLUDED.payload").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

func (s *Store) LoadCredentials(ctx context.Context) (map[string]string, error) {
	var rows []credentialRow
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Username] = row.PasswordHash
	}
	return out, nil
}

func (s *Store) SaveCredential(ctx context.Context, username, passwordHash string) error {
	row := &credentialRow{Username: username, PasswordHash: passwordHash}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (username) DO UPDATE").
		Set("password_hash = EXCLUDED.password_hash").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}
