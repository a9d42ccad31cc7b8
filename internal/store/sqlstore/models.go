package sqlstore

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// entityRow stores one committed entity as its JSON encoding.
type entityRow struct {
	bun.BaseModel `bun:"table:entities"`

	ID        string    `bun:"id,pk"`
	Kind      string    `bun:"kind,notnull"`
	Version   int64     `bun:"version,notnull"`
	Payload   string    `bun:"payload,type:text,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (r *entityRow) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

type credentialRow struct {
	bun.BaseModel `bun:"table:credentials"`

	Username     string    `bun:"username,pk"`
	PasswordHash string    `bun:"password_hash,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

func (r *credentialRow) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery, *bun.UpdateQuery:
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}
