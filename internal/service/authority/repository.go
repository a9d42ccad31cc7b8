package authority

import (
	"context"

	"schedula/replica/internal/domain"
)

// Repository persists committed entities and credentials. A nil Repository
// keeps everything in memory.
type Repository interface {
	LoadEntities(ctx context.Context) ([]domain.Entity, error)
	SaveChanges(ctx context.Context, stored []domain.Entity, removed []domain.ID) error
	LoadCredentials(ctx context.Context) (map[string]string, error)
	SaveCredential(ctx context.Context, username, passwordHash string) error
}
