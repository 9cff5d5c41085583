package cache

import (
	"context"
	"time"

	"farmapos/backend/internal/domain"
)

// AlertCache fronts the inventory alert listings (low-stock, expired,
// near-expiry). Entries are advisory; a miss or error falls through to the
// repository.
type AlertCache interface {
	Get(ctx context.Context, key string) ([]domain.DrugView, bool, error)
	Set(ctx context.Context, key string, value []domain.DrugView, ttl time.Duration) error
}

type NoopAlertCache struct{}

func (NoopAlertCache) Get(_ context.Context, _ string) ([]domain.DrugView, bool, error) {
	return nil, false, nil
}

func (NoopAlertCache) Set(_ context.Context, _ string, _ []domain.DrugView, _ time.Duration) error {
	return nil
}
