package cache

import (
	"context"
	"time"

	"tillpos/backend/internal/domain"
)

// InvoiceCache fronts invoice lookups for the returns flow. Implementations
// treat a miss as (nil, false, nil); errors are reserved for backend faults.
type InvoiceCache interface {
	Get(ctx context.Context, key string) (*domain.Invoice, bool, error)
	Set(ctx context.Context, key string, value *domain.Invoice, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopInvoiceCache struct{}

func (NoopInvoiceCache) Get(_ context.Context, _ string) (*domain.Invoice, bool, error) {
	return nil, false, nil
}

func (NoopInvoiceCache) Set(_ context.Context, _ string, _ *domain.Invoice, _ time.Duration) error {
	return nil
}

func (NoopInvoiceCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
