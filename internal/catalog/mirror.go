package catalog

import (
	"context"
	"slices"
	"sync"

	"tillpos/backend/internal/domain"
	"tillpos/backend/internal/store"
)

// Mirror is the process-local copy of the remote product catalog. It is
// loaded once at startup, read for all rendering and validation, and updated
// only after the corresponding remote write has succeeded.
type Mirror struct {
	mu       sync.RWMutex
	source   store.CatalogStore
	products map[string]domain.Product
}

func NewMirror(source store.CatalogStore) *Mirror {
	return &Mirror{
		source:   source,
		products: make(map[string]domain.Product),
	}
}

// Load replaces the mirror contents with a fresh remote listing.
func (m *Mirror) Load(ctx context.Context) error {
	products, err := m.source.ListProducts(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]domain.Product, len(products))
	for _, p := range products {
		next[p.ID] = p
	}

	m.mu.Lock()
	m.products = next
	m.mu.Unlock()
	return nil
}

func (m *Mirror) Get(id string) (domain.Product, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	return p, ok
}

func (m *Mirror) List() []domain.Product {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return products
}

// FindByBarcode returns the product carrying the barcode, if any. Products
// without a barcode never match.
func (m *Mirror) FindByBarcode(barcode string) (domain.Product, bool) {
	if barcode == "" {
		return domain.Product{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.products {
		if p.Barcode == barcode {
			return p, true
		}
	}
	return domain.Product{}, false
}

func (m *Mirror) Put(p domain.Product) {
	m.mu.Lock()
	m.products[p.ID] = p
	m.mu.Unlock()
}

// SetStock overwrites one product's cached stock and version. Unknown IDs
// are ignored; the next Load picks them up.
func (m *Mirror) SetStock(id string, stock int, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return
	}
	p.Stock = stock
	p.Version = version
	m.products[id] = p
}
