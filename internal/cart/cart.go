package cart

import (
	"sync"

	"tillpos/backend/internal/catalog"
	"tillpos/backend/internal/domain"
)

// Cart is one session's pending line collection. Quantity bounds are checked
// against the catalog mirror on every mutation; out-of-bounds requests leave
// the cart untouched instead of clamping.
type Cart struct {
	mu     sync.Mutex
	mirror *catalog.Mirror
	lines  []domain.CartLine
}

func New(mirror *catalog.Mirror) *Cart {
	return &Cart{mirror: mirror}
}

// Add inserts the product with quantity 1, or bumps an existing line by 1.
// Products that are out of stock, or already in the cart at the full stock
// quantity, are ignored.
func (c *Cart) Add(productID string) bool {
	product, ok := c.mirror.Get(productID)
	if !ok || product.Stock <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, line := range c.lines {
		if line.ProductID != productID {
			continue
		}
		if line.Quantity >= product.Stock {
			return false
		}
		c.lines[i].Quantity++
		c.lines[i].Name = product.Name
		c.lines[i].UnitPriceCents = product.PriceCents
		return true
	}

	c.lines = append(c.lines, domain.CartLine{
		ProductID:      productID,
		Name:           product.Name,
		UnitPriceCents: product.PriceCents,
		Quantity:       1,
	})
	return true
}

// SetQuantity sets a line's quantity directly. Zero removes the line.
// Negative values, values above current stock, and updates to lines whose
// product has left the catalog are rejected.
func (c *Cart) SetQuantity(productID string, quantity int) bool {
	if quantity < 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, line := range c.lines {
		if line.ProductID == productID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	if quantity == 0 {
		c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
		return true
	}

	product, ok := c.mirror.Get(productID)
	if !ok || quantity > product.Stock {
		return false
	}
	c.lines[idx].Quantity = quantity
	return true
}

func (c *Cart) Remove(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, line := range c.lines {
		if line.ProductID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			return
		}
	}
}

func (c *Cart) Clear() {
	c.mu.Lock()
	c.lines = nil
	c.mu.Unlock()
}

// Lines returns a copy with name and price refreshed from the mirror for
// products still present. Vanished products keep their snapshot.
func (c *Cart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	for i, line := range out {
		if product, ok := c.mirror.Get(line.ProductID); ok {
			out[i].Name = product.Name
			out[i].UnitPriceCents = product.PriceCents
		}
	}
	return out
}

// TotalCents is recomputed from the lines on every call, never cached.
func (c *Cart) TotalCents() int64 {
	var total int64
	for _, line := range c.Lines() {
		total += line.UnitPriceCents * int64(line.Quantity)
	}
	return total
}

// Registry tracks the live cart for each authenticated session.
type Registry struct {
	mu     sync.Mutex
	mirror *catalog.Mirror
	carts  map[string]*Cart
}

func NewRegistry(mirror *catalog.Mirror) *Registry {
	return &Registry{
		mirror: mirror,
		carts:  make(map[string]*Cart),
	}
}

func (r *Registry) Cart(sessionKey string) *Cart {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.carts[sessionKey]
	if !ok {
		c = New(r.mirror)
		r.carts[sessionKey] = c
	}
	return c
}

func (r *Registry) Drop(sessionKey string) {
	r.mu.Lock()
	delete(r.carts, sessionKey)
	r.mu.Unlock()
}
