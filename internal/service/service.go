package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tillpos/backend/internal/cache"
	"tillpos/backend/internal/catalog"
	"tillpos/backend/internal/domain"
	"tillpos/backend/internal/store"
	"tillpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service runs the checkout, return and stock-edit flows against the remote
// catalog and ledger stores, keeping the local mirror in step. Remote writes
// are the completion signal for every mutation; the mirror is only updated
// from their responses, never ahead of them.
type Service struct {
	catalog  store.CatalogStore
	ledger   store.LedgerStore
	mirror   *catalog.Mirror
	invoices cache.InvoiceCache
	cacheTTL time.Duration
}

func New(catalogStore store.CatalogStore, ledger store.LedgerStore, mirror *catalog.Mirror, invoices cache.InvoiceCache, cacheTTL time.Duration) *Service {
	if invoices == nil {
		invoices = cache.NoopInvoiceCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}

	return &Service{
		catalog:  catalogStore,
		ledger:   ledger,
		mirror:   mirror,
		invoices: invoices,
		cacheTTL: cacheTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleCashier, domain.RoleManager); err != nil {
		return nil, err
	}
	return s.mirror.List(), nil
}

// RefreshCatalog reloads the mirror from the remote catalog.
func (s *Service) RefreshCatalog(ctx context.Context) error {
	if _, err := requireRole(ctx, domain.RoleCashier, domain.RoleManager); err != nil {
		return err
	}
	return s.mirror.Load(ctx)
}

// Checkout commits a sale: it re-validates the lines against the mirror,
// writes the batched stock decrement, then creates the invoice. The stock
// write always precedes the invoice write and its failure aborts the
// checkout; an invoice failure after a successful stock write is surfaced
// and logged for manual reconciliation, never compensated.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.Invoice, error) {
	if _, err := requireRole(ctx, domain.RoleCashier, domain.RoleManager); err != nil {
		return nil, err
	}

	lines := normalizeLines(req.Lines)
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}

	patches := make([]domain.StockPatch, 0, len(lines))
	invoiceLines := make([]domain.InvoiceLine, 0, len(lines))
	var total int64
	for i, line := range lines {
		product, ok := s.mirror.Get(line.ProductID)
		if ok {
			if line.Quantity > product.Stock {
				return nil, store.ErrInsufficientStock
			}
			lines[i].Name = product.Name
			lines[i].UnitPriceCents = product.PriceCents
			patches = append(patches, domain.StockPatch{
				ProductID: product.ID,
				Stock:     product.Stock - line.Quantity,
				Version:   product.Version,
			})
		} else {
			// Vanished from the catalog: invoice the snapshot, skip the
			// stock write. The snapshot must still be a valid line.
			if line.Name == "" || line.UnitPriceCents < 0 {
				return nil, store.ErrValidation
			}
			log.Printf("[service] WARN: product %s missing from catalog; invoicing snapshot without stock patch", line.ProductID)
		}
		invoiceLines = append(invoiceLines, domain.InvoiceLine{
			ProductID:      lines[i].ProductID,
			Name:           lines[i].Name,
			UnitPriceCents: lines[i].UnitPriceCents,
			Quantity:       lines[i].Quantity,
		})
		total += lines[i].UnitPriceCents * int64(lines[i].Quantity)
	}

	if len(patches) > 0 {
		updated, err := s.catalog.PatchStock(ctx, patches)
		if err != nil {
			if errors.Is(err, store.ErrStockConflict) {
				log.Printf("[service] WARN: stock patch conflict during checkout, reloading catalog: %v", err)
				if loadErr := s.mirror.Load(ctx); loadErr != nil {
					log.Printf("[service] WARN: catalog reload after conflict failed: %v", loadErr)
				}
			}
			return nil, fmt.Errorf("stock update failed: %w", err)
		}
		for _, p := range updated {
			s.mirror.SetStock(p.ID, p.Stock, p.Version)
		}
	}

	invoice := domain.Invoice{
		ID:         xid.New("inv"),
		CreatedAt:  time.Now().UTC(),
		TotalCents: total,
		Lines:      invoiceLines,
	}
	created, err := s.ledger.CreateInvoice(ctx, invoice)
	if err != nil {
		// Stock is already decremented remotely. There is no compensating
		// write; the discrepancy needs manual reconciliation.
		log.Printf("[service] WARN: invoice %s not persisted after stock decrement, manual reconciliation required: %v", invoice.ID, err)
		return nil, fmt.Errorf("invoice creation failed: %w", err)
	}

	if err := s.invoices.Set(ctx, invoiceCacheKey(created.ID), created, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: failed to cache invoice %s: %v", created.ID, err)
	}
	return created, nil
}

// FindInvoice is an exact-ID lookup, cache first then ledger. A miss is
// store.ErrNotFound, distinct from a transport failure.
func (s *Service) FindInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	if _, err := requireRole(ctx, domain.RoleCashier, domain.RoleManager); err != nil {
		return nil, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, store.ErrValidation
	}

	if cached, ok, err := s.invoices.Get(ctx, invoiceCacheKey(id)); err != nil {
		log.Printf("[service] WARN: invoice cache read failed for %s: %v", id, err)
	} else if ok {
		return cached, nil
	}

	invoice, err := s.ledger.FindInvoiceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.invoices.Set(ctx, invoiceCacheKey(id), invoice, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: failed to cache invoice %s: %v", id, err)
	}
	return invoice, nil
}

// ProcessReturn accepts part or all of one invoice line back. Resellable
// returns restore stock with a remote write that must succeed before the
// invoice is touched; damaged returns only update the bookkeeping.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (*domain.ReturnResponse, error) {
	if _, err := requireRole(ctx, domain.RoleCashier, domain.RoleManager); err != nil {
		return nil, err
	}

	if req.Quantity < 1 {
		return nil, store.ErrValidation
	}
	if req.Mode != domain.ReturnModeResellable && req.Mode != domain.ReturnModeDamaged {
		return nil, store.ErrValidation
	}

	invoice, err := s.ledger.FindInvoiceByID(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}

	lineIdx := -1
	for i, line := range invoice.Lines {
		if line.ProductID == req.ProductID {
			lineIdx = i
			break
		}
	}
	if lineIdx < 0 {
		return nil, store.ErrNotFound
	}

	line := invoice.Lines[lineIdx]
	remaining := line.Quantity - line.ReturnedQuantity
	if req.Quantity > remaining {
		return nil, store.ErrValidation
	}

	stockRestored := false
	if req.Mode == domain.ReturnModeResellable {
		if product, ok := s.mirror.Get(req.ProductID); ok {
			updated, err := s.catalog.PatchStock(ctx, []domain.StockPatch{{
				ProductID: product.ID,
				Stock:     product.Stock + req.Quantity,
				Version:   product.Version,
			}})
			if err != nil {
				if errors.Is(err, store.ErrStockConflict) {
					if loadErr := s.mirror.Load(ctx); loadErr != nil {
						log.Printf("[service] WARN: catalog reload after conflict failed: %v", loadErr)
					}
				}
				return nil, fmt.Errorf("stock restore failed: %w", err)
			}
			for _, p := range updated {
				s.mirror.SetStock(p.ID, p.Stock, p.Version)
			}
			stockRestored = true
		} else {
			log.Printf("[service] WARN: product %s no longer in catalog, return recorded without stock restore", req.ProductID)
		}
	}

	lines := make([]domain.InvoiceLine, len(invoice.Lines))
	copy(lines, invoice.Lines)
	lines[lineIdx].ReturnedQuantity += req.Quantity

	saved, err := s.ledger.ReplaceInvoiceLines(ctx, invoice.ID, lines)
	if err != nil {
		if stockRestored {
			log.Printf("[service] WARN: invoice %s not updated after stock restore of %d x %s, manual reconciliation required: %v",
				invoice.ID, req.Quantity, req.ProductID, err)
		}
		return nil, fmt.Errorf("invoice update failed: %w", err)
	}

	if err := s.invoices.Invalidate(ctx, invoiceCacheKey(invoice.ID)); err != nil {
		log.Printf("[service] WARN: failed to invalidate cached invoice %s: %v", invoice.ID, err)
	}

	return &domain.ReturnResponse{Invoice: *saved, StockRestored: stockRestored}, nil
}

// UpsertProduct creates a product when the request has no ID and merges the
// non-nil fields into the existing record otherwise. Barcode uniqueness is
// checked against the mirror before the remote write; a product created
// without a barcode gets a generated one.
func (s *Service) UpsertProduct(ctx context.Context, req domain.ProductUpsertRequest) (*domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleManager); err != nil {
		return nil, err
	}

	var product domain.Product
	if req.ID != "" {
		existing, ok := s.mirror.Get(req.ID)
		if !ok {
			remote, err := s.catalog.GetProduct(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			existing = *remote
		}
		product = existing
	} else {
		product = domain.Product{ID: xid.New("prod")}
	}

	if req.Name != nil {
		product.Name = strings.TrimSpace(*req.Name)
	}
	if req.Barcode != nil {
		product.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.PriceCents != nil {
		product.PriceCents = *req.PriceCents
	}
	if req.Stock != nil {
		product.Stock = *req.Stock
	}

	if product.Name == "" {
		return nil, fmt.Errorf("%w: name is required", store.ErrValidation)
	}
	if product.PriceCents < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", store.ErrValidation)
	}
	if product.Stock < 0 {
		return nil, fmt.Errorf("%w: stock must not be negative", store.ErrValidation)
	}

	if req.ID == "" && product.Barcode == "" {
		product.Barcode = xid.Barcode()
	}
	if product.Barcode != "" {
		if other, ok := s.mirror.FindByBarcode(product.Barcode); ok && other.ID != product.ID {
			return nil, fmt.Errorf("%w: barcode %s already used by %q", store.ErrValidation, product.Barcode, other.Name)
		}
	}

	saved, err := s.catalog.CreateOrUpdateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	s.mirror.Put(*saved)
	return saved, nil
}

func normalizeLines(in []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(in))
	index := make(map[string]int, len(in))
	for _, line := range in {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" || line.Quantity < 1 {
			continue
		}
		if i, ok := index[line.ProductID]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, line)
	}
	return out
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authentication required")
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%s role required", strings.Join(roles, " or "))
}

func invoiceCacheKey(id string) string {
	return "invoice:" + id
}
