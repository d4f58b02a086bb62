package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tillpos/backend/internal/cache"
	"tillpos/backend/internal/catalog"
	"tillpos/backend/internal/domain"
	"tillpos/backend/internal/store"
	"tillpos/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	mem := memory.New()
	seedProduct(t, mem, domain.Product{ID: "prod-candle", Name: "Candle", Barcode: "2000000000017", PriceCents: 1000, Stock: 5})
	seedProduct(t, mem, domain.Product{ID: "prod-soap", Name: "Soap Bar", Barcode: "2000000000024", PriceCents: 450, Stock: 10})

	mirror := catalog.NewMirror(mem)
	if err := mirror.Load(context.Background()); err != nil {
		t.Fatalf("mirror load: %v", err)
	}
	return New(mem, mem, mirror, cache.NoopInvoiceCache{}, time.Minute), mem
}

func seedProduct(t *testing.T, mem *memory.Store, p domain.Product) {
	t.Helper()
	if _, err := mem.CreateOrUpdateProduct(context.Background(), p); err != nil {
		t.Fatalf("seed product %s: %v", p.ID, err)
	}
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "inventory", Role: domain.RoleManager})
}

func TestCheckoutDecrementsStockAndComputesTotal(t *testing.T) {
	svc, mem := newTestService(t)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if invoice.TotalCents != 4000 {
		t.Fatalf("expected total 4000, got %d", invoice.TotalCents)
	}
	if len(invoice.Lines) != 1 || invoice.Lines[0].Quantity != 4 {
		t.Fatalf("unexpected invoice lines: %+v", invoice.Lines)
	}
	if invoice.Lines[0].ReturnedQuantity != 0 {
		t.Fatalf("expected fresh invoice line with zero returned quantity")
	}

	product, err := mem.GetProduct(context.Background(), "prod-candle")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 1 {
		t.Fatalf("expected stock 1 after checkout, got %d", product.Stock)
	}
}

func TestCheckoutRejectsQuantityBeyondStock(t *testing.T) {
	svc, mem := newTestService(t)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 6}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	product, _ := mem.GetProduct(context.Background(), "prod-candle")
	if product.Stock != 5 {
		t.Fatalf("expected stock untouched at 5, got %d", product.Stock)
	}
}

func TestCheckoutMergesDuplicateLines(t *testing.T) {
	svc, _ := newTestService(t)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prod-soap", Quantity: 2},
			{ProductID: "prod-soap", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(invoice.Lines) != 1 || invoice.Lines[0].Quantity != 5 {
		t.Fatalf("expected one merged line with quantity 5, got %+v", invoice.Lines)
	}
}

func TestCheckoutRequiresActor(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Checkout(context.Background(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 1}},
	})
	if err == nil {
		t.Fatalf("expected checkout without actor to fail")
	}
}

func TestCheckoutEmptyCartRejected(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheckoutInvoicesVanishedProductWithoutStockPatch(t *testing.T) {
	svc, _ := newTestService(t)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prod-candle", Quantity: 1},
			{ProductID: "prod-gone", Name: "Discontinued Mug", UnitPriceCents: 700, Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if invoice.TotalCents != 1000+1400 {
		t.Fatalf("expected total 2400 including snapshot line, got %d", invoice.TotalCents)
	}
	if len(invoice.Lines) != 2 {
		t.Fatalf("expected both lines invoiced, got %d", len(invoice.Lines))
	}
}

func TestCheckoutRejectsNegativePriceSnapshotLine(t *testing.T) {
	svc, mem := newTestService(t)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prod-ghost", Name: "Ghost", UnitPriceCents: -5000, Quantity: 3},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for negative snapshot price, got %v", err)
	}

	// Nothing may reach the ledger.
	if got := mem.InvoiceCount(); got != 0 {
		t.Fatalf("expected no invoices persisted, got %d", got)
	}
}

func TestFindInvoiceRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-soap", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		found, err := svc.FindInvoice(cashierCtx(), created.ID)
		if err != nil {
			t.Fatalf("lookup %d failed: %v", i, err)
		}
		if found.ID != created.ID || found.TotalCents != created.TotalCents {
			t.Fatalf("lookup %d mismatch: got %+v want %+v", i, found, created)
		}
		if len(found.Lines) != len(created.Lines) {
			t.Fatalf("lookup %d line count mismatch", i)
		}
	}
}

func TestFindInvoiceUnknownIDIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.FindInvoice(cashierCtx(), "inv-does-not-exist")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResellableReturnRestoresStockAndCapsRemaining(t *testing.T) {
	svc, mem := newTestService(t)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	resp, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID,
		ProductID: "prod-candle",
		Quantity:  2,
		Mode:      domain.ReturnModeResellable,
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if !resp.StockRestored {
		t.Fatalf("expected stock restored flag")
	}
	if resp.Invoice.Lines[0].ReturnedQuantity != 2 {
		t.Fatalf("expected returned quantity 2, got %d", resp.Invoice.Lines[0].ReturnedQuantity)
	}
	if resp.Invoice.TotalCents != invoice.TotalCents {
		t.Fatalf("invoice total must not change on return")
	}

	product, _ := mem.GetProduct(context.Background(), "prod-candle")
	if product.Stock != 4 {
		t.Fatalf("expected stock 4 after restore (5-3+2), got %d", product.Stock)
	}

	// Only one unit remains returnable.
	_, err = svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID,
		ProductID: "prod-candle",
		Quantity:  2,
		Mode:      domain.ReturnModeResellable,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected over-return to be rejected, got %v", err)
	}

	resp2, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID,
		ProductID: "prod-candle",
		Quantity:  1,
		Mode:      domain.ReturnModeResellable,
	})
	if err != nil {
		t.Fatalf("final unit return failed: %v", err)
	}
	if resp2.Invoice.Lines[0].ReturnedQuantity != 3 {
		t.Fatalf("expected returned quantity 3, got %d", resp2.Invoice.Lines[0].ReturnedQuantity)
	}
}

func TestDamagedReturnLeavesStockAlone(t *testing.T) {
	svc, mem := newTestService(t)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-soap", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	resp, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID,
		ProductID: "prod-soap",
		Quantity:  1,
		Mode:      domain.ReturnModeDamaged,
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if resp.StockRestored {
		t.Fatalf("damaged return must not restore stock")
	}
	if resp.Invoice.Lines[0].ReturnedQuantity != 1 {
		t.Fatalf("expected returned quantity 1, got %d", resp.Invoice.Lines[0].ReturnedQuantity)
	}

	product, _ := mem.GetProduct(context.Background(), "prod-soap")
	if product.Stock != 8 {
		t.Fatalf("expected stock 8 after checkout only, got %d", product.Stock)
	}
}

func TestReturnValidationPrecedesSideEffects(t *testing.T) {
	svc, mem := newTestService(t)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	cases := []domain.ReturnRequest{
		{InvoiceID: invoice.ID, ProductID: "prod-candle", Quantity: 0, Mode: domain.ReturnModeResellable},
		{InvoiceID: invoice.ID, ProductID: "prod-candle", Quantity: -1, Mode: domain.ReturnModeDamaged},
		{InvoiceID: invoice.ID, ProductID: "prod-candle", Quantity: 1, Mode: "refurbish"},
		{InvoiceID: invoice.ID, ProductID: "prod-candle", Quantity: 3, Mode: domain.ReturnModeResellable},
	}
	for i, req := range cases {
		if _, err := svc.ProcessReturn(cashierCtx(), req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}

	_, err = svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID, ProductID: "prod-soap", Quantity: 1, Mode: domain.ReturnModeResellable,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for product absent from invoice, got %v", err)
	}

	product, _ := mem.GetProduct(context.Background(), "prod-candle")
	if product.Stock != 3 {
		t.Fatalf("rejected returns must not touch stock, got %d", product.Stock)
	}
	stored, _ := mem.FindInvoiceByID(context.Background(), invoice.ID)
	if stored.Lines[0].ReturnedQuantity != 0 {
		t.Fatalf("rejected returns must not touch bookkeeping, got %d", stored.Lines[0].ReturnedQuantity)
	}
}

// failingCatalog wraps the memory store and fails PatchStock on demand.
type failingCatalog struct {
	*memory.Store
	failPatch bool
}

func (f *failingCatalog) PatchStock(ctx context.Context, patches []domain.StockPatch) ([]domain.Product, error) {
	if f.failPatch {
		return nil, errors.New("catalog endpoint unreachable")
	}
	return f.Store.PatchStock(ctx, patches)
}

// failingLedger wraps the memory store and fails writes on demand.
type failingLedger struct {
	*memory.Store
	failCreate  bool
	failReplace bool
}

func (f *failingLedger) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if f.failCreate {
		return nil, errors.New("ledger endpoint unreachable")
	}
	return f.Store.CreateInvoice(ctx, invoice)
}

func (f *failingLedger) ReplaceInvoiceLines(ctx context.Context, id string, lines []domain.InvoiceLine) (*domain.Invoice, error) {
	if f.failReplace {
		return nil, errors.New("ledger endpoint unreachable")
	}
	return f.Store.ReplaceInvoiceLines(ctx, id, lines)
}

func TestCheckoutFailedStockPatchAbortsBeforeInvoice(t *testing.T) {
	mem := memory.New()
	seedProduct(t, mem, domain.Product{ID: "prod-candle", Name: "Candle", PriceCents: 1000, Stock: 5})

	catalogStore := &failingCatalog{Store: mem, failPatch: true}
	mirror := catalog.NewMirror(catalogStore)
	if err := mirror.Load(context.Background()); err != nil {
		t.Fatalf("mirror load: %v", err)
	}
	ledger := &failingLedger{Store: mem}
	svc := New(catalogStore, ledger, mirror, cache.NoopInvoiceCache{}, time.Minute)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 2}},
	})
	if err == nil {
		t.Fatalf("expected checkout to fail, got invoice %+v", invoice)
	}
	if !strings.Contains(err.Error(), "stock update failed") {
		t.Fatalf("expected stock update failure, got %v", err)
	}

	product, _ := mem.GetProduct(context.Background(), "prod-candle")
	if product.Stock != 5 {
		t.Fatalf("stock must be untouched after failed patch, got %d", product.Stock)
	}
	if cached, ok := mirror.Get("prod-candle"); !ok || cached.Stock != 5 {
		t.Fatalf("mirror must still show stock 5, got %+v", cached)
	}
}

func TestCheckoutInvoiceFailureAfterStockPatchSurfaces(t *testing.T) {
	mem := memory.New()
	seedProduct(t, mem, domain.Product{ID: "prod-candle", Name: "Candle", PriceCents: 1000, Stock: 5})

	mirror := catalog.NewMirror(mem)
	if err := mirror.Load(context.Background()); err != nil {
		t.Fatalf("mirror load: %v", err)
	}
	ledger := &failingLedger{Store: mem, failCreate: true}
	svc := New(mem, ledger, mirror, cache.NoopInvoiceCache{}, time.Minute)

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 2}},
	})
	if err == nil || !strings.Contains(err.Error(), "invoice creation failed") {
		t.Fatalf("expected invoice creation failure, got %v", err)
	}

	// Stock stays decremented; the gap is reconciled manually, never
	// compensated automatically.
	product, _ := mem.GetProduct(context.Background(), "prod-candle")
	if product.Stock != 3 {
		t.Fatalf("expected stock 3 after committed patch, got %d", product.Stock)
	}
}

func TestReturnFailedStockRestoreBlocksInvoiceUpdate(t *testing.T) {
	mem := memory.New()
	seedProduct(t, mem, domain.Product{ID: "prod-candle", Name: "Candle", PriceCents: 1000, Stock: 5})

	catalogStore := &failingCatalog{Store: mem}
	mirror := catalog.NewMirror(catalogStore)
	if err := mirror.Load(context.Background()); err != nil {
		t.Fatalf("mirror load: %v", err)
	}
	svc := New(catalogStore, mem, mirror, cache.NoopInvoiceCache{}, time.Minute)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	catalogStore.failPatch = true
	_, err = svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID,
		ProductID: "prod-candle",
		Quantity:  1,
		Mode:      domain.ReturnModeResellable,
	})
	if err == nil || !strings.Contains(err.Error(), "stock restore failed") {
		t.Fatalf("expected stock restore failure, got %v", err)
	}

	stored, _ := mem.FindInvoiceByID(context.Background(), invoice.ID)
	if stored.Lines[0].ReturnedQuantity != 0 {
		t.Fatalf("invoice must stay untouched after failed stock restore, got %d", stored.Lines[0].ReturnedQuantity)
	}
}

func TestReturnInvoiceUpdateFailureAfterStockRestoreSurfaces(t *testing.T) {
	mem := memory.New()
	seedProduct(t, mem, domain.Product{ID: "prod-candle", Name: "Candle", PriceCents: 1000, Stock: 5})

	mirror := catalog.NewMirror(mem)
	if err := mirror.Load(context.Background()); err != nil {
		t.Fatalf("mirror load: %v", err)
	}
	ledger := &failingLedger{Store: mem}
	svc := New(mem, ledger, mirror, cache.NoopInvoiceCache{}, time.Minute)

	invoice, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prod-candle", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	ledger.failReplace = true
	_, err = svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID,
		ProductID: "prod-candle",
		Quantity:  2,
		Mode:      domain.ReturnModeResellable,
	})
	if err == nil || !strings.Contains(err.Error(), "invoice update failed") {
		t.Fatalf("expected invoice update failure, got %v", err)
	}

	// Stock restore already committed.
	product, _ := mem.GetProduct(context.Background(), "prod-candle")
	if product.Stock != 4 {
		t.Fatalf("expected stock 4 after restore, got %d", product.Stock)
	}
}

func TestUpsertProductCreatesWithGeneratedBarcode(t *testing.T) {
	svc, _ := newTestService(t)

	name := "Beeswax Candle"
	price := int64(1500)
	stock := 9
	product, err := svc.UpsertProduct(managerCtx(), domain.ProductUpsertRequest{
		Name:       &name,
		PriceCents: &price,
		Stock:      &stock,
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if product.ID == "" {
		t.Fatalf("expected assigned product id")
	}
	if len(product.Barcode) != 13 {
		t.Fatalf("expected generated 13-digit barcode, got %q", product.Barcode)
	}

	listed, err := svc.ListProducts(managerCtx())
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	found := false
	for _, p := range listed {
		if p.ID == product.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("created product missing from catalog listing")
	}
}

func TestUpsertProductRejectsDuplicateBarcode(t *testing.T) {
	svc, _ := newTestService(t)

	name := "Knockoff Candle"
	barcode := "2000000000017"
	_, err := svc.UpsertProduct(managerCtx(), domain.ProductUpsertRequest{
		Name:    &name,
		Barcode: &barcode,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Candle") {
		t.Fatalf("rejection should name the conflicting product, got %v", err)
	}
}

func TestUpsertProductMergesPartialUpdate(t *testing.T) {
	svc, mem := newTestService(t)

	price := int64(1250)
	product, err := svc.UpsertProduct(managerCtx(), domain.ProductUpsertRequest{
		ID:         "prod-candle",
		PriceCents: &price,
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if product.Name != "Candle" || product.Barcode != "2000000000017" {
		t.Fatalf("unspecified fields must be preserved, got %+v", product)
	}
	if product.PriceCents != 1250 {
		t.Fatalf("expected price 1250, got %d", product.PriceCents)
	}

	stored, _ := mem.GetProduct(context.Background(), "prod-candle")
	if stored.PriceCents != 1250 {
		t.Fatalf("remote store must carry the new price, got %d", stored.PriceCents)
	}
}

func TestUpsertProductRequiresManagerRole(t *testing.T) {
	svc, _ := newTestService(t)

	name := "Cashier Contraband"
	_, err := svc.UpsertProduct(cashierCtx(), domain.ProductUpsertRequest{Name: &name})
	if err == nil || !strings.Contains(err.Error(), "manager role required") {
		t.Fatalf("expected manager role requirement, got %v", err)
	}
}

func TestUpsertProductValidatesFields(t *testing.T) {
	svc, _ := newTestService(t)

	empty := ""
	badPrice := int64(-5)
	badStock := -1
	name := "Valid Name"

	if _, err := svc.UpsertProduct(managerCtx(), domain.ProductUpsertRequest{Name: &empty}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected empty name rejection, got %v", err)
	}
	if _, err := svc.UpsertProduct(managerCtx(), domain.ProductUpsertRequest{Name: &name, PriceCents: &badPrice}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected negative price rejection, got %v", err)
	}
	if _, err := svc.UpsertProduct(managerCtx(), domain.ProductUpsertRequest{Name: &name, Stock: &badStock}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected negative stock rejection, got %v", err)
	}
}
