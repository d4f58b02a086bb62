package store

import (
	"context"
	"errors"

	"tillpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("invalid request")
	ErrStockConflict     = errors.New("stock version conflict")
)

// CatalogStore is the remote product catalog. PatchStock applies a batch of
// version-checked stock writes: every patch's Version must match the stored
// one or the whole batch fails with ErrStockConflict and no change.
type CatalogStore interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	PatchStock(ctx context.Context, patches []domain.StockPatch) ([]domain.Product, error)
	CreateOrUpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// LedgerStore holds committed invoices. ReplaceLines swaps an invoice's
// whole line sequence; TotalCents never changes after creation.
type LedgerStore interface {
	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error)
	ReplaceInvoiceLines(ctx context.Context, id string, lines []domain.InvoiceLine) (*domain.Invoice, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
