package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tillpos/backend/internal/domain"
	"tillpos/backend/internal/store"
)

// Store is the in-memory catalog, ledger and user backend used for dev and
// tests. It stands in for both remote stores behind the same interfaces.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	invoicesByID    map[string]domain.Invoice
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "inventory123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"inventory", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		invoicesByID:    make(map[string]domain.Invoice),
		usersByUsername: seedUsers(),
	}
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prod-espresso", Name: "Espresso Beans 500g", Barcode: "8991002900011", PriceCents: 12900, Stock: 40, Version: 1},
		{ID: "prod-filter", Name: "Paper Filters 100pk", Barcode: "8991002900028", PriceCents: 4500, Stock: 65, Version: 1},
		{ID: "prod-mug", Name: "Ceramic Mug 350ml", Barcode: "8991002900035", PriceCents: 8900, Stock: 24, Version: 1},
		{ID: "prod-grinder", Name: "Hand Grinder", Barcode: "8991002900042", PriceCents: 38500, Stock: 8, Version: 1},
		{ID: "prod-syrup", Name: "Vanilla Syrup 250ml", Barcode: "8991002900059", PriceCents: 7200, Stock: 18, Version: 1},
		{ID: "prod-decaf", Name: "Decaf Blend 250g", Barcode: "8991002900066", PriceCents: 9800, Stock: 12, Version: 1},
	}

	s := New()
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

// PatchStock applies all patches or none. Every patch must name an existing
// product, carry a non-negative stock value, and match the stored version.
func (s *Store) PatchStock(_ context.Context, patches []domain.StockPatch) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, patch := range patches {
		product, exists := s.products[patch.ProductID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if patch.Stock < 0 {
			return nil, store.ErrValidation
		}
		if product.Version != patch.Version {
			return nil, store.ErrStockConflict
		}
	}

	updated := make([]domain.Product, 0, len(patches))
	for _, patch := range patches {
		product := s.products[patch.ProductID]
		product.Stock = patch.Stock
		product.Version++
		s.products[patch.ProductID] = product
		updated = append(updated, product)
	}
	return updated, nil
}

func (s *Store) CreateOrUpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.PriceCents < 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}
	if product.Barcode != "" {
		for _, existing := range s.products {
			if existing.Barcode == product.Barcode && existing.ID != product.ID {
				return nil, store.ErrValidation
			}
		}
	}

	if existing, exists := s.products[product.ID]; exists {
		product.Version = existing.Version + 1
	} else {
		product.Version = 1
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if invoice.ID == "" || len(invoice.Lines) == 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.invoicesByID[invoice.ID]; exists {
		return nil, store.ErrValidation
	}

	invoice.Lines = cloneLines(invoice.Lines)
	s.invoicesByID[invoice.ID] = invoice
	return cloneInvoice(invoice), nil
}

// InvoiceCount reports how many invoices the store holds.
func (s *Store) InvoiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoicesByID)
}

func (s *Store) FindInvoiceByID(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, exists := s.invoicesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(invoice), nil
}

func (s *Store) ReplaceInvoiceLines(_ context.Context, id string, lines []domain.InvoiceLine) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, exists := s.invoicesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}
	for _, line := range lines {
		if line.ReturnedQuantity < 0 || line.ReturnedQuantity > line.Quantity {
			return nil, store.ErrValidation
		}
	}

	invoice.Lines = cloneLines(lines)
	s.invoicesByID[id] = invoice
	return cloneInvoice(invoice), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrValidation
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneInvoice(invoice domain.Invoice) *domain.Invoice {
	copyInvoice := invoice
	copyInvoice.Lines = cloneLines(invoice.Lines)
	return &copyInvoice
}

func cloneLines(lines []domain.InvoiceLine) []domain.InvoiceLine {
	out := make([]domain.InvoiceLine, len(lines))
	copy(out, lines)
	return out
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
