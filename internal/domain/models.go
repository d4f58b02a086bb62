package domain

import "time"

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Barcode    string `json:"barcode,omitempty"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
	Version    int64  `json:"version"`
}

// ProductUpsertRequest creates a product when ID is empty and merges the
// non-nil fields into the existing record otherwise.
type ProductUpsertRequest struct {
	ID         string  `json:"id,omitempty"`
	Name       *string `json:"name,omitempty"`
	Barcode    *string `json:"barcode,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Stock      *int    `json:"stock,omitempty"`
}

// StockPatch is one entry of a batched stock write. Version is the value
// the caller last observed; the write fails when it no longer matches.
type StockPatch struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	Version   int64  `json:"version"`
}

// CartLine carries the name and unit price snapshotted when the line was
// added so a product later removed from the catalog can still be invoiced.
type CartLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
}

type InvoiceLine struct {
	ProductID        string `json:"product_id"`
	Name             string `json:"name"`
	UnitPriceCents   int64  `json:"unit_price_cents"`
	Quantity         int    `json:"quantity"`
	ReturnedQuantity int    `json:"returned_quantity"`
}

type Invoice struct {
	ID         string        `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	TotalCents int64         `json:"total_cents"`
	Lines      []InvoiceLine `json:"lines"`
}

type CheckoutRequest struct {
	TerminalID string     `json:"terminal_id,omitempty"`
	Lines      []CartLine `json:"lines"`
}

type CheckoutResponse struct {
	Invoice Invoice `json:"invoice"`
}

type ReturnRequest struct {
	InvoiceID string `json:"invoice_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Mode      string `json:"mode"`
}

type ReturnResponse struct {
	Invoice       Invoice `json:"invoice"`
	StockRestored bool    `json:"stock_restored"`
}

type CartAddRequest struct {
	ProductID string `json:"product_id"`
}

type CartQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type CartView struct {
	Lines      []CartLine `json:"lines"`
	TotalCents int64      `json:"total_cents"`
}

type ProductListResponse struct {
	Products []Product `json:"products"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
)

const (
	ReturnModeResellable = "resellable"
	ReturnModeDamaged    = "damaged"
)
