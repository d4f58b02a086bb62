package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillpos/backend/internal/domain"
	"tillpos/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, barcode, price_cents, stock, version
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		var barcode sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &barcode, &p.PriceCents, &p.Stock, &p.Version); err != nil {
			return nil, err
		}
		p.Barcode = barcode.String
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	var barcode sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, barcode, price_cents, stock, version
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &barcode, &p.PriceCents, &p.Stock, &p.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.Barcode = barcode.String
	return &p, nil
}

// PatchStock applies the batch in one serializable transaction. A version
// mismatch on any row aborts the whole batch with ErrStockConflict.
func (s *Store) PatchStock(ctx context.Context, patches []domain.StockPatch) ([]domain.Product, error) {
	if len(patches) == 0 {
		return nil, nil
	}
	for _, patch := range patches {
		if patch.ProductID == "" || patch.Stock < 0 {
			return nil, store.ErrValidation
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	updated := make([]domain.Product, 0, len(patches))
	for _, patch := range patches {
		var p domain.Product
		var barcode sql.NullString
		err := tx.QueryRowContext(ctx, `
			UPDATE products
			SET stock = $2, version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $3
			RETURNING id, name, barcode, price_cents, stock, version
		`, patch.ProductID, patch.Stock, patch.Version).
			Scan(&p.ID, &p.Name, &barcode, &p.PriceCents, &p.Stock, &p.Version)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				var exists bool
				if checkErr := tx.QueryRowContext(ctx,
					`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, patch.ProductID).
					Scan(&exists); checkErr != nil {
					return nil, checkErr
				}
				if !exists {
					return nil, store.ErrNotFound
				}
				return nil, store.ErrStockConflict
			}
			return nil, err
		}
		p.Barcode = barcode.String
		updated = append(updated, p)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) CreateOrUpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	var p domain.Product
	var barcode sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, name, barcode, price_cents, stock, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,1,now(),now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    barcode = EXCLUDED.barcode,
		    price_cents = EXCLUDED.price_cents,
		    stock = EXCLUDED.stock,
		    version = products.version + 1,
		    updated_at = now()
		RETURNING id, name, barcode, price_cents, stock, version
	`, product.ID, product.Name, nullIfEmpty(product.Barcode), product.PriceCents, product.Stock).
		Scan(&p.ID, &p.Name, &barcode, &p.PriceCents, &p.Stock, &p.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	p.Barcode = barcode.String
	return &p, nil
}

func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.ID == "" || len(invoice.Lines) == 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, total_cents, created_at)
		VALUES ($1,$2,$3)
	`, invoice.ID, invoice.TotalCents, invoice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	for idx, line := range invoice.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoice_lines (invoice_id, line_no, product_id, name, unit_price_cents, quantity, returned_quantity)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, invoice.ID, idx, line.ProductID, line.Name, line.UnitPriceCents, line.Quantity, line.ReturnedQuantity)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := invoice
	return &created, nil
}

func (s *Store) FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_cents, created_at
		FROM invoices
		WHERE id = $1
	`, id).Scan(&invoice.ID, &invoice.TotalCents, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.CreatedAt = invoice.CreatedAt.UTC()

	lines, err := s.loadInvoiceLines(ctx, id)
	if err != nil {
		return nil, err
	}
	invoice.Lines = lines
	return &invoice, nil
}

// ReplaceInvoiceLines swaps the whole line sequence in one transaction so a
// reader never sees a partially updated invoice.
func (s *Store) ReplaceInvoiceLines(ctx context.Context, id string, lines []domain.InvoiceLine) (*domain.Invoice, error) {
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}
	for _, line := range lines {
		if line.ReturnedQuantity < 0 || line.ReturnedQuantity > line.Quantity {
			return nil, store.ErrValidation
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var invoice domain.Invoice
	err = tx.QueryRowContext(ctx, `
		SELECT id, total_cents, created_at
		FROM invoices
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&invoice.ID, &invoice.TotalCents, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.CreatedAt = invoice.CreatedAt.UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_lines WHERE invoice_id = $1`, id); err != nil {
		return nil, err
	}
	for idx, line := range lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoice_lines (invoice_id, line_no, product_id, name, unit_price_cents, quantity, returned_quantity)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, id, idx, line.ProductID, line.Name, line.UnitPriceCents, line.Quantity, line.ReturnedQuantity)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	invoice.Lines = append([]domain.InvoiceLine(nil), lines...)
	return &invoice, nil
}

func (s *Store) loadInvoiceLines(ctx context.Context, invoiceID string) ([]domain.InvoiceLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, unit_price_cents, quantity, returned_quantity
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_no
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.InvoiceLine, 0, 8)
	for rows.Next() {
		var line domain.InvoiceLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.UnitPriceCents, &line.Quantity, &line.ReturnedQuantity); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
