package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/xid"
)

// maxTxAttempts bounds retries of serialization failures.
const maxTxAttempts = 3

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	reader
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

	return &Store{reader: reader{q: db}, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn at SERIALIZABLE isolation and retries it when postgres
// aborts the transaction with a serialization failure or deadlock.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) ListInventoryRows(ctx context.Context, storeID string, productID string) ([]domain.InventoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM inventory_rows
		WHERE ($1 = '' OR store_id = $1) AND ($2 = '' OR product_id = $2)
		ORDER BY store_id, product_id, variant_id NULLS FIRST
	`, storeID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.InventoryRow, 0, 32)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, store_id, product_id, COALESCE(variant_id, ''), type,
			quantity, quantity_before, quantity_after, COALESCE(reference_id, ''),
			COALESCE(reason, ''), created_by, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.StoreID, &m.ProductID, &m.VariantID, &m.Type,
			&m.Quantity, &m.QuantityBefore, &m.QuantityAfter, &m.ReferenceID,
			&m.Reason, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListSalesByStore(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	return s.listSales(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id
	`, storeID, from, to)
}

func (s *Store) ListSalesByClosure(ctx context.Context, closureID string) ([]domain.Sale, error) {
	return s.listSales(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE closure_id = $1
		ORDER BY created_at, id
	`, closureID)
}

func (s *Store) UpdateSaleInvoice(ctx context.Context, saleID string, invoice domain.Invoice) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET invoice_status = $2, invoice_url = $3, invoice_xml = $4,
			invoice_number = $5, invoice_series = $6, invoice_message = $7
		WHERE id = $1
	`, saleID, invoice.Status, nullIfEmpty(invoice.URL), nullIfEmpty(invoice.XML),
		nullIfEmpty(invoice.Number), nullIfEmpty(invoice.Series), nullIfEmpty(invoice.Message))
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

func (s *Store) listSales(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	sales, err := querySales(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	if err := attachItems(ctx, s.db, sales); err != nil {
		return nil, err
	}
	return sales, nil
}

type pgTx struct {
	reader
	tx *sql.Tx
}

func (t *pgTx) GetRow(ctx context.Context, key domain.StockKey) (*domain.InventoryRow, error) {
	var row domain.InventoryRow
	var err error
	if key.VariantID == "" {
		row, err = scanRow(t.tx.QueryRowContext(ctx, `
			SELECT `+rowColumns+`
			FROM inventory_rows
			WHERE store_id = $1 AND product_id = $2 AND variant_id IS NULL
			FOR UPDATE
		`, key.StoreID, key.ProductID))
	} else {
		row, err = scanRow(t.tx.QueryRowContext(ctx, `
			SELECT `+rowColumns+`
			FROM inventory_rows
			WHERE store_id = $1 AND product_id = $2 AND variant_id = $3
			FOR UPDATE
		`, key.StoreID, key.ProductID, key.VariantID))
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (t *pgTx) LockRows(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]domain.InventoryRow, error) {
	ordered := append([]domain.StockKey(nil), keys...)
	store.SortKeys(ordered)

	out := make(map[domain.StockKey]domain.InventoryRow, len(ordered))
	for _, key := range ordered {
		row, err := t.GetRow(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock inventory row %s: %w", key, err)
		}
		out[key] = *row
	}
	return out, nil
}

func (t *pgTx) UpsertAdd(ctx context.Context, key domain.StockKey, delta int, minStock int) (*domain.InventoryRow, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("%w: upsert delta must be positive, got %d", store.ErrValidation, delta)
	}

	var row domain.InventoryRow
	var err error
	if key.VariantID == "" {
		row, err = scanRow(t.tx.QueryRowContext(ctx, `
			INSERT INTO inventory_rows (id, store_id, product_id, variant_id, quantity, min_stock, updated_at)
			VALUES ($1, $2, $3, NULL, $4, $5, now())
			ON CONFLICT (store_id, product_id) WHERE variant_id IS NULL
			DO UPDATE SET quantity = inventory_rows.quantity + EXCLUDED.quantity, updated_at = now()
			RETURNING `+rowColumns,
			xid.New("inv"), key.StoreID, key.ProductID, delta, minStock))
	} else {
		row, err = scanRow(t.tx.QueryRowContext(ctx, `
			INSERT INTO inventory_rows (id, store_id, product_id, variant_id, quantity, min_stock, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (store_id, variant_id) WHERE variant_id IS NOT NULL
			DO UPDATE SET quantity = inventory_rows.quantity + EXCLUDED.quantity, updated_at = now()
			RETURNING `+rowColumns,
			xid.New("inv"), key.StoreID, key.ProductID, key.VariantID, delta, minStock))
	}
	if err != nil {
		return nil, fmt.Errorf("upsert inventory row %s: %w", key, err)
	}
	return &row, nil
}

func (t *pgTx) Decrement(ctx context.Context, rowID string, delta int) (*domain.InventoryRow, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("%w: decrement delta must be positive, got %d", store.ErrValidation, delta)
	}

	row, err := scanRow(t.tx.QueryRowContext(ctx, `
		UPDATE inventory_rows
		SET quantity = quantity - $2, updated_at = now()
		WHERE id = $1 AND quantity >= $2
		RETURNING `+rowColumns, rowID, delta))
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decrement inventory row %s: %w", rowID, err)
	}

	current, err := scanRow(t.tx.QueryRowContext(ctx, `
		SELECT `+rowColumns+`
		FROM inventory_rows
		WHERE id = $1
	`, rowID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return nil, &store.InsufficientStockError{Key: current.Key(), Requested: delta, Available: current.Quantity}
}

func (t *pgTx) InsertMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, organization_id, store_id, product_id, variant_id, type,
			quantity, quantity_before, quantity_after, reference_id, reason, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, m.ID, m.OrganizationID, m.StoreID, m.ProductID, nullIfEmpty(m.VariantID), m.Type,
		m.Quantity, m.QuantityBefore, m.QuantityAfter, nullIfEmpty(m.ReferenceID), nullIfEmpty(m.Reason),
		m.CreatedBy, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, organization_id, store_id, seller_id, client_id, payment_method,
			subtotal_cents, interest_rate_bps, interest_cents, surcharge_cents, total_cents,
			is_ecommerce, invoice_status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ID, sale.OrganizationID, sale.StoreID, sale.SellerID, nullIfEmpty(sale.ClientID), sale.PaymentMethod,
		sale.SubtotalCents, sale.InterestRateBps, sale.InterestCents, sale.SurchargeCents, sale.TotalCents,
		sale.IsEcommerce, sale.Invoice.Status, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sale %s already exists", store.ErrConflict, sale.ID)
		}
		return fmt.Errorf("insert sale: %w", err)
	}

	for _, item := range sale.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, position, product_id, variant_id, quantity, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, sale.ID, item.Position, item.ProductID, nullIfEmpty(item.VariantID),
			item.Quantity, item.UnitPriceCents, item.LineTotalCents); err != nil {
			return fmt.Errorf("insert sale item %d: %w", item.Position, err)
		}
	}
	return nil
}

func (t *pgTx) ListOpenSales(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	return querySales(ctx, t.tx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE store_id = $1 AND closure_id IS NULL AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at, id
		FOR UPDATE
	`, storeID, from, to)
}

func (t *pgTx) InsertClosure(ctx context.Context, c domain.CashClosure) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_closures (id, store_id, period_start, period_end, total_cents, sales_count, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.ID, c.StoreID, c.PeriodStart, c.PeriodEnd, c.TotalCents, c.SalesCount, c.CreatedAt, c.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: closure for store %s already exists", store.ErrConflict, c.StoreID)
		}
		return fmt.Errorf("insert cash closure: %w", err)
	}
	return nil
}

func (t *pgTx) StampSales(ctx context.Context, closureID string, saleIDs []string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET closure_id = $1
		WHERE id = ANY($2) AND closure_id IS NULL
	`, closureID, saleIDs)
	if err != nil {
		return 0, fmt.Errorf("stamp sales: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (t *pgTx) LockClosure(ctx context.Context, id string) (*domain.CashClosure, error) {
	return findClosure(ctx, t.tx, `
		SELECT `+closureColumns+`
		FROM cash_closures
		WHERE id = $1
		FOR UPDATE
	`, id)
}

func (t *pgTx) ReleaseSales(ctx context.Context, closureID string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE sales SET closure_id = NULL WHERE closure_id = $1`, closureID)
	if err != nil {
		return 0, fmt.Errorf("release sales: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (t *pgTx) DeleteClosure(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM cash_closures WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cash closure: %w", err)
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

// isRetryable reports serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
