package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
)

const (
	rowColumns = `id, store_id, product_id, COALESCE(variant_id, ''), quantity, min_stock, updated_at`

	saleColumns = `id, organization_id, store_id, seller_id, COALESCE(client_id, ''), payment_method,
		subtotal_cents, interest_rate_bps, interest_cents, surcharge_cents, total_cents, is_ecommerce,
		COALESCE(closure_id, ''), invoice_status, COALESCE(invoice_url, ''), COALESCE(invoice_xml, ''),
		COALESCE(invoice_number, ''), COALESCE(invoice_series, ''), COALESCE(invoice_message, ''), created_at`

	closureColumns = `id, store_id, period_start, period_end, total_cents, sales_count, created_at, created_by`
)

type scanner interface {
	Scan(dest ...any) error
}

// reader implements store.Reader over either the pool or an open transaction.
type reader struct {
	q querier
}

func (r reader) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var org domain.Organization
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, created_at
		FROM organizations
		WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &org, nil
}

func (r reader) GetStore(ctx context.Context, id string) (*domain.Store, error) {
	var st domain.Store
	err := r.q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, created_at
		FROM stores
		WHERE id = $1
	`, id).Scan(&st.ID, &st.OrganizationID, &st.Name, &st.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

func (r reader) ListStores(ctx context.Context, organizationID string) ([]domain.Store, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, organization_id, name, created_at
		FROM stores
		WHERE organization_id = $1
		ORDER BY created_at, id
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Store, 0, 4)
	for rows.Next() {
		var st domain.Store
		if err := rows.Scan(&st.ID, &st.OrganizationID, &st.Name, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r reader) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	var cost sql.NullInt64
	err := r.q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, COALESCE(sku, ''), price_cents, cost_price_cents, status,
			COALESCE(ncm, ''), COALESCE(origin, ''), COALESCE(cfop, ''), COALESCE(cest, ''), created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.SKU, &p.PriceCents, &cost, &p.Status,
		&p.Fiscal.NCM, &p.Fiscal.Origin, &p.Fiscal.CFOP, &p.Fiscal.CEST, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if cost.Valid {
		p.CostPriceCents = &cost.Int64
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(color, ''), COALESCE(size, ''), COALESCE(sku, '')
		FROM product_variants
		WHERE product_id = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Color, &v.Size, &v.SKU); err != nil {
			return nil, err
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r reader) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	err := r.q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, COALESCE(document, ''), COALESCE(phone, '')
		FROM clients
		WHERE id = $1
	`, id).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Document, &c.Phone)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r reader) GetMember(ctx context.Context, id string) (*domain.Member, error) {
	var m domain.Member
	err := r.q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, COALESCE(email, ''), role
		FROM members
		WHERE id = $1
	`, id).Scan(&m.ID, &m.OrganizationID, &m.Name, &m.Email, &m.Role)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r reader) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(r.q.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, notFound(err)
	}
	sales := []domain.Sale{sale}
	if err := attachItems(ctx, r.q, sales); err != nil {
		return nil, err
	}
	return &sales[0], nil
}

func (r reader) FindClosureByID(ctx context.Context, id string) (*domain.CashClosure, error) {
	return findClosure(ctx, r.q, `
		SELECT `+closureColumns+`
		FROM cash_closures
		WHERE id = $1
	`, id)
}

func (r reader) FindClosureByPeriod(ctx context.Context, storeID string, periodStart time.Time) (*domain.CashClosure, error) {
	return findClosure(ctx, r.q, `
		SELECT `+closureColumns+`
		FROM cash_closures
		WHERE store_id = $1 AND period_start = $2
	`, storeID, periodStart)
}

func findClosure(ctx context.Context, q querier, query string, args ...any) (*domain.CashClosure, error) {
	var c domain.CashClosure
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.StoreID, &c.PeriodStart, &c.PeriodEnd, &c.TotalCents, &c.SalesCount, &c.CreatedAt, &c.CreatedBy)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func querySales(ctx context.Context, q querier, query string, args ...any) ([]domain.Sale, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, rows.Err()
}

func attachItems(ctx context.Context, q querier, sales []domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sales))
	index := make(map[string]int, len(sales))
	for i, sale := range sales {
		ids = append(ids, sale.ID)
		index[sale.ID] = i
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, position, product_id, COALESCE(variant_id, ''), quantity, unit_price_cents, line_total_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.Position, &item.ProductID, &item.VariantID,
			&item.Quantity, &item.UnitPriceCents, &item.LineTotalCents); err != nil {
			return err
		}
		i := index[item.SaleID]
		sales[i].Items = append(sales[i].Items, item)
	}
	return rows.Err()
}

func scanSale(row scanner) (domain.Sale, error) {
	var s domain.Sale
	err := row.Scan(&s.ID, &s.OrganizationID, &s.StoreID, &s.SellerID, &s.ClientID, &s.PaymentMethod,
		&s.SubtotalCents, &s.InterestRateBps, &s.InterestCents, &s.SurchargeCents, &s.TotalCents, &s.IsEcommerce,
		&s.ClosureID, &s.Invoice.Status, &s.Invoice.URL, &s.Invoice.XML,
		&s.Invoice.Number, &s.Invoice.Series, &s.Invoice.Message, &s.CreatedAt)
	return s, err
}

func scanRow(row scanner) (domain.InventoryRow, error) {
	var r domain.InventoryRow
	err := row.Scan(&r.ID, &r.StoreID, &r.ProductID, &r.VariantID, &r.Quantity, &r.MinStock, &r.UpdatedAt)
	return r, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
