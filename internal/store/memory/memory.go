package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/xid"
)

type Store struct {
	mu            sync.RWMutex
	organizations map[string]domain.Organization
	stores        map[string]domain.Store
	products      map[string]domain.Product
	clients       map[string]domain.Client
	members       map[string]domain.Member
	rows          map[domain.StockKey]domain.InventoryRow
	rowKeyByID    map[string]domain.StockKey
	sales         map[string]domain.Sale
	saleOrder     []string
	closures      map[string]domain.CashClosure
	movements     []domain.StockMovement
}

func New() *Store {
	return &Store{
		organizations: make(map[string]domain.Organization),
		stores:        make(map[string]domain.Store),
		products:      make(map[string]domain.Product),
		clients:       make(map[string]domain.Client),
		members:       make(map[string]domain.Member),
		rows:          make(map[domain.StockKey]domain.InventoryRow),
		rowKeyByID:    make(map[string]domain.StockKey),
		sales:         make(map[string]domain.Sale),
		closures:      make(map[string]domain.CashClosure),
	}
}

// NewSeeded returns a store with one demo organization for local runs.
func NewSeeded() *Store {
	s := New()
	base := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	s.PutOrganization(domain.Organization{ID: "org-vestra", Name: "Vestra Modas", CreatedAt: base})
	s.PutStore(domain.Store{ID: "store-matriz", OrganizationID: "org-vestra", Name: "Matriz", CreatedAt: base})
	s.PutStore(domain.Store{ID: "store-centro", OrganizationID: "org-vestra", Name: "Filial Centro", CreatedAt: base.Add(time.Hour)})
	s.PutMember(domain.Member{ID: "user-ana", OrganizationID: "org-vestra", Name: "Ana Souza", Email: "ana@vestra.local", Role: domain.RoleOwner})
	s.PutMember(domain.Member{ID: "user-bruno", OrganizationID: "org-vestra", Name: "Bruno Lima", Email: "bruno@vestra.local", Role: domain.RoleSeller})
	s.PutClient(domain.Client{ID: "client-carla", OrganizationID: "org-vestra", Name: "Carla Mendes", Document: "123.456.789-09"})

	s.PutProduct(domain.Product{
		ID: "prod-camiseta", OrganizationID: "org-vestra", Name: "Camiseta Básica", SKU: "CAM-BAS",
		PriceCents: 4990, Status: domain.ProductStatusActive,
		Fiscal: domain.FiscalInfo{NCM: "61091000", Origin: "0", CFOP: "5102"}, CreatedAt: base,
	})
	s.PutProduct(domain.Product{
		ID: "prod-bone", OrganizationID: "org-vestra", Name: "Boné Aba Curva", SKU: "BON-ABA",
		PriceCents: 3990, Status: domain.ProductStatusActive, CreatedAt: base,
	})
	s.PutProduct(domain.Product{
		ID: "prod-calca", OrganizationID: "org-vestra", Name: "Calça Jeans", SKU: "CAL-JEA",
		PriceCents: 12990, Status: domain.ProductStatusActive,
		Fiscal: domain.FiscalInfo{NCM: "62034200", Origin: "0", CFOP: "5102"}, CreatedAt: base,
		Variants: []domain.Variant{
			{ID: "var-calca-azul-38", ProductID: "prod-calca", Color: "Azul", Size: "38", SKU: "CAL-JEA-AZ-38"},
			{ID: "var-calca-azul-40", ProductID: "prod-calca", Color: "Azul", Size: "40", SKU: "CAL-JEA-AZ-40"},
			{ID: "var-calca-preta-40", ProductID: "prod-calca", Color: "Preta", Size: "40", SKU: "CAL-JEA-PR-40"},
		},
	})

	s.SetStock(domain.StockKey{StoreID: "store-matriz", ProductID: "prod-camiseta"}, 20, domain.DefaultMinStock)
	s.SetStock(domain.StockKey{StoreID: "store-matriz", ProductID: "prod-bone"}, 8, domain.DefaultMinStock)
	s.SetStock(domain.StockKey{StoreID: "store-centro", ProductID: "prod-camiseta"}, 5, domain.DefaultMinStock)
	s.SetStock(domain.StockKey{StoreID: "store-matriz", ProductID: "prod-calca", VariantID: "var-calca-azul-38"}, 6, 2)
	s.SetStock(domain.StockKey{StoreID: "store-matriz", ProductID: "prod-calca", VariantID: "var-calca-azul-40"}, 4, 2)
	s.SetStock(domain.StockKey{StoreID: "store-matriz", ProductID: "prod-calca", VariantID: "var-calca-preta-40"}, 3, 2)
	s.SetStock(domain.StockKey{StoreID: "store-centro", ProductID: "prod-calca", VariantID: "var-calca-azul-40"}, 2, 2)
	return s
}

func (s *Store) PutOrganization(org domain.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organizations[org.ID] = org
}

func (s *Store) PutStore(st domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = cloneProduct(product)
}

func (s *Store) PutClient(client domain.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
}

func (s *Store) PutMember(member domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[member.ID] = member
}

// SetStock overwrites a ledger row, creating it when absent.
func (s *Store) SetStock(key domain.StockKey, quantity int, minStock int) domain.InventoryRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		row = domain.InventoryRow{
			ID:        xid.New("inv"),
			StoreID:   key.StoreID,
			ProductID: key.ProductID,
			VariantID: key.VariantID,
		}
		s.rowKeyByID[row.ID] = key
	}
	row.Quantity = quantity
	row.MinStock = minStock
	row.UpdatedAt = time.Now().UTC()
	s.rows[key] = row
	return row
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	tx := &memTx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
		s.mu.Unlock()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrganization(id)
}

func (s *Store) GetStore(_ context.Context, id string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStore(id)
}

func (s *Store) ListStores(_ context.Context, organizationID string) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listStores(organizationID), nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProduct(id)
}

func (s *Store) GetClient(_ context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getClient(id)
}

func (s *Store) GetMember(_ context.Context, id string) (*domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMember(id)
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findSale(id)
}

func (s *Store) FindClosureByID(_ context.Context, id string) (*domain.CashClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findClosure(id)
}

func (s *Store) FindClosureByPeriod(_ context.Context, storeID string, periodStart time.Time) (*domain.CashClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findClosureByPeriod(storeID, periodStart)
}

func (s *Store) ListInventoryRows(_ context.Context, storeID string, productID string) ([]domain.InventoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.InventoryRow, 0, 16)
	for _, row := range s.rows {
		if storeID != "" && row.StoreID != storeID {
			continue
		}
		if productID != "" && row.ProductID != productID {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key().String() < rows[j].Key().String()
	})
	return rows, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0; i-- {
		if s.movements[i].ProductID != productID {
			continue
		}
		out = append(out, s.movements[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListSalesByStore(_ context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSales(func(sale domain.Sale) bool {
		return sale.StoreID == storeID && !sale.CreatedAt.Before(from) && sale.CreatedAt.Before(to)
	}), nil
}

func (s *Store) ListSalesByClosure(_ context.Context, closureID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSales(func(sale domain.Sale) bool {
		return sale.ClosureID == closureID
	}), nil
}

func (s *Store) UpdateSaleInvoice(_ context.Context, saleID string, invoice domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.Invoice = invoice
	s.sales[saleID] = sale
	return nil
}

func (s *Store) getOrganization(id string) (*domain.Organization, error) {
	org, ok := s.organizations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &org, nil
}

func (s *Store) getStore(id string) (*domain.Store, error) {
	st, ok := s.stores[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) listStores(organizationID string) []domain.Store {
	out := make([]domain.Store, 0, 4)
	for _, st := range s.stores {
		if st.OrganizationID == organizationID {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b domain.Store) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) getProduct(id string) (*domain.Product, error) {
	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneProduct(product)
	return &cloned, nil
}

func (s *Store) getClient(id string) (*domain.Client, error) {
	client, ok := s.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &client, nil
}

func (s *Store) getMember(id string) (*domain.Member, error) {
	member, ok := s.members[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &member, nil
}

func (s *Store) findSale(id string) (*domain.Sale, error) {
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneSale(sale)
	return &cloned, nil
}

func (s *Store) findClosure(id string) (*domain.CashClosure, error) {
	closure, ok := s.closures[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &closure, nil
}

func (s *Store) findClosureByPeriod(storeID string, periodStart time.Time) (*domain.CashClosure, error) {
	for _, closure := range s.closures {
		if closure.StoreID == storeID && closure.PeriodStart.Equal(periodStart) {
			found := closure
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) filterSales(match func(domain.Sale) bool) []domain.Sale {
	out := make([]domain.Sale, 0, 16)
	for _, id := range s.saleOrder {
		sale := s.sales[id]
		if match(sale) {
			out = append(out, cloneSale(sale))
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Sale) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// memTx mutates the store directly while holding its write lock and keeps
// an undo log that is replayed in reverse on rollback.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	return t.s.getOrganization(id)
}

func (t *memTx) GetStore(_ context.Context, id string) (*domain.Store, error) {
	return t.s.getStore(id)
}

func (t *memTx) ListStores(_ context.Context, organizationID string) ([]domain.Store, error) {
	return t.s.listStores(organizationID), nil
}

func (t *memTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return t.s.getProduct(id)
}

func (t *memTx) GetClient(_ context.Context, id string) (*domain.Client, error) {
	return t.s.getClient(id)
}

func (t *memTx) GetMember(_ context.Context, id string) (*domain.Member, error) {
	return t.s.getMember(id)
}

func (t *memTx) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	return t.s.findSale(id)
}

func (t *memTx) FindClosureByID(_ context.Context, id string) (*domain.CashClosure, error) {
	return t.s.findClosure(id)
}

func (t *memTx) FindClosureByPeriod(_ context.Context, storeID string, periodStart time.Time) (*domain.CashClosure, error) {
	return t.s.findClosureByPeriod(storeID, periodStart)
}

func (t *memTx) GetRow(_ context.Context, key domain.StockKey) (*domain.InventoryRow, error) {
	row, ok := t.s.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (t *memTx) LockRows(_ context.Context, keys []domain.StockKey) (map[domain.StockKey]domain.InventoryRow, error) {
	out := make(map[domain.StockKey]domain.InventoryRow, len(keys))
	for _, key := range keys {
		if row, ok := t.s.rows[key]; ok {
			out[key] = row
		}
	}
	return out, nil
}

func (t *memTx) UpsertAdd(_ context.Context, key domain.StockKey, delta int, minStock int) (*domain.InventoryRow, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("%w: upsert delta must be positive, got %d", store.ErrValidation, delta)
	}

	now := time.Now().UTC()
	if prev, ok := t.s.rows[key]; ok {
		row := prev
		row.Quantity += delta
		row.UpdatedAt = now
		t.s.rows[key] = row
		t.undo = append(t.undo, func() { t.s.rows[key] = prev })
		return &row, nil
	}

	row := domain.InventoryRow{
		ID:        xid.New("inv"),
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		VariantID: key.VariantID,
		Quantity:  delta,
		MinStock:  minStock,
		UpdatedAt: now,
	}
	t.s.rows[key] = row
	t.s.rowKeyByID[row.ID] = key
	t.undo = append(t.undo, func() {
		delete(t.s.rows, key)
		delete(t.s.rowKeyByID, row.ID)
	})
	return &row, nil
}

func (t *memTx) Decrement(_ context.Context, rowID string, delta int) (*domain.InventoryRow, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("%w: decrement delta must be positive, got %d", store.ErrValidation, delta)
	}
	key, ok := t.s.rowKeyByID[rowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	prev := t.s.rows[key]
	if prev.Quantity < delta {
		return nil, &store.InsufficientStockError{Key: key, Requested: delta, Available: prev.Quantity}
	}

	row := prev
	row.Quantity -= delta
	row.UpdatedAt = time.Now().UTC()
	t.s.rows[key] = row
	t.undo = append(t.undo, func() { t.s.rows[key] = prev })
	return &row, nil
}

func (t *memTx) InsertMovement(_ context.Context, movement domain.StockMovement) error {
	n := len(t.s.movements)
	t.s.movements = append(t.s.movements, movement)
	t.undo = append(t.undo, func() { t.s.movements = t.s.movements[:n] })
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.s.sales[sale.ID]; exists {
		return fmt.Errorf("%w: sale %s already exists", store.ErrConflict, sale.ID)
	}
	n := len(t.s.saleOrder)
	t.s.sales[sale.ID] = cloneSale(sale)
	t.s.saleOrder = append(t.s.saleOrder, sale.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.sales, sale.ID)
		t.s.saleOrder = t.s.saleOrder[:n]
	})
	return nil
}

func (t *memTx) ListOpenSales(_ context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	return t.s.filterSales(func(sale domain.Sale) bool {
		return sale.StoreID == storeID && sale.ClosureID == "" &&
			!sale.CreatedAt.Before(from) && !sale.CreatedAt.After(to)
	}), nil
}

func (t *memTx) InsertClosure(_ context.Context, closure domain.CashClosure) error {
	if _, err := t.s.findClosureByPeriod(closure.StoreID, closure.PeriodStart); err == nil {
		return fmt.Errorf("%w: closure for store %s already exists", store.ErrConflict, closure.StoreID)
	}
	t.s.closures[closure.ID] = closure
	t.undo = append(t.undo, func() { delete(t.s.closures, closure.ID) })
	return nil
}

func (t *memTx) StampSales(_ context.Context, closureID string, saleIDs []string) (int, error) {
	stamped := 0
	for _, id := range saleIDs {
		sale, ok := t.s.sales[id]
		if !ok || sale.ClosureID != "" {
			continue
		}
		sale.ClosureID = closureID
		t.s.sales[id] = sale
		saleID := id
		t.undo = append(t.undo, func() {
			restored := t.s.sales[saleID]
			restored.ClosureID = ""
			t.s.sales[saleID] = restored
		})
		stamped++
	}
	return stamped, nil
}

func (t *memTx) LockClosure(_ context.Context, id string) (*domain.CashClosure, error) {
	return t.s.findClosure(id)
}

func (t *memTx) ReleaseSales(_ context.Context, closureID string) (int, error) {
	released := 0
	for id, sale := range t.s.sales {
		if sale.ClosureID != closureID {
			continue
		}
		sale.ClosureID = ""
		t.s.sales[id] = sale
		saleID := id
		t.undo = append(t.undo, func() {
			restored := t.s.sales[saleID]
			restored.ClosureID = closureID
			t.s.sales[saleID] = restored
		})
		released++
	}
	return released, nil
}

func (t *memTx) DeleteClosure(_ context.Context, id string) error {
	prev, ok := t.s.closures[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(t.s.closures, id)
	t.undo = append(t.undo, func() { t.s.closures[id] = prev })
	return nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Items = append([]domain.SaleItem(nil), src.Items...)
	return dst
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	dst.Variants = append([]domain.Variant(nil), src.Variants...)
	if src.CostPriceCents != nil {
		cost := *src.CostPriceCents
		dst.CostPriceCents = &cost
	}
	return dst
}
