package service

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/cache"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/fiscal"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store/memory"
)

var (
	testZone = time.FixedZone("BRT", -3*60*60)
	testNow  = time.Date(2024, 5, 10, 15, 0, 0, 0, testZone)
)

type stubEmitter struct {
	invoice domain.Invoice
	err     error
	calls   int
}

func (e *stubEmitter) Emit(_ context.Context, _ domain.Sale) (domain.Invoice, error) {
	e.calls++
	return e.invoice, e.err
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.ClosureReport
	hits    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]domain.ClosureReport)}
}

func (c *mapCache) Get(_ context.Context, closureID string) (*domain.ClosureReport, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.entries[closureID]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &report, true, nil
}

func (c *mapCache) Set(_ context.Context, closureID string, value *domain.ClosureReport, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[closureID] = *value
	return nil
}

func (c *mapCache) Delete(_ context.Context, closureID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, closureID)
	return nil
}

var _ cache.ClosureReportCache = (*mapCache)(nil)

func newTestService(t *testing.T, opts Options) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Location == nil {
		opts.Location = testZone
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	return New(repo, opts), repo
}

func sellerCtx() context.Context {
	return WithSession(context.Background(), domain.Session{
		OrganizationID: "org-vestra",
		StoreID:        "store-matriz",
		UserID:         "user-bruno",
		Role:           domain.RoleSeller,
	})
}

func ownerCtx() context.Context {
	return WithSession(context.Background(), domain.Session{
		OrganizationID: "org-vestra",
		StoreID:        "store-matriz",
		UserID:         "user-ana",
		Role:           domain.RoleOwner,
	})
}

func stockOf(t *testing.T, repo *memory.Store, storeID string, productID string, variantID string) int {
	t.Helper()
	rows, err := repo.ListInventoryRows(context.Background(), storeID, productID)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	for _, row := range rows {
		if row.VariantID == variantID {
			return row.Quantity
		}
	}
	return -1
}

func allSales(t *testing.T, repo *memory.Store, storeID string) []domain.Sale {
	t.Helper()
	sales, err := repo.ListSalesByStore(context.Background(), storeID, time.Time{}, testNow.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	return sales
}

func addOtherTenant(repo *memory.Store) {
	repo.PutOrganization(domain.Organization{ID: "org-other", Name: "Outra Loja"})
	repo.PutStore(domain.Store{ID: "store-other", OrganizationID: "org-other", Name: "Outra", CreatedAt: testNow})
	repo.PutClient(domain.Client{ID: "client-other", OrganizationID: "org-other", Name: "Fulano"})
	repo.PutProduct(domain.Product{ID: "prod-other", OrganizationID: "org-other", Name: "Outro", PriceCents: 100})
	repo.SetStock(domain.StockKey{StoreID: "store-other", ProductID: "prod-other"}, 50, 5)
}

func TestCompleteSaleRejectsInsufficientStockAndKeepsLedger(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	repo.SetStock(domain.StockKey{StoreID: "store-matriz", ProductID: "prod-bone"}, 2, 5)

	_, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod: domain.PaymentPix,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-bone", Quantity: 3, UnitPriceCents: 1000}},
	})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Disponível: 2") {
		t.Fatalf("expected message to name available quantity, got %q", err.Error())
	}
	if got := stockOf(t, repo, "store-matriz", "prod-bone", ""); got != 2 {
		t.Fatalf("expected ledger to stay at 2, got %d", got)
	}
	if sales := allSales(t, repo, "store-matriz"); len(sales) != 0 {
		t.Fatalf("expected no sale persisted, got %d", len(sales))
	}
}

func TestCompleteSaleIsAtomicAcrossItems(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	_, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-camiseta", Quantity: 2, UnitPriceCents: 4990},
			{ProductID: "prod-bone", Quantity: 100, UnitPriceCents: 3990},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-camiseta", ""); got != 20 {
		t.Fatalf("expected first item untouched at 20, got %d", got)
	}
	if sales := allSales(t, repo, "store-matriz"); len(sales) != 0 {
		t.Fatalf("expected no sale persisted, got %d", len(sales))
	}
	movements, _ := repo.ListStockMovements(context.Background(), "prod-camiseta", 10)
	if len(movements) != 0 {
		t.Fatalf("expected no movements, got %d", len(movements))
	}
}

func TestCompleteSaleSumsDuplicateRowsBeforeChecking(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	_, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-camiseta", Quantity: 12, UnitPriceCents: 4990},
			{ProductID: "prod-camiseta", Quantity: 10, UnitPriceCents: 4990},
		},
	})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if insufficient.Requested != 22 || insufficient.Available != 20 {
		t.Fatalf("expected summed request 22 vs 20, got %+v", insufficient)
	}

	sale, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-camiseta", Quantity: 12, UnitPriceCents: 4990},
			{ProductID: "prod-camiseta", Quantity: 8, UnitPriceCents: 4490},
		},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if len(sale.Items) != 2 || sale.Items[1].Position != 2 {
		t.Fatalf("expected both cart lines preserved in order, got %+v", sale.Items)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-camiseta", ""); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestCompleteSaleComputesTotalsAndDecrements(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	sale, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod:   domain.PaymentCredit,
		ClientID:        "client-carla",
		InterestRateBps: 350,
		SurchargeCents:  100,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-calca", VariantID: "var-calca-azul-38", Quantity: 2, UnitPriceCents: 12990},
			{ProductID: "prod-camiseta", Quantity: 1, UnitPriceCents: 4990},
		},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	if sale.SubtotalCents != 30970 {
		t.Fatalf("expected subtotal 30970, got %d", sale.SubtotalCents)
	}
	// 30970 * 350 / 10000 = 1083.95
	if sale.InterestCents != 1084 {
		t.Fatalf("expected interest 1084, got %d", sale.InterestCents)
	}
	if sale.TotalCents != 30970+1084+100 {
		t.Fatalf("unexpected total %d", sale.TotalCents)
	}
	if sale.SellerID != "user-bruno" || sale.StoreID != "store-matriz" {
		t.Fatalf("expected session defaults on sale, got seller=%s store=%s", sale.SellerID, sale.StoreID)
	}
	if sale.Invoice.Status != domain.InvoiceStatusSkipped {
		t.Fatalf("expected skipped invoice with fiscal disabled, got %s", sale.Invoice.Status)
	}

	if got := stockOf(t, repo, "store-matriz", "prod-calca", "var-calca-azul-38"); got != 4 {
		t.Fatalf("expected variant stock 4, got %d", got)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-camiseta", ""); got != 19 {
		t.Fatalf("expected simple stock 19, got %d", got)
	}

	stored, err := repo.FindSaleByID(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("find sale: %v", err)
	}
	if len(stored.Items) != 2 || stored.Items[0].VariantID != "var-calca-azul-38" {
		t.Fatalf("unexpected stored items %+v", stored.Items)
	}

	movements, _ := repo.ListStockMovements(context.Background(), "prod-calca", 10)
	if len(movements) != 1 || movements[0].Quantity != -2 || movements[0].QuantityBefore != 6 || movements[0].ReferenceID != sale.ID {
		t.Fatalf("unexpected movements %+v", movements)
	}
}

func TestCompleteSaleValidatesInput(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := sellerCtx()
	item := []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 1, UnitPriceCents: 4990}}

	cases := map[string]domain.SaleRequest{
		"empty cart":       {PaymentMethod: domain.PaymentPix},
		"unknown payment":  {PaymentMethod: "boleto", Items: item},
		"rate above 100%":  {PaymentMethod: domain.PaymentCredit, InterestRateBps: 10001, Items: item},
		"negative rate":    {PaymentMethod: domain.PaymentCredit, InterestRateBps: -1, Items: item},
		"negative charge":  {PaymentMethod: domain.PaymentCash, SurchargeCents: -5, Items: item},
		"zero quantity":    {PaymentMethod: domain.PaymentCash, Items: []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 0}}},
		"variant required": {PaymentMethod: domain.PaymentCash, Items: []domain.SaleItemRequest{{ProductID: "prod-calca", Quantity: 1}}},
		"no variants":      {PaymentMethod: domain.PaymentCash, Items: []domain.SaleItemRequest{{ProductID: "prod-camiseta", VariantID: "var-calca-azul-38", Quantity: 1}}},
	}
	for name, req := range cases {
		if _, err := svc.CompleteSale(ctx, req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestCompleteSaleEnforcesTenancy(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	addOtherTenant(repo)
	ctx := sellerCtx()

	_, err := svc.CompleteSale(ctx, domain.SaleRequest{
		StoreID:       "store-other",
		PaymentMethod: domain.PaymentPix,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-other", Quantity: 1, UnitPriceCents: 100}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign store to be not found, got %v", err)
	}

	_, err = svc.CompleteSale(ctx, domain.SaleRequest{
		PaymentMethod: domain.PaymentPix,
		ClientID:      "client-other",
		Items:         []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 1, UnitPriceCents: 4990}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign client to be not found, got %v", err)
	}

	_, err = svc.CompleteSale(ctx, domain.SaleRequest{
		PaymentMethod: domain.PaymentPix,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-other", Quantity: 1, UnitPriceCents: 100}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign product to be not found, got %v", err)
	}
	if got := stockOf(t, repo, "store-other", "prod-other", ""); got != 50 {
		t.Fatalf("expected foreign stock untouched, got %d", got)
	}

	if _, err := svc.CompleteSale(context.Background(), domain.SaleRequest{}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden without session, got %v", err)
	}
}

func TestCompleteSaleStoresFiscalFailureWithoutUndo(t *testing.T) {
	emitter := &stubEmitter{err: errors.New("sefaz offline")}
	svc, repo := newTestService(t, Options{Fiscal: emitter})

	sale, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod: domain.PaymentDebit,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-bone", Quantity: 1, UnitPriceCents: 3990}},
	})
	if err != nil {
		t.Fatalf("expected sale to succeed despite fiscal failure, got %v", err)
	}
	if emitter.calls != 1 {
		t.Fatalf("expected one fiscal call, got %d", emitter.calls)
	}
	if sale.Invoice.Status != domain.InvoiceStatusError {
		t.Fatalf("expected error invoice status, got %s", sale.Invoice.Status)
	}

	stored, err := repo.FindSaleByID(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("find sale: %v", err)
	}
	if stored.Invoice.Status != domain.InvoiceStatusError {
		t.Fatalf("expected stored error status, got %s", stored.Invoice.Status)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-bone", ""); got != 7 {
		t.Fatalf("expected stock decremented to 7, got %d", got)
	}
}

func TestCompleteSaleStoresAuthorizedInvoice(t *testing.T) {
	emitter := &stubEmitter{invoice: domain.Invoice{Status: domain.InvoiceStatusAuthorized, Number: "991", Series: "1"}}
	svc, repo := newTestService(t, Options{Fiscal: emitter})

	sale, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod: domain.PaymentPix,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-bone", Quantity: 1, UnitPriceCents: 3990}},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	stored, _ := repo.FindSaleByID(context.Background(), sale.ID)
	if stored.Invoice.Number != "991" || stored.Invoice.Status != domain.InvoiceStatusAuthorized {
		t.Fatalf("unexpected stored invoice %+v", stored.Invoice)
	}
}

func TestConcurrentSalesNeverOverdraw(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
				PaymentMethod: domain.PaymentCash,
				Items:         []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 1, UnitPriceCents: 4990}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 20 {
		t.Fatalf("expected exactly 20 sales to succeed, got %d", succeeded)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-camiseta", ""); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestTransferMovesStockAndCreatesDestinationRow(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	repo.SetStock(domain.StockKey{StoreID: "store-matriz", ProductID: "prod-bone"}, 10, 5)

	resp, err := svc.TransferStock(sellerCtx(), domain.TransferRequest{
		ProductID:   "prod-bone",
		FromStoreID: "store-matriz",
		ToStoreID:   "store-centro",
		Quantity:    5,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if resp.Origin.Quantity != 5 || resp.Destination.Quantity != 5 {
		t.Fatalf("unexpected transfer result %+v", resp)
	}
	if resp.Destination.MinStock != domain.DefaultMinStock {
		t.Fatalf("expected default min stock on created row, got %d", resp.Destination.MinStock)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-bone", ""); got != 5 {
		t.Fatalf("expected origin 5, got %d", got)
	}
	if got := stockOf(t, repo, "store-centro", "prod-bone", ""); got != 5 {
		t.Fatalf("expected destination 5, got %d", got)
	}

	movements, _ := repo.ListStockMovements(context.Background(), "prod-bone", 10)
	if len(movements) != 2 || movements[0].ReferenceID != resp.TransferID || movements[1].ReferenceID != resp.TransferID {
		t.Fatalf("expected paired transfer movements, got %+v", movements)
	}
}

func TestTransferVariantConservesTotal(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	_, err := svc.TransferStock(sellerCtx(), domain.TransferRequest{
		ProductID:   "prod-calca",
		VariantID:   "var-calca-azul-40",
		FromStoreID: "store-matriz",
		ToStoreID:   "store-centro",
		Quantity:    3,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	from := stockOf(t, repo, "store-matriz", "prod-calca", "var-calca-azul-40")
	to := stockOf(t, repo, "store-centro", "prod-calca", "var-calca-azul-40")
	if from != 1 || to != 5 || from+to != 6 {
		t.Fatalf("expected 1 and 5, got %d and %d", from, to)
	}
}

func TestTransferRejections(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	addOtherTenant(repo)
	ctx := sellerCtx()

	_, err := svc.TransferStock(ctx, domain.TransferRequest{ProductID: "prod-bone", FromStoreID: "store-matriz", ToStoreID: "store-matriz", Quantity: 1})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for same store, got %v", err)
	}
	_, err = svc.TransferStock(ctx, domain.TransferRequest{ProductID: "prod-bone", FromStoreID: "store-matriz", ToStoreID: "store-centro", Quantity: 0})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation for zero quantity, got %v", err)
	}
	_, err = svc.TransferStock(ctx, domain.TransferRequest{ProductID: "prod-bone", FromStoreID: "store-matriz", ToStoreID: "store-centro", Quantity: 50})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	_, err = svc.TransferStock(ctx, domain.TransferRequest{ProductID: "prod-bone", FromStoreID: "store-centro", ToStoreID: "store-matriz", Quantity: 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected missing origin row, got %v", err)
	}
	_, err = svc.TransferStock(ctx, domain.TransferRequest{ProductID: "prod-bone", FromStoreID: "store-matriz", ToStoreID: "store-other", Quantity: 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign destination to be not found, got %v", err)
	}

	if got := stockOf(t, repo, "store-matriz", "prod-bone", ""); got != 8 {
		t.Fatalf("expected origin untouched at 8, got %d", got)
	}
	if got := stockOf(t, repo, "store-other", "prod-bone", ""); got != -1 {
		t.Fatalf("expected no row in foreign store, got %d", got)
	}
}

func TestExchangeAndReturnMutateLedger(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	ctx := sellerCtx()

	out, err := svc.RegisterExchangeOrReturn(ctx, domain.ExchangeRequest{
		Type:      domain.ExchangeTypeExchange,
		ProductID: "prod-camiseta",
		Quantity:  3,
		Reason:    "troca por tamanho",
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if out.Row.Quantity != 17 || out.Movement.Type != domain.MovementExchangeOut || out.Movement.Quantity != -3 {
		t.Fatalf("unexpected exchange result %+v", out)
	}

	_, err = svc.RegisterExchangeOrReturn(ctx, domain.ExchangeRequest{Type: domain.ExchangeTypeExchange, ProductID: "prod-camiseta", Quantity: 18})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock on exchange, got %v", err)
	}

	back, err := svc.RegisterExchangeOrReturn(ctx, domain.ExchangeRequest{Type: domain.ExchangeTypeReturn, ProductID: "prod-camiseta", Quantity: 3})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if back.Row.Quantity != 20 || back.Movement.Type != domain.MovementReturnIn {
		t.Fatalf("unexpected return result %+v", back)
	}

	created, err := svc.RegisterReturnAddStock(ctx, domain.ReturnRequest{StoreID: "store-centro", ProductID: "prod-bone", Quantity: 2})
	if err != nil {
		t.Fatalf("return into empty store: %v", err)
	}
	if created.Row.Quantity != 2 || created.Row.MinStock != domain.DefaultMinStock {
		t.Fatalf("expected lazily created row, got %+v", created.Row)
	}
	if got := stockOf(t, repo, "store-centro", "prod-bone", ""); got != 2 {
		t.Fatalf("expected 2 in centro, got %d", got)
	}

	if _, err := svc.RegisterExchangeOrReturn(ctx, domain.ExchangeRequest{Type: "gift", ProductID: "prod-bone", Quantity: 1}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation for unknown type, got %v", err)
	}
}

func TestAddIncomingStockAppliesValidSubset(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	addOtherTenant(repo)

	resp, err := svc.AddIncomingStock(sellerCtx(), domain.IncomingStockRequest{
		ProductID: "prod-bone",
		Entries: []domain.IncomingStockEntry{
			{StoreID: "", Quantity: 4},
			{StoreID: "store-centro", Quantity: 0},
			{StoreID: "store-other", Quantity: 3},
			{StoreID: "store-centro", Quantity: 2},
			{StoreID: "store-centro", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if len(resp.Applied) != 2 {
		t.Fatalf("expected two applied rows, got %+v", resp.Applied)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0].StoreID != "store-other" {
		t.Fatalf("expected foreign store skipped, got %+v", resp.Skipped)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-bone", ""); got != 12 {
		t.Fatalf("expected headquarters credited to 12, got %d", got)
	}
	if got := stockOf(t, repo, "store-centro", "prod-bone", ""); got != 3 {
		t.Fatalf("expected centro created with 3, got %d", got)
	}
	if got := stockOf(t, repo, "store-other", "prod-bone", ""); got != -1 {
		t.Fatalf("expected no row in foreign store, got %d", got)
	}
}

var errSerialization = errors.New("could not serialize access")

// replayingRepo rolls back the first run of every transaction and runs it
// again, like the postgres store does after a serialization failure.
type replayingRepo struct {
	*memory.Store
}

func (r replayingRepo) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := r.Store.InTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errSerialization
	})
	if !errors.Is(err, errSerialization) {
		return err
	}
	return r.Store.InTx(ctx, fn)
}

func TestAddIncomingStockReportsOnceWhenTransactionReplays(t *testing.T) {
	repo := memory.NewSeeded()
	addOtherTenant(repo)
	core, logs := observer.New(zapcore.WarnLevel)
	svc := New(replayingRepo{Store: repo}, Options{Logger: zap.New(core), Location: testZone, Now: func() time.Time { return testNow }})

	resp, err := svc.AddIncomingStock(sellerCtx(), domain.IncomingStockRequest{
		ProductID: "prod-bone",
		Entries: []domain.IncomingStockEntry{
			{StoreID: "store-matriz", Quantity: 4},
			{StoreID: "store-other", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if len(resp.Applied) != 1 || resp.Applied[0].Quantity != 12 {
		t.Fatalf("expected one applied row at 12, got %+v", resp.Applied)
	}
	if len(resp.Skipped) != 1 {
		t.Fatalf("expected one skipped entry, got %+v", resp.Skipped)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-bone", ""); got != 12 {
		t.Fatalf("expected a single credit to 12, got %d", got)
	}
	if n := logs.FilterMessage("incoming stock entry skipped").Len(); n != 1 {
		t.Fatalf("expected one skip warning, got %d", n)
	}
}

func TestCompleteSaleRejectsAmountOverflow(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	_, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod: domain.PaymentPix,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 2, UnitPriceCents: math.MaxInt64/2 + 1}},
	})
	if !errors.Is(err, store.ErrValidation) || !strings.Contains(err.Error(), "excede o limite") {
		t.Fatalf("expected amount limit validation error, got %v", err)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-camiseta", ""); got != 20 {
		t.Fatalf("expected ledger untouched at 20, got %d", got)
	}
	if sales := allSales(t, repo, "store-matriz"); len(sales) != 0 {
		t.Fatalf("expected no sale persisted, got %d", len(sales))
	}
}

func TestAddIncomingStockRejectsWhenNothingValid(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	addOtherTenant(repo)

	_, err := svc.AddIncomingStock(sellerCtx(), domain.IncomingStockRequest{
		ProductID: "prod-bone",
		Entries: []domain.IncomingStockEntry{
			{StoreID: "store-matriz", Quantity: -1},
			{StoreID: "store-other", Quantity: 3},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := stockOf(t, repo, "store-matriz", "prod-bone", ""); got != 8 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func completeSimpleSale(t *testing.T, svc *Service, ctx context.Context, priceCents int64, ecommerce bool) domain.Sale {
	t.Helper()
	sale, err := svc.CompleteSale(ctx, domain.SaleRequest{
		PaymentMethod: domain.PaymentCash,
		IsEcommerce:   ecommerce,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 1, UnitPriceCents: priceCents}},
	})
	if err != nil {
		t.Fatalf("complete sale: %v", err)
	}
	return sale
}

func TestCloseDailyCashThenReopen(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	seller := sellerCtx()
	owner := ownerCtx()

	for i := 0; i < 3; i++ {
		completeSimpleSale(t, svc, seller, 5000, false)
	}

	closure, err := svc.CloseDailyCash(seller, "")
	if err != nil {
		t.Fatalf("close cash: %v", err)
	}
	if closure.SalesCount != 3 || closure.TotalCents != 15000 {
		t.Fatalf("expected 3 sales totaling 15000, got %d / %d", closure.SalesCount, closure.TotalCents)
	}
	if !closure.PeriodStart.Equal(time.Date(2024, 5, 10, 0, 0, 0, 0, testZone)) {
		t.Fatalf("expected period to start at local midnight, got %s", closure.PeriodStart)
	}
	for _, sale := range allSales(t, repo, "store-matriz") {
		if sale.ClosureID != closure.ID {
			t.Fatalf("expected sale %s stamped, got %q", sale.ID, sale.ClosureID)
		}
	}

	state, err := svc.GetCashState(seller, "store-matriz")
	if err != nil || state.State != domain.CashStateClosed {
		t.Fatalf("expected closed state, got %+v err=%v", state, err)
	}
	if _, err := svc.CloseDailyCash(seller, "store-matriz"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second close, got %v", err)
	}

	_, err = svc.CompleteSale(seller, domain.SaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 1, UnitPriceCents: 5000}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected closed cash to block counter sales, got %v", err)
	}
	online := completeSimpleSale(t, svc, seller, 7000, true)

	if _, err := svc.ReopenCash(seller, closure.ID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected seller to be forbidden from reopening, got %v", err)
	}
	reopened, err := svc.ReopenCash(owner, closure.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.ReleasedSales != 3 {
		t.Fatalf("expected 3 released sales, got %d", reopened.ReleasedSales)
	}

	var total int64
	for _, sale := range allSales(t, repo, "store-matriz") {
		if sale.ClosureID != "" {
			t.Fatalf("expected sale %s unstamped, got %q", sale.ID, sale.ClosureID)
		}
		if sale.ID != online.ID {
			total += sale.TotalCents
		}
	}
	if total != 15000 {
		t.Fatalf("expected reopened sales to keep totals, got %d", total)
	}
	if _, err := repo.FindClosureByID(context.Background(), closure.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected closure removed, got %v", err)
	}
	if state, _ := svc.GetCashState(seller, "store-matriz"); state.State != domain.CashStateOpen {
		t.Fatalf("expected open state after reopen, got %s", state.State)
	}
}

func TestNextDayClosureLeavesLateOnlineSalesOpen(t *testing.T) {
	clock := testNow
	svc, repo := newTestService(t, Options{Now: func() time.Time { return clock }})
	seller := sellerCtx()

	completeSimpleSale(t, svc, seller, 5000, false)
	if _, err := svc.CloseDailyCash(seller, ""); err != nil {
		t.Fatalf("close today: %v", err)
	}
	clock = testNow.Add(2 * time.Hour)
	late := completeSimpleSale(t, svc, seller, 7000, true)

	clock = testNow.AddDate(0, 0, 1)
	completeSimpleSale(t, svc, seller, 3000, false)
	next, err := svc.CloseDailyCash(seller, "")
	if err != nil {
		t.Fatalf("close next day: %v", err)
	}
	if next.SalesCount != 1 || next.TotalCents != 3000 {
		t.Fatalf("expected only the next day's sale, got %d / %d", next.SalesCount, next.TotalCents)
	}
	for _, sale := range allSales(t, repo, "store-matriz") {
		if sale.ID == late.ID && sale.ClosureID != "" {
			t.Fatalf("expected late online sale to stay open, got closure %q", sale.ClosureID)
		}
	}
}

func TestCloseDailyCashWithoutSalesConflicts(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	_, err := svc.CloseDailyCash(sellerCtx(), "store-centro")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "Nenhuma venda") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCloseDailyCashIgnoresOtherDaysAndStores(t *testing.T) {
	yesterday := testNow.AddDate(0, 0, -1)
	svcYesterday, repo := newTestService(t, Options{Now: func() time.Time { return yesterday }})
	completeSimpleSale(t, svcYesterday, sellerCtx(), 1000, false)

	svc := New(repo, Options{Location: testZone, Now: func() time.Time { return testNow }})
	completeSimpleSale(t, svc, sellerCtx(), 2000, false)
	if _, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		StoreID:       "store-centro",
		PaymentMethod: domain.PaymentPix,
		Items:         []domain.SaleItemRequest{{ProductID: "prod-camiseta", Quantity: 1, UnitPriceCents: 4000}},
	}); err != nil {
		t.Fatalf("centro sale: %v", err)
	}

	closure, err := svc.CloseDailyCash(sellerCtx(), "store-matriz")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closure.SalesCount != 1 || closure.TotalCents != 2000 {
		t.Fatalf("expected only today's matriz sale, got %d / %d", closure.SalesCount, closure.TotalCents)
	}
}

func TestClosureReportProjectsNamesAndUsesCache(t *testing.T) {
	reports := newMapCache()
	svc, repo := newTestService(t, Options{Reports: reports})
	addOtherTenant(repo)
	seller := sellerCtx()

	if _, err := svc.CompleteSale(seller, domain.SaleRequest{
		PaymentMethod: domain.PaymentPix,
		ClientID:      "client-carla",
		Items:         []domain.SaleItemRequest{{ProductID: "prod-calca", VariantID: "var-calca-azul-38", Quantity: 1, UnitPriceCents: 12990}},
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	completeSimpleSale(t, svc, seller, 5000, false)
	completeSimpleSale(t, svc, seller, 5000, false)

	closure, err := svc.CloseDailyCash(ownerCtx(), "store-matriz")
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	report, err := svc.GetCashClosureReport(seller, closure.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.OrganizationName != "Vestra Modas" || report.StoreName != "Matriz" || report.ClosedBy != "Ana Souza" {
		t.Fatalf("unexpected header %+v", report)
	}
	if len(report.Sales) != 3 || report.Sales[0].SellerName != "Bruno Lima" || report.Sales[0].ClientName != "Carla Mendes" {
		t.Fatalf("unexpected sales %+v", report.Sales)
	}
	if report.Sales[0].Items[0].ProductName != "Calça Jeans" || report.Sales[0].Items[0].VariantLabel != "Azul / 38" {
		t.Fatalf("unexpected item projection %+v", report.Sales[0].Items[0])
	}
	if len(report.ByPayment) != 2 || report.ByPayment[0].PaymentMethod != domain.PaymentPix || report.ByPayment[1].TotalCents != 10000 {
		t.Fatalf("unexpected payment summary %+v", report.ByPayment)
	}

	if _, err := svc.GetCashClosureReport(seller, closure.ID); err != nil {
		t.Fatalf("cached report: %v", err)
	}
	if reports.hits != 1 {
		t.Fatalf("expected second read served from cache, got %d hits", reports.hits)
	}

	foreign := WithSession(context.Background(), domain.Session{OrganizationID: "org-other", UserID: "user-x", Role: domain.RoleOwner})
	if _, err := svc.GetCashClosureReport(foreign, closure.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cached report hidden from other tenants, got %v", err)
	}
	if _, err := svc.ReopenCash(foreign, closure.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign reopen to be not found, got %v", err)
	}

	if _, err := svc.ReopenCash(ownerCtx(), closure.ID); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok, _ := reports.Get(context.Background(), closure.ID); ok {
		t.Fatalf("expected reopen to invalidate cached report")
	}
}

func TestGetProductStockReturnsShapeByKind(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := sellerCtx()

	simple, err := svc.GetProductStock(ctx, "prod-camiseta", "")
	if err != nil {
		t.Fatalf("simple stock: %v", err)
	}
	s, ok := simple.(domain.SimpleStock)
	if !ok || s.Row == nil || s.Total() != 20 {
		t.Fatalf("expected simple stock of 20, got %#v", simple)
	}

	variants, err := svc.GetProductStock(ctx, "prod-calca", "store-centro")
	if err != nil {
		t.Fatalf("variant stock: %v", err)
	}
	v, ok := variants.(domain.VariantStock)
	if !ok || len(v.Variants) != 3 {
		t.Fatalf("expected variant stock with 3 entries, got %#v", variants)
	}
	if v.Variants[0].Row != nil || v.Variants[1].Row == nil || v.Total() != 2 {
		t.Fatalf("unexpected variant rows %+v", v.Variants)
	}
}

func TestListStoresAndLowStock(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := sellerCtx()

	stores, err := svc.ListStores(ctx)
	if err != nil {
		t.Fatalf("list stores: %v", err)
	}
	if len(stores) != 2 || !stores[0].Headquarters || stores[1].Headquarters || stores[0].ID != "store-matriz" {
		t.Fatalf("expected matriz flagged as headquarters, got %+v", stores)
	}

	low, err := svc.ListLowStock(ctx, "store-centro")
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(low) != 2 {
		t.Fatalf("expected two low rows in centro, got %+v", low)
	}
}

func TestBuildReceiptEscpos(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	sale, err := svc.CompleteSale(sellerCtx(), domain.SaleRequest{
		PaymentMethod:   domain.PaymentCredit,
		ClientID:        "client-carla",
		InterestRateBps: 200,
		Items:           []domain.SaleItemRequest{{ProductID: "prod-calca", VariantID: "var-calca-preta-40", Quantity: 1, UnitPriceCents: 12990}},
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}

	receipt, err := svc.GetSaleReceipt(sellerCtx(), sale.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.StoreName != "Matriz" || receipt.SellerName != "Bruno Lima" || receipt.Items[0].VariantLabel != "Preta / 40" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	out, err := svc.BuildReceiptEscpos(sellerCtx(), sale.ID)
	if err != nil {
		t.Fatalf("escpos: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(out.EscposBase64)
	if err != nil {
		t.Fatalf("decode escpos: %v", err)
	}
	if raw[0] != 0x1b || raw[1] != 0x40 {
		t.Fatalf("expected ESC @ prefix, got %x", raw[:2])
	}
	if tail := raw[len(raw)-4:]; tail[0] != 0x1d || tail[1] != 0x56 {
		t.Fatalf("expected cut command suffix, got %x", tail)
	}
	if !strings.Contains(out.PreviewText, "R$ 132,50") || !strings.Contains(out.PreviewText, "Juros") {
		t.Fatalf("unexpected preview:\n%s", out.PreviewText)
	}

	foreign := WithSession(context.Background(), domain.Session{OrganizationID: "org-other", UserID: "user-x"})
	if _, err := svc.GetSaleReceipt(foreign, sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign receipt to be not found, got %v", err)
	}
}

var _ fiscal.Emitter = (*stubEmitter)(nil)
