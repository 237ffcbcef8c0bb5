package store

import (
	"context"
	"time"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
)

// Reader exposes tenancy and projection lookups. Both Repository and Tx
// implement it so ownership checks read the same snapshot as the mutation.
type Reader interface {
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	GetStore(ctx context.Context, id string) (*domain.Store, error)
	ListStores(ctx context.Context, organizationID string) ([]domain.Store, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	GetMember(ctx context.Context, id string) (*domain.Member, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindClosureByID(ctx context.Context, id string) (*domain.CashClosure, error)
	FindClosureByPeriod(ctx context.Context, storeID string, periodStart time.Time) (*domain.CashClosure, error)
}

type Repository interface {
	Reader

	// InTx runs fn inside one transaction. A non-nil error from fn rolls
	// back every mutation made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListInventoryRows(ctx context.Context, storeID string, productID string) ([]domain.InventoryRow, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	ListSalesByStore(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error)
	ListSalesByClosure(ctx context.Context, closureID string) ([]domain.Sale, error)
	UpdateSaleInvoice(ctx context.Context, saleID string, invoice domain.Invoice) error
}

// Tx is the ledger accessor. Rows returned by GetRow and LockRows stay
// locked until the transaction ends.
type Tx interface {
	Reader

	GetRow(ctx context.Context, key domain.StockKey) (*domain.InventoryRow, error)
	// LockRows locks the given rows in StockKey order. Missing rows are
	// absent from the result.
	LockRows(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]domain.InventoryRow, error)
	UpsertAdd(ctx context.Context, key domain.StockKey, delta int, minStock int) (*domain.InventoryRow, error)
	Decrement(ctx context.Context, rowID string, delta int) (*domain.InventoryRow, error)
	InsertMovement(ctx context.Context, movement domain.StockMovement) error

	InsertSale(ctx context.Context, sale domain.Sale) error
	ListOpenSales(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Sale, error)

	InsertClosure(ctx context.Context, closure domain.CashClosure) error
	StampSales(ctx context.Context, closureID string, saleIDs []string) (int, error)
	LockClosure(ctx context.Context, id string) (*domain.CashClosure, error)
	ReleaseSales(ctx context.Context, closureID string) (int, error)
	DeleteClosure(ctx context.Context, id string) error
}
