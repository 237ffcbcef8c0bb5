package domain

import (
	"strings"
	"time"
)

const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleSeller  = "seller"
)

// Session is the resolved caller of an operation. StoreID is the store the
// user is currently operating, when the session is bound to one.
type Session struct {
	OrganizationID string `json:"organization_id"`
	StoreID        string `json:"store_id,omitempty"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
}

func (s Session) CanManageCash() bool {
	switch s.Role {
	case RoleOwner, RoleAdmin, RoleManager:
		return true
	}
	return false
}

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// StoreView marks the headquarters, which is the first store created in the
// organization. There is no stored flag.
type StoreView struct {
	Store
	Headquarters bool `json:"headquarters"`
}

type Member struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role"`
}

type Client struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Document       string `json:"document,omitempty"`
	Phone          string `json:"phone,omitempty"`
}

const (
	ProductStatusActive   = "active"
	ProductStatusInactive = "inactive"
	ProductStatusArchived = "archived"
)

type FiscalInfo struct {
	NCM    string `json:"ncm,omitempty"`
	Origin string `json:"origin,omitempty"`
	CFOP   string `json:"cfop,omitempty"`
	CEST   string `json:"cest,omitempty"`
}

type Product struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	SKU            string     `json:"sku,omitempty"`
	PriceCents     int64      `json:"price_cents"`
	CostPriceCents *int64     `json:"cost_price_cents,omitempty"`
	Status         string     `json:"status"`
	Fiscal         FiscalInfo `json:"fiscal"`
	Variants       []Variant  `json:"variants,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (p Product) HasVariants() bool {
	return len(p.Variants) > 0
}

func (p Product) FindVariant(variantID string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == variantID {
			return v, true
		}
	}
	return Variant{}, false
}

type Variant struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Color     string `json:"color,omitempty"`
	Size      string `json:"size,omitempty"`
	SKU       string `json:"sku,omitempty"`
}

func (v Variant) Label() string {
	parts := make([]string, 0, 2)
	if c := strings.TrimSpace(v.Color); c != "" {
		parts = append(parts, c)
	}
	if s := strings.TrimSpace(v.Size); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " / ")
}

// DefaultMinStock is assigned to ledger rows created lazily by a credit.
const DefaultMinStock = 5

// StockKey identifies one ledger row. An empty VariantID addresses the
// no-variant row of a simple product and never matches a variant row.
type StockKey struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

func (k StockKey) String() string {
	return k.StoreID + "/" + k.ProductID + "/" + k.VariantID
}

type InventoryRow struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	VariantID string    `json:"variant_id,omitempty"`
	Quantity  int       `json:"quantity"`
	MinStock  int       `json:"min_stock"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r InventoryRow) Key() StockKey {
	return StockKey{StoreID: r.StoreID, ProductID: r.ProductID, VariantID: r.VariantID}
}

const (
	ProductKindSimple   = "simple"
	ProductKindVariants = "variants"
)

// ProductStock is either SimpleStock or VariantStock. A product never has
// both a no-variant row and variant rows.
type ProductStock interface {
	productStock()
	Total() int
}

type SimpleStock struct {
	Kind      string        `json:"kind"`
	StoreID   string        `json:"store_id"`
	ProductID string        `json:"product_id"`
	Row       *InventoryRow `json:"row"`
}

func (SimpleStock) productStock() {}

func (s SimpleStock) Total() int {
	if s.Row == nil {
		return 0
	}
	return s.Row.Quantity
}

type VariantStock struct {
	Kind      string              `json:"kind"`
	StoreID   string              `json:"store_id"`
	ProductID string              `json:"product_id"`
	Variants  []VariantStockEntry `json:"variants"`
}

type VariantStockEntry struct {
	Variant Variant       `json:"variant"`
	Row     *InventoryRow `json:"row"`
}

func (VariantStock) productStock() {}

func (s VariantStock) Total() int {
	total := 0
	for _, entry := range s.Variants {
		if entry.Row != nil {
			total += entry.Row.Quantity
		}
	}
	return total
}

const (
	MovementSale        = "sale"
	MovementTransferOut = "transfer_out"
	MovementTransferIn  = "transfer_in"
	MovementExchangeOut = "exchange_out"
	MovementReturnIn    = "return_in"
	MovementReceipt     = "receipt"
)

// StockMovement is an append-only record of one ledger mutation. Quantity is
// signed: positive for credits, negative for debits.
type StockMovement struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	StoreID        string    `json:"store_id"`
	ProductID      string    `json:"product_id"`
	VariantID      string    `json:"variant_id,omitempty"`
	Type           string    `json:"type"`
	Quantity       int       `json:"quantity"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

type TransferRequest struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	FromStoreID string `json:"from_store_id"`
	ToStoreID   string `json:"to_store_id"`
	Quantity    int    `json:"quantity"`
}

type TransferResponse struct {
	TransferID  string       `json:"transfer_id"`
	Origin      InventoryRow `json:"origin"`
	Destination InventoryRow `json:"destination"`
}

const (
	ExchangeTypeExchange = "exchange"
	ExchangeTypeReturn   = "return"
)

type ExchangeRequest struct {
	Type      string `json:"type"`
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason,omitempty"`
}

type ReturnRequest struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason,omitempty"`
}

type StockMutationResponse struct {
	Row      InventoryRow  `json:"row"`
	Movement StockMovement `json:"movement"`
}

type IncomingStockEntry struct {
	StoreID  string `json:"store_id"`
	Quantity int    `json:"quantity"`
}

type IncomingStockRequest struct {
	ProductID string               `json:"product_id"`
	VariantID string               `json:"variant_id,omitempty"`
	Entries   []IncomingStockEntry `json:"entries"`
	Reason    string               `json:"reason,omitempty"`
}

type SkippedEntry struct {
	StoreID  string `json:"store_id"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

type IncomingStockResponse struct {
	Applied []InventoryRow `json:"applied"`
	Skipped []SkippedEntry `json:"skipped"`
}

const (
	PaymentPix    = "pix"
	PaymentCredit = "credit"
	PaymentDebit  = "debit"
	PaymentCash   = "cash"
)

func IsPaymentMethod(method string) bool {
	switch method {
	case PaymentPix, PaymentCredit, PaymentDebit, PaymentCash:
		return true
	}
	return false
}

// MaxInterestRateBps is 100%.
const MaxInterestRateBps = 10000

const (
	InvoiceStatusPending    = "pending"
	InvoiceStatusAuthorized = "authorized"
	InvoiceStatusRejected   = "rejected"
	InvoiceStatusError      = "error"
	InvoiceStatusSkipped    = "skipped"
)

type Invoice struct {
	Status  string `json:"status"`
	URL     string `json:"url,omitempty"`
	XML     string `json:"xml,omitempty"`
	Number  string `json:"number,omitempty"`
	Series  string `json:"series,omitempty"`
	Message string `json:"message,omitempty"`
}

type SaleItemRequest struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type SaleRequest struct {
	StoreID         string            `json:"store_id"`
	PaymentMethod   string            `json:"payment_method"`
	Items           []SaleItemRequest `json:"items"`
	ClientID        string            `json:"client_id,omitempty"`
	InterestRateBps int64             `json:"interest_rate_bps"`
	SurchargeCents  int64             `json:"surcharge_cents"`
	IsEcommerce     bool              `json:"is_ecommerce"`
}

// Sale is write-once apart from Invoice and ClosureID.
type Sale struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organization_id"`
	StoreID         string     `json:"store_id"`
	SellerID        string     `json:"seller_id"`
	ClientID        string     `json:"client_id,omitempty"`
	PaymentMethod   string     `json:"payment_method"`
	SubtotalCents   int64      `json:"subtotal_cents"`
	InterestRateBps int64      `json:"interest_rate_bps"`
	InterestCents   int64      `json:"interest_cents"`
	SurchargeCents  int64      `json:"surcharge_cents"`
	TotalCents      int64      `json:"total_cents"`
	IsEcommerce     bool       `json:"is_ecommerce"`
	ClosureID       string     `json:"closure_id,omitempty"`
	Invoice         Invoice    `json:"invoice"`
	Items           []SaleItem `json:"items"`
	CreatedAt       time.Time  `json:"created_at"`
}

type SaleItem struct {
	ID             string `json:"id"`
	SaleID         string `json:"sale_id"`
	Position       int    `json:"position"`
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

const (
	CashStateOpen   = "open"
	CashStateClosed = "closed"
)

type CashClosure struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TotalCents  int64     `json:"total_cents"`
	SalesCount  int       `json:"sales_count"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

type CashState struct {
	StoreID string       `json:"store_id"`
	Date    string       `json:"date"`
	State   string       `json:"state"`
	Closure *CashClosure `json:"closure,omitempty"`
}

type ReopenCashResponse struct {
	ClosureID     string `json:"closure_id"`
	StoreID       string `json:"store_id"`
	ReleasedSales int    `json:"released_sales"`
}

type PaymentSummary struct {
	PaymentMethod string `json:"payment_method"`
	Sales         int    `json:"sales"`
	TotalCents    int64  `json:"total_cents"`
}

type ReportItem struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	VariantLabel   string `json:"variant_label,omitempty"`
	SKU            string `json:"sku,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type ReportSale struct {
	SaleID        string       `json:"sale_id"`
	CreatedAt     time.Time    `json:"created_at"`
	SellerName    string       `json:"seller_name"`
	ClientName    string       `json:"client_name,omitempty"`
	PaymentMethod string       `json:"payment_method"`
	TotalCents    int64        `json:"total_cents"`
	InvoiceStatus string       `json:"invoice_status"`
	Items         []ReportItem `json:"items"`
}

type ClosureReport struct {
	ClosureID        string           `json:"closure_id"`
	OrganizationName string           `json:"organization_name"`
	StoreID          string           `json:"store_id"`
	StoreName        string           `json:"store_name"`
	ClosedBy         string           `json:"closed_by"`
	PeriodStart      time.Time        `json:"period_start"`
	PeriodEnd        time.Time        `json:"period_end"`
	CreatedAt        time.Time        `json:"created_at"`
	SalesCount       int              `json:"sales_count"`
	TotalCents       int64            `json:"total_cents"`
	ByPayment        []PaymentSummary `json:"by_payment"`
	Sales            []ReportSale     `json:"sales"`
}

type Receipt struct {
	SaleID           string       `json:"sale_id"`
	OrganizationName string       `json:"organization_name"`
	StoreName        string       `json:"store_name"`
	SellerName       string       `json:"seller_name"`
	ClientName       string       `json:"client_name,omitempty"`
	PaymentMethod    string       `json:"payment_method"`
	CreatedAt        time.Time    `json:"created_at"`
	Items            []ReportItem `json:"items"`
	SubtotalCents    int64        `json:"subtotal_cents"`
	InterestCents    int64        `json:"interest_cents"`
	SurchargeCents   int64        `json:"surcharge_cents"`
	TotalCents       int64        `json:"total_cents"`
	Invoice          Invoice      `json:"invoice"`
}

type ReceiptEscpos struct {
	SaleID       string `json:"sale_id"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}
