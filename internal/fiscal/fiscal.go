package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
)

// Emitter issues the fiscal document for a committed sale. Implementations
// report rejections through the returned invoice status; an error means the
// service could not be reached or answered garbage.
type Emitter interface {
	Emit(ctx context.Context, sale domain.Sale) (domain.Invoice, error)
}

type Disabled struct{}

func (Disabled) Emit(_ context.Context, _ domain.Sale) (domain.Invoice, error) {
	return domain.Invoice{Status: domain.InvoiceStatusSkipped, Message: "emissão fiscal desativada"}, nil
}

type HTTPEmitter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPEmitter(endpoint string, timeout time.Duration) *HTTPEmitter {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPEmitter{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type emitItem struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type emitRequest struct {
	SaleID         string     `json:"sale_id"`
	OrganizationID string     `json:"organization_id"`
	StoreID        string     `json:"store_id"`
	ClientID       string     `json:"client_id,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	TotalCents     int64      `json:"total_cents"`
	CreatedAt      time.Time  `json:"created_at"`
	Items          []emitItem `json:"items"`
}

type emitResponse struct {
	Status  string `json:"status"`
	URL     string `json:"url"`
	XML     string `json:"xml"`
	Number  string `json:"number"`
	Series  string `json:"series"`
	Message string `json:"message"`
}

func (e *HTTPEmitter) Emit(ctx context.Context, sale domain.Sale) (domain.Invoice, error) {
	payload := emitRequest{
		SaleID:         sale.ID,
		OrganizationID: sale.OrganizationID,
		StoreID:        sale.StoreID,
		ClientID:       sale.ClientID,
		PaymentMethod:  sale.PaymentMethod,
		TotalCents:     sale.TotalCents,
		CreatedAt:      sale.CreatedAt,
		Items:          make([]emitItem, 0, len(sale.Items)),
	}
	for _, item := range sale.Items {
		payload.Items = append(payload.Items, emitItem{
			ProductID:      item.ProductID,
			VariantID:      item.VariantID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			LineTotalCents: item.LineTotalCents,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("encode fiscal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/invoices", bytes.NewReader(body))
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("build fiscal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("call fiscal service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("read fiscal response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.Invoice{}, fmt.Errorf("fiscal service returned %d", resp.StatusCode)
	}

	var out emitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Invoice{}, fmt.Errorf("decode fiscal response: %w", err)
	}

	switch out.Status {
	case domain.InvoiceStatusAuthorized, domain.InvoiceStatusRejected, domain.InvoiceStatusError, domain.InvoiceStatusSkipped:
	default:
		return domain.Invoice{}, fmt.Errorf("fiscal service returned unknown status %q", out.Status)
	}

	return domain.Invoice{
		Status:  out.Status,
		URL:     out.URL,
		XML:     out.XML,
		Number:  out.Number,
		Series:  out.Series,
		Message: out.Message,
	}, nil
}
