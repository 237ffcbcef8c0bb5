package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
)

const receiptWidth = 32

// projector resolves display names for read views and memoizes lookups for
// the duration of one projection.
type projector struct {
	r        store.Reader
	members  map[string]string
	clients  map[string]string
	products map[string]*domain.Product
}

func newProjector(r store.Reader) *projector {
	return &projector{
		r:        r,
		members:  make(map[string]string),
		clients:  make(map[string]string),
		products: make(map[string]*domain.Product),
	}
}

func (p *projector) organizationName(ctx context.Context, id string) string {
	org, err := p.r.GetOrganization(ctx, id)
	if err != nil {
		return ""
	}
	return org.Name
}

func (p *projector) storeName(ctx context.Context, id string) string {
	st, err := p.r.GetStore(ctx, id)
	if err != nil {
		return id
	}
	return st.Name
}

func (p *projector) memberName(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	if name, ok := p.members[id]; ok {
		return name
	}
	name := id
	if member, err := p.r.GetMember(ctx, id); err == nil {
		name = member.Name
	}
	p.members[id] = name
	return name
}

func (p *projector) clientName(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	if name, ok := p.clients[id]; ok {
		return name
	}
	name := ""
	if client, err := p.r.GetClient(ctx, id); err == nil {
		name = client.Name
	}
	p.clients[id] = name
	return name
}

func (p *projector) items(ctx context.Context, sale domain.Sale) ([]domain.ReportItem, error) {
	out := make([]domain.ReportItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		product, ok := p.products[item.ProductID]
		if !ok {
			found, err := p.r.GetProduct(ctx, item.ProductID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			product = found
			p.products[item.ProductID] = found
		}

		line := domain.ReportItem{
			ProductID:      item.ProductID,
			ProductName:    item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			LineTotalCents: item.LineTotalCents,
		}
		if product != nil {
			line.ProductName = product.Name
			line.SKU = product.SKU
			if variant, ok := product.FindVariant(item.VariantID); ok {
				line.VariantLabel = variant.Label()
				if variant.SKU != "" {
					line.SKU = variant.SKU
				}
			}
		}
		out = append(out, line)
	}
	return out, nil
}

func (s *Service) GetSaleReceipt(ctx context.Context, saleID string) (domain.Receipt, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.Receipt{}, err
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Receipt{}, store.Errorf(store.ErrValidation, "Venda é obrigatória")
	}
	sale, err := s.repo.FindSaleByID(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sale.OrganizationID != session.OrganizationID) {
		return domain.Receipt{}, store.Errorf(store.ErrNotFound, "Venda não encontrada")
	}
	if err != nil {
		return domain.Receipt{}, err
	}

	p := newProjector(s.repo)
	items, err := p.items(ctx, *sale)
	if err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{
		SaleID:           sale.ID,
		OrganizationName: p.organizationName(ctx, sale.OrganizationID),
		StoreName:        p.storeName(ctx, sale.StoreID),
		SellerName:       p.memberName(ctx, sale.SellerID),
		ClientName:       p.clientName(ctx, sale.ClientID),
		PaymentMethod:    sale.PaymentMethod,
		CreatedAt:        sale.CreatedAt,
		Items:            items,
		SubtotalCents:    sale.SubtotalCents,
		InterestCents:    sale.InterestCents,
		SurchargeCents:   sale.SurchargeCents,
		TotalCents:       sale.TotalCents,
		Invoice:          sale.Invoice,
	}, nil
}

// BuildReceiptEscpos renders the receipt for a thermal printer: an ESC @
// reset, plain text lines and a partial cut.
func (s *Service) BuildReceiptEscpos(ctx context.Context, saleID string) (domain.ReceiptEscpos, error) {
	receipt, err := s.GetSaleReceipt(ctx, saleID)
	if err != nil {
		return domain.ReceiptEscpos{}, err
	}
	lines := s.receiptLines(receipt)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.ReceiptEscpos{
		SaleID:       receipt.SaleID,
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("cupom-%s.bin", receipt.SaleID),
	}, nil
}

func (s *Service) receiptLines(r domain.Receipt) []string {
	rule := strings.Repeat("=", receiptWidth)
	dash := strings.Repeat("-", receiptWidth)

	lines := []string{
		r.OrganizationName,
		r.StoreName,
		rule,
		"Venda: " + r.SaleID,
		"Data: " + r.CreatedAt.In(s.loc).Format("02/01/2006 15:04"),
		"Vendedor: " + r.SellerName,
	}
	if r.ClientName != "" {
		lines = append(lines, "Cliente: "+r.ClientName)
	}
	lines = append(lines, dash)
	for _, item := range r.Items {
		name := item.ProductName
		if item.VariantLabel != "" {
			name += " " + item.VariantLabel
		}
		lines = append(lines, name)
		lines = append(lines, receiptRow(fmt.Sprintf("  %d x %s", item.Quantity, FormatBRL(item.UnitPriceCents)), FormatBRL(item.LineTotalCents)))
	}
	lines = append(lines, dash, receiptRow("Subtotal", FormatBRL(r.SubtotalCents)))
	if r.InterestCents > 0 {
		lines = append(lines, receiptRow("Juros", FormatBRL(r.InterestCents)))
	}
	if r.SurchargeCents > 0 {
		lines = append(lines, receiptRow("Acréscimo", FormatBRL(r.SurchargeCents)))
	}
	lines = append(lines,
		receiptRow("Total", FormatBRL(r.TotalCents)),
		receiptRow("Pagamento", PaymentLabel(r.PaymentMethod)),
	)
	if r.Invoice.Number != "" {
		lines = append(lines, fmt.Sprintf("NFC-e %s série %s", r.Invoice.Number, r.Invoice.Series))
	}
	lines = append(lines, rule, "Obrigado pela preferência!", "")
	return lines
}

func receiptRow(left string, right string) string {
	pad := receiptWidth - len([]rune(left)) - len([]rune(right))
	if pad < 1 {
		pad = 1
	}
	return left + strings.Repeat(" ", pad) + right
}
