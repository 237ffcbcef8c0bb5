package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/xid"
)

func validateSaleRequest(req domain.SaleRequest) error {
	if len(req.Items) == 0 {
		return store.Errorf(store.ErrValidation, "A venda precisa de pelo menos um item")
	}
	if !domain.IsPaymentMethod(req.PaymentMethod) {
		return store.Errorf(store.ErrValidation, "Forma de pagamento inválida")
	}
	if req.InterestRateBps < 0 || req.InterestRateBps > domain.MaxInterestRateBps {
		return store.Errorf(store.ErrValidation, "Taxa de juros deve estar entre 0%% e 100%%")
	}
	if req.SurchargeCents < 0 {
		return store.Errorf(store.ErrValidation, "Acréscimo não pode ser negativo")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return store.Errorf(store.ErrValidation, "Item %d sem produto", i+1)
		}
		if item.Quantity <= 0 {
			return store.Errorf(store.ErrValidation, "Quantidade do item %d deve ser maior que zero", i+1)
		}
		if item.UnitPriceCents < 0 {
			return store.Errorf(store.ErrValidation, "Preço do item %d não pode ser negativo", i+1)
		}
	}
	return nil
}

// CompleteSale validates the cart against the ledger and persists the sale,
// its items and the stock decrements in one transaction. The fiscal invoice
// is requested after commit and never undoes the sale.
func (s *Service) CompleteSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	req.StoreID = defaultString(req.StoreID, session.StoreID)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.ClientID = strings.TrimSpace(req.ClientID)
	if err := validateSaleRequest(req); err != nil {
		s.rejected("sale", err)
		return domain.Sale{}, err
	}

	totals, err := computeTotals(req.Items, req.InterestRateBps, req.SurchargeCents)
	if err != nil {
		s.rejected("sale", err)
		return domain.Sale{}, err
	}

	now := s.now().UTC()
	sale := domain.Sale{
		ID:              xid.New("sale"),
		OrganizationID:  session.OrganizationID,
		StoreID:         req.StoreID,
		SellerID:        session.UserID,
		ClientID:        req.ClientID,
		PaymentMethod:   req.PaymentMethod,
		InterestRateBps: req.InterestRateBps,
		IsEcommerce:     req.IsEcommerce,
		Invoice:         domain.Invoice{Status: domain.InvoiceStatusPending},
		CreatedAt:       now,
	}

	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if _, err := ownedStore(ctx, tx, session, req.StoreID); err != nil {
			return err
		}
		if req.ClientID != "" {
			if _, err := ownedClient(ctx, tx, session, req.ClientID); err != nil {
				return err
			}
		}
		if !req.IsEcommerce {
			_, err := tx.FindClosureByPeriod(ctx, req.StoreID, s.startOfDay(now))
			if err == nil {
				return store.Errorf(store.ErrConflict, "O caixa de hoje está fechado. Reabra o caixa para registrar novas vendas")
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		products := make(map[string]*domain.Product, len(req.Items))
		keys := make([]domain.StockKey, 0, len(req.Items))
		required := make(map[domain.StockKey]int, len(req.Items))
		labels := make(map[domain.StockKey]string, len(req.Items))
		itemKeys := make([]domain.StockKey, len(req.Items))

		for i, item := range req.Items {
			product, ok := products[item.ProductID]
			if !ok {
				p, err := ownedProduct(ctx, tx, session, item.ProductID)
				if err != nil {
					return err
				}
				product = p
				products[item.ProductID] = p
			}
			key, label, err := resolveKey(product, req.StoreID, item.VariantID)
			if err != nil {
				return err
			}
			if _, seen := required[key]; !seen {
				keys = append(keys, key)
				labels[key] = label
			}
			required[key] += item.Quantity
			itemKeys[i] = key
		}

		store.SortKeys(keys)
		rows, err := tx.LockRows(ctx, keys)
		if err != nil {
			return err
		}
		for _, key := range keys {
			row, ok := rows[key]
			if !ok {
				return store.Errorf(store.ErrNotFound, "Estoque não encontrado para %s", labels[key])
			}
			if row.Quantity < required[key] {
				return &store.InsufficientStockError{
					Key:       key,
					Label:     labels[key],
					Requested: required[key],
					Available: row.Quantity,
				}
			}
		}

		sale.SubtotalCents = totals.Subtotal
		sale.InterestCents = totals.Interest
		sale.SurchargeCents = totals.Surcharge
		sale.TotalCents = totals.Total
		sale.Items = make([]domain.SaleItem, 0, len(req.Items))
		for i, item := range req.Items {
			sale.Items = append(sale.Items, domain.SaleItem{
				ID:             xid.New("item"),
				SaleID:         sale.ID,
				Position:       i + 1,
				ProductID:      item.ProductID,
				VariantID:      itemKeys[i].VariantID,
				Quantity:       item.Quantity,
				UnitPriceCents: item.UnitPriceCents,
				LineTotalCents: totals.Lines[i],
			})
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		for _, key := range keys {
			after, err := tx.Decrement(ctx, rows[key].ID, required[key])
			if err != nil {
				var insufficient *store.InsufficientStockError
				if errors.As(err, &insufficient) {
					insufficient.Key = key
					insufficient.Label = labels[key]
				}
				return err
			}
			if err := tx.InsertMovement(ctx, movementFor(session, *after, domain.MovementSale, -required[key], sale.ID, "", now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.rejected("sale", err)
		return domain.Sale{}, err
	}

	s.metrics.SaleCompleted(sale.PaymentMethod, sale.TotalCents)
	s.metrics.StockMutated(domain.MovementSale, len(sale.Items))
	s.log.Info("sale completed",
		zap.String("sale_id", sale.ID),
		zap.String("store_id", sale.StoreID),
		zap.String("payment_method", sale.PaymentMethod),
		zap.Int64("total_cents", sale.TotalCents),
		zap.Int("items", len(sale.Items)),
	)

	sale.Invoice = s.emitInvoice(ctx, sale)
	return sale, nil
}

func (s *Service) emitInvoice(ctx context.Context, sale domain.Sale) domain.Invoice {
	invoice, err := s.fiscal.Emit(ctx, sale)
	if err != nil {
		s.log.Warn("fiscal emission failed", zap.String("sale_id", sale.ID), zap.Error(err))
		invoice = domain.Invoice{Status: domain.InvoiceStatusError, Message: "Falha ao emitir a nota fiscal"}
	}
	if invoice.Status == "" {
		invoice.Status = domain.InvoiceStatusError
	}

	// The request may already be cancelled; the status must still land.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.repo.UpdateSaleInvoice(updateCtx, sale.ID, invoice); err != nil {
		s.log.Error("store invoice status failed", zap.String("sale_id", sale.ID), zap.Error(err))
	}
	s.metrics.FiscalInvoice(invoice.Status)
	return invoice
}

// ListSales returns the sales of one store for a business day (YYYY-MM-DD,
// default today).
func (s *Service) ListSales(ctx context.Context, storeID string, date string) ([]domain.Sale, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	storeID = defaultString(storeID, session.StoreID)
	if _, err := ownedStore(ctx, s.repo, session, storeID); err != nil {
		return nil, err
	}

	from, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSalesByStore(ctx, storeID, from, from.AddDate(0, 0, 1))
}

func (s *Service) parseDay(date string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return s.startOfDay(s.now()), nil
	}
	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return time.Time{}, store.Errorf(store.ErrValidation, "Data inválida, use o formato AAAA-MM-DD")
	}
	return day, nil
}
