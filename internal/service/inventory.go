package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/xid"
)

func validQuantity(quantity int) error {
	if quantity <= 0 {
		return store.Errorf(store.ErrValidation, "Quantidade deve ser maior que zero")
	}
	return nil
}

// TransferStock moves units of one product between two stores of the
// organization. The origin debit and destination credit commit together.
func (s *Service) TransferStock(ctx context.Context, req domain.TransferRequest) (domain.TransferResponse, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.TransferResponse{}, err
	}

	req.FromStoreID = strings.TrimSpace(req.FromStoreID)
	req.ToStoreID = strings.TrimSpace(req.ToStoreID)
	if req.FromStoreID != "" && req.FromStoreID == req.ToStoreID {
		err := store.Errorf(store.ErrConflict, "A loja de origem e a de destino devem ser diferentes")
		s.rejected("transfer", err)
		return domain.TransferResponse{}, err
	}
	if err := validQuantity(req.Quantity); err != nil {
		s.rejected("transfer", err)
		return domain.TransferResponse{}, err
	}

	resp := domain.TransferResponse{TransferID: xid.New("trf")}
	now := s.now().UTC()
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if _, err := ownedStore(ctx, tx, session, req.FromStoreID); err != nil {
			return err
		}
		if _, err := ownedStore(ctx, tx, session, req.ToStoreID); err != nil {
			return err
		}
		product, err := ownedProduct(ctx, tx, session, req.ProductID)
		if err != nil {
			return err
		}
		fromKey, label, err := resolveKey(product, req.FromStoreID, req.VariantID)
		if err != nil {
			return err
		}
		toKey := fromKey
		toKey.StoreID = req.ToStoreID

		keys := []domain.StockKey{fromKey, toKey}
		store.SortKeys(keys)
		rows, err := tx.LockRows(ctx, keys)
		if err != nil {
			return err
		}
		origin, ok := rows[fromKey]
		if !ok {
			return store.Errorf(store.ErrNotFound, "Estoque de origem não encontrado para %s", label)
		}
		if origin.Quantity < req.Quantity {
			return &store.InsufficientStockError{Key: fromKey, Label: label, Requested: req.Quantity, Available: origin.Quantity}
		}

		debited, err := tx.Decrement(ctx, origin.ID, req.Quantity)
		if err != nil {
			return err
		}
		credited, err := tx.UpsertAdd(ctx, toKey, req.Quantity, domain.DefaultMinStock)
		if err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, movementFor(session, *debited, domain.MovementTransferOut, -req.Quantity, resp.TransferID, "", now)); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, movementFor(session, *credited, domain.MovementTransferIn, req.Quantity, resp.TransferID, "", now)); err != nil {
			return err
		}
		resp.Origin = *debited
		resp.Destination = *credited
		return nil
	})
	if err != nil {
		s.rejected("transfer", err)
		return domain.TransferResponse{}, err
	}

	s.metrics.StockMutated(domain.MovementTransferOut, 1)
	s.metrics.StockMutated(domain.MovementTransferIn, 1)
	s.log.Info("stock transferred",
		zap.String("transfer_id", resp.TransferID),
		zap.String("product_id", req.ProductID),
		zap.String("from_store_id", req.FromStoreID),
		zap.String("to_store_id", req.ToStoreID),
		zap.Int("quantity", req.Quantity),
	)
	return resp, nil
}

// RegisterExchangeOrReturn records an item leaving stock outside of a sale
// (exchange) or coming back (return).
func (s *Service) RegisterExchangeOrReturn(ctx context.Context, req domain.ExchangeRequest) (domain.StockMutationResponse, error) {
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case domain.ExchangeTypeExchange:
		return s.registerExchangeOut(ctx, req)
	case domain.ExchangeTypeReturn:
		return s.RegisterReturnAddStock(ctx, domain.ReturnRequest{
			StoreID:   req.StoreID,
			ProductID: req.ProductID,
			VariantID: req.VariantID,
			Quantity:  req.Quantity,
			Reason:    req.Reason,
		})
	default:
		return domain.StockMutationResponse{}, store.Errorf(store.ErrValidation, "Tipo de movimentação inválido")
	}
}

func (s *Service) registerExchangeOut(ctx context.Context, req domain.ExchangeRequest) (domain.StockMutationResponse, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.StockMutationResponse{}, err
	}
	req.StoreID = defaultString(req.StoreID, session.StoreID)
	if err := validQuantity(req.Quantity); err != nil {
		s.rejected("exchange", err)
		return domain.StockMutationResponse{}, err
	}

	var resp domain.StockMutationResponse
	now := s.now().UTC()
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if _, err := ownedStore(ctx, tx, session, req.StoreID); err != nil {
			return err
		}
		product, err := ownedProduct(ctx, tx, session, req.ProductID)
		if err != nil {
			return err
		}
		key, label, err := resolveKey(product, req.StoreID, req.VariantID)
		if err != nil {
			return err
		}
		row, err := tx.GetRow(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return store.Errorf(store.ErrNotFound, "Estoque não encontrado para %s", label)
		}
		if err != nil {
			return err
		}
		if row.Quantity < req.Quantity {
			return &store.InsufficientStockError{Key: key, Label: label, Requested: req.Quantity, Available: row.Quantity}
		}

		after, err := tx.Decrement(ctx, row.ID, req.Quantity)
		if err != nil {
			return err
		}
		movement := movementFor(session, *after, domain.MovementExchangeOut, -req.Quantity, "", strings.TrimSpace(req.Reason), now)
		if err := tx.InsertMovement(ctx, movement); err != nil {
			return err
		}
		resp = domain.StockMutationResponse{Row: *after, Movement: movement}
		return nil
	})
	if err != nil {
		s.rejected("exchange", err)
		return domain.StockMutationResponse{}, err
	}

	s.metrics.StockMutated(domain.MovementExchangeOut, 1)
	s.log.Info("exchange registered",
		zap.String("store_id", req.StoreID),
		zap.String("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity),
	)
	return resp, nil
}

// RegisterReturnAddStock credits returned units. Returns are not matched
// against a prior sale.
func (s *Service) RegisterReturnAddStock(ctx context.Context, req domain.ReturnRequest) (domain.StockMutationResponse, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.StockMutationResponse{}, err
	}
	req.StoreID = defaultString(req.StoreID, session.StoreID)
	if err := validQuantity(req.Quantity); err != nil {
		s.rejected("return", err)
		return domain.StockMutationResponse{}, err
	}

	var resp domain.StockMutationResponse
	now := s.now().UTC()
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if _, err := ownedStore(ctx, tx, session, req.StoreID); err != nil {
			return err
		}
		product, err := ownedProduct(ctx, tx, session, req.ProductID)
		if err != nil {
			return err
		}
		key, _, err := resolveKey(product, req.StoreID, req.VariantID)
		if err != nil {
			return err
		}
		after, err := tx.UpsertAdd(ctx, key, req.Quantity, domain.DefaultMinStock)
		if err != nil {
			return err
		}
		movement := movementFor(session, *after, domain.MovementReturnIn, req.Quantity, "", strings.TrimSpace(req.Reason), now)
		if err := tx.InsertMovement(ctx, movement); err != nil {
			return err
		}
		resp = domain.StockMutationResponse{Row: *after, Movement: movement}
		return nil
	})
	if err != nil {
		s.rejected("return", err)
		return domain.StockMutationResponse{}, err
	}

	s.metrics.StockMutated(domain.MovementReturnIn, 1)
	s.log.Info("return registered",
		zap.String("store_id", req.StoreID),
		zap.String("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity),
	)
	return resp, nil
}

// AddIncomingStock credits one product across several stores. Non-positive
// entries are dropped, entries for stores outside the organization are
// skipped and the rest is applied in one transaction. A blank store id means
// the headquarters.
func (s *Service) AddIncomingStock(ctx context.Context, req domain.IncomingStockRequest) (domain.IncomingStockResponse, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.IncomingStockResponse{}, err
	}

	var resp domain.IncomingStockResponse
	receiptID := xid.New("rcv")
	now := s.now().UTC()
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		// The repository may run this more than once.
		resp = domain.IncomingStockResponse{
			Applied: []domain.InventoryRow{},
			Skipped: []domain.SkippedEntry{},
		}
		product, err := ownedProduct(ctx, tx, session, req.ProductID)
		if err != nil {
			return err
		}
		base, _, err := resolveKey(product, "", req.VariantID)
		if err != nil {
			return err
		}

		stores, err := tx.ListStores(ctx, session.OrganizationID)
		if err != nil {
			return err
		}
		if len(stores) == 0 {
			return store.Errorf(store.ErrNotFound, "Nenhuma loja cadastrada")
		}
		owned := make(map[string]bool, len(stores))
		for _, st := range stores {
			owned[st.ID] = true
		}
		headquarters := stores[0].ID

		totals := make(map[string]int, len(req.Entries))
		keys := make([]domain.StockKey, 0, len(req.Entries))
		for _, entry := range req.Entries {
			if entry.Quantity <= 0 {
				continue
			}
			storeID := defaultString(entry.StoreID, headquarters)
			if !owned[storeID] {
				resp.Skipped = append(resp.Skipped, domain.SkippedEntry{
					StoreID:  storeID,
					Quantity: entry.Quantity,
					Reason:   "Loja não pertence à organização",
				})
				continue
			}
			if _, seen := totals[storeID]; !seen {
				key := base
				key.StoreID = storeID
				keys = append(keys, key)
			}
			totals[storeID] += entry.Quantity
		}
		if len(keys) == 0 {
			return store.Errorf(store.ErrValidation, "Nenhuma entrada válida de estoque")
		}

		store.SortKeys(keys)
		for _, key := range keys {
			qty := totals[key.StoreID]
			after, err := tx.UpsertAdd(ctx, key, qty, domain.DefaultMinStock)
			if err != nil {
				return err
			}
			if err := tx.InsertMovement(ctx, movementFor(session, *after, domain.MovementReceipt, qty, receiptID, strings.TrimSpace(req.Reason), now)); err != nil {
				return err
			}
			resp.Applied = append(resp.Applied, *after)
		}
		return nil
	})
	if err != nil {
		s.rejected("incoming", err)
		return domain.IncomingStockResponse{}, err
	}

	for _, skipped := range resp.Skipped {
		s.log.Warn("incoming stock entry skipped",
			zap.String("organization_id", session.OrganizationID),
			zap.String("store_id", skipped.StoreID),
			zap.String("product_id", req.ProductID),
		)
	}
	s.metrics.StockMutated(domain.MovementReceipt, len(resp.Applied))
	s.log.Info("incoming stock applied",
		zap.String("receipt_id", receiptID),
		zap.String("product_id", req.ProductID),
		zap.Int("applied", len(resp.Applied)),
		zap.Int("skipped", len(resp.Skipped)),
	)
	return resp, nil
}

// GetProductStock returns the stock of one product in one store, shaped by
// whether the product has variants.
func (s *Service) GetProductStock(ctx context.Context, productID string, storeID string) (domain.ProductStock, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	storeID = defaultString(storeID, session.StoreID)
	if _, err := ownedStore(ctx, s.repo, session, storeID); err != nil {
		return nil, err
	}
	product, err := ownedProduct(ctx, s.repo, session, productID)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.ListInventoryRows(ctx, storeID, product.ID)
	if err != nil {
		return nil, err
	}
	byVariant := make(map[string]domain.InventoryRow, len(rows))
	for _, row := range rows {
		byVariant[row.VariantID] = row
	}

	if !product.HasVariants() {
		out := domain.SimpleStock{Kind: domain.ProductKindSimple, StoreID: storeID, ProductID: product.ID}
		if row, ok := byVariant[""]; ok {
			out.Row = &row
		}
		return out, nil
	}

	out := domain.VariantStock{
		Kind:      domain.ProductKindVariants,
		StoreID:   storeID,
		ProductID: product.ID,
		Variants:  make([]domain.VariantStockEntry, 0, len(product.Variants)),
	}
	for _, variant := range product.Variants {
		entry := domain.VariantStockEntry{Variant: variant}
		if row, ok := byVariant[variant.ID]; ok {
			entry.Row = &row
		}
		out.Variants = append(out.Variants, entry)
	}
	return out, nil
}

func (s *Service) ListLowStock(ctx context.Context, storeID string) ([]domain.InventoryRow, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	storeID = defaultString(storeID, session.StoreID)
	if _, err := ownedStore(ctx, s.repo, session, storeID); err != nil {
		return nil, err
	}

	rows, err := s.repo.ListInventoryRows(ctx, storeID, "")
	if err != nil {
		return nil, err
	}
	low := make([]domain.InventoryRow, 0, len(rows))
	for _, row := range rows {
		if row.Quantity <= row.MinStock {
			low = append(low, row)
		}
	}
	return low, nil
}

// ListStores orders stores by creation; the first one is the headquarters.
func (s *Service) ListStores(ctx context.Context) ([]domain.StoreView, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	stores, err := s.repo.ListStores(ctx, session.OrganizationID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StoreView, 0, len(stores))
	for i, st := range stores {
		out = append(out, domain.StoreView{Store: st, Headquarters: i == 0})
	}
	return out, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := ownedProduct(ctx, s.repo, session, productID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListStockMovements(ctx, productID, limit)
}
