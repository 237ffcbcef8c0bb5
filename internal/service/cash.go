package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/xid"
)

// CloseDailyCash stamps every open sale of today into a new closure. The
// aggregate and the stamping run in the same transaction so the closure
// totals always match the stamped sales.
func (s *Service) CloseDailyCash(ctx context.Context, storeID string) (domain.CashClosure, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.CashClosure{}, err
	}
	storeID = defaultString(storeID, session.StoreID)

	now := s.now()
	periodStart := s.startOfDay(now).UTC()
	periodEnd := now.UTC()

	var closure domain.CashClosure
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if _, err := ownedStore(ctx, tx, session, storeID); err != nil {
			return err
		}
		_, err := tx.FindClosureByPeriod(ctx, storeID, periodStart)
		if err == nil {
			return store.Errorf(store.ErrConflict, "O caixa de hoje já foi fechado")
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		sales, err := tx.ListOpenSales(ctx, storeID, periodStart, periodEnd)
		if err != nil {
			return err
		}
		if len(sales) == 0 {
			return store.Errorf(store.ErrConflict, "Nenhuma venda para fechar")
		}

		ids := make([]string, 0, len(sales))
		var total int64
		for _, sale := range sales {
			ids = append(ids, sale.ID)
			total += sale.TotalCents
		}

		closure = domain.CashClosure{
			ID:          xid.New("cls"),
			StoreID:     storeID,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			TotalCents:  total,
			SalesCount:  len(sales),
			CreatedAt:   periodEnd,
			CreatedBy:   session.UserID,
		}
		if err := tx.InsertClosure(ctx, closure); err != nil {
			return err
		}
		stamped, err := tx.StampSales(ctx, closure.ID, ids)
		if err != nil {
			return err
		}
		if stamped != len(ids) {
			return store.Errorf(store.ErrConflict, "As vendas do período mudaram durante o fechamento, tente novamente")
		}
		return nil
	})
	if err != nil {
		return domain.CashClosure{}, err
	}

	s.metrics.CashClosure("close")
	s.log.Info("cash closed",
		zap.String("closure_id", closure.ID),
		zap.String("store_id", storeID),
		zap.Int("sales_count", closure.SalesCount),
		zap.Int64("total_cents", closure.TotalCents),
	)
	return closure, nil
}

// ReopenCash fully reverses a closure: its sales lose the stamp and the
// closure row is deleted.
func (s *Service) ReopenCash(ctx context.Context, closureID string) (domain.ReopenCashResponse, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.ReopenCashResponse{}, err
	}
	if !session.CanManageCash() {
		return domain.ReopenCashResponse{}, store.Errorf(store.ErrForbidden, "Apenas gerentes podem reabrir o caixa")
	}

	var resp domain.ReopenCashResponse
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		closure, err := tx.LockClosure(ctx, closureID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Errorf(store.ErrNotFound, "Fechamento de caixa não encontrado")
		}
		if err != nil {
			return err
		}
		if _, err := ownedStore(ctx, tx, session, closure.StoreID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Errorf(store.ErrNotFound, "Fechamento de caixa não encontrado")
			}
			return err
		}

		released, err := tx.ReleaseSales(ctx, closure.ID)
		if err != nil {
			return err
		}
		if err := tx.DeleteClosure(ctx, closure.ID); err != nil {
			return err
		}
		resp = domain.ReopenCashResponse{ClosureID: closure.ID, StoreID: closure.StoreID, ReleasedSales: released}
		return nil
	})
	if err != nil {
		return domain.ReopenCashResponse{}, err
	}

	if err := s.reports.Delete(ctx, resp.ClosureID); err != nil {
		s.log.Warn("closure report cache invalidation failed", zap.String("closure_id", resp.ClosureID), zap.Error(err))
	}
	s.metrics.CashClosure("reopen")
	s.log.Info("cash reopened",
		zap.String("closure_id", resp.ClosureID),
		zap.String("store_id", resp.StoreID),
		zap.String("user_id", session.UserID),
		zap.Int("released_sales", resp.ReleasedSales),
	)
	return resp, nil
}

func (s *Service) GetCashState(ctx context.Context, storeID string) (domain.CashState, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.CashState{}, err
	}
	storeID = defaultString(storeID, session.StoreID)
	if _, err := ownedStore(ctx, s.repo, session, storeID); err != nil {
		return domain.CashState{}, err
	}

	today := s.startOfDay(s.now())
	state := domain.CashState{StoreID: storeID, Date: today.Format("2006-01-02"), State: domain.CashStateOpen}
	closure, err := s.repo.FindClosureByPeriod(ctx, storeID, today.UTC())
	if errors.Is(err, store.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return domain.CashState{}, err
	}
	state.State = domain.CashStateClosed
	state.Closure = closure
	return state, nil
}

// GetCashClosureReport builds the printable projection of a closure. Tenancy
// is checked before the cache is consulted.
func (s *Service) GetCashClosureReport(ctx context.Context, closureID string) (domain.ClosureReport, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.ClosureReport{}, err
	}
	closure, err := s.repo.FindClosureByID(ctx, closureID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ClosureReport{}, store.Errorf(store.ErrNotFound, "Fechamento de caixa não encontrado")
	}
	if err != nil {
		return domain.ClosureReport{}, err
	}
	st, err := ownedStore(ctx, s.repo, session, closure.StoreID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ClosureReport{}, store.Errorf(store.ErrNotFound, "Fechamento de caixa não encontrado")
	}
	if err != nil {
		return domain.ClosureReport{}, err
	}

	if cached, ok, err := s.reports.Get(ctx, closure.ID); err != nil {
		s.log.Warn("closure report cache read failed", zap.String("closure_id", closure.ID), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	report, err := s.buildClosureReport(ctx, session, *closure, *st)
	if err != nil {
		return domain.ClosureReport{}, err
	}
	if err := s.reports.Set(ctx, closure.ID, &report, s.reportTTL); err != nil {
		s.log.Warn("closure report cache write failed", zap.String("closure_id", closure.ID), zap.Error(err))
	}
	return report, nil
}

func (s *Service) buildClosureReport(ctx context.Context, session domain.Session, closure domain.CashClosure, st domain.Store) (domain.ClosureReport, error) {
	p := newProjector(s.repo)

	report := domain.ClosureReport{
		ClosureID:   closure.ID,
		StoreID:     st.ID,
		StoreName:   st.Name,
		PeriodStart: closure.PeriodStart,
		PeriodEnd:   closure.PeriodEnd,
		CreatedAt:   closure.CreatedAt,
		SalesCount:  closure.SalesCount,
		TotalCents:  closure.TotalCents,
		ByPayment:   []domain.PaymentSummary{},
		Sales:       []domain.ReportSale{},
	}
	report.OrganizationName = p.organizationName(ctx, session.OrganizationID)
	report.ClosedBy = p.memberName(ctx, closure.CreatedBy)

	sales, err := s.repo.ListSalesByClosure(ctx, closure.ID)
	if err != nil {
		return domain.ClosureReport{}, err
	}

	byPayment := make(map[string]*domain.PaymentSummary, 4)
	for _, sale := range sales {
		items, err := p.items(ctx, sale)
		if err != nil {
			return domain.ClosureReport{}, err
		}
		report.Sales = append(report.Sales, domain.ReportSale{
			SaleID:        sale.ID,
			CreatedAt:     sale.CreatedAt,
			SellerName:    p.memberName(ctx, sale.SellerID),
			ClientName:    p.clientName(ctx, sale.ClientID),
			PaymentMethod: sale.PaymentMethod,
			TotalCents:    sale.TotalCents,
			InvoiceStatus: sale.Invoice.Status,
			Items:         items,
		})

		summary, ok := byPayment[sale.PaymentMethod]
		if !ok {
			summary = &domain.PaymentSummary{PaymentMethod: sale.PaymentMethod}
			byPayment[sale.PaymentMethod] = summary
		}
		summary.Sales++
		summary.TotalCents += sale.TotalCents
	}

	for _, method := range []string{domain.PaymentPix, domain.PaymentCredit, domain.PaymentDebit, domain.PaymentCash} {
		if summary, ok := byPayment[method]; ok {
			report.ByPayment = append(report.ByPayment, *summary)
		}
	}
	return report, nil
}
