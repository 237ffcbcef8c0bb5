package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/cache"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/fiscal"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/metrics"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/xid"
)

type sessionContextKey struct{}

func WithSession(ctx context.Context, session domain.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

func SessionFromContext(ctx context.Context) (domain.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(domain.Session)
	return session, ok
}

type Options struct {
	Fiscal    fiscal.Emitter
	Reports   cache.ClosureReportCache
	ReportTTL time.Duration
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Location defines the business day used by cash closures.
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	repo      store.Repository
	fiscal    fiscal.Emitter
	reports   cache.ClosureReportCache
	reportTTL time.Duration
	metrics   *metrics.Metrics
	log       *zap.Logger
	loc       *time.Location
	now       func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	s := &Service{
		repo:      repo,
		fiscal:    opts.Fiscal,
		reports:   opts.Reports,
		reportTTL: opts.ReportTTL,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		loc:       opts.Location,
		now:       opts.Now,
	}
	if s.fiscal == nil {
		s.fiscal = fiscal.Disabled{}
	}
	if s.reports == nil {
		s.reports = cache.NoopClosureReportCache{}
	}
	if s.reportTTL <= 0 {
		s.reportTTL = 5 * time.Minute
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func requireSession(ctx context.Context) (domain.Session, error) {
	session, ok := SessionFromContext(ctx)
	if !ok || session.OrganizationID == "" || session.UserID == "" {
		return domain.Session{}, store.Errorf(store.ErrForbidden, "Sessão inválida ou expirada")
	}
	return session, nil
}

func ownedStore(ctx context.Context, r store.Reader, session domain.Session, storeID string) (*domain.Store, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, store.Errorf(store.ErrValidation, "Loja é obrigatória")
	}
	st, err := r.GetStore(ctx, storeID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && st.OrganizationID != session.OrganizationID) {
		return nil, store.Errorf(store.ErrNotFound, "Loja não encontrada")
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func ownedProduct(ctx context.Context, r store.Reader, session domain.Session, productID string) (*domain.Product, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, store.Errorf(store.ErrValidation, "Produto é obrigatório")
	}
	product, err := r.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && product.OrganizationID != session.OrganizationID) {
		return nil, store.Errorf(store.ErrNotFound, "Produto não encontrado")
	}
	if err != nil {
		return nil, err
	}
	return product, nil
}

func ownedClient(ctx context.Context, r store.Reader, session domain.Session, clientID string) (*domain.Client, error) {
	client, err := r.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && client.OrganizationID != session.OrganizationID) {
		return nil, store.Errorf(store.ErrNotFound, "Cliente não encontrado")
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// resolveKey maps a product and optional variant to its ledger key and a
// display label. Simple products take no variant; variant-bearing products
// require one of their own.
func resolveKey(product *domain.Product, storeID string, variantID string) (domain.StockKey, string, error) {
	variantID = strings.TrimSpace(variantID)
	key := domain.StockKey{StoreID: storeID, ProductID: product.ID}

	if !product.HasVariants() {
		if variantID != "" {
			return key, "", store.Errorf(store.ErrValidation, "O produto %s não possui variações", product.Name)
		}
		return key, product.Name, nil
	}

	if variantID == "" {
		return key, "", store.Errorf(store.ErrValidation, "Selecione a variação de %s", product.Name)
	}
	variant, ok := product.FindVariant(variantID)
	if !ok {
		return key, "", store.Errorf(store.ErrNotFound, "Variação não encontrada para %s", product.Name)
	}
	key.VariantID = variant.ID
	label := product.Name
	if l := variant.Label(); l != "" {
		label += " (" + l + ")"
	}
	return key, label, nil
}

func movementFor(session domain.Session, row domain.InventoryRow, movementType string, delta int, referenceID string, reason string, at time.Time) domain.StockMovement {
	return domain.StockMovement{
		ID:             xid.New("mov"),
		OrganizationID: session.OrganizationID,
		StoreID:        row.StoreID,
		ProductID:      row.ProductID,
		VariantID:      row.VariantID,
		Type:           movementType,
		Quantity:       delta,
		QuantityBefore: row.Quantity - delta,
		QuantityAfter:  row.Quantity,
		ReferenceID:    referenceID,
		Reason:         reason,
		CreatedBy:      session.UserID,
		CreatedAt:      at,
	}
}

func (s *Service) rejected(operation string, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		s.metrics.StockRejected(operation, "insufficient_stock")
	case errors.Is(err, store.ErrNotFound):
		s.metrics.StockRejected(operation, "not_found")
	case errors.Is(err, store.ErrConflict):
		s.metrics.StockRejected(operation, "conflict")
	case errors.Is(err, store.ErrValidation):
		s.metrics.StockRejected(operation, "validation")
	}
}

func (s *Service) startOfDay(t time.Time) time.Time {
	local := t.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
