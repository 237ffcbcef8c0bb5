package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/metrics"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/service"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
)

var (
	allRoles     = []string{domain.RoleOwner, domain.RoleAdmin, domain.RoleManager, domain.RoleSeller}
	managerRoles = []string{domain.RoleOwner, domain.RoleAdmin, domain.RoleManager}
)

type Options struct {
	AllowedOrigin string
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	// Location is used to print report timestamps.
	Location *time.Location
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	log           *zap.Logger
	metrics       *metrics.Metrics
	loc           *time.Location
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	api := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		loc:           opts.Location,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
	if api.log == nil {
		api.log = zap.NewNop()
	}
	if api.loc == nil {
		api.loc = time.UTC
	}
	return api
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", a.metrics.Handler())

	mux.HandleFunc("/api/v1/stores", a.requireAuth(a.handleStores, allRoles...))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, allRoles...))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, allRoles...))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, allRoles...))

	mux.HandleFunc("/api/v1/inventory/transfers", a.requireAuth(a.handleTransfers, allRoles...))
	mux.HandleFunc("/api/v1/inventory/exchanges", a.requireAuth(a.handleExchanges, allRoles...))
	mux.HandleFunc("/api/v1/inventory/returns", a.requireAuth(a.handleReturns, allRoles...))
	mux.HandleFunc("/api/v1/inventory/incoming", a.requireAuth(a.handleIncoming, allRoles...))
	mux.HandleFunc("/api/v1/inventory/low-stock", a.requireAuth(a.handleLowStock, allRoles...))

	mux.HandleFunc("/api/v1/cash/state", a.requireAuth(a.handleCashState, allRoles...))
	mux.HandleFunc("/api/v1/cash/close", a.requireAuth(a.handleCashClose, allRoles...))
	mux.HandleFunc("/api/v1/cash/closures/", a.requireAuth(a.handleClosureActions, allRoles...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("token de acesso ausente"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		session, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(session.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("perfil sem permissão"))
			return
		}

		next(w, r.WithContext(service.WithSession(r.Context(), session)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stores, err := a.service.ListStores(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stores": stores})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sales, err := a.service.ListSales(r.Context(), r.URL.Query().Get("store_id"), r.URL.Query().Get("date"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	case http.MethodPost:
		var req domain.SaleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.CompleteSale(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleSaleActions serves /api/v1/sales/{id}/receipt and
// /api/v1/sales/{id}/receipt/escpos.
func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	saleID, action := splitResource(r.URL.Path, "/api/v1/sales/")
	if saleID == "" {
		writeError(w, http.StatusBadRequest, errors.New("id da venda obrigatório"))
		return
	}

	switch action {
	case "receipt":
		receipt, err := a.service.GetSaleReceipt(r.Context(), saleID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	case "receipt/escpos":
		out, err := a.service.BuildReceiptEscpos(r.Context(), saleID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	default:
		writeError(w, http.StatusNotFound, errors.New("rota não encontrada"))
	}
}

// handleProductActions serves /api/v1/products/{id}/stock and
// /api/v1/products/{id}/movements.
func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	productID, action := splitResource(r.URL.Path, "/api/v1/products/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("id do produto obrigatório"))
		return
	}

	switch action {
	case "stock":
		stock, err := a.service.GetProductStock(r.Context(), productID, r.URL.Query().Get("store_id"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock": stock, "total": stock.Total()})
	case "movements":
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
		movements, err := a.service.ListStockMovements(r.Context(), productID, limit)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
	default:
		writeError(w, http.StatusNotFound, errors.New("rota não encontrada"))
	}
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.TransferStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleExchanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.RegisterExchangeOrReturn(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.RegisterReturnAddStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.IncomingStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.AddIncomingStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	rows, err := a.service.ListLowStock(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (a *API) handleCashState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	state, err := a.service.GetCashState(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type closeCashRequest struct {
	StoreID string `json:"store_id"`
}

func (a *API) handleCashClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req closeCashRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	closure, err := a.service.CloseDailyCash(r.Context(), req.StoreID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"closure": closure})
}

type reopenCashRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

// handleClosureActions serves POST /api/v1/cash/closures/{id}/reopen and
// GET /api/v1/cash/closures/{id}/report.
func (a *API) handleClosureActions(w http.ResponseWriter, r *http.Request) {
	closureID, action := splitResource(r.URL.Path, "/api/v1/cash/closures/")
	if closureID == "" {
		writeError(w, http.StatusBadRequest, errors.New("id do fechamento obrigatório"))
		return
	}

	switch action {
	case "reopen":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.handleReopen(w, r, closureID)
	case "report":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		a.handleClosureReport(w, r, closureID)
	default:
		writeError(w, http.StatusNotFound, errors.New("rota não encontrada"))
	}
}

func (a *API) handleReopen(w http.ResponseWriter, r *http.Request, closureID string) {
	session, _ := service.SessionFromContext(r.Context())
	if !isRoleAllowed(session.Role, managerRoles) {
		writeError(w, http.StatusForbidden, errors.New("perfil sem permissão"))
		return
	}

	var req reopenCashRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:reopen:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("muitas tentativas de PIN, aguarde um minuto"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("PIN do gerente inválido"))
		return
	}

	resp, err := a.service.ReopenCash(r.Context(), closureID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleClosureReport(w http.ResponseWriter, r *http.Request, closureID string) {
	report, err := a.service.GetCashClosureReport(r.Context(), closureID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	fileBase := fmt.Sprintf("fechamento-%s", report.PeriodStart.In(a.loc).Format("2006-01-02"))
	switch format {
	case "csv":
		body, err := closureReportToCSV(report, a.loc)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileBase+".csv"))
		_, _ = w.Write(body)
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(closureReportToPrintableHTML(report, a.loc)))
	case "pdf":
		body, err := closureReportToPDF(report, a.loc)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileBase+".pdf"))
		_, _ = w.Write(body)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		a.metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		a.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

// fail maps domain error kinds to HTTP statuses.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// splitResource turns "/prefix/{id}/a/b" into ("{id}", "a/b").
func splitResource(path string, prefix string) (string, string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, action, _ := strings.Cut(rest, "/")
	return strings.TrimSpace(id), strings.Trim(action, "/")
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("corpo da requisição inválido: %w", err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("método não permitido"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses carry a generic message; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		msg = "erro interno do servidor"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
