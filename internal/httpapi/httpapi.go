// Package httpapi exposes the agent's local HTTP API: operator login,
// the close wizard, close history, clock in/out, the reconciliation
// dashboard and sync control. Everything except /healthz and login
// requires an operator session token.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"mojarreria/kiosk/internal/closestore"
	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/service"
)

type API struct {
	service             *service.Service
	auth                *AuthManager
	allowedOrigin       string
	supportPasswordHash string
	loginLimiter        *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, supportPasswordHash string) *API {
	return &API{
		service:             svc,
		auth:                auth,
		allowedOrigin:       allowedOrigin,
		supportPasswordHash: supportPasswordHash,
		loginLimiter:        newAttemptLimiter(5, time.Minute),
	}
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
	mux.HandleFunc("/api/v1/operator/login", a.handleOperatorLogin)

	mux.HandleFunc("/api/v1/operators/sync", a.requireAuth(a.handleOperatorSync))
	mux.HandleFunc("/api/v1/operators/cache", a.requireAuth(a.handleOperatorCache))
	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts))

	mux.HandleFunc("/api/v1/close/temporal", a.requireAuth(a.handleTemporal))
	mux.HandleFunc("/api/v1/close/temporal/items", a.requireAuth(a.handleTemporalItems))
	mux.HandleFunc("/api/v1/close/temporal/cash-received", a.requireAuth(a.amountStep(a.service.SetCashReceived)))
	mux.HandleFunc("/api/v1/close/temporal/bank-received", a.requireAuth(a.amountStep(a.service.SetBankReceived)))
	mux.HandleFunc("/api/v1/close/temporal/other-expenses", a.requireAuth(a.amountStep(a.service.SetOtherCashExpenses)))
	mux.HandleFunc("/api/v1/close/temporal/delivery-expense", a.requireAuth(a.amountStep(a.service.SetDeliveryCashPaid)))
	mux.HandleFunc("/api/v1/close/temporal/notes", a.requireAuth(a.handleTemporalNotes))
	mux.HandleFunc("/api/v1/close/confirm", a.requireAuth(a.handleConfirmClose))

	mux.HandleFunc("/api/v1/closes", a.requireAuth(a.handleCloses))
	mux.HandleFunc("/api/v1/closes/", a.requireAuth(a.handleCloseActions))

	mux.HandleFunc("/api/v1/clock/in", a.requireAuth(a.handleClockIn))
	mux.HandleFunc("/api/v1/clock/out", a.requireAuth(a.handleClockOut))
	mux.HandleFunc("/api/v1/clock/records", a.requireAuth(a.handleClockRecords))
	mux.HandleFunc("/api/v1/clock/records/", a.requireAuth(a.handleClockRecordActions))

	mux.HandleFunc("/api/v1/dashboard", a.requireAuth(a.handleDashboard))
	mux.HandleFunc("/api/v1/sync/run", a.requireAuth(a.handleSyncRun))
	mux.HandleFunc("/api/v1/sync/status", a.requireAuth(a.handleSyncStatus))
	mux.HandleFunc("/api/v1/display/keep-awake", a.requireAuth(a.handleKeepAwake))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
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

func (a *API) handleOperatorLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.OperatorLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.PIN) == "" {
		writeError(w, http.StatusBadRequest, errors.New("phone and pin are required"))
		return
	}

	operator, err := a.service.OperatorLogin(r.Context(), req.Phone, req.PIN)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, service.ErrNoOperators) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}

	token, expiresAt, err := a.auth.IssueToken(domain.Actor{
		UserID: operator.UserID,
		Name:   operator.Name,
		Role:   operator.Role,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.OperatorLoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		Operator:    operator,
	})
}

func (a *API) handleOperatorSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.SyncOperators(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cache": summary})
}

func (a *API) handleOperatorCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.CacheSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cache": summary})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": a.service.Products()})
}

func (a *API) handleTemporal(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.service.TemporalState())
	case http.MethodDelete:
		if err := a.service.ResetTemporal(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, a.service.TemporalState())
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTemporalItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SetItemsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.SetItems(r.Context(), req.Items); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.service.TemporalState())
}

// amountStep builds a handler for the single-amount wizard steps, which
// differ only in which draft field they set.
func (a *API) amountStep(set func(ctx context.Context, amount int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}

		var req domain.SetAmountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.AmountCents < 0 {
			writeError(w, http.StatusBadRequest, errors.New("amount_cents must not be negative"))
			return
		}

		if err := set(r.Context(), req.AmountCents); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, a.service.TemporalState())
	}
}

func (a *API) handleTemporalNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SetNotesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.SetNotes(r.Context(), req.Notes); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.service.TemporalState())
}

func (a *API) handleConfirmClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, ok := service.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing actor"))
		return
	}

	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	close, err := a.service.ConfirmClose(r.Context(), actor, req.Phone)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrEmptyDraft) || errors.Is(err, service.ErrNoItems) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.ConfirmCloseResponse{Close: close})
}

func (a *API) handleCloses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, domain.CloseListResponse{Closes: a.service.ListCloses()})
}

func (a *API) handleCloseActions(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimPrefix(r.URL.Path, "/api/v1/closes/")
	if date == "" || strings.Contains(date, "/") {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		close, ok := a.service.GetClose(date)
		if !ok {
			writeError(w, http.StatusNotFound, closestore.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"close": close})
	case http.MethodDelete:
		if !validSupportPassword(a.supportPasswordHash, r.Header.Get("X-Support-Password")) {
			writeError(w, http.StatusForbidden, errors.New("support password required"))
			return
		}
		if err := a.service.DeleteClose(r.Context(), date); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, closestore.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": date})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleClockIn(w http.ResponseWriter, r *http.Request) {
	a.handleClock(w, r, a.service.ClockIn)
}

func (a *API) handleClockOut(w http.ResponseWriter, r *http.Request) {
	a.handleClock(w, r, a.service.ClockOut)
}

func (a *API) handleClock(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string) (domain.EmployeeClockRecord, error)) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ClockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		if actor, ok := service.ActorFromContext(r.Context()); ok {
			userID = actor.UserID
		}
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}

	record, err := op(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ClockResponse{UserID: userID, Record: record})
}

func (a *API) handleClockRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	records, err := a.service.ClockRecords(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (a *API) handleClockRecordActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/api/v1/clock/records/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	record, err := a.service.ClockRecord(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ClockResponse{UserID: userID, Record: record})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		date = time.Now().UTC().Format(closestore.DateLayout)
	}
	if _, err := time.Parse(closestore.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
		return
	}

	cogsCents := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cogs_cents")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("cogs_cents must be a non-negative integer"))
			return
		}
		cogsCents = parsed
	}

	writeJSON(w, http.StatusOK, a.service.BuildDashboard(date, cogsCents))
}

func (a *API) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	result := a.service.SyncNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"result": result,
		"status": a.service.SyncStatus(),
	})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.service.SyncStatus())
}

func (a *API) handleKeepAwake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keep_awake": a.service.KeepAwakeActive()})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Support-Password")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses return a generic message so internals never leak to
	// the client; 4xx messages are user-facing and pass through.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
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
