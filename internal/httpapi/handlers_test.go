package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mojarreria/kiosk/internal/backend"
	"mojarreria/kiosk/internal/closestore"
	"mojarreria/kiosk/internal/clockstore"
	"mojarreria/kiosk/internal/config"
	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/kv"
	"mojarreria/kiosk/internal/metrics"
	"mojarreria/kiosk/internal/operatorcache"
	"mojarreria/kiosk/internal/service"
	"mojarreria/kiosk/internal/syncer"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 15, 20, 0, 0, 0, time.UTC)
}

type fakeValidator struct {
	result backend.ValidateResult
	err    error
}

func (f *fakeValidator) ValidateOperator(context.Context, string, string) (backend.ValidateResult, error) {
	if f.err != nil {
		return backend.ValidateResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeValidator) FetchOperators(context.Context) ([]domain.CachedOperator, error) {
	return nil, errors.New("not implemented")
}

type fakeEngine struct {
	result syncer.Result
}

func (f *fakeEngine) Sync(context.Context) syncer.Result {
	return f.result
}

type testEnv struct {
	api       *API
	closes    *closestore.Store
	validator *fakeValidator
	engine    *fakeEngine
}

// newTestAPI builds a full API over an in-memory store with a real
// AuthManager and Service so handler tests exercise the whole path.
func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	kvStore := kv.NewMemory()
	closes, err := closestore.Open(context.Background(), kvStore, domain.DefaultCatalog(), closestore.Options{Now: fixedNow})
	if err != nil {
		t.Fatalf("open close store: %v", err)
	}

	operators := operatorcache.New(kvStore, domain.CachedOperator{
		UserID: "local-admin",
		Name:   "Administrador Local",
		Phone:  "5219990000",
		PIN:    "0000",
	}, fixedNow)

	validator := &fakeValidator{err: errors.New("offline")}
	engine := &fakeEngine{result: syncer.Result{OK: true, SyncedAt: closestore.EpochDate}}

	svc := service.New(service.Options{
		Closes:     closes,
		Operators:  operators,
		Clock:      clockstore.New(kvStore, fixedNow),
		Validator:  validator,
		Engine:     engine,
		Catalog:    domain.DefaultCatalog(),
		Thresholds: metrics.DefaultThresholds(),
		KeepAwake:  config.Window{From: "10:00", To: "23:00"},
		Now:        fixedNow,
	})

	auth := NewAuthManager("test-secret-key", time.Hour, nil)
	api := New(svc, auth, "*", mustHashPassword(t, "soporte-123"))

	return &testEnv{api: api, closes: closes, validator: validator, engine: engine}
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginToken(t *testing.T, env *testEnv) string {
	t.Helper()

	rec := doJSON(t, env.api.Handler(), http.MethodPost, "/api/v1/operator/login", "",
		domain.OperatorLoginRequest{Phone: "5219990000", PIN: "0000"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp domain.OperatorLoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Operator.Source != domain.LoginSourceOfflineCache {
		t.Fatalf("bootstrap login should be offline_cache, got %q", resp.Operator.Source)
	}
	return resp.AccessToken
}

func TestHandleHealth(t *testing.T) {
	env := newTestAPI(t)

	rec := doJSON(t, env.api.Handler(), http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestAPI(t)
	handler := env.api.Handler()

	for _, path := range []string{"/api/v1/close/temporal", "/api/v1/closes", "/api/v1/sync/status"} {
		rec := doJSON(t, handler, http.MethodGet, path, "", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/closes", "garbage-token", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestLoginRejectsWrongPin(t *testing.T) {
	env := newTestAPI(t)

	rec := doJSON(t, env.api.Handler(), http.MethodPost, "/api/v1/operator/login", "",
		domain.OperatorLoginRequest{Phone: "5219990000", PIN: "9999"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWizardFlowThroughConfirm(t *testing.T) {
	env := newTestAPI(t)
	handler := env.api.Handler()
	token := loginToken(t, env)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/close/temporal/items", token, domain.SetItemsRequest{
		Items: []domain.ProductSale{{ProductID: "001", Name: "Mojarra Frita", PriceCents: 15000, Qty: 3}},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set items: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/close/temporal/cash-received", token,
		domain.SetAmountRequest{AmountCents: 40000}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set cash: %d %s", rec.Code, rec.Body.String())
	}

	var state domain.TemporalStateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !state.Resumable || state.Temporal.StepPosition != domain.StepCashReceived {
		t.Fatalf("unexpected draft state: %+v", state)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/close/confirm", token,
		map[string]any{"phone": "5219990000"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}

	var confirmed domain.ConfirmCloseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &confirmed); err != nil {
		t.Fatalf("decode confirm: %v", err)
	}
	if confirmed.Close.Date != "2025-03-15" || confirmed.Close.ExpectedTotal != 45000 {
		t.Fatalf("unexpected close: %+v", confirmed.Close)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/close/temporal", token, nil, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Resumable {
		t.Fatal("draft must be reset after confirm")
	}
}

func TestConfirmEmptyDraftIsUnprocessable(t *testing.T) {
	env := newTestAPI(t)
	token := loginToken(t, env)

	rec := doJSON(t, env.api.Handler(), http.MethodPost, "/api/v1/close/confirm", token,
		map[string]any{"phone": ""}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	env := newTestAPI(t)
	token := loginToken(t, env)

	rec := doJSON(t, env.api.Handler(), http.MethodPost, "/api/v1/close/temporal/cash-received", token,
		domain.SetAmountRequest{AmountCents: -100}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteCloseRequiresSupportPassword(t *testing.T) {
	env := newTestAPI(t)
	handler := env.api.Handler()
	token := loginToken(t, env)

	close := domain.DailyClose{Date: "2025-03-14", Items: []domain.ProductSale{{ProductID: "001", Name: "Mojarra", PriceCents: 15000, Qty: 1}}}
	close.ExpectedTotal = close.ItemsTotal()
	if err := env.closes.UpsertClose(context.Background(), close); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := doJSON(t, handler, http.MethodDelete, "/api/v1/closes/2025-03-14", token, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without password, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/closes/2025-03-14", token, nil,
		map[string]string{"X-Support-Password": "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong password, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/closes/2025-03-14", token, nil,
		map[string]string{"X-Support-Password": "soporte-123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/closes/2025-03-14", token, nil,
		map[string]string{"X-Support-Password": "soporte-123"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for already deleted close, got %d", rec.Code)
	}
}

func TestDashboardValidatesQuery(t *testing.T) {
	env := newTestAPI(t)
	handler := env.api.Handler()
	token := loginToken(t, env)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/dashboard?date=not-a-date", token, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/dashboard?date=2025-03-15&cogs_cents=-5", token, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cogs, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/dashboard?date=2025-03-15", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestClockInOutEndpoints(t *testing.T) {
	env := newTestAPI(t)
	handler := env.api.Handler()
	token := loginToken(t, env)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/clock/in", token, domain.ClockRequest{UserID: "emp-1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clock in: %d %s", rec.Code, rec.Body.String())
	}

	var resp domain.ClockResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Record.Status != domain.ClockStatusIn {
		t.Fatalf("expected IN, got %q", resp.Record.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/clock/out", token, domain.ClockRequest{UserID: "emp-1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clock out: %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/clock/records/emp-1", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("record: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Record.Status != domain.ClockStatusOut {
		t.Fatalf("expected OUT, got %q", resp.Record.Status)
	}
}

func TestSyncRunAndStatus(t *testing.T) {
	env := newTestAPI(t)
	handler := env.api.Handler()
	token := loginToken(t, env)

	env.engine.result = syncer.Result{OK: true, SyncedAt: "2025-03-14", SyncedCount: 1, Attempted: 1}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sync/run", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync run: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sync/status", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status: %d", rec.Code)
	}
	var status domain.SyncStatusInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != domain.SyncStatusSuccess || status.LastSyncedDate != "2025-03-14" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestAPI(t)
	token := loginToken(t, env)

	rec := doJSON(t, env.api.Handler(), http.MethodPut, "/api/v1/closes", token, nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestKeepAwakeEndpoint(t *testing.T) {
	env := newTestAPI(t)
	token := loginToken(t, env)

	rec := doJSON(t, env.api.Handler(), http.MethodGet, "/api/v1/display/keep-awake", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("keep awake: %d", rec.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp["keep_awake"] {
		t.Fatal("20:00 is inside the 10:00-23:00 window")
	}
}
