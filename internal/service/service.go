// Package service wires the stores, the backend client and the sync
// engine into the operations the local API exposes. All business rules
// that span more than one store live here.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mojarreria/kiosk/internal/backend"
	"mojarreria/kiosk/internal/closestore"
	"mojarreria/kiosk/internal/clockstore"
	"mojarreria/kiosk/internal/config"
	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/metrics"
	"mojarreria/kiosk/internal/operatorcache"
	"mojarreria/kiosk/internal/report"
	"mojarreria/kiosk/internal/syncer"
)

var (
	ErrInvalidCredentials = errors.New("invalid operator credentials")
	ErrNoOperators        = errors.New("no active operators available")
	ErrEmptyDraft         = errors.New("no close draft in progress")
	ErrNoItems            = errors.New("close draft has no items")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// OperatorValidator is the online slice of the backend the login and
// cache-refresh paths need.
type OperatorValidator interface {
	ValidateOperator(ctx context.Context, phone string, pin string) (backend.ValidateResult, error)
	FetchOperators(ctx context.Context) ([]domain.CachedOperator, error)
}

// SyncRunner runs one sync pass.
type SyncRunner interface {
	Sync(ctx context.Context) syncer.Result
}

// DimFunc applies the device's dim state. Injected by the host platform;
// the agent only decides when, never how.
type DimFunc func(dim bool)

type Service struct {
	closes    *closestore.Store
	operators *operatorcache.Cache
	clock     *clockstore.Store
	validator OperatorValidator
	engine    SyncRunner
	reporter  report.Reporter

	catalog    []domain.Product
	thresholds metrics.Thresholds
	keepAwake  config.Window
	dimmer     DimFunc
	now        func() time.Time

	mu         sync.Mutex
	syncStatus domain.SyncStatusInfo
}

type Options struct {
	Closes     *closestore.Store
	Operators  *operatorcache.Cache
	Clock      *clockstore.Store
	Validator  OperatorValidator
	Engine     SyncRunner
	Reporter   report.Reporter
	Catalog    []domain.Product
	Thresholds metrics.Thresholds
	KeepAwake  config.Window
	Dimmer     DimFunc
	Now        func() time.Time
}

func New(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = report.Noop{}
	}
	return &Service{
		closes:     opts.Closes,
		operators:  opts.Operators,
		clock:      opts.Clock,
		validator:  opts.Validator,
		engine:     opts.Engine,
		reporter:   reporter,
		catalog:    opts.Catalog,
		thresholds: opts.Thresholds,
		keepAwake:  opts.KeepAwake,
		dimmer:     opts.Dimmer,
		now:        now,
		syncStatus: domain.SyncStatusInfo{Status: domain.SyncStatusPending},
	}
}

func (s *Service) Products() []domain.Product {
	products := make([]domain.Product, len(s.catalog))
	copy(products, s.catalog)
	return products
}

// OperatorLogin authorizes an operator online-first. A definitive online
// rejection fails the login; a network failure falls back to the offline
// cache. An operator validated online is upserted into the cache so the
// same person can log in during the next outage.
func (s *Service) OperatorLogin(ctx context.Context, phone string, pin string) (domain.CloseOperator, error) {
	hasAny, err := s.operators.HasOperators(ctx)
	if err != nil {
		return domain.CloseOperator{}, err
	}
	if !hasAny {
		return domain.CloseOperator{}, ErrNoOperators
	}

	validatedAt := s.now().Format(time.RFC3339)

	result, onlineErr := s.validator.ValidateOperator(ctx, phone, pin)
	if onlineErr == nil {
		if !result.Success {
			return domain.CloseOperator{}, ErrInvalidCredentials
		}
		operator := domain.CloseOperator{
			UserID:      result.UserID,
			Name:        result.Name,
			Phone:       result.Phone,
			Role:        result.Role,
			ValidatedAt: validatedAt,
			Source:      domain.LoginSourceOnline,
		}
		if err := s.operators.Upsert(ctx, domain.CachedOperator{
			UserID: result.UserID,
			Name:   result.Name,
			Phone:  result.Phone,
			Role:   result.Role,
			PIN:    pin,
			Active: true,
		}); err != nil {
			s.reporter.Report(err, report.Context{
				Scope: "operator_login_cache_upsert",
				Extra: map[string]any{"userId": result.UserID},
			})
		}
		return operator, nil
	}

	cached, found, err := s.operators.FindForLogin(ctx, phone, pin)
	if err != nil {
		return domain.CloseOperator{}, err
	}
	if !found {
		return domain.CloseOperator{}, ErrInvalidCredentials
	}
	return domain.CloseOperator{
		UserID:      cached.UserID,
		Name:        cached.Name,
		Phone:       cached.Phone,
		Role:        cached.Role,
		ValidatedAt: validatedAt,
		Source:      domain.LoginSourceOfflineCache,
	}, nil
}

// SyncOperators refreshes the offline cache from the backend.
func (s *Service) SyncOperators(ctx context.Context) (domain.OperatorCacheSummary, error) {
	if _, err := s.operators.Sync(ctx, s.validator); err != nil {
		return domain.OperatorCacheSummary{}, err
	}
	return s.operators.Summary(ctx)
}

func (s *Service) CacheSummary(ctx context.Context) (domain.OperatorCacheSummary, error) {
	return s.operators.Summary(ctx)
}

// Wizard step operations. Each one persists the draft immediately.

func (s *Service) TemporalState() domain.TemporalStateResponse {
	temporal := s.closes.Temporal()
	return domain.TemporalStateResponse{Temporal: temporal, Resumable: !temporal.Empty()}
}

func (s *Service) SetItems(ctx context.Context, items []domain.ProductSale) error {
	return s.closes.SetTemporalItems(ctx, items)
}

func (s *Service) SetCashReceived(ctx context.Context, amount int64) error {
	return s.closes.SetTemporalCashReceived(ctx, amount)
}

func (s *Service) SetBankReceived(ctx context.Context, amount int64) error {
	return s.closes.SetTemporalBankReceived(ctx, amount)
}

func (s *Service) SetOtherCashExpenses(ctx context.Context, amount int64) error {
	return s.closes.SetTemporalOtherCashExpenses(ctx, amount)
}

func (s *Service) SetDeliveryCashPaid(ctx context.Context, amount int64) error {
	return s.closes.SetTemporalDeliveryCashPaid(ctx, amount)
}

func (s *Service) SetNotes(ctx context.Context, notes string) error {
	return s.closes.SetTemporalNotes(ctx, notes)
}

func (s *Service) ResetTemporal(ctx context.Context) error {
	return s.closes.ResetTemporal(ctx)
}

// ConfirmClose finalizes the draft into the close for today, stamps the
// acting operator and resets the draft. ExpectedTotal always equals the
// items total at this point. Confirming over an existing close for the
// same date replaces it.
func (s *Service) ConfirmClose(ctx context.Context, actor domain.Actor, phone string) (domain.DailyClose, error) {
	temporal := s.closes.Temporal()
	if temporal.Empty() {
		return domain.DailyClose{}, ErrEmptyDraft
	}
	if len(temporal.Items) == 0 {
		return domain.DailyClose{}, ErrNoItems
	}

	now := s.now()
	close := domain.DailyClose{
		Date:                  now.Format(closestore.DateLayout),
		Items:                 temporal.Items,
		CashReceived:          deref(temporal.CashReceived),
		BankTransfersReceived: deref(temporal.BankTransfersReceived),
		DeliveryCashPaid:      deref(temporal.DeliveryCashPaid),
		OtherCashExpenses:     deref(temporal.OtherCashExpenses),
		Notes:                 derefString(temporal.Notes),
		ClosedByUserID:        actor.UserID,
		ClosedByName:          actor.Name,
		ClosedByPhone:         phone,
		CreatedAt:             now.Format(time.RFC3339),
	}
	close.ExpectedTotal = close.ItemsTotal()

	if err := s.closes.UpsertClose(ctx, close); err != nil {
		return domain.DailyClose{}, fmt.Errorf("confirm close: %w", err)
	}
	if err := s.closes.ResetTemporal(ctx); err != nil {
		return domain.DailyClose{}, fmt.Errorf("confirm close: %w", err)
	}
	return close, nil
}

func (s *Service) ListCloses() []domain.DailyClose {
	return s.closes.ListCloses()
}

func (s *Service) GetClose(date string) (domain.DailyClose, bool) {
	return s.closes.GetClose(date)
}

func (s *Service) IsClosed(date string) bool {
	return s.closes.IsClosed(date)
}

// DeleteClose is support-only; the handler gates it behind the support
// password before calling in.
func (s *Service) DeleteClose(ctx context.Context, date string) error {
	return s.closes.DeleteClose(ctx, date)
}

func (s *Service) ClockIn(ctx context.Context, userID string) (domain.EmployeeClockRecord, error) {
	return s.clock.ClockIn(ctx, userID)
}

func (s *Service) ClockOut(ctx context.Context, userID string) (domain.EmployeeClockRecord, error) {
	return s.clock.ClockOut(ctx, userID)
}

func (s *Service) ClockRecord(ctx context.Context, userID string) (domain.EmployeeClockRecord, error) {
	return s.clock.Record(ctx, userID)
}

func (s *Service) ClockRecords(ctx context.Context) (map[string]domain.EmployeeClockRecord, error) {
	return s.clock.Records(ctx)
}

// SyncNow runs one sync pass and advances the watermark only when the
// pass succeeded with at least one close pushed. The pass result also
// feeds the status endpoint and the staleness alert.
func (s *Service) SyncNow(ctx context.Context) syncer.Result {
	result := s.engine.Sync(ctx)
	attemptedAt := s.now()

	if result.OK && result.SyncedCount > 0 {
		if err := s.closes.SetLastSyncedDate(ctx, result.SyncedAt); err != nil {
			s.reporter.Report(err, report.Context{
				Scope: "sync_daily_closes_watermark",
				Extra: map[string]any{"syncedAt": result.SyncedAt},
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStatus.LastAttemptAt = &attemptedAt
	s.syncStatus.LastSyncedDate = s.closes.LastSyncedDate()
	if result.OK {
		s.syncStatus.Status = domain.SyncStatusSuccess
		s.syncStatus.LastErrorMessage = ""
	} else {
		s.syncStatus.Status = domain.SyncStatusFailed
		s.syncStatus.LastErrorMessage = fmt.Sprintf("sync pass failed: %d of %d closes pushed", result.SyncedCount, result.Attempted)
	}
	return result
}

// SyncIfNeeded skips the pass entirely when nothing is newer than the
// watermark. The periodic task uses this; the manual endpoint calls
// SyncNow unconditionally.
func (s *Service) SyncIfNeeded(ctx context.Context) (syncer.Result, bool) {
	if !s.closes.ShouldSync() {
		return syncer.Result{}, false
	}
	return s.SyncNow(ctx), true
}

func (s *Service) SyncStatus() domain.SyncStatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncStatus
}

// Dashboard is the reconciliation view for one date: metrics, the alert
// evaluation and the baseline that fed the product-drop rule. cogsCents
// comes from the caller's costing source; zero means unknown.
type Dashboard struct {
	Date     string                    `json:"date"`
	Close    *domain.DailyClose        `json:"close,omitempty"`
	Metrics  metrics.Metrics           `json:"metrics"`
	Alerts   []metrics.Alert           `json:"alerts"`
	Baseline []metrics.ProductBaseline `json:"baseline"`
}

const baselineDays = 7

func (s *Service) BuildDashboard(date string, cogsCents int64) Dashboard {
	var close *domain.DailyClose
	if found, ok := s.closes.GetClose(date); ok {
		close = &found
	}

	baseline := metrics.ComputeBaseline(s.trailingCloses(date, baselineDays))
	synced := close != nil && !dateAfter(date, s.closes.LastSyncedDate())
	built := metrics.Build(close, cogsCents, synced)

	alerts := metrics.GenerateAlerts(metrics.AlertInput{
		SelectedDate: date,
		Close:        close,
		Metrics:      built,
		Baseline:     baseline,
		SyncStatus:   s.SyncStatus(),
		Now:          s.now(),
		Thresholds:   s.thresholds,
	})

	return Dashboard{Date: date, Close: close, Metrics: built, Alerts: alerts, Baseline: baseline}
}

// trailingCloses returns up to n closes dated strictly before date,
// most recent window first in ascending order.
func (s *Service) trailingCloses(date string, n int) []domain.DailyClose {
	all := s.closes.ListCloses()
	trailing := make([]domain.DailyClose, 0, n)
	for _, close := range all {
		if close.Date < date && len(close.Date) == len(date) {
			trailing = append(trailing, close)
		}
	}
	if len(trailing) > n {
		trailing = trailing[len(trailing)-n:]
	}
	return trailing
}

// KeepAwakeActive reports whether the display should be held awake right
// now per the configured business-hours window.
func (s *Service) KeepAwakeActive() bool {
	return s.keepAwake.Contains(s.now())
}

// ApplyDisplayPolicy pushes the current keep-awake decision to the
// injected dimmer. A no-op without one.
func (s *Service) ApplyDisplayPolicy() {
	if s.dimmer == nil {
		return
	}
	s.dimmer(!s.KeepAwakeActive())
}

func dateAfter(a, b string) bool {
	ta, err := time.Parse(closestore.DateLayout, a)
	if err != nil {
		return false
	}
	tb, err := time.Parse(closestore.DateLayout, b)
	if err != nil {
		return true
	}
	return ta.After(tb)
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
