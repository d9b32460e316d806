// Package closestore owns the device-local daily-close state: historical
// closes keyed by date, the in-progress wizard draft, and the sync
// watermark. Every mutation persists synchronously to the underlying kv
// store; consumers only ever see hydrated state because Open performs the
// one-time migration/seed pass before returning.
package closestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/kv"
)

const (
	storageKey     = "mojarreria:daily-close-store:v1"
	currentVersion = 1

	// DateLayout is the business-key format for close dates.
	DateLayout = "2006-01-02"

	// EpochDate is the never-synced watermark sentinel.
	EpochDate = "1900-01-01"
)

var ErrNotFound = errors.New("close not found")

type payload struct {
	Version        int                           `json:"version"`
	ClosesByDate   map[string]domain.DailyClose  `json:"closesByDate"`
	LastSyncedDate string                        `json:"lastSyncedDate"`
	Temporal       domain.TemporalDailyClose     `json:"temporalSale"`
}

func defaultPayload() payload {
	return payload{
		Version:        currentVersion,
		ClosesByDate:   make(map[string]domain.DailyClose),
		LastSyncedDate: EpochDate,
	}
}

// SeedIdentity is stamped as the closing operator on synthetic seed data.
type SeedIdentity struct {
	UserID string
	Name   string
	Phone  string
}

type Options struct {
	// Clean wipes all persisted close state on hydration (dev/debug builds).
	Clean bool
	// Seed generates synthetic trailing-day closes on hydration. Ignored
	// when Production is set.
	Seed       bool
	Production bool
	SeedCloses int
	SeedBy     SeedIdentity
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Store struct {
	mu      sync.RWMutex
	kv      kv.Store
	state   payload
	catalog []domain.Product
	now     func() time.Time
}

// Open hydrates the store from kv, applying the version migration and the
// clean/seed build flags, and persists the resulting state before
// returning. A corrupt or unknown-version payload falls back to the empty
// default rather than failing startup.
func Open(ctx context.Context, kvStore kv.Store, catalog []domain.Product, opts Options) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	s := &Store{kv: kvStore, catalog: catalog, now: now}

	raw, found, err := kvStore.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("hydrate close store: %w", err)
	}

	s.state = defaultPayload()
	if found {
		s.state = migrate(raw)
	}

	if opts.Clean {
		s.state = defaultPayload()
	}

	if opts.Seed && !opts.Production {
		count := opts.SeedCloses
		if count < 1 {
			count = 20
		}
		s.state.ClosesByDate = buildSeedCloses(catalog, count, opts.SeedBy, now())
		s.state.LastSyncedDate = EpochDate
		s.state.Temporal = domain.TemporalDailyClose{}
	}

	if err := s.persist(ctx); err != nil {
		return nil, fmt.Errorf("hydrate close store: %w", err)
	}

	log.Printf("[closestore] hydrated closes=%d lastSynced=%s", len(s.state.ClosesByDate), s.state.LastSyncedDate)
	return s, nil
}

// migrate validates a raw persisted payload against the current schema.
// Unknown versions and corrupt JSON fall back to the empty default; a
// valid payload has its optional fields normalized.
func migrate(raw []byte) payload {
	var parsed payload
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Printf("[closestore] corrupt payload, resetting: %v", err)
		return defaultPayload()
	}
	if parsed.Version != currentVersion {
		log.Printf("[closestore] unknown payload version %d, resetting", parsed.Version)
		return defaultPayload()
	}
	if parsed.ClosesByDate == nil {
		parsed.ClosesByDate = make(map[string]domain.DailyClose)
	}
	if parsed.LastSyncedDate == "" {
		parsed.LastSyncedDate = EpochDate
	}
	return parsed
}

func (s *Store) persist(ctx context.Context) error {
	raw, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, storageKey, raw)
}

// UpsertClose inserts or overwrites the close for its date. Re-closing an
// already-closed date silently replaces the previous record.
func (s *Store) UpsertClose(ctx context.Context, close domain.DailyClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.ClosesByDate[close.Date] = close
	return s.persist(ctx)
}

func (s *Store) GetClose(date string) (domain.DailyClose, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	close, ok := s.state.ClosesByDate[date]
	return close, ok
}

func (s *Store) IsClosed(date string) bool {
	_, ok := s.GetClose(date)
	return ok
}

// ListCloses returns all closes sorted by date ascending. Unparseable
// dates sort last by their raw string.
func (s *Store) ListCloses() []domain.DailyClose {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closes := make([]domain.DailyClose, 0, len(s.state.ClosesByDate))
	for _, close := range s.state.ClosesByDate {
		closes = append(closes, close)
	}
	sort.Slice(closes, func(i, j int) bool {
		return dateLess(closes[i].Date, closes[j].Date)
	})
	return closes
}

// DeleteClose removes the close for a date. Support-only operation.
func (s *Store) DeleteClose(ctx context.Context, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.ClosesByDate[date]; !ok {
		return ErrNotFound
	}
	delete(s.state.ClosesByDate, date)
	return s.persist(ctx)
}

func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.ClosesByDate = make(map[string]domain.DailyClose)
	return s.persist(ctx)
}

func (s *Store) Temporal() domain.TemporalDailyClose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Temporal
}

// setTemporal applies one wizard step mutation: stamp the draft with the
// current time and the step that produced it, then persist.
func (s *Store) setTemporal(ctx context.Context, step domain.StepPosition, apply func(*domain.TemporalDailyClose)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	apply(&s.state.Temporal)
	s.state.Temporal.Date = s.now().Format(time.RFC3339)
	s.state.Temporal.StepPosition = step
	return s.persist(ctx)
}

func (s *Store) SetTemporalItems(ctx context.Context, items []domain.ProductSale) error {
	return s.setTemporal(ctx, domain.StepItems, func(t *domain.TemporalDailyClose) {
		t.Items = items
	})
}

func (s *Store) SetTemporalCashReceived(ctx context.Context, amount int64) error {
	return s.setTemporal(ctx, domain.StepCashReceived, func(t *domain.TemporalDailyClose) {
		t.CashReceived = &amount
	})
}

func (s *Store) SetTemporalBankReceived(ctx context.Context, amount int64) error {
	return s.setTemporal(ctx, domain.StepBankReceived, func(t *domain.TemporalDailyClose) {
		t.BankTransfersReceived = &amount
	})
}

func (s *Store) SetTemporalOtherCashExpenses(ctx context.Context, amount int64) error {
	return s.setTemporal(ctx, domain.StepOtherExpenses, func(t *domain.TemporalDailyClose) {
		t.OtherCashExpenses = &amount
	})
}

func (s *Store) SetTemporalDeliveryCashPaid(ctx context.Context, amount int64) error {
	return s.setTemporal(ctx, domain.StepDeliveryExpense, func(t *domain.TemporalDailyClose) {
		t.DeliveryCashPaid = &amount
	})
}

func (s *Store) SetTemporalNotes(ctx context.Context, notes string) error {
	return s.setTemporal(ctx, domain.StepNotes, func(t *domain.TemporalDailyClose) {
		t.Notes = &notes
	})
}

func (s *Store) ResetTemporal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Temporal = domain.TemporalDailyClose{}
	return s.persist(ctx)
}

func (s *Store) LastSyncedDate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSyncedDate
}

// SetLastSyncedDate overwrites the watermark unconditionally; the caller
// is responsible for passing a date that actually synced.
func (s *Store) SetLastSyncedDate(ctx context.Context, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.LastSyncedDate = date
	return s.persist(ctx)
}

// ShouldSync reports whether at least one close is dated strictly after
// the watermark. Derived on every call, never stored.
func (s *Store) ShouldSync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.state.ClosesByDate) == 0 {
		return false
	}
	newest := ""
	for date := range s.state.ClosesByDate {
		if newest == "" || dateLess(newest, date) {
			newest = date
		}
	}
	return dateAfter(newest, s.state.LastSyncedDate)
}

// dateAfter reports whether a is a parseable date strictly after b. An
// unparseable a is never "after" anything; an unparseable b means any
// valid a counts as after it.
func dateAfter(a, b string) bool {
	ta, err := time.Parse(DateLayout, a)
	if err != nil {
		return false
	}
	tb, err := time.Parse(DateLayout, b)
	if err != nil {
		return true
	}
	return ta.After(tb)
}

func dateLess(a, b string) bool {
	ta, errA := time.Parse(DateLayout, a)
	tb, errB := time.Parse(DateLayout, b)
	switch {
	case errA == nil && errB == nil:
		return ta.Before(tb)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

// buildSeedCloses generates count synthetic closes for the trailing days,
// oldest first, using the first two catalog products. Dev/demo data only.
func buildSeedCloses(catalog []domain.Product, count int, by SeedIdentity, now time.Time) map[string]domain.DailyClose {
	first := domain.Product{ProductID: "001", Name: "Mojarra Frita", PriceCents: 15000}
	second := domain.Product{ProductID: "002", Name: "Empanada Camaron/Queso", PriceCents: 10000}
	if len(catalog) > 0 {
		first = catalog[0]
	}
	if len(catalog) > 1 {
		second = catalog[1]
	}

	closes := make(map[string]domain.DailyClose, count)
	for i := count; i >= 1; i-- {
		day := now.AddDate(0, 0, -i)
		date := day.Format(DateLayout)
		items := []domain.ProductSale{
			{ProductID: first.ProductID, Name: first.Name, PriceCents: first.PriceCents, Qty: 3 + i%5},
			{ProductID: second.ProductID, Name: second.Name, PriceCents: second.PriceCents, Qty: 2 + i%4},
		}
		var expectedTotal int64
		for _, item := range items {
			expectedTotal += item.Subtotal()
		}
		cashReceived := int64(math.Round(float64(expectedTotal) * 0.7))
		createdAt := time.Date(day.Year(), day.Month(), day.Day(), 23, 30, 0, 0, time.UTC)

		closes[date] = domain.DailyClose{
			Date:                  date,
			Items:                 items,
			CashReceived:          cashReceived,
			BankTransfersReceived: expectedTotal - cashReceived,
			DeliveryCashPaid:      int64(2000 + (i%3)*1000),
			OtherCashExpenses:     int64(1000 + (i%4)*500),
			Notes:                 "Seeded close",
			ClosedByUserID:        by.UserID,
			ClosedByName:          by.Name,
			ClosedByPhone:         by.Phone,
			ExpectedTotal:         expectedTotal,
			CreatedAt:             createdAt.Format(time.RFC3339),
		}
	}
	return closes
}
