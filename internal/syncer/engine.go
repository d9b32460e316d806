// Package syncer pushes locally finalized closes to the backend in
// ascending date order, with per-item failure isolation and a one-shot
// recovery retry for the backend's known timestamp-serialization defect.
// The watermark result is only ever a date that individually succeeded in
// the current pass.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mojarreria/kiosk/internal/backend"
	"mojarreria/kiosk/internal/closestore"
	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/report"
)

// CloseSource is the slice of the local close store the engine needs.
// Errors from either method abort the whole pass (fatal setup failure).
type CloseSource interface {
	ListCloses() ([]domain.DailyClose, error)
	LastSyncedDate() (string, error)
}

// Pusher is the backend upsert boundary.
type Pusher interface {
	UpsertDailyCloseRaw(ctx context.Context, deviceID string, date string, payload any) (backend.UpsertResult, error)
}

// Result is the outcome of one sync pass. SyncedAt is the last date that
// individually succeeded and is the caller's new watermark candidate when
// OK with SyncedCount > 0; otherwise it echoes the previous watermark.
type Result struct {
	OK          bool   `json:"ok"`
	SyncedAt    string `json:"synced_at"`
	SyncedCount int    `json:"synced_count"`
	Attempted   int    `json:"attempted"`
}

type Engine struct {
	source   CloseSource
	pusher   Pusher
	reporter report.Reporter
	deviceID string
	now      func() time.Time
}

func New(source CloseSource, pusher Pusher, reporter report.Reporter, deviceID string, now func() time.Time) *Engine {
	if reporter == nil {
		reporter = report.Noop{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{source: source, pusher: pusher, reporter: reporter, deviceID: deviceID, now: now}
}

// wirePayload is the exact document sent to upsertDailyCloseRaw. The
// receivedAt duplicate exists for backends that normalize receivedAt from
// the payload instead of the envelope.
type wirePayload struct {
	domain.DailyClose
	ReceivedAt string `json:"receivedAt"`
}

// Sync runs one pass over the unsynced closes. A failing close is
// reported and skipped; it never aborts the batch. Only source access
// failures are fatal to the pass.
func (e *Engine) Sync(ctx context.Context) Result {
	passID := uuid.NewString()

	lastSynced, err := e.source.LastSyncedDate()
	if err != nil {
		e.reportFatal(err, passID, nil, lastSynced)
		return Result{OK: false, SyncedAt: lastSynced}
	}

	closes, err := e.source.ListCloses()
	if err != nil {
		e.reportFatal(err, passID, nil, lastSynced)
		return Result{OK: false, SyncedAt: orEpoch(lastSynced)}
	}

	candidates := unsyncedCloses(closes, lastSynced)
	if len(candidates) == 0 {
		return Result{OK: true, SyncedAt: orEpoch(lastSynced)}
	}

	syncedCount := 0
	lastSyncedCloseDate := ""

	for _, close := range candidates {
		normalized, err := normalizeClose(close)
		if err != nil {
			e.reporter.Report(fmt.Errorf("invalid daily close skipped before sync: %w", err), report.Context{
				Scope: "sync_daily_closes_invalid_payload",
				Extra: map[string]any{
					"passId":            passID,
					"originalDate":      close.Date,
					"originalCreatedAt": close.CreatedAt,
				},
			})
			continue
		}

		payload := wirePayload{DailyClose: normalized, ReceivedAt: normalized.CreatedAt}
		if _, err := e.pusher.UpsertDailyCloseRaw(ctx, e.deviceID, normalized.Date, payload); err != nil {
			if !hasTimestampSerializationError(err) {
				e.reporter.Report(err, report.Context{
					Scope: "sync_daily_closes_single_mutation",
					Extra: map[string]any{
						"passId":           passID,
						"deviceId":         e.deviceID,
						"failingDate":      normalized.Date,
						"failingCreatedAt": normalized.CreatedAt,
					},
				})
				continue
			}

			// Known backend defect: retry exactly once with fresh timestamps.
			fallbackCreatedAt := e.now().Format(time.RFC3339)
			retryPayload := payload
			retryPayload.CreatedAt = fallbackCreatedAt
			retryPayload.ReceivedAt = fallbackCreatedAt

			if _, retryErr := e.pusher.UpsertDailyCloseRaw(ctx, e.deviceID, normalized.Date, retryPayload); retryErr != nil {
				e.reporter.Report(retryErr, report.Context{
					Scope: "sync_daily_closes_single_mutation_retry_failed",
					Extra: map[string]any{
						"passId":            passID,
						"deviceId":          e.deviceID,
						"failingDate":       normalized.Date,
						"fallbackCreatedAt": fallbackCreatedAt,
					},
				})
				continue
			}

			e.reporter.Report(fmt.Errorf("sync recovered from timestamp payload error"), report.Context{
				Scope: "sync_daily_closes_recovered",
				Extra: map[string]any{
					"passId":            passID,
					"deviceId":          e.deviceID,
					"failingDate":       normalized.Date,
					"originalCreatedAt": normalized.CreatedAt,
					"fallbackCreatedAt": fallbackCreatedAt,
				},
			})
		}

		syncedCount++
		lastSyncedCloseDate = normalized.Date
	}

	if syncedCount == 0 || lastSyncedCloseDate == "" {
		return Result{OK: false, SyncedAt: orEpoch(lastSynced), Attempted: len(candidates)}
	}

	return Result{OK: true, SyncedAt: lastSyncedCloseDate, SyncedCount: syncedCount, Attempted: len(candidates)}
}

func (e *Engine) reportFatal(err error, passID string, candidates []domain.DailyClose, lastSynced string) {
	extra := map[string]any{
		"passId":             passID,
		"deviceId":           e.deviceID,
		"closesPendingCount": len(candidates),
		"lastSyncedDate":     lastSynced,
	}
	if len(candidates) > 0 {
		dates := make([]string, 0, len(candidates))
		for _, close := range candidates {
			dates = append(dates, close.Date)
		}
		extra["firstPendingDate"] = dates[0]
		extra["lastPendingDate"] = dates[len(dates)-1]
		extra["attemptedDates"] = dates
	}
	e.reporter.Report(err, report.Context{Scope: "sync_daily_closes", Extra: extra})
}

// unsyncedCloses sorts by date ascending and keeps closes dated strictly
// after the watermark. Closes with unparseable dates stay in the
// candidate list so normalization can report them.
func unsyncedCloses(closes []domain.DailyClose, lastSynced string) []domain.DailyClose {
	sorted := make([]domain.DailyClose, len(closes))
	copy(sorted, closes)
	sort.Slice(sorted, func(i, j int) bool {
		return closeDateLess(sorted[i].Date, sorted[j].Date)
	})

	if lastSynced == "" {
		return sorted
	}

	watermark, err := time.Parse(closestore.DateLayout, lastSynced)
	if err != nil {
		return sorted
	}

	pending := make([]domain.DailyClose, 0, len(sorted))
	for _, close := range sorted {
		parsed, err := parseCloseDate(close.Date)
		if err != nil {
			pending = append(pending, close)
			continue
		}
		if parsed.After(watermark) {
			pending = append(pending, close)
		}
	}
	return pending
}

func closeDateLess(a, b string) bool {
	ta, errA := parseCloseDate(a)
	tb, errB := parseCloseDate(b)
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

// hasTimestampSerializationError matches the backend's known
// timestamp-handling bug by its error-message signature.
func hasTimestampSerializationError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "toISOString")
}

func orEpoch(date string) string {
	if date == "" {
		return closestore.EpochDate
	}
	return date
}

// StoreSource adapts the close store to the engine's fallible interface.
type StoreSource struct {
	Store *closestore.Store
}

func (s StoreSource) ListCloses() ([]domain.DailyClose, error) {
	return s.Store.ListCloses(), nil
}

func (s StoreSource) LastSyncedDate() (string, error) {
	return s.Store.LastSyncedDate(), nil
}
