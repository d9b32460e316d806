package metrics

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"mojarreria/kiosk/internal/closestore"
	"mojarreria/kiosk/internal/domain"
)

type Thresholds struct {
	DescuadreCents        int64   `json:"descuadre_cents"`
	ExpenseRatio          float64 `json:"expense_ratio"`
	SyncStaleMinutes      int     `json:"sync_stale_minutes"`
	DropFactor            float64 `json:"drop_factor"`
	MissingCloseHourLocal int     `json:"missing_close_hour_local"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DescuadreCents:        1000,
		ExpenseRatio:          0.4,
		SyncStaleMinutes:      15,
		DropFactor:            0.6,
		MissingCloseHourLocal: 17,
	}
}

const (
	AlertMissingClose = "missing-close"
	AlertDescuadre    = "descuadre"
	AlertHighExpenses = "high-expenses"
	AlertSyncFailure  = "sync-failure"
	AlertProductDrop  = "product-drop"
)

type Alert struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type AlertInput struct {
	SelectedDate string
	Close        *domain.DailyClose
	Metrics      Metrics
	Baseline     []ProductBaseline
	SyncStatus   domain.SyncStatusInfo
	Now          time.Time
	Thresholds   Thresholds
}

// GenerateAlerts evaluates every alert rule against one close and its
// context. Purely derived per evaluation, never stored.
func GenerateAlerts(in AlertInput) []Alert {
	alerts := make([]Alert, 0, 4)
	th := in.Thresholds

	selected, dateErr := time.Parse(closestore.DateLayout, in.SelectedDate)
	sameDay := dateErr == nil &&
		selected.Year() == in.Now.Year() && selected.YearDay() == in.Now.YearDay()
	if in.Close == nil && sameDay && in.Now.Hour() >= th.MissingCloseHourLocal {
		alerts = append(alerts, newAlert(AlertMissingClose, "error", "Missing close",
			fmt.Sprintf("No daily close was found for %s after %d:00.", in.SelectedDate, th.MissingCloseHourLocal)))
	}

	if in.Close != nil && abs64(in.Metrics.DescuadreAmount) > th.DescuadreCents {
		alerts = append(alerts, newAlert(AlertDescuadre, "error", "Descuadre detected",
			fmt.Sprintf("Difference between money in and item sales is %.2f.", float64(in.Metrics.DescuadreAmount)/100)))
	}

	if in.Close != nil && in.Metrics.SalesTotal > 0 &&
		float64(in.Metrics.MoneyOut) > float64(in.Metrics.SalesTotal)*th.ExpenseRatio {
		alerts = append(alerts, newAlert(AlertHighExpenses, "warn", "High expenses",
			"Operational expenses are above the configured threshold for this close."))
	}

	if in.SyncStatus.Status != domain.SyncStatusSuccess {
		stale := true
		staleMinutes := 0
		if in.SyncStatus.LastAttemptAt != nil {
			staleMinutes = int(in.Now.Sub(*in.SyncStatus.LastAttemptAt).Minutes())
			stale = staleMinutes > th.SyncStaleMinutes
		}
		if in.SyncStatus.Status == domain.SyncStatusFailed || stale {
			description := in.SyncStatus.LastErrorMessage
			switch {
			case description != "":
			case in.SyncStatus.LastAttemptAt == nil:
				description = "Sync has not completed successfully yet."
			default:
				description = fmt.Sprintf("Latest sync is stale (%d minutes) and not marked as SUCCESS.", staleMinutes)
			}
			alerts = append(alerts, newAlert(AlertSyncFailure, "error", "Sync failure or pending", description))
		}
	}

	if in.Close != nil {
		for _, item := range in.Close.Items {
			baseline, ok := findBaseline(in.Baseline, item.ProductID)
			if !ok || baseline.AvgQty <= 0 {
				continue
			}
			if float64(item.Qty) < baseline.AvgQty*th.DropFactor {
				alerts = append(alerts, newAlert(AlertProductDrop, "warn", "Abnormal product drop",
					fmt.Sprintf("%s qty (%d) is below baseline avg (%.1f).", item.Name, item.Qty, baseline.AvgQty)))
			}
		}
	}

	return alerts
}

func newAlert(code, severity, title, description string) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Code:        code,
		Severity:    severity,
		Title:       title,
		Description: description,
	}
}

func findBaseline(baseline []ProductBaseline, productID string) (ProductBaseline, bool) {
	for _, entry := range baseline {
		if entry.ProductID == productID {
			return entry, true
		}
	}
	return ProductBaseline{}, false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
