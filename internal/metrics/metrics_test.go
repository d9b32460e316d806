package metrics

import (
	"testing"
	"time"

	"mojarreria/kiosk/internal/domain"
)

func closeForDate(date string, cash, bank int64) *domain.DailyClose {
	close := &domain.DailyClose{
		Date: date,
		Items: []domain.ProductSale{
			{ProductID: "001", Name: "Mojarra Frita", PriceCents: 15000, Qty: 3},
			{ProductID: "002", Name: "Empanada", PriceCents: 10000, Qty: 2},
		},
		CashReceived:          cash,
		BankTransfersReceived: bank,
		CreatedAt:             date + "T23:30:00Z",
	}
	close.ExpectedTotal = close.ItemsTotal()
	return close
}

func TestBuildMetrics(t *testing.T) {
	close := closeForDate("2025-03-14", 40000, 23500)
	close.DeliveryCashPaid = 3000
	close.OtherCashExpenses = 2000

	m := Build(close, 20000, true)

	if m.SalesTotal != 65000 {
		t.Fatalf("sales total: got %d want 65000", m.SalesTotal)
	}
	if m.GrossProfitCents != 45000 {
		t.Fatalf("gross profit: got %d want 45000", m.GrossProfitCents)
	}
	if m.MoneyIn != 63500 || m.MoneyOut != 5000 || m.Net != 58500 {
		t.Fatalf("money flows wrong: in=%d out=%d net=%d", m.MoneyIn, m.MoneyOut, m.Net)
	}
	if m.DescuadreAmount != -1500 {
		t.Fatalf("descuadre: got %d want -1500", m.DescuadreAmount)
	}
	if !m.HasClose || !m.IsSynced {
		t.Fatalf("flags wrong: %+v", m)
	}
}

func TestBuildMetricsNilClose(t *testing.T) {
	m := Build(nil, 5000, false)
	if m.HasClose || m.SalesTotal != 0 {
		t.Fatalf("nil close must yield zero metrics, got %+v", m)
	}
}

func TestBuildMetricsZeroSalesAvoidsDivision(t *testing.T) {
	m := Build(&domain.DailyClose{Date: "2025-03-14"}, 1000, false)
	if m.GrossMarginPct != 0 {
		t.Fatalf("margin with zero sales must be 0, got %f", m.GrossMarginPct)
	}
}

func successStatus(at time.Time) domain.SyncStatusInfo {
	return domain.SyncStatusInfo{Status: domain.SyncStatusSuccess, LastAttemptAt: &at}
}

func TestDescuadreAlertFiresAboveThreshold(t *testing.T) {
	now := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)
	close := closeForDate("2025-03-14", 40000, 23500)

	alerts := GenerateAlerts(AlertInput{
		SelectedDate: "2025-03-14",
		Close:        close,
		Metrics:      Build(close, 0, true),
		SyncStatus:   successStatus(now),
		Now:          now,
		Thresholds:   DefaultThresholds(),
	})

	if !hasCode(alerts, AlertDescuadre) {
		t.Fatalf("descuadre of -1500 must fire at default threshold 1000, got %+v", alerts)
	}
}

func TestDescuadreAlertQuietWithinThreshold(t *testing.T) {
	now := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)
	close := closeForDate("2025-03-14", 40000, 24500)

	alerts := GenerateAlerts(AlertInput{
		SelectedDate: "2025-03-14",
		Close:        close,
		Metrics:      Build(close, 0, true),
		SyncStatus:   successStatus(now),
		Now:          now,
		Thresholds:   DefaultThresholds(),
	})

	if hasCode(alerts, AlertDescuadre) {
		t.Fatal("a difference inside the threshold must not fire the descuadre alert")
	}
}

func TestMissingCloseAlertOnlyAfterCutoff(t *testing.T) {
	base := AlertInput{
		SelectedDate: "2025-03-14",
		SyncStatus:   successStatus(time.Date(2025, 3, 14, 16, 0, 0, 0, time.UTC)),
		Thresholds:   DefaultThresholds(),
	}

	base.Now = time.Date(2025, 3, 14, 16, 59, 0, 0, time.UTC)
	if hasCode(GenerateAlerts(base), AlertMissingClose) {
		t.Fatal("before the cutoff hour the missing-close alert must not fire")
	}

	base.Now = time.Date(2025, 3, 14, 17, 0, 0, 0, time.UTC)
	base.SyncStatus = successStatus(base.Now)
	if !hasCode(GenerateAlerts(base), AlertMissingClose) {
		t.Fatal("after the cutoff hour a missing close must alert")
	}

	// A past date with no close never fires the same-day rule.
	base.SelectedDate = "2025-03-10"
	if hasCode(GenerateAlerts(base), AlertMissingClose) {
		t.Fatal("missing-close is a same-day rule only")
	}
}

func TestHighExpenseAlert(t *testing.T) {
	now := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)
	close := closeForDate("2025-03-14", 65000, 0)
	close.OtherCashExpenses = 27000

	alerts := GenerateAlerts(AlertInput{
		SelectedDate: "2025-03-14",
		Close:        close,
		Metrics:      Build(close, 0, true),
		SyncStatus:   successStatus(now),
		Now:          now,
		Thresholds:   DefaultThresholds(),
	})
	if !hasCode(alerts, AlertHighExpenses) {
		t.Fatalf("27000 of 65000 exceeds the 0.4 ratio, got %+v", alerts)
	}
}

func TestSyncAlerts(t *testing.T) {
	now := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)
	close := closeForDate("2025-03-14", 65000, 0)
	base := AlertInput{
		SelectedDate: "2025-03-14",
		Close:        close,
		Metrics:      Build(close, 0, true),
		Now:          now,
		Thresholds:   DefaultThresholds(),
	}

	base.SyncStatus = domain.SyncStatusInfo{Status: domain.SyncStatusFailed, LastErrorMessage: "backend down"}
	if !hasCode(GenerateAlerts(base), AlertSyncFailure) {
		t.Fatal("FAILED status must alert")
	}

	stale := now.Add(-16 * time.Minute)
	base.SyncStatus = domain.SyncStatusInfo{Status: domain.SyncStatusPending, LastAttemptAt: &stale}
	if !hasCode(GenerateAlerts(base), AlertSyncFailure) {
		t.Fatal("16 minutes of pending must alert at the 15 minute threshold")
	}

	fresh := now.Add(-5 * time.Minute)
	base.SyncStatus = domain.SyncStatusInfo{Status: domain.SyncStatusSuccess, LastAttemptAt: &fresh}
	if hasCode(GenerateAlerts(base), AlertSyncFailure) {
		t.Fatal("recent success must not alert")
	}
}

func TestProductDropAlert(t *testing.T) {
	now := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)
	close := closeForDate("2025-03-14", 65000, 0)
	close.Items[0].Qty = 1 // baseline avg 3, factor 0.6 -> threshold 1.8

	alerts := GenerateAlerts(AlertInput{
		SelectedDate: "2025-03-14",
		Close:        close,
		Metrics:      Build(close, 0, true),
		Baseline: []ProductBaseline{
			{ProductID: "001", Name: "Mojarra Frita", AvgQty: 3},
			{ProductID: "002", Name: "Empanada", AvgQty: 2},
		},
		SyncStatus: successStatus(now),
		Now:        now,
		Thresholds: DefaultThresholds(),
	})

	if !hasCode(alerts, AlertProductDrop) {
		t.Fatalf("qty 1 against avg 3 must fire the drop alert, got %+v", alerts)
	}
	drops := 0
	for _, alert := range alerts {
		if alert.Code == AlertProductDrop {
			drops++
		}
	}
	if drops != 1 {
		t.Fatalf("only the dropped product should alert, got %d", drops)
	}
}

func TestComputeBaseline(t *testing.T) {
	closes := []domain.DailyClose{
		*closeForDate("2025-03-11", 0, 0),
		*closeForDate("2025-03-12", 0, 0),
		*closeForDate("2025-03-13", 0, 0),
	}
	closes[2].Items[0].Qty = 6

	baseline := ComputeBaseline(closes)
	if len(baseline) != 2 {
		t.Fatalf("expected 2 products, got %d", len(baseline))
	}
	for _, entry := range baseline {
		if entry.ProductID == "001" && entry.AvgQty != 4 {
			t.Fatalf("avg for 001: got %f want 4", entry.AvgQty)
		}
		if entry.ProductID == "002" && entry.AvgQty != 2 {
			t.Fatalf("avg for 002: got %f want 2", entry.AvgQty)
		}
	}
	if ComputeBaseline(nil) != nil {
		t.Fatal("empty history must yield nil baseline")
	}
}

func hasCode(alerts []Alert, code string) bool {
	for _, alert := range alerts {
		if alert.Code == code {
			return true
		}
	}
	return false
}
