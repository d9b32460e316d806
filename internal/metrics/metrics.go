// Package metrics derives the financial signals of a close for the
// confirmation screen and the dashboard. Everything here is a pure
// function of (close, recent history, thresholds); no state is kept.
package metrics

import (
	"mojarreria/kiosk/internal/domain"
)

// Metrics are the per-close reconciliation figures, all in minor units.
type Metrics struct {
	SalesTotal       int64   `json:"sales_total"`
	COGSCents        int64   `json:"cogs_cents"`
	GrossProfitCents int64   `json:"gross_profit_cents"`
	GrossMarginPct   float64 `json:"gross_margin_pct"`
	MoneyIn          int64   `json:"money_in"`
	MoneyOut         int64   `json:"money_out"`
	Net              int64   `json:"net"`
	DescuadreAmount  int64   `json:"descuadre_amount"`
	HasClose         bool    `json:"has_close"`
	IsSynced         bool    `json:"is_synced"`
}

// Build computes the metrics for a close. cogsCents is supplied by the
// external costing subsystem and treated as opaque; pass 0 when unknown.
func Build(close *domain.DailyClose, cogsCents int64, synced bool) Metrics {
	if close == nil {
		return Metrics{}
	}

	salesTotal := close.ItemsTotal()
	grossProfit := salesTotal - cogsCents
	marginPct := 0.0
	if salesTotal > 0 {
		marginPct = float64(grossProfit) / float64(salesTotal) * 100
	}

	moneyIn := close.CashReceived + close.BankTransfersReceived
	moneyOut := close.DeliveryCashPaid + close.OtherCashExpenses

	return Metrics{
		SalesTotal:       salesTotal,
		COGSCents:        cogsCents,
		GrossProfitCents: grossProfit,
		GrossMarginPct:   marginPct,
		MoneyIn:          moneyIn,
		MoneyOut:         moneyOut,
		Net:              moneyIn - moneyOut,
		DescuadreAmount:  moneyIn - salesTotal,
		HasClose:         true,
		IsSynced:         synced,
	}
}

// ProductBaseline is the trailing average quantity sold per product,
// used to flag abnormal per-product drops.
type ProductBaseline struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	AvgQty    float64 `json:"avg_qty"`
}

// ComputeBaseline averages item quantities over the given closes. A
// product missing from a close counts as zero for that day.
func ComputeBaseline(closes []domain.DailyClose) []ProductBaseline {
	if len(closes) == 0 {
		return nil
	}

	totals := make(map[string]int)
	names := make(map[string]string)
	order := make([]string, 0, 8)
	for _, close := range closes {
		for _, item := range close.Items {
			if _, seen := totals[item.ProductID]; !seen {
				order = append(order, item.ProductID)
			}
			totals[item.ProductID] += item.Qty
			names[item.ProductID] = item.Name
		}
	}

	baseline := make([]ProductBaseline, 0, len(order))
	for _, productID := range order {
		baseline = append(baseline, ProductBaseline{
			ProductID: productID,
			Name:      names[productID],
			AvgQty:    float64(totals[productID]) / float64(len(closes)),
		})
	}
	return baseline
}
