package syncer

import (
	"errors"
	"time"

	"mojarreria/kiosk/internal/closestore"
	"mojarreria/kiosk/internal/domain"
)

var errUnparseableDate = errors.New("close date is not parseable")

// parseCloseDate accepts the business-key format plus full timestamps,
// since drafts stamp Date with the wall clock before finalization.
func parseCloseDate(value string) (time.Time, error) {
	for _, layout := range []string{closestore.DateLayout, time.RFC3339, "2006-01-02T15:04:05.000Z07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errUnparseableDate
}

// normalizeClose coerces a close into the exact shape the backend upsert
// expects: date as YYYY-MM-DD, all money fields non-negative, items with
// identity fields present, and a valid RFC3339 createdAt (falling back to
// end-of-day of the close date). An unparseable date is the one condition
// that fails normalization outright.
func normalizeClose(close domain.DailyClose) (domain.DailyClose, error) {
	parsedDate, err := parseCloseDate(close.Date)
	if err != nil {
		return domain.DailyClose{}, err
	}

	items := make([]domain.ProductSale, 0, len(close.Items))
	for _, item := range close.Items {
		if item.ProductID == "" || item.Name == "" {
			continue
		}
		items = append(items, domain.ProductSale{
			ProductID:  item.ProductID,
			Name:       item.Name,
			PriceCents: clampNonNegative(item.PriceCents),
			Qty:        int(clampNonNegative(int64(item.Qty))),
		})
	}

	expectedTotal := clampNonNegative(close.ExpectedTotal)
	if expectedTotal == 0 {
		for _, item := range items {
			expectedTotal += item.Subtotal()
		}
	}

	createdAt := close.CreatedAt
	if _, err := time.Parse(time.RFC3339, createdAt); err != nil {
		endOfDay := time.Date(parsedDate.Year(), parsedDate.Month(), parsedDate.Day(), 23, 59, 59, 0, time.UTC)
		createdAt = endOfDay.Format(time.RFC3339)
	}

	return domain.DailyClose{
		Date:                  parsedDate.Format(closestore.DateLayout),
		Items:                 items,
		CashReceived:          clampNonNegative(close.CashReceived),
		BankTransfersReceived: clampNonNegative(close.BankTransfersReceived),
		DeliveryCashPaid:      clampNonNegative(close.DeliveryCashPaid),
		OtherCashExpenses:     clampNonNegative(close.OtherCashExpenses),
		Notes:                 close.Notes,
		ClosedByUserID:        close.ClosedByUserID,
		ClosedByName:          close.ClosedByName,
		ClosedByPhone:         close.ClosedByPhone,
		ClosedByRaw:           close.ClosedByRaw,
		ExpectedTotal:         expectedTotal,
		CreatedAt:             createdAt,
	}, nil
}

func clampNonNegative(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}
