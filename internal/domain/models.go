package domain

import "time"

// Money is carried as integer minor-currency units everywhere
// (e.g. 15000 == $150.00). The remote backend persists the close payload
// verbatim, so the JSON tags on persisted/wire types follow its camelCase
// field names rather than the local API convention.

type Product struct {
	ProductID  string `json:"productId"`
	Name       string `json:"name"`
	Desc       string `json:"desc,omitempty"`
	PriceCents int64  `json:"price"`
}

type ProductSale struct {
	ProductID  string `json:"productId"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price"`
	Qty        int    `json:"qty"`
}

// Subtotal is qty times unit price in minor units.
func (p ProductSale) Subtotal() int64 {
	return int64(p.Qty) * p.PriceCents
}

// DailyClose is the end-of-shift reconciliation record for one calendar
// date. The business key is Date (YYYY-MM-DD); a close is never mutated
// after insertion except by support-only delete or re-sync.
type DailyClose struct {
	Date                  string         `json:"date"`
	Items                 []ProductSale  `json:"items"`
	CashReceived          int64          `json:"cashReceived"`
	BankTransfersReceived int64          `json:"bankTransfersReceived"`
	DeliveryCashPaid      int64          `json:"deliveryCashPaid"`
	OtherCashExpenses     int64          `json:"otherCashExpenses"`
	Notes                 string         `json:"notes"`
	ClosedByUserID        string         `json:"closedByUserId"`
	ClosedByName          string         `json:"closedByName"`
	ClosedByPhone         string         `json:"closedByPhone"`
	ClosedByRaw           map[string]any `json:"closedByRaw,omitempty"`
	ExpectedTotal         int64          `json:"expectedTotal"`
	CreatedAt             string         `json:"createdAt"`
}

// ItemsTotal sums qty*price over all items. The ExpectedTotal field must
// always equal this value.
func (c DailyClose) ItemsTotal() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.Subtotal()
	}
	return total
}

// StepPosition identifies which wizard screen last touched the draft close,
// so an interrupted wizard resumes at the correct step.
type StepPosition int

const (
	StepNone            StepPosition = 0
	StepItems           StepPosition = 1
	StepCashReceived    StepPosition = 2
	StepBankReceived    StepPosition = 3
	StepOtherExpenses   StepPosition = 4
	StepDeliveryExpense StepPosition = 5
	StepNotes           StepPosition = 6
)

// TemporalDailyClose is the in-progress draft mutated step by step by the
// close wizard. Every step stamps Date with the current time and records
// its StepPosition.
type TemporalDailyClose struct {
	Date                  string        `json:"date,omitempty"`
	Items                 []ProductSale `json:"items,omitempty"`
	CashReceived          *int64        `json:"cashReceived,omitempty"`
	BankTransfersReceived *int64        `json:"bankTransfersReceived,omitempty"`
	DeliveryCashPaid      *int64        `json:"deliveryCashPaid,omitempty"`
	OtherCashExpenses     *int64        `json:"otherCashExpenses,omitempty"`
	Notes                 *string       `json:"notes,omitempty"`
	StepPosition          StepPosition  `json:"stepPosition,omitempty"`
}

// Empty reports whether the wizard has not started yet.
func (t TemporalDailyClose) Empty() bool {
	return t.StepPosition == StepNone && len(t.Items) == 0
}

// CloseOperator is the operator currently driving a close, after a
// successful login (online or from the offline cache).
type CloseOperator struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Role        string `json:"role,omitempty"`
	ValidatedAt string `json:"validatedAt"`
	Source      string `json:"source"`
}

const (
	LoginSourceOnline       = "online"
	LoginSourceOfflineCache = "offline_cache"
)

const BootstrapRawSource = "bootstrap_local"

// CachedOperator is one entry of the offline operator-authorization cache,
// keyed by UserID.
type CachedOperator struct {
	UserID   string         `json:"userId"`
	Name     string         `json:"name"`
	Phone    string         `json:"phone"`
	Role     string         `json:"role,omitempty"`
	PIN      string         `json:"pin"`
	Active   bool           `json:"active"`
	CachedAt string         `json:"cachedAt"`
	Raw      map[string]any `json:"raw,omitempty"`
}

// Bootstrap reports whether this entry is the locally seeded fallback
// identity rather than a backend-fetched operator.
func (o CachedOperator) Bootstrap() bool {
	if o.Raw == nil {
		return false
	}
	source, _ := o.Raw["source"].(string)
	return source == BootstrapRawSource
}

const (
	ClockStatusIn  = "IN"
	ClockStatusOut = "OUT"
)

// EmployeeClockRecord is the per-employee check-in/out state.
type EmployeeClockRecord struct {
	Status                   string `json:"status"`
	ClockInTime              string `json:"clockInTime,omitempty"`
	LastClockOutTime         string `json:"lastClockOutTime,omitempty"`
	LastShiftDurationMinutes int    `json:"lastShiftDurationMinutes,omitempty"`
}

const (
	SyncStatusPending = "PENDING"
	SyncStatusSuccess = "SUCCESS"
	SyncStatusFailed  = "FAILED"
)

// SyncStatusInfo is the last observed outcome of the periodic sync task,
// feeding the staleness alert and the status endpoint.
type SyncStatusInfo struct {
	Status           string     `json:"status"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	LastSyncedDate   string     `json:"last_synced_date,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
}

// Local API request/response shapes (snake_case, unlike the wire payload).

type OperatorLoginRequest struct {
	Phone string `json:"phone"`
	PIN   string `json:"pin"`
}

type OperatorLoginResponse struct {
	AccessToken string        `json:"access_token"`
	ExpiresAt   string        `json:"expires_at"`
	Operator    CloseOperator `json:"operator"`
}

type SetItemsRequest struct {
	Items []ProductSale `json:"items"`
}

type SetAmountRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type SetNotesRequest struct {
	Notes string `json:"notes"`
}

type TemporalStateResponse struct {
	Temporal  TemporalDailyClose `json:"temporal"`
	Resumable bool               `json:"resumable"`
}

type ConfirmCloseResponse struct {
	Close DailyClose `json:"close"`
}

type CloseListResponse struct {
	Closes []DailyClose `json:"closes"`
}

type ClockRequest struct {
	UserID string `json:"user_id"`
}

type ClockResponse struct {
	UserID string              `json:"user_id"`
	Record EmployeeClockRecord `json:"record"`
}

type OperatorCacheSummary struct {
	Count         int    `json:"count"`
	UpdatedAt     string `json:"updated_at"`
	LastFetchedAt string `json:"last_fetched_at"`
	Fingerprint   string `json:"fingerprint"`
}

// Actor is the authenticated subject on local API requests.
type Actor struct {
	UserID string
	Name   string
	Role   string
}
