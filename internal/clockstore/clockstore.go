// Package clockstore persists employee check-in/out records as one
// versioned payload keyed by employee id.
package clockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/kv"
)

const (
	storageKey     = "mojarreria:check-in-out:v1"
	currentVersion = 1
)

type clockPayload struct {
	Version   int                                   `json:"version"`
	UpdatedAt string                                `json:"updatedAt"`
	Records   map[string]domain.EmployeeClockRecord `json:"records"`
}

func defaultClockPayload() clockPayload {
	return clockPayload{Version: currentVersion, Records: make(map[string]domain.EmployeeClockRecord)}
}

type Store struct {
	kv  kv.Store
	now func() time.Time
}

func New(kvStore kv.Store, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{kv: kvStore, now: now}
}

func (s *Store) read(ctx context.Context) (clockPayload, error) {
	raw, found, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		return clockPayload{}, fmt.Errorf("read clock records: %w", err)
	}
	if !found {
		return defaultClockPayload(), nil
	}

	var parsed clockPayload
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return defaultClockPayload(), nil
	}
	if parsed.Records == nil {
		parsed.Records = make(map[string]domain.EmployeeClockRecord)
	}
	return parsed, nil
}

func (s *Store) write(ctx context.Context, p clockPayload) error {
	p.Version = currentVersion
	p.UpdatedAt = s.now().Format(time.RFC3339)
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, storageKey, raw); err != nil {
		return fmt.Errorf("write clock records: %w", err)
	}
	return nil
}

func (s *Store) Records(ctx context.Context) (map[string]domain.EmployeeClockRecord, error) {
	payload, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return payload.Records, nil
}

// Record returns the clock state for an employee, defaulting to OUT for
// employees never seen before.
func (s *Store) Record(ctx context.Context, userID string) (domain.EmployeeClockRecord, error) {
	payload, err := s.read(ctx)
	if err != nil {
		return domain.EmployeeClockRecord{}, err
	}
	record, ok := payload.Records[userID]
	if !ok {
		return domain.EmployeeClockRecord{Status: domain.ClockStatusOut}, nil
	}
	return record, nil
}

// ClockIn sets status IN and stamps the clock-in time.
func (s *Store) ClockIn(ctx context.Context, userID string) (domain.EmployeeClockRecord, error) {
	payload, err := s.read(ctx)
	if err != nil {
		return domain.EmployeeClockRecord{}, err
	}

	record := payload.Records[userID]
	record.Status = domain.ClockStatusIn
	record.ClockInTime = s.now().Format(time.RFC3339)
	payload.Records[userID] = record

	if err := s.write(ctx, payload); err != nil {
		return domain.EmployeeClockRecord{}, err
	}
	return record, nil
}

// ClockOut sets status OUT, computes the shift duration in whole minutes
// (never negative, zero when the clock-in time is missing or invalid) and
// clears the clock-in time.
func (s *Store) ClockOut(ctx context.Context, userID string) (domain.EmployeeClockRecord, error) {
	payload, err := s.read(ctx)
	if err != nil {
		return domain.EmployeeClockRecord{}, err
	}

	now := s.now()
	record := payload.Records[userID]

	duration := 0
	if record.ClockInTime != "" {
		if clockIn, err := time.Parse(time.RFC3339, record.ClockInTime); err == nil {
			duration = int(now.Sub(clockIn).Minutes())
			if duration < 0 {
				duration = 0
			}
		}
	}

	record.Status = domain.ClockStatusOut
	record.ClockInTime = ""
	record.LastClockOutTime = now.Format(time.RFC3339)
	record.LastShiftDurationMinutes = duration
	payload.Records[userID] = record

	if err := s.write(ctx, payload); err != nil {
		return domain.EmployeeClockRecord{}, err
	}
	return record, nil
}
