// Package backend is the remote GraphQL boundary: the upsert-by-device
// mutation for daily closes, the operator list query, and the live
// phone+PIN validation mutation. The schema itself is owned by the
// backend; this client only speaks the three operations the kiosk needs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mojarreria/kiosk/internal/domain"
)

const (
	upsertDailyCloseMutation = `
		mutation upsertDailyCloseRaw($deviceId: String!, $date: String!, $payload: JSON!) {
			upsertDailyCloseRaw(deviceId: $deviceId, date: $date, payload: $payload) {
				success
				date
				syncedAt
			}
		}`

	dailyCloseOperatorsQuery = `
		query DailyCloseOperators {
			dailyCloseOperators {
				userId
				name
				phone
				role
				pin
				active
				raw
			}
		}`

	validateOperatorMutation = `
		mutation ValidateDailyCloseOperator($phone: String!, $pin: String!) {
			validateDailyCloseOperator(phone: $phone, pin: $pin) {
				success
				message
				userId
				name
				phone
				role
			}
		}`
)

type Client struct {
	endpoint string
	http     *http.Client
}

func New(apiURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(apiURL, "/") + "/graphql",
		http:     &http.Client{Timeout: timeout},
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// do posts one GraphQL operation and decodes data into out. GraphQL-level
// errors are joined into a single error so callers can match on message
// substrings (the known timestamp defect is detected that way).
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql request: unexpected status %d", resp.StatusCode)
	}

	var parsed graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("graphql response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		messages := make([]string, 0, len(parsed.Errors))
		for _, gqlErr := range parsed.Errors {
			messages = append(messages, gqlErr.Message)
		}
		return errors.New(strings.Join(messages, " | "))
	}
	if out != nil && parsed.Data != nil {
		return json.Unmarshal(parsed.Data, out)
	}
	return nil
}

type UpsertResult struct {
	Success  bool   `json:"success"`
	Date     string `json:"date"`
	SyncedAt string `json:"syncedAt"`
}

// UpsertDailyCloseRaw pushes one normalized close payload, keyed by device
// and date on the backend side.
func (c *Client) UpsertDailyCloseRaw(ctx context.Context, deviceID string, date string, payload any) (UpsertResult, error) {
	var data struct {
		UpsertDailyCloseRaw UpsertResult `json:"upsertDailyCloseRaw"`
	}
	err := c.do(ctx, upsertDailyCloseMutation, map[string]any{
		"deviceId": deviceID,
		"date":     date,
		"payload":  payload,
	}, &data)
	if err != nil {
		return UpsertResult{}, err
	}
	return data.UpsertDailyCloseRaw, nil
}

type remoteOperator struct {
	UserID string         `json:"userId"`
	Name   string         `json:"name"`
	Phone  string         `json:"phone"`
	Role   *string        `json:"role"`
	PIN    string         `json:"pin"`
	Active bool           `json:"active"`
	Raw    map[string]any `json:"raw"`
}

// FetchOperators returns the full authorized-operator list. CachedAt is
// left unset; the operator cache stamps it.
func (c *Client) FetchOperators(ctx context.Context) ([]domain.CachedOperator, error) {
	var data struct {
		DailyCloseOperators []remoteOperator `json:"dailyCloseOperators"`
	}
	if err := c.do(ctx, dailyCloseOperatorsQuery, nil, &data); err != nil {
		return nil, err
	}

	operators := make([]domain.CachedOperator, 0, len(data.DailyCloseOperators))
	for _, remote := range data.DailyCloseOperators {
		role := ""
		if remote.Role != nil {
			role = *remote.Role
		}
		operators = append(operators, domain.CachedOperator{
			UserID: remote.UserID,
			Name:   remote.Name,
			Phone:  remote.Phone,
			Role:   role,
			PIN:    remote.PIN,
			Active: remote.Active,
			Raw:    remote.Raw,
		})
	}
	return operators, nil
}

type ValidateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Role    string `json:"role"`
}

// ValidateOperator performs the live phone+PIN check.
func (c *Client) ValidateOperator(ctx context.Context, phone string, pin string) (ValidateResult, error) {
	var data struct {
		ValidateDailyCloseOperator ValidateResult `json:"validateDailyCloseOperator"`
	}
	err := c.do(ctx, validateOperatorMutation, map[string]any{
		"phone": phone,
		"pin":   pin,
	}, &data)
	if err != nil {
		return ValidateResult{}, err
	}
	return data.ValidateDailyCloseOperator, nil
}
