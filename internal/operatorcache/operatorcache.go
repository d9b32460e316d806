// Package operatorcache lets a kiosk authorize a close operator by
// phone+PIN while offline. The cached set is refreshed wholesale from the
// backend by content fingerprint, and a bootstrap identity is seeded
// whenever the cache is empty or corrupt so the device is never fully
// locked out.
package operatorcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"mojarreria/kiosk/internal/domain"
	"mojarreria/kiosk/internal/kv"
)

const (
	storageKey     = "mojarreria:operator-cache:v1"
	currentVersion = 1
)

type cachePayload struct {
	Version       int                     `json:"version"`
	UpdatedAt     string                  `json:"updatedAt"`
	LastFetchedAt string                  `json:"lastFetchedAt"`
	Fingerprint   string                  `json:"fingerprint"`
	Operators     []domain.CachedOperator `json:"operators"`
}

// OperatorFetcher is the backend query boundary. Returned entries carry
// no CachedAt; the cache stamps them.
type OperatorFetcher interface {
	FetchOperators(ctx context.Context) ([]domain.CachedOperator, error)
}

type SyncResult struct {
	Operators     []domain.CachedOperator
	Changed       bool
	UpdatedAt     string
	LastFetchedAt string
}

type Cache struct {
	kv        kv.Store
	bootstrap domain.CachedOperator
	now       func() time.Time
}

// New builds a cache over kv. bootstrap is the hardcoded administrator
// identity seeded when no usable cache exists; its Raw source marker is
// set here so callers only supply the identity fields.
func New(kvStore kv.Store, bootstrap domain.CachedOperator, now func() time.Time) *Cache {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	bootstrap.Role = "ADMIN"
	bootstrap.Active = true
	bootstrap.Raw = map[string]any{"source": domain.BootstrapRawSource}
	return &Cache{kv: kvStore, bootstrap: bootstrap, now: now}
}

func (c *Cache) bootstrapPayload() cachePayload {
	cachedAt := c.now().Format(time.RFC3339)
	op := c.bootstrap
	op.CachedAt = cachedAt
	operators := []domain.CachedOperator{op}
	return cachePayload{
		Version:     currentVersion,
		UpdatedAt:   cachedAt,
		Fingerprint: Fingerprint(operators),
		Operators:   operators,
	}
}

func (c *Cache) read(ctx context.Context) (cachePayload, error) {
	raw, found, err := c.kv.Get(ctx, storageKey)
	if err != nil {
		return cachePayload{}, fmt.Errorf("read operator cache: %w", err)
	}
	if !found {
		return c.bootstrapPayload(), nil
	}

	var parsed cachePayload
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return c.bootstrapPayload(), nil
	}
	if parsed.Version != currentVersion || len(parsed.Operators) == 0 {
		return c.bootstrapPayload(), nil
	}
	sortOperators(parsed.Operators)
	return parsed, nil
}

func (c *Cache) write(ctx context.Context, p cachePayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, storageKey, raw); err != nil {
		return fmt.Errorf("write operator cache: %w", err)
	}
	return nil
}

// Sync fetches the full operator list and replaces the cached set when
// its fingerprint differs or bootstrap-seed entries remain. An unchanged
// fingerprint only refreshes lastFetchedAt.
func (c *Cache) Sync(ctx context.Context, fetcher OperatorFetcher) (SyncResult, error) {
	cached, err := c.read(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	fetchedAt := c.now().Format(time.RFC3339)
	remote, err := fetcher.FetchOperators(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch operators: %w", err)
	}

	operators := make([]domain.CachedOperator, len(remote))
	copy(operators, remote)
	for i := range operators {
		operators[i].CachedAt = fetchedAt
	}
	sortOperators(operators)

	nextFingerprint := Fingerprint(operators)
	hasBootstrapSeed := false
	for _, op := range cached.Operators {
		if op.Bootstrap() {
			hasBootstrapSeed = true
			break
		}
	}

	if cached.Fingerprint == nextFingerprint && !hasBootstrapSeed {
		cached.LastFetchedAt = fetchedAt
		if err := c.write(ctx, cached); err != nil {
			return SyncResult{}, err
		}
		return SyncResult{
			Operators:     cached.Operators,
			Changed:       false,
			UpdatedAt:     cached.UpdatedAt,
			LastFetchedAt: fetchedAt,
		}, nil
	}

	next := cachePayload{
		Version:       currentVersion,
		UpdatedAt:     fetchedAt,
		LastFetchedAt: fetchedAt,
		Fingerprint:   nextFingerprint,
		Operators:     operators,
	}
	if err := c.write(ctx, next); err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Operators: operators, Changed: true, UpdatedAt: fetchedAt, LastFetchedAt: fetchedAt}, nil
}

// Upsert caches an online-validated operator by userId so the same person
// can authenticate offline afterward.
func (c *Cache) Upsert(ctx context.Context, operator domain.CachedOperator) error {
	cached, err := c.read(ctx)
	if err != nil {
		return err
	}

	cachedAt := operator.CachedAt
	if cachedAt == "" {
		cachedAt = c.now().Format(time.RFC3339)
	}
	operator.CachedAt = cachedAt

	next := make([]domain.CachedOperator, 0, len(cached.Operators)+1)
	for _, existing := range cached.Operators {
		if existing.UserID != operator.UserID {
			next = append(next, existing)
		}
	}
	next = append(next, operator)
	sortOperators(next)

	return c.write(ctx, cachePayload{
		Version:       currentVersion,
		UpdatedAt:     cachedAt,
		LastFetchedAt: cachedAt,
		Fingerprint:   Fingerprint(next),
		Operators:     next,
	})
}

// FindForLogin matches an active cached operator by digit-normalized
// phone and exact PIN. Local authorization fallback only.
func (c *Cache) FindForLogin(ctx context.Context, phone string, pin string) (domain.CachedOperator, bool, error) {
	cached, err := c.read(ctx)
	if err != nil {
		return domain.CachedOperator{}, false, err
	}

	wantPhone := NormalizePhone(phone)
	for _, op := range cached.Operators {
		if !op.Active {
			continue
		}
		if NormalizePhone(op.Phone) == wantPhone && op.PIN == pin {
			return op, true, nil
		}
	}
	return domain.CachedOperator{}, false, nil
}

// HasOperators reports whether any cached operator is active; gating the
// close flow entirely when false.
func (c *Cache) HasOperators(ctx context.Context) (bool, error) {
	cached, err := c.read(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range cached.Operators {
		if op.Active {
			return true, nil
		}
	}
	return false, nil
}

func (c *Cache) Operators(ctx context.Context) ([]domain.CachedOperator, error) {
	cached, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	return cached.Operators, nil
}

func (c *Cache) Summary(ctx context.Context) (domain.OperatorCacheSummary, error) {
	cached, err := c.read(ctx)
	if err != nil {
		return domain.OperatorCacheSummary{}, err
	}
	return domain.OperatorCacheSummary{
		Count:         len(cached.Operators),
		UpdatedAt:     cached.UpdatedAt,
		LastFetchedAt: cached.LastFetchedAt,
		Fingerprint:   cached.Fingerprint,
	}, nil
}

// NormalizePhone strips every non-digit rune.
func NormalizePhone(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortOperators(operators []domain.CachedOperator) {
	sort.Slice(operators, func(i, j int) bool {
		return operators[i].UserID < operators[j].UserID
	})
}

type fingerprintEntry struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Role   string `json:"role"`
	PIN    string `json:"pin"`
	Active bool   `json:"active"`
}

// Fingerprint is a sha256 digest over the canonical JSON of the operators
// sorted by userId with identity fields only, so element order and
// volatile fields (cachedAt, raw) never change the result.
func Fingerprint(operators []domain.CachedOperator) string {
	sorted := make([]domain.CachedOperator, len(operators))
	copy(sorted, operators)
	sortOperators(sorted)

	stable := make([]fingerprintEntry, 0, len(sorted))
	for _, op := range sorted {
		stable = append(stable, fingerprintEntry{
			UserID: op.UserID,
			Name:   op.Name,
			Phone:  op.Phone,
			Role:   op.Role,
			PIN:    op.PIN,
			Active: op.Active,
		})
	}

	raw, err := json.Marshal(stable)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
