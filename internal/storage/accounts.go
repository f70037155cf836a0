package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// AccountRepo maps upstream account rows to domain types. Counter mutations
// go through fetch-add statements so snapshot invariants hold without a
// repo-level lock.
type AccountRepo struct {
	store RowStore
}

// NewAccountRepo returns an AccountRepo over the given store.
func NewAccountRepo(store RowStore) *AccountRepo {
	return &AccountRepo{store: store}
}

func accountToRow(a *gateway.UpstreamAccount) (Row, error) {
	health, err := marshalJSON(a.LastHealth)
	if err != nil {
		return nil, err
	}
	return Row{
		"id":                a.ID,
		"owner_id":          a.OwnerID,
		"name":              a.Name,
		"provider":          string(a.Provider),
		"auth_method":       string(a.AuthMethod),
		"credentials":       a.CredentialsEnc,
		"state":             string(a.State),
		"priority":          a.Priority,
		"weight":            a.Weight,
		"proxy_binding":     nullStr(a.ProxyBinding),
		"request_count":     a.RequestCount,
		"success_count":     a.SuccessCount,
		"error_count":       a.ErrorCount,
		"last_health_check": timePtrToStr(lastCheckedAt(a)),
		"health_status":     health,
		"last_used_at":      timePtrToStr(a.LastUsedAt),
		"created_at":        timeToStr(a.CreatedAt),
		"updated_at":        timeToStr(a.UpdatedAt),
	}, nil
}

func lastCheckedAt(a *gateway.UpstreamAccount) *time.Time {
	if a.LastHealth == nil || a.LastHealth.CheckedAt.IsZero() {
		return nil
	}
	t := a.LastHealth.CheckedAt
	return &t
}

func accountFromRow(r Row) (*gateway.UpstreamAccount, error) {
	a := &gateway.UpstreamAccount{
		ID:             rowString(r, "id"),
		OwnerID:        rowString(r, "owner_id"),
		Name:           rowString(r, "name"),
		Provider:       gateway.Provider(rowString(r, "provider")),
		AuthMethod:     gateway.AuthMethod(rowString(r, "auth_method")),
		CredentialsEnc: rowString(r, "credentials"),
		State:          gateway.AccountState(rowString(r, "state")),
		Priority:       int(rowInt64(r, "priority")),
		Weight:         int(rowInt64(r, "weight")),
		ProxyBinding:   rowString(r, "proxy_binding"),
		RequestCount:   rowInt64(r, "request_count"),
		SuccessCount:   rowInt64(r, "success_count"),
		ErrorCount:     rowInt64(r, "error_count"),
		LastUsedAt:     rowTimePtr(r, "last_used_at"),
		CreatedAt:      rowTime(r, "created_at"),
		UpdatedAt:      rowTime(r, "updated_at"),
	}
	var health gateway.HealthStatus
	if err := unmarshalJSON(r, "health_status", &health); err != nil {
		return nil, err
	}
	if !health.CheckedAt.IsZero() || health.Status != "" {
		a.LastHealth = &health
	}
	return a, nil
}

// Create inserts a new account.
func (ar *AccountRepo) Create(ctx context.Context, a *gateway.UpstreamAccount) error {
	row, err := accountToRow(a)
	if err != nil {
		return err
	}
	return ar.store.Create(ctx, TableAccounts, row)
}

// Get returns the account with the given id.
func (ar *AccountRepo) Get(ctx context.Context, id string) (*gateway.UpstreamAccount, error) {
	row, err := ar.store.FindOne(ctx, TableAccounts, Where{"id": id})
	if err != nil {
		return nil, err
	}
	return accountFromRow(row)
}

// ListByOwner returns the owner's accounts matching the provider filter,
// ordered by (priority ASC, weight DESC, created_at ASC) -- the snapshot
// total order the pool relies on.
func (ar *AccountRepo) ListByOwner(ctx context.Context, ownerID string, provider gateway.Provider, includeInactive bool) ([]*gateway.UpstreamAccount, error) {
	where := Where{"owner_id": ownerID}
	if provider != gateway.ProviderAny && provider != "" {
		where["provider"] = string(provider)
	}
	rows, err := ar.store.FindMany(ctx, TableAccounts, Query{
		Where: where,
		Order: []string{"priority", "-weight", "created_at"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.UpstreamAccount, 0, len(rows))
	for _, r := range rows {
		a, err := accountFromRow(r)
		if err != nil {
			return nil, err
		}
		if !includeInactive && a.State == gateway.StateInactive {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ListByStates returns every account in one of the given states, across all
// owners. Used by the health prober.
func (ar *AccountRepo) ListByStates(ctx context.Context, states ...gateway.AccountState) ([]*gateway.UpstreamAccount, error) {
	if len(states) == 0 {
		return nil, nil
	}
	// The generic Where is an equality conjunction; an IN list needs Raw.
	query := `SELECT * FROM upstream_accounts WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `) ORDER BY created_at`
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	rows, err := ar.store.Raw(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.UpstreamAccount, 0, len(rows))
	for _, r := range rows {
		a, err := accountFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Update rewrites the mutable account fields.
func (ar *AccountRepo) Update(ctx context.Context, a *gateway.UpstreamAccount) error {
	health, err := marshalJSON(a.LastHealth)
	if err != nil {
		return err
	}
	n, err := ar.store.Update(ctx, TableAccounts, Where{"id": a.ID}, Row{
		"name":          a.Name,
		"credentials":   a.CredentialsEnc,
		"state":         string(a.State),
		"priority":      a.Priority,
		"weight":        a.Weight,
		"proxy_binding": nullStr(a.ProxyBinding),
		"health_status": health,
		"updated_at":    timeToStr(a.UpdatedAt),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// Delete removes an account.
func (ar *AccountRepo) Delete(ctx context.Context, id string) error {
	n, err := ar.store.Delete(ctx, TableAccounts, Where{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// IncrementUsage atomically bumps request_count and one of success_count or
// error_count, and stamps last_used_at. The fetch-add happens in SQL so
// success_count + error_count <= request_count holds under concurrency.
func (ar *AccountRepo) IncrementUsage(ctx context.Context, id string, success bool, now time.Time) error {
	col := "error_count"
	if success {
		col = "success_count"
	}
	n, err := ar.store.Exec(ctx,
		`UPDATE upstream_accounts
		 SET request_count = request_count + 1, `+col+` = `+col+` + 1,
		     last_used_at = ?, updated_at = ?
		 WHERE id = ?`,
		timeToStr(now), timeToStr(now), id,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// SetHealth writes the latest health status and, when state is non-empty,
// transitions the account state in the same statement.
func (ar *AccountRepo) SetHealth(ctx context.Context, id string, hs *gateway.HealthStatus, state gateway.AccountState) error {
	health, err := marshalJSON(hs)
	if err != nil {
		return err
	}
	patch := Row{
		"health_status":     health,
		"last_health_check": timeToStr(hs.CheckedAt),
		"updated_at":        timeToStr(hs.CheckedAt),
	}
	if state != "" {
		patch["state"] = string(state)
	}
	n, err := ar.store.Update(ctx, TableAccounts, Where{"id": id}, patch)
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// SetHealthOutcome writes a live-request health observation. On success the
// account recovers from error to active; failures leave state untouched
// here, since demotion belongs to the proxy failover path and the prober.
func (ar *AccountRepo) SetHealthOutcome(ctx context.Context, id string, hs *gateway.HealthStatus) error {
	health, err := marshalJSON(hs)
	if err != nil {
		return err
	}
	if hs.Status != "ok" {
		return ar.SetHealth(ctx, id, hs, "")
	}
	n, err := ar.store.Exec(ctx,
		`UPDATE upstream_accounts
		 SET health_status = ?, last_health_check = ?, updated_at = ?,
		     state = CASE WHEN state = 'error' THEN 'active' ELSE state END
		 WHERE id = ?`,
		health, timeToStr(hs.CheckedAt), timeToStr(hs.CheckedAt), id,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// MarkFailed sets state=error, bumps error_count, and records the failure
// reason in health_status, all in one statement.
func (ar *AccountRepo) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	health, err := marshalJSON(&gateway.HealthStatus{
		Status:    "fail",
		Error:     reason,
		CheckedAt: now,
	})
	if err != nil {
		return err
	}
	n, err := ar.store.Exec(ctx,
		`UPDATE upstream_accounts
		 SET state = ?, error_count = error_count + 1,
		     health_status = ?, last_health_check = ?, updated_at = ?
		 WHERE id = ?`,
		string(gateway.StateError), health, timeToStr(now), timeToStr(now), id,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// UpdateCredentials stores a freshly encrypted credential blob and state,
// used by the OAuth manager after exchange and refresh.
func (ar *AccountRepo) UpdateCredentials(ctx context.Context, id, credentialsEnc string, state gateway.AccountState, now time.Time) error {
	patch := Row{
		"credentials": credentialsEnc,
		"updated_at":  timeToStr(now),
	}
	if state != "" {
		patch["state"] = string(state)
	}
	n, err := ar.store.Update(ctx, TableAccounts, Where{"id": id}, patch)
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// CountByState returns account counts grouped by state, for dashboard stats.
func (ar *AccountRepo) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := ar.store.Raw(ctx,
		`SELECT state, COUNT(*) AS n FROM upstream_accounts GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count accounts by state: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[rowString(r, "state")] = rowInt64(r, "n")
	}
	return out, nil
}
