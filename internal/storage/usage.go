package storage

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// UsageRepo persists append-only usage records.
type UsageRepo struct {
	store RowStore
}

// NewUsageRepo returns a UsageRepo over the given store.
func NewUsageRepo(store RowStore) *UsageRepo {
	return &UsageRepo{store: store}
}

// Insert batch-inserts usage records. A single multi-row INSERT avoids N
// round-trips for large batches.
func (ur *UsageRepo) Insert(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 12
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.APIKeyID, nullStr(r.UpstreamAccountID), r.RequestID,
			r.Method, r.Endpoint, r.StatusCode, r.ResponseTimeMs,
			r.TokensUsed, r.Cost, nullStr(r.ErrorMessage),
			timeToStr(r.CreatedAt),
		)
	}

	query := `INSERT INTO usage_records
		(id, api_key_id, upstream_account_id, request_id, method, endpoint,
		 status_code, response_time_ms, tokens_used, cost, error_message, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := ur.store.Exec(ctx, query, args...)
	return err
}

// ListByKey returns a key's usage records, newest first.
func (ur *UsageRepo) ListByKey(ctx context.Context, apiKeyID string, limit, offset int) ([]gateway.UsageRecord, error) {
	rows, err := ur.store.FindMany(ctx, TableUsage, Query{
		Where:  Where{"api_key_id": apiKeyID},
		Order:  []string{"-created_at"},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]gateway.UsageRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, gateway.UsageRecord{
			ID:                rowString(r, "id"),
			APIKeyID:          rowString(r, "api_key_id"),
			UpstreamAccountID: rowString(r, "upstream_account_id"),
			RequestID:         rowString(r, "request_id"),
			Method:            rowString(r, "method"),
			Endpoint:          rowString(r, "endpoint"),
			StatusCode:        int(rowInt64(r, "status_code")),
			ResponseTimeMs:    rowInt64(r, "response_time_ms"),
			TokensUsed:        rowInt64(r, "tokens_used"),
			Cost:              rowFloat(r, "cost"),
			ErrorMessage:      rowString(r, "error_message"),
			CreatedAt:         rowTime(r, "created_at"),
		})
	}
	return out, nil
}

// Stats holds aggregate usage counters for the dashboard.
type Stats struct {
	Requests     int64   `json:"requests"`
	Succeeded    int64   `json:"succeeded"`
	Failed       int64   `json:"failed"`
	TokensUsed   int64   `json:"tokens_used"`
	TotalCost    float64 `json:"total_cost"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// StatsSince aggregates usage recorded at or after the given time.
func (ur *UsageRepo) StatsSince(ctx context.Context, since time.Time) (*Stats, error) {
	rows, err := ur.store.Raw(ctx,
		`SELECT COUNT(*) AS requests,
		        COALESCE(SUM(CASE WHEN status_code >= 200 AND status_code < 300 THEN 1 ELSE 0 END), 0) AS succeeded,
		        COALESCE(SUM(tokens_used), 0) AS tokens_used,
		        COALESCE(SUM(cost), 0) AS total_cost,
		        COALESCE(AVG(response_time_ms), 0) AS avg_latency_ms
		 FROM usage_records WHERE created_at >= ?`,
		timeToStr(since),
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Stats{}, nil
	}
	r := rows[0]
	s := &Stats{
		Requests:     rowInt64(r, "requests"),
		Succeeded:    rowInt64(r, "succeeded"),
		TokensUsed:   rowInt64(r, "tokens_used"),
		TotalCost:    rowFloat(r, "total_cost"),
		AvgLatencyMs: rowFloat(r, "avg_latency_ms"),
	}
	s.Failed = s.Requests - s.Succeeded
	return s, nil
}
