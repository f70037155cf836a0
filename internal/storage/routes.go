package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// RouteRepo maps model route rows to domain types.
type RouteRepo struct {
	store RowStore
}

// NewRouteRepo returns a RouteRepo over the given store.
func NewRouteRepo(store RowStore) *RouteRepo {
	return &RouteRepo{store: store}
}

func routeToRow(r *gateway.ModelRoute) Row {
	return Row{
		"id":              r.ID,
		"api_key_id":      nullStr(r.APIKeyID),
		"source_model":    r.SourceModel,
		"target_model":    r.TargetModel,
		"target_provider": string(r.TargetProvider),
		"priority":        r.Priority,
		"enabled":         boolToInt(r.Enabled),
		"description":     nullStr(r.Description),
		"created_at":      timeToStr(r.CreatedAt),
	}
}

func routeFromRow(r Row) *gateway.ModelRoute {
	return &gateway.ModelRoute{
		ID:             rowString(r, "id"),
		APIKeyID:       rowString(r, "api_key_id"),
		SourceModel:    rowString(r, "source_model"),
		TargetModel:    rowString(r, "target_model"),
		TargetProvider: gateway.Provider(rowString(r, "target_provider")),
		Priority:       int(rowInt64(r, "priority")),
		Enabled:        rowBool(r, "enabled"),
		Description:    rowString(r, "description"),
		CreatedAt:      rowTime(r, "created_at"),
	}
}

// Create inserts a route rule.
func (rr *RouteRepo) Create(ctx context.Context, r *gateway.ModelRoute) error {
	return rr.store.Create(ctx, TableModelRoutes, routeToRow(r))
}

// ListEnabled returns every enabled rule ordered by (priority, created_at),
// the order the route table snapshot preserves. Ties on priority resolve by
// creation order.
func (rr *RouteRepo) ListEnabled(ctx context.Context) ([]*gateway.ModelRoute, error) {
	rows, err := rr.store.FindMany(ctx, TableModelRoutes, Query{
		Where: Where{"enabled": 1},
		Order: []string{"priority", "created_at"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.ModelRoute, 0, len(rows))
	for _, r := range rows {
		out = append(out, routeFromRow(r))
	}
	return out, nil
}

// ListByKey returns all rules bound to the given API key (enabled or not).
func (rr *RouteRepo) ListByKey(ctx context.Context, apiKeyID string) ([]*gateway.ModelRoute, error) {
	rows, err := rr.store.FindMany(ctx, TableModelRoutes, Query{
		Where: Where{"api_key_id": apiKeyID},
		Order: []string{"priority", "created_at"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.ModelRoute, 0, len(rows))
	for _, r := range rows {
		out = append(out, routeFromRow(r))
	}
	return out, nil
}

// ReplaceForKey atomically swaps the rule set bound to an API key.
func (rr *RouteRepo) ReplaceForKey(ctx context.Context, apiKeyID string, routes []*gateway.ModelRoute, now time.Time) error {
	return rr.store.Transaction(ctx, func(tx RowStore) error {
		if _, err := tx.Delete(ctx, TableModelRoutes, Where{"api_key_id": apiKeyID}); err != nil {
			return err
		}
		for _, r := range routes {
			r.APIKeyID = apiKeyID
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
			if err := tx.Create(ctx, TableModelRoutes, routeToRow(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a rule.
func (rr *RouteRepo) Delete(ctx context.Context, id string) error {
	n, err := rr.store.Delete(ctx, TableModelRoutes, Where{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}
