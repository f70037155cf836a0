// Package route resolves per-key and global source-model rewrites. The rule
// set lives in a copy-on-write snapshot behind an atomic pointer: readers
// never block, and mutations swap in a freshly built snapshot.
package route

import (
	"context"
	"fmt"
	"sync/atomic"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

// Resolution is the outcome of a route lookup.
type Resolution struct {
	TargetModel    string
	TargetProvider gateway.Provider
	Rewritten      bool   // false = passthrough
	RouteID        string // matched rule, empty on passthrough
}

// Table is the in-memory route index.
type Table struct {
	routes *storage.RouteRepo
	snap   atomic.Pointer[snapshot]
}

// snapshot holds the enabled rules, pre-bucketed and pre-sorted. The repo
// returns rules ordered by (priority, created_at), which the buckets keep.
type snapshot struct {
	perKey map[string][]*gateway.ModelRoute
	global []*gateway.ModelRoute
}

// New builds a Table and loads the initial snapshot.
func New(ctx context.Context, routes *storage.RouteRepo) (*Table, error) {
	t := &Table{routes: routes}
	if err := t.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load route table: %w", err)
	}
	return t, nil
}

// Reload rebuilds the snapshot from the store. Call after any route
// mutation; readers see either the old or the new rule set, never a mix.
func (t *Table) Reload(ctx context.Context) error {
	rules, err := t.routes.ListEnabled(ctx)
	if err != nil {
		return err
	}

	snap := &snapshot{perKey: make(map[string][]*gateway.ModelRoute)}
	for _, r := range rules {
		if r.APIKeyID == "" {
			snap.global = append(snap.global, r)
		} else {
			snap.perKey[r.APIKeyID] = append(snap.perKey[r.APIKeyID], r)
		}
	}
	t.snap.Store(snap)
	return nil
}

// Resolve maps the requested model for the given API key: per-key rules
// first, then globals, first exact source-model match in priority order
// wins. No match is a passthrough to the endpoint-inferred provider.
func (t *Table) Resolve(apiKeyID, sourceModel string, inferred gateway.Provider) Resolution {
	snap := t.snap.Load()
	if snap != nil {
		if r := firstMatch(snap.perKey[apiKeyID], sourceModel); r != nil {
			return Resolution{
				TargetModel:    r.TargetModel,
				TargetProvider: r.TargetProvider,
				Rewritten:      true,
				RouteID:        r.ID,
			}
		}
		if r := firstMatch(snap.global, sourceModel); r != nil {
			return Resolution{
				TargetModel:    r.TargetModel,
				TargetProvider: r.TargetProvider,
				Rewritten:      true,
				RouteID:        r.ID,
			}
		}
	}
	return Resolution{TargetModel: sourceModel, TargetProvider: inferred}
}

// firstMatch scans a priority-ordered rule list for an exact source-model
// match. Rule lists are small (tens of entries); a linear scan beats a map
// rebuild on every snapshot swap.
func firstMatch(rules []*gateway.ModelRoute, sourceModel string) *gateway.ModelRoute {
	for _, r := range rules {
		if r.SourceModel == sourceModel {
			return r
		}
	}
	return nil
}
