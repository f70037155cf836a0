package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// KeyRepo maps gateway API key rows to domain types.
type KeyRepo struct {
	store RowStore
}

// NewKeyRepo returns a KeyRepo over the given store.
func NewKeyRepo(store RowStore) *KeyRepo {
	return &KeyRepo{store: store}
}

func keyFromRow(r Row) (*gateway.APIKey, error) {
	k := &gateway.APIKey{
		ID:           rowString(r, "id"),
		OwnerID:      rowString(r, "owner_id"),
		Name:         rowString(r, "name"),
		KeyHash:      rowString(r, "key_hash"),
		IsActive:     rowBool(r, "is_active"),
		ExpiresAt:    rowTimePtr(r, "expires_at"),
		LastUsedAt:   rowTimePtr(r, "last_used_at"),
		RequestCount: rowInt64(r, "request_count"),
		CreatedAt:    rowTime(r, "created_at"),
	}
	if err := unmarshalJSON(r, "permissions", &k.Permissions); err != nil {
		return nil, err
	}
	return k, nil
}

// Create inserts a new API key.
func (kr *KeyRepo) Create(ctx context.Context, k *gateway.APIKey) error {
	perms, err := marshalJSON(k.Permissions)
	if err != nil {
		return err
	}
	return kr.store.Create(ctx, TableAPIKeys, Row{
		"id":            k.ID,
		"owner_id":      k.OwnerID,
		"name":          k.Name,
		"key_hash":      k.KeyHash,
		"permissions":   perms,
		"is_active":     boolToInt(k.IsActive),
		"expires_at":    timePtrToStr(k.ExpiresAt),
		"request_count": k.RequestCount,
		"created_at":    timeToStr(k.CreatedAt),
	})
}

// GetByHash retrieves an API key by its SHA-256 hash.
func (kr *KeyRepo) GetByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row, err := kr.store.FindOne(ctx, TableAPIKeys, Where{"key_hash": hash})
	if err != nil {
		return nil, err
	}
	return keyFromRow(row)
}

// Get retrieves an API key by id.
func (kr *KeyRepo) Get(ctx context.Context, id string) (*gateway.APIKey, error) {
	row, err := kr.store.FindOne(ctx, TableAPIKeys, Where{"id": id})
	if err != nil {
		return nil, err
	}
	return keyFromRow(row)
}

// ListByOwner returns the owner's keys, newest first.
func (kr *KeyRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*gateway.APIKey, error) {
	rows, err := kr.store.FindMany(ctx, TableAPIKeys, Query{
		Where:  Where{"owner_id": ownerID},
		Order:  []string{"-created_at"},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := keyFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// Update rewrites the mutable key fields.
func (kr *KeyRepo) Update(ctx context.Context, k *gateway.APIKey) error {
	perms, err := marshalJSON(k.Permissions)
	if err != nil {
		return err
	}
	n, err := kr.store.Update(ctx, TableAPIKeys, Where{"id": k.ID}, Row{
		"name":        k.Name,
		"permissions": perms,
		"is_active":   boolToInt(k.IsActive),
		"expires_at":  timePtrToStr(k.ExpiresAt),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// Delete removes an API key. Per-key model routes cascade at the schema level.
func (kr *KeyRepo) Delete(ctx context.Context, id string) error {
	n, err := kr.store.Delete(ctx, TableAPIKeys, Where{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// IncrementRequests atomically bumps request_count and stamps last_used_at.
func (kr *KeyRepo) IncrementRequests(ctx context.Context, id string, now time.Time) error {
	_, err := kr.store.Exec(ctx,
		`UPDATE api_keys SET request_count = request_count + 1, last_used_at = ? WHERE id = ?`,
		timeToStr(now), id,
	)
	return err
}
