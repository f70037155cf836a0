package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

// Bootstrap seeds users and API keys declared in config. Existing rows are
// left alone, so the seed block is idempotent across restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.RowStore) error {
	users := storage.NewUserRepo(store)
	keys := storage.NewKeyRepo(store)
	now := time.Now()

	for _, u := range cfg.Seed.Users {
		if u.ID == "" {
			return fmt.Errorf("seed user needs an id")
		}
		exists, err := users.Exists(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("check seed user %q: %w", u.ID, err)
		}
		if exists {
			continue
		}
		name := u.Name
		if name == "" {
			name = u.ID
		}
		if err := users.Create(ctx, &gateway.User{ID: u.ID, Name: name, Email: u.Email, CreatedAt: now}); err != nil {
			return fmt.Errorf("seed user %q: %w", u.ID, err)
		}
		slog.Info("user seeded", "id", u.ID)
	}

	for _, k := range cfg.Seed.Keys {
		if k.Key == "" {
			slog.Warn("seed key empty, skipped", "name", k.Name)
			continue
		}
		if !strings.HasPrefix(k.Key, gateway.APIKeyPrefix) {
			return fmt.Errorf("seed key %q missing %s prefix", k.Name, gateway.APIKeyPrefix)
		}
		hash := gateway.HashKey(k.Key)
		if _, err := keys.GetByHash(ctx, hash); err == nil {
			continue
		}
		perms := k.Permissions
		if len(perms) == 0 {
			perms = []string{gateway.PermInference}
		}
		err := keys.Create(ctx, &gateway.APIKey{
			ID:          uuid.Must(uuid.NewV7()).String(),
			OwnerID:     k.OwnerID,
			Name:        k.Name,
			KeyHash:     hash,
			Permissions: perms,
			IsActive:    true,
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("seed key %q: %w", k.Name, err)
		}
		slog.Info("api key seeded", "name", k.Name)
	}
	return nil
}
