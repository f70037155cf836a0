package storage

import (
	"context"

	gateway "github.com/eugener/warden/internal"
)

// UserRepo maps user rows to domain types. The core only needs the ownership
// edge; user administration is handled elsewhere.
type UserRepo struct {
	store RowStore
}

// NewUserRepo returns a UserRepo over the given store.
func NewUserRepo(store RowStore) *UserRepo {
	return &UserRepo{store: store}
}

// Create inserts a user.
func (ur *UserRepo) Create(ctx context.Context, u *gateway.User) error {
	return ur.store.Create(ctx, TableUsers, Row{
		"id":         u.ID,
		"name":       u.Name,
		"email":      nullStr(u.Email),
		"created_at": timeToStr(u.CreatedAt),
	})
}

// Get returns the user with the given id.
func (ur *UserRepo) Get(ctx context.Context, id string) (*gateway.User, error) {
	row, err := ur.store.FindOne(ctx, TableUsers, Where{"id": id})
	if err != nil {
		return nil, err
	}
	return &gateway.User{
		ID:        rowString(row, "id"),
		Name:      rowString(row, "name"),
		Email:     rowString(row, "email"),
		CreatedAt: rowTime(row, "created_at"),
	}, nil
}

// Exists reports whether a user with the given id exists.
func (ur *UserRepo) Exists(ctx context.Context, id string) (bool, error) {
	return ur.store.Exists(ctx, TableUsers, Where{"id": id})
}
