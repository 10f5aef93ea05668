package users

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/store"
)

var _ Repo = (*StoreRepo)(nil)

// StoreRepo persists users in a credential store partition.
type StoreRepo struct {
	store     store.Store
	partition string
}

// NewStoreRepo creates a store-backed user repository.
func NewStoreRepo(s store.Store, partition string) (*StoreRepo, error) {
	if s == nil {
		return nil, errors.New("[users.NewStoreRepo] store is required")
	}
	if partition == "" {
		return nil, errors.New("[users.NewStoreRepo] partition is required")
	}
	return &StoreRepo{store: s, partition: partition}, nil
}

func (r *StoreRepo) Get(ctx context.Context, id string) (*User, error) {
	raw, err := r.store.Get(ctx, r.partition, id)
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, interrors.Wrapf(interrors.ErrCorruptRecord, "[users.Get] decode user %s", id)
	}
	return &user, nil
}

func (r *StoreRepo) Upsert(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return errors.New("[users.Upsert] user id is required")
	}

	raw, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "[users.Upsert] encode user")
	}
	// User records never expire.
	return r.store.Put(ctx, r.partition, user.ID, raw, 0)
}
