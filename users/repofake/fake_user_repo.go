package repofake

import (
	"context"
	"sync"

	"github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/users"
)

var _ users.Repo = (*FakeUserRepo)(nil)

type FakeUserRepo struct {
	lock  sync.RWMutex
	users map[string]*users.User
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		users: make(map[string]*users.User),
	}
}

func (r *FakeUserRepo) Get(ctx context.Context, id string) (*users.User, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *FakeUserRepo) Upsert(ctx context.Context, user *users.User) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	copied := *user
	r.users[user.ID] = &copied
	return nil
}
