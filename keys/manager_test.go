package keys_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/keys"
	"github.com/webstead/site-auth/store/memstore"
)

const (
	testPartition   = "signing-keys"
	testGracePeriod = 7 * 24 * time.Hour
)

type managerFixture struct {
	store   *memstore.Store
	manager *keys.Manager
	now     time.Time
}

func setupManager(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.store = memstore.New(memstore.WithNowFunc(func() time.Time { return f.now }))

	manager, err := keys.NewManager(f.store, testPartition, testGracePeriod,
		keys.WithNowFunc(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.manager = manager

	return f
}

func (f *managerFixture) aliasKid(t *testing.T) string {
	t.Helper()

	raw, err := f.store.Get(context.Background(), testPartition, keys.AliasKey)
	require.NoError(t, err)

	var alias struct {
		Kid string `json:"kid"`
	}
	require.NoError(t, json.Unmarshal(raw, &alias))
	return alias.Kid
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	_, err := keys.NewManager(nil, testPartition, testGracePeriod)
	require.Error(t, err)

	_, err = keys.NewManager(memstore.New(), "", testGracePeriod)
	require.Error(t, err)

	_, err = keys.NewManager(memstore.New(), testPartition, 0)
	require.Error(t, err)
}

func TestFirstRotationCreatesActiveKey(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	record, err := f.manager.Rotate(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, record.Kid)
	require.Equal(t, keys.RS256, record.Alg)
	require.Equal(t, "sig", record.Use)
	require.Zero(t, record.ExpiresAt)

	require.Equal(t, record.Kid, f.aliasKid(t))

	active, err := f.manager.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, record.Kid, active.Kid)
}

func TestRotationRetiresPreviousKey(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	first, err := f.manager.Rotate(ctx)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	second, err := f.manager.Rotate(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.Kid, second.Kid)

	require.Equal(t, second.Kid, f.aliasKid(t))

	// The retired key carries an expiry one grace period out, so tokens it
	// signed stay verifiable until they would have expired anyway.
	raw, err := f.store.Get(ctx, testPartition, first.Kid)
	require.NoError(t, err)
	var retired keys.Record
	require.NoError(t, json.Unmarshal(raw, &retired))
	require.Equal(t, f.now.Add(testGracePeriod).Unix(), retired.ExpiresAt)
}

func TestRetiredKeyStillVerifiesUntilExpiry(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	first, err := f.manager.Rotate(ctx)
	require.NoError(t, err)

	_, err = f.manager.Rotate(ctx)
	require.NoError(t, err)

	_, err = f.manager.VerificationKey(ctx, first.Kid)
	require.NoError(t, err)

	f.now = f.now.Add(testGracePeriod + time.Second)
	_, err = f.manager.VerificationKey(ctx, first.Kid)
	require.ErrorIs(t, err, interrors.ErrKeyExpired)
}

func TestVerificationKeyLookupIsDirect(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	record, err := f.manager.Rotate(ctx)
	require.NoError(t, err)

	publicKey, err := f.manager.VerificationKey(ctx, record.Kid)
	require.NoError(t, err)
	require.NotNil(t, publicKey)

	_, err = f.manager.VerificationKey(ctx, "no-such-kid")
	require.ErrorIs(t, err, interrors.ErrKeyNotFound)
}

func TestConcurrentRotationsLeaveOneActive(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	_, err := f.manager.Rotate(ctx)
	require.NoError(t, err)

	const rotations = 8
	var wg sync.WaitGroup
	results := make(chan error, rotations)

	for i := 0; i < rotations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Rotate(ctx)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, interrors.ErrConditionFailed)
		}
	}
	require.GreaterOrEqual(t, succeeded, 1)

	// Whatever the interleaving, exactly one key is named by the alias and no
	// live key other than the alias target lacks an expiry.
	aliasKid := f.aliasKid(t)
	items, err := f.store.Scan(ctx, testPartition)
	require.NoError(t, err)

	var unexpired int
	for _, item := range items {
		if item.Key == keys.AliasKey {
			continue
		}
		var record keys.Record
		require.NoError(t, json.Unmarshal(item.Value, &record))
		if record.ExpiresAt == 0 {
			unexpired++
			require.Equal(t, aliasKid, record.Kid)
		}
	}
	require.Equal(t, 1, unexpired)
}

func TestEnsureActiveIsIdempotent(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	require.NoError(t, f.manager.EnsureActive(ctx))
	kid := f.aliasKid(t)

	require.NoError(t, f.manager.EnsureActive(ctx))
	require.Equal(t, kid, f.aliasKid(t))
}

func TestActiveSignerSignsWithKidHeader(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	record, err := f.manager.Rotate(ctx)
	require.NoError(t, err)

	signer, err := f.manager.ActiveSigner(ctx)
	require.NoError(t, err)
	require.Equal(t, record.Kid, signer.KeyID())
}

func TestNoActiveKey(t *testing.T) {
	f := setupManager(t)

	_, err := f.manager.Active(context.Background())
	require.ErrorIs(t, err, interrors.ErrNoActiveKey)

	_, err = f.manager.ActiveSigner(context.Background())
	require.ErrorIs(t, err, interrors.ErrNoActiveKey)
}
