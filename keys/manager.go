package keys

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/store"
)

// AliasKey is the reserved record key holding the ACTIVE pointer. The alias is
// an indirection, not a copy: it names the current kid and nothing else, so
// swapping it is a single atomic write.
const AliasKey = "active"

const rsaKeyBits = 2048

// Record is the stored form of a signing key. A record is immutable once
// created except for ExpiresAt, which is set exactly once when the key is
// retired by a rotation.
type Record struct {
	Kid           string `json:"kid"`
	Alg           string `json:"alg"`
	Use           string `json:"use"`
	N             string `json:"n"`
	E             string `json:"e"`
	PrivateKeyPEM string `json:"private_key_pem"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
}

// JWK projects the record's public half for JWKS publication.
func (r *Record) JWK() JWK {
	return JWK{Kid: r.Kid, Kty: "RSA", Use: r.Use, Alg: r.Alg, N: r.N, E: r.E}
}

type aliasRecord struct {
	Kid string `json:"kid"`
}

// Manager owns the signing key lifecycle: generation, the ACTIVE alias swap,
// retirement with a bounded grace period, and kid-based verification lookup.
type Manager struct {
	store       store.Store
	partition   string
	gracePeriod time.Duration // how long a retired key stays verifiable
	nowFunc     func() time.Time
}

// ManagerOption modifies a Manager instance.
type ManagerOption func(*Manager)

// WithNowFunc sets the time source (primarily for testing)
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// NewManager creates a key manager over the given store partition. The grace
// period should equal the refresh token lifetime so that every token signed by
// a retired key outlives its own expiry, never the key's.
func NewManager(s store.Store, partition string, gracePeriod time.Duration, options ...ManagerOption) (*Manager, error) {
	if s == nil {
		return nil, errors.New("[NewManager] store is required")
	}
	if partition == "" {
		return nil, errors.New("[NewManager] partition is required")
	}
	if gracePeriod <= 0 {
		return nil, errors.New("[NewManager] grace period is required")
	}

	m := &Manager{
		store:       s,
		partition:   partition,
		gracePeriod: gracePeriod,
		nowFunc:     time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Rotate generates a new signing key and makes it ACTIVE. The superseded key,
// if any, is retired in the same batch with an expiry one grace period out and
// a matching store TTL. The batch is conditioned on the alias still naming the
// key observed at the start of the rotation, so a concurrent rotation cannot
// leave two keys ACTIVE: the loser fails with ErrConditionFailed and no
// partial state.
func (m *Manager) Rotate(ctx context.Context) (*Record, error) {
	now := m.nowFunc()

	cond := &store.Condition{Partition: m.partition, Key: AliasKey, Absent: true}
	var writes []store.Write

	aliasRaw, err := m.store.Get(ctx, m.partition, AliasKey)
	switch {
	case err == nil:
		var alias aliasRecord
		if err := json.Unmarshal(aliasRaw, &alias); err != nil {
			return nil, interrors.Wrapf(interrors.ErrCorruptRecord, "[Rotate] decode alias")
		}
		cond = &store.Condition{Partition: m.partition, Key: AliasKey, Equals: aliasRaw}

		retiring, err := m.get(ctx, alias.Kid)
		switch {
		case errors.Is(err, interrors.ErrNotFound):
			// alias points at an already-expired key; nothing to retire
		case err != nil:
			return nil, errors.Wrap(err, "[Rotate] load active key")
		default:
			retiring.ExpiresAt = now.Add(m.gracePeriod).Unix()
			retiringRaw, err := json.Marshal(retiring)
			if err != nil {
				return nil, errors.Wrap(err, "[Rotate] encode retiring key")
			}
			writes = append(writes, store.Write{
				Partition: m.partition,
				Key:       retiring.Kid,
				Value:     retiringRaw,
				ExpiresAt: retiring.ExpiresAt,
			})
		}

	case errors.Is(err, interrors.ErrNotFound):
		// first rotation; alias must still be absent at commit time

	default:
		return nil, errors.Wrap(err, "[Rotate] read alias")
	}

	keyPair, err := GenerateRSAKeyPair(rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "[Rotate] generate key pair")
	}

	privatePEM, err := keyPair.ExportPrivateKeyPEM()
	if err != nil {
		return nil, errors.Wrap(err, "[Rotate] export private key")
	}

	jwk, err := keyPair.ToJWK()
	if err != nil {
		return nil, errors.Wrap(err, "[Rotate] project public key")
	}

	record := &Record{
		Kid:           keyPair.KeyID,
		Alg:           keyPair.Algorithm,
		Use:           "sig",
		N:             jwk.N,
		E:             jwk.E,
		PrivateKeyPEM: privatePEM,
		CreatedAt:     now.Unix(),
	}

	recordRaw, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "[Rotate] encode key record")
	}
	aliasOut, err := json.Marshal(aliasRecord{Kid: record.Kid})
	if err != nil {
		return nil, errors.Wrap(err, "[Rotate] encode alias")
	}

	writes = append(writes,
		store.Write{Partition: m.partition, Key: record.Kid, Value: recordRaw},
		store.Write{Partition: m.partition, Key: AliasKey, Value: aliasOut},
	)

	if err := m.store.ConditionalBatchWrite(ctx, cond, writes...); err != nil {
		return nil, errors.Wrap(err, "[Rotate] commit key swap")
	}
	return record, nil
}

// EnsureActive rotates only when no ACTIVE alias exists yet. A concurrent
// first rotation winning the race is treated as success.
func (m *Manager) EnsureActive(ctx context.Context) error {
	_, err := m.store.Get(ctx, m.partition, AliasKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, interrors.ErrNotFound) {
		return errors.Wrap(err, "[EnsureActive] read alias")
	}

	if _, err := m.Rotate(ctx); err != nil {
		if errors.Is(err, interrors.ErrConditionFailed) {
			return nil
		}
		return err
	}
	return nil
}

// Active returns the record the ACTIVE alias currently points at.
func (m *Manager) Active(ctx context.Context) (*Record, error) {
	aliasRaw, err := m.store.Get(ctx, m.partition, AliasKey)
	if errors.Is(err, interrors.ErrNotFound) {
		return nil, interrors.ErrNoActiveKey
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Active] read alias")
	}

	var alias aliasRecord
	if err := json.Unmarshal(aliasRaw, &alias); err != nil {
		return nil, interrors.Wrapf(interrors.ErrCorruptRecord, "[Active] decode alias")
	}

	record, err := m.get(ctx, alias.Kid)
	if errors.Is(err, interrors.ErrNotFound) {
		return nil, interrors.ErrNoActiveKey
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ActiveSigner reconstructs a signer from the ACTIVE key's stored material.
func (m *Manager) ActiveSigner(ctx context.Context) (Signer, error) {
	record, err := m.Active(ctx)
	if err != nil {
		return nil, err
	}

	keyPair, err := LoadKeyPairFromPEM(record.Kid, record.PrivateKeyPEM)
	if err != nil {
		return nil, errors.Wrapf(err, "[ActiveSigner] load key pair %s", record.Kid)
	}
	return NewKeyPairSigner(keyPair), nil
}

// VerificationKey looks up the public key for a token's kid. The lookup is
// direct, never through the alias: a key that is no longer ACTIVE remains
// valid for verification until its own expiry.
func (m *Manager) VerificationKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	record, err := m.get(ctx, kid)
	if errors.Is(err, interrors.ErrNotFound) {
		return nil, interrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	if record.ExpiresAt > 0 && record.ExpiresAt <= m.nowFunc().Unix() {
		return nil, interrors.ErrKeyExpired
	}

	publicKey, err := PublicKeyFromComponents(record.N, record.E)
	if err != nil {
		return nil, interrors.Wrapf(interrors.ErrCorruptRecord, "[VerificationKey] key %s", kid)
	}
	return publicKey, nil
}

func (m *Manager) get(ctx context.Context, kid string) (*Record, error) {
	raw, err := m.store.Get(ctx, m.partition, kid)
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, interrors.Wrapf(interrors.ErrCorruptRecord, "[keys] decode record %s", kid)
	}
	return &record, nil
}
