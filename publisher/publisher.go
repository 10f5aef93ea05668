// Package publisher reacts to signing key changes and republishes the public
// key set and discovery document to the public object store.
package publisher

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/keys"
	"github.com/webstead/site-auth/publisher/objectstore"
	"github.com/webstead/site-auth/store"
)

// Well-known paths the documents are published under.
const (
	JWKSPath      = ".well-known/jwks.json"
	DiscoveryPath = ".well-known/openid-configuration"

	jsonContentType = "application/json"
)

// DiscoveryDocument is the published OIDC-style discovery document.
type DiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Publisher projects the key partition to a JWKS document. Publish is a pure
// function of the current store state, so redelivered change events are
// harmless: republishing an unchanged key set writes identical bytes.
type Publisher struct {
	store     store.Store
	partition string
	objects   objectstore.ObjectStore
	issuerURL string
	nowFunc   func() time.Time
}

// Option modifies a Publisher instance.
type Option func(*Publisher)

// WithNowFunc sets the time source (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(p *Publisher) {
		p.nowFunc = now
	}
}

// New creates a publisher for the given key partition and issuer.
func New(s store.Store, partition string, objects objectstore.ObjectStore, issuerURL string, options ...Option) (*Publisher, error) {
	if s == nil {
		return nil, errors.New("[publisher.New] store is required")
	}
	if partition == "" {
		return nil, errors.New("[publisher.New] partition is required")
	}
	if objects == nil {
		return nil, errors.New("[publisher.New] object store is required")
	}
	if issuerURL == "" {
		return nil, errors.New("[publisher.New] issuer URL is required")
	}

	p := &Publisher{
		store:     s,
		partition: partition,
		objects:   objects,
		issuerURL: strings.TrimSuffix(issuerURL, "/"),
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Start subscribes to insert/remove events on the key partition. Handler
// errors are logged, not retried here; redelivery is the store's concern.
func (p *Publisher) Start(ctx context.Context) (func(), error) {
	onChange := func(ev store.Event) {
		if ev.Key == keys.AliasKey {
			return // the ACTIVE alias is a pointer, not a publishable key
		}
		if err := p.Publish(ctx); err != nil {
			log.Error().Err(err).Str("key", ev.Key).Str("event", string(ev.Type)).Msg("jwks republish failed")
			return
		}
		log.Info().Str("key", ev.Key).Str("event", string(ev.Type)).Msg("jwks republished")
	}

	unsubscribe, err := p.store.Subscribe(p.partition, onChange, onChange)
	if err != nil {
		return nil, errors.Wrap(err, "[Publisher.Start] subscribe")
	}
	return unsubscribe, nil
}

// Publish scans the key partition and writes the JWKS and discovery documents.
// The ACTIVE alias record and keys past their expiry are excluded; the output
// is sorted by kid so identical key sets yield byte-identical documents.
func (p *Publisher) Publish(ctx context.Context) error {
	items, err := p.store.Scan(ctx, p.partition)
	if err != nil {
		return errors.Wrap(err, "[Publisher.Publish] scan keys")
	}

	now := p.nowFunc().Unix()
	jwks := keys.JWKS{Keys: make([]keys.JWK, 0, len(items))}

	for _, item := range items {
		if item.Key == keys.AliasKey {
			continue
		}

		var record keys.Record
		if err := json.Unmarshal(item.Value, &record); err != nil {
			return interrors.Wrapf(interrors.ErrCorruptRecord, "[Publisher.Publish] key %s", item.Key)
		}
		if record.ExpiresAt > 0 && record.ExpiresAt <= now {
			continue
		}
		jwks.Keys = append(jwks.Keys, record.JWK())
	}

	sort.Slice(jwks.Keys, func(i, j int) bool { return jwks.Keys[i].Kid < jwks.Keys[j].Kid })

	jwksRaw, err := json.Marshal(jwks)
	if err != nil {
		return errors.Wrap(err, "[Publisher.Publish] encode jwks")
	}
	if err := p.objects.PutObject(ctx, JWKSPath, jwksRaw, jsonContentType); err != nil {
		return errors.Wrap(err, "[Publisher.Publish] put jwks")
	}

	discovery, err := json.Marshal(DiscoveryDocument{
		Issuer:  p.issuerURL,
		JWKSURI: p.issuerURL + "/" + JWKSPath,
	})
	if err != nil {
		return errors.Wrap(err, "[Publisher.Publish] encode discovery")
	}
	if err := p.objects.PutObject(ctx, DiscoveryPath, discovery, jsonContentType); err != nil {
		return errors.Wrap(err, "[Publisher.Publish] put discovery")
	}

	return nil
}
