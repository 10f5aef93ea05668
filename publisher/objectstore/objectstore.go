// Package objectstore abstracts the public bucket the JWKS and discovery
// documents are published to.
package objectstore

import "context"

// ObjectStore writes public, cache-friendly documents to fixed paths.
type ObjectStore interface {
	PutObject(ctx context.Context, path string, data []byte, contentType string) error
}
