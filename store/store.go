// Package store defines the credential store contract shared by the signing key
// manager, the sign-in flow, and the session service. Records are opaque bytes
// grouped into partitions; every record may carry a TTL in epoch seconds, after
// which it is excluded from reads even if physical deletion is deferred.
package store

import "context"

// EventType classifies a change-data-capture event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventRemove EventType = "remove"
)

// Event is a single change-data-capture notification. Updates to existing
// records are not delivered; subscribers only observe record lifecycle edges.
type Event struct {
	Type      EventType
	Partition string
	Key       string
	Value     []byte
}

// Item is a record returned by Scan.
type Item struct {
	Key       string
	Value     []byte
	ExpiresAt int64 // epoch seconds, 0 = no expiry
}

// Write is a single entry of a batched write.
type Write struct {
	Partition string
	Key       string
	Value     []byte
	ExpiresAt int64 // epoch seconds, 0 = no expiry
}

// Condition guards a ConditionalBatchWrite. The batch is applied only if the
// record at (Partition, Key) currently equals Equals, or is absent when Absent
// is set.
type Condition struct {
	Partition string
	Key       string
	Equals    []byte
	Absent    bool
}

// Store is a key-value store with per-record TTL expiry, atomic single-use
// consumption, conditional batched writes, and insert/remove change
// notifications.
type Store interface {
	// Put writes a record. expiresAt of 0 means the record does not expire.
	Put(ctx context.Context, partition, key string, value []byte, expiresAt int64) error

	// Get reads a record. Absent or expired records return ErrNotFound.
	Get(ctx context.Context, partition, key string) ([]byte, error)

	// Take atomically reads and deletes a record, guaranteeing single-use
	// consumption: of two concurrent callers, exactly one receives the value
	// and the other ErrNotFound.
	Take(ctx context.Context, partition, key string) ([]byte, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, partition, key string) error

	// ConditionalBatchWrite applies all writes atomically, or none of them.
	// A nil condition applies the batch unconditionally. A failed condition
	// returns ErrConditionFailed.
	ConditionalBatchWrite(ctx context.Context, cond *Condition, writes ...Write) error

	// Scan returns all live records in a partition.
	Scan(ctx context.Context, partition string) ([]Item, error)

	// Subscribe registers change handlers for a partition and returns an
	// unsubscribe function. Handlers are invoked asynchronously.
	Subscribe(partition string, onInsert, onRemove func(Event)) (func(), error)
}
