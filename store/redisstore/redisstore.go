// Package redisstore is the Redis-backed credential store. Records live under
// "<partition>:<key>" with native TTL expiry; change-data-capture events are
// delivered over a per-partition pub/sub channel published by the writer.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/store"
)

const (
	defaultDialTimeout = 5 * time.Second
	channelPrefix      = "cdc:"
	conditionRetries   = 3
)

var _ store.Store = (*Store)(nil)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store implements store.Store on a Redis backend.
type Store struct {
	client redis.UniversalClient
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: defaultDialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client (used by tests with miniredis).
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Put(ctx context.Context, partition, key string, value []byte, expiresAt int64) error {
	existed, err := s.client.Exists(ctx, recordKey(partition, key)).Result()
	if err != nil {
		return fmt.Errorf("redis EXISTS: %w", err)
	}

	if err := s.write(ctx, s.client, store.Write{Partition: partition, Key: key, Value: value, ExpiresAt: expiresAt}); err != nil {
		return err
	}

	if existed == 0 {
		s.publish(ctx, store.Event{Type: store.EventInsert, Partition: partition, Key: key, Value: value})
	}
	return nil
}

func (s *Store) Get(ctx context.Context, partition, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, recordKey(partition, key)).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET: %w", err)
	}
	return value, nil
}

// Take relies on GETDEL for its single-use guarantee: a second concurrent
// consumer observes redis.Nil.
func (s *Store) Take(ctx context.Context, partition, key string) ([]byte, error) {
	value, err := s.client.GetDel(ctx, recordKey(partition, key)).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GETDEL: %w", err)
	}

	s.publish(ctx, store.Event{Type: store.EventRemove, Partition: partition, Key: key, Value: value})
	return value, nil
}

func (s *Store) Delete(ctx context.Context, partition, key string) error {
	value, err := s.client.GetDel(ctx, recordKey(partition, key)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis GETDEL: %w", err)
	}

	s.publish(ctx, store.Event{Type: store.EventRemove, Partition: partition, Key: key, Value: value})
	return nil
}

func (s *Store) ConditionalBatchWrite(ctx context.Context, cond *store.Condition, writes ...store.Write) error {
	var inserts []store.Event

	txf := func(tx *redis.Tx) error {
		if cond != nil {
			current, err := tx.Get(ctx, recordKey(cond.Partition, cond.Key)).Bytes()
			switch {
			case err == redis.Nil:
				if !cond.Absent {
					return errors.ErrConditionFailed
				}
			case err != nil:
				return fmt.Errorf("redis GET: %w", err)
			case cond.Absent:
				return errors.ErrConditionFailed
			case !bytes.Equal(current, cond.Equals):
				return errors.ErrConditionFailed
			}
		}

		inserts = inserts[:0]
		for _, w := range writes {
			existed, err := tx.Exists(ctx, recordKey(w.Partition, w.Key)).Result()
			if err != nil {
				return fmt.Errorf("redis EXISTS: %w", err)
			}
			if existed == 0 {
				inserts = append(inserts, store.Event{Type: store.EventInsert, Partition: w.Partition, Key: w.Key, Value: w.Value})
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				if err := s.write(ctx, pipe, w); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}

	watched := make([]string, 0, 1)
	if cond != nil {
		watched = append(watched, recordKey(cond.Partition, cond.Key))
	}

	var err error
	for attempt := 0; attempt < conditionRetries; attempt++ {
		err = s.client.Watch(ctx, txf, watched...)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		if errors.Is(err, errors.ErrConditionFailed) {
			return errors.ErrConditionFailed
		}
		return fmt.Errorf("redis transaction: %w", err)
	}

	for _, ev := range inserts {
		s.publish(ctx, ev)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, partition string) ([]store.Item, error) {
	var items []store.Item

	iter := s.client.Scan(ctx, 0, partition+":*", 0).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		value, err := s.client.Get(ctx, fullKey).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("redis GET: %w", err)
		}

		var expiresAt int64
		if ttl, err := s.client.TTL(ctx, fullKey).Result(); err == nil && ttl > 0 {
			expiresAt = time.Now().Add(ttl).Unix()
		}

		items = append(items, store.Item{
			Key:       strings.TrimPrefix(fullKey, partition+":"),
			Value:     value,
			ExpiresAt: expiresAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN: %w", err)
	}
	return items, nil
}

func (s *Store) Subscribe(partition string, onInsert, onRemove func(store.Event)) (func(), error) {
	pubsub := s.client.Subscribe(context.Background(), channelPrefix+partition)
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis SUBSCRIBE: %w", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var ev store.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case store.EventInsert:
				if onInsert != nil {
					onInsert(ev)
				}
			case store.EventRemove:
				if onRemove != nil {
					onRemove(ev)
				}
			}
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

// write issues the SET (and EXPIREAT when a TTL is present) for a single
// record against either the client or a transaction pipeline.
func (s *Store) write(ctx context.Context, c redis.Cmdable, w store.Write) error {
	key := recordKey(w.Partition, w.Key)
	if err := c.Set(ctx, key, w.Value, 0).Err(); err != nil {
		return fmt.Errorf("redis SET: %w", err)
	}
	if w.ExpiresAt > 0 {
		if err := c.ExpireAt(ctx, key, time.Unix(w.ExpiresAt, 0)).Err(); err != nil {
			return fmt.Errorf("redis EXPIREAT: %w", err)
		}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, ev store.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, channelPrefix+ev.Partition, payload).Err()
}

func recordKey(partition, key string) string {
	return partition + ":" + key
}
