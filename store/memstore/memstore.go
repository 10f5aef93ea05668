// Package memstore is an in-memory credential store used for development and
// tests. It implements the full store contract including TTL exclusion and
// insert/remove change notifications.
package memstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/store"
)

var _ store.Store = (*Store)(nil)

type entry struct {
	value     []byte
	expiresAt int64
}

type subscriber struct {
	events   chan store.Event
	quit     chan struct{}
	onInsert func(store.Event)
	onRemove func(store.Event)
}

// loop delivers events to the handlers one at a time, in publication order.
func (sub *subscriber) loop() {
	for {
		select {
		case ev := <-sub.events:
			switch ev.Type {
			case store.EventInsert:
				if sub.onInsert != nil {
					sub.onInsert(ev)
				}
			case store.EventRemove:
				if sub.onRemove != nil {
					sub.onRemove(ev)
				}
			}
		case <-sub.quit:
			return
		}
	}
}

// Store is a thread-safe in-memory implementation of store.Store.
type Store struct {
	mu          sync.Mutex
	partitions  map[string]map[string]entry
	subscribers map[string][]*subscriber
	nowFunc     func() time.Time
}

// Option modifies a Store instance.
type Option func(*Store)

// WithNowFunc sets the time source (primarily for testing TTL expiry).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// New creates an empty in-memory store.
func New(options ...Option) *Store {
	s := &Store{
		partitions:  make(map[string]map[string]entry),
		subscribers: make(map[string][]*subscriber),
		nowFunc:     time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Put(ctx context.Context, partition, key string, value []byte, expiresAt int64) error {
	s.mu.Lock()
	p := s.partition(partition)
	_, existed := s.live(p, key)
	p[key] = entry{value: clone(value), expiresAt: expiresAt}
	s.mu.Unlock()

	if !existed {
		s.dispatch(store.Event{Type: store.EventInsert, Partition: partition, Key: key, Value: clone(value)})
	}
	return nil
}

func (s *Store) Get(ctx context.Context, partition, key string) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.live(s.partition(partition), key)
	s.mu.Unlock()

	if !ok {
		return nil, errors.ErrNotFound
	}
	return clone(e.value), nil
}

func (s *Store) Take(ctx context.Context, partition, key string) ([]byte, error) {
	s.mu.Lock()
	p := s.partition(partition)
	e, ok := s.live(p, key)
	if !ok {
		s.mu.Unlock()
		return nil, errors.ErrNotFound
	}
	delete(p, key)
	s.mu.Unlock()

	s.dispatch(store.Event{Type: store.EventRemove, Partition: partition, Key: key, Value: clone(e.value)})
	return clone(e.value), nil
}

func (s *Store) Delete(ctx context.Context, partition, key string) error {
	s.mu.Lock()
	p := s.partition(partition)
	e, ok := s.live(p, key)
	delete(p, key)
	s.mu.Unlock()

	if ok {
		s.dispatch(store.Event{Type: store.EventRemove, Partition: partition, Key: key, Value: clone(e.value)})
	}
	return nil
}

func (s *Store) ConditionalBatchWrite(ctx context.Context, cond *store.Condition, writes ...store.Write) error {
	s.mu.Lock()
	if cond != nil {
		current, ok := s.live(s.partition(cond.Partition), cond.Key)
		if cond.Absent {
			if ok {
				s.mu.Unlock()
				return errors.ErrConditionFailed
			}
		} else if !ok || !bytes.Equal(current.value, cond.Equals) {
			s.mu.Unlock()
			return errors.ErrConditionFailed
		}
	}

	var inserts []store.Event
	for _, w := range writes {
		p := s.partition(w.Partition)
		if _, existed := s.live(p, w.Key); !existed {
			inserts = append(inserts, store.Event{Type: store.EventInsert, Partition: w.Partition, Key: w.Key, Value: clone(w.Value)})
		}
		p[w.Key] = entry{value: clone(w.Value), expiresAt: w.ExpiresAt}
	}
	s.mu.Unlock()

	for _, ev := range inserts {
		s.dispatch(ev)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, partition string) ([]store.Item, error) {
	s.mu.Lock()
	p := s.partition(partition)
	items := make([]store.Item, 0, len(p))
	for key, e := range p {
		if s.expired(e) {
			continue
		}
		items = append(items, store.Item{Key: key, Value: clone(e.value), ExpiresAt: e.expiresAt})
	}
	s.mu.Unlock()
	return items, nil
}

func (s *Store) Subscribe(partition string, onInsert, onRemove func(store.Event)) (func(), error) {
	sub := &subscriber{
		events:   make(chan store.Event, 64),
		quit:     make(chan struct{}),
		onInsert: onInsert,
		onRemove: onRemove,
	}
	go sub.loop()

	s.mu.Lock()
	s.subscribers[partition] = append(s.subscribers[partition], sub)
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		subs := s.subscribers[partition]
		for i, candidate := range subs {
			if candidate == sub {
				s.subscribers[partition] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(sub.quit)
	}
	return unsubscribe, nil
}

// ExpireNow expunges every record past its TTL and notifies subscribers of the
// removals. The store excludes expired records from reads regardless; this
// models the deferred physical deletion a TTL-based store performs.
func (s *Store) ExpireNow() {
	var removals []store.Event

	s.mu.Lock()
	for partition, p := range s.partitions {
		for key, e := range p {
			if s.expired(e) {
				removals = append(removals, store.Event{Type: store.EventRemove, Partition: partition, Key: key, Value: clone(e.value)})
				delete(p, key)
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range removals {
		s.dispatch(ev)
	}
}

// partition returns the named partition map, creating it if needed. Callers
// must hold s.mu.
func (s *Store) partition(name string) map[string]entry {
	p, ok := s.partitions[name]
	if !ok {
		p = make(map[string]entry)
		s.partitions[name] = p
	}
	return p
}

// live returns the entry for key if present and not expired. Callers must
// hold s.mu.
func (s *Store) live(p map[string]entry, key string) (entry, bool) {
	e, ok := p[key]
	if !ok || s.expired(e) {
		return entry{}, false
	}
	return e, true
}

func (s *Store) expired(e entry) bool {
	return e.expiresAt > 0 && e.expiresAt <= s.nowFunc().Unix()
}

func (s *Store) dispatch(ev store.Event) {
	s.mu.Lock()
	subs := make([]*subscriber, len(s.subscribers[ev.Partition]))
	copy(subs, s.subscribers[ev.Partition])
	s.mu.Unlock()

	for _, sub := range subs {
		// Drop rather than block when a subscriber falls far behind; handlers
		// are expected to rebuild from a store scan, not from event payloads.
		select {
		case sub.events <- ev:
		default:
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
