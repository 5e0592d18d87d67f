package records

import (
	"context"
	"sync"
)

type InMemoryStore struct {
	mutex   sync.Mutex
	records map[string]Record
	subs    map[int]*subscription
	nextSub int
	version uint64
}

// subscription delivers snapshots to one handler in version order. A snapshot that
// arrives while the handler is busy replaces any older one still waiting.
type subscription struct {
	key   string // empty for collection-wide subscriptions
	onOne func(Record)
	onAll func(map[string]Record)

	mutex     sync.Mutex
	delivered uint64
	pending   *pendingSnapshot
	draining  bool
}

type pendingSnapshot struct {
	version uint64
	one     Record
	all     map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
		subs:    make(map[int]*subscription),
	}
}

func (s *InMemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.records[key], nil
}

func (s *InMemoryStore) All(_ context.Context) (map[string]Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.snapshotLocked(), nil
}

func (s *InMemoryStore) Update(_ context.Context, key string, fields Fields) error {
	if err := fields.validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	rec := s.records[key]
	_ = rec.apply(fields)
	s.records[key] = rec
	s.version++
	snap := &pendingSnapshot{version: s.version, one: rec, all: s.snapshotLocked()}
	var targets []*subscription
	for _, sub := range s.subs {
		if sub.key == "" || sub.key == key {
			sub.offer(snap)
			targets = append(targets, sub)
		}
	}
	s.mutex.Unlock()

	// handlers run outside the store lock so they may call back into the store
	for _, sub := range targets {
		sub.drain()
	}
	return nil
}

func (s *InMemoryStore) Subscribe(_ context.Context, key string, handler func(Record)) (Unsubscribe, error) {
	s.mutex.Lock()
	sub := &subscription{key: key, onOne: handler}
	id := s.addLocked(sub)
	sub.offer(&pendingSnapshot{version: s.version, one: s.records[key]})
	s.mutex.Unlock()

	sub.drain()
	return s.unsubscribe(id), nil
}

func (s *InMemoryStore) SubscribeAll(_ context.Context, handler func(map[string]Record)) (Unsubscribe, error) {
	s.mutex.Lock()
	sub := &subscription{onAll: handler}
	id := s.addLocked(sub)
	sub.offer(&pendingSnapshot{version: s.version, all: s.snapshotLocked()})
	s.mutex.Unlock()

	sub.drain()
	return s.unsubscribe(id), nil
}

// offer queues snap unless something at least as new is already queued or delivered.
func (sub *subscription) offer(snap *pendingSnapshot) {
	sub.mutex.Lock()
	defer sub.mutex.Unlock()
	if snap.version < sub.delivered || (sub.pending != nil && snap.version <= sub.pending.version) {
		return
	}
	sub.pending = snap
}

// drain hands queued snapshots to the handler. Only one caller drains at a time; a
// snapshot queued by a nested or concurrent Update is picked up by that drainer.
func (sub *subscription) drain() {
	sub.mutex.Lock()
	if sub.draining {
		sub.mutex.Unlock()
		return
	}
	sub.draining = true
	for sub.pending != nil {
		snap := sub.pending
		sub.pending = nil
		sub.delivered = snap.version
		sub.mutex.Unlock()

		if sub.onOne != nil {
			sub.onOne(snap.one)
		} else {
			sub.onAll(snap.all)
		}

		sub.mutex.Lock()
	}
	sub.draining = false
	sub.mutex.Unlock()
}

func (s *InMemoryStore) addLocked(sub *subscription) int {
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	return id
}

func (s *InMemoryStore) unsubscribe(id int) Unsubscribe {
	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.subs, id)
	}
}

func (s *InMemoryStore) snapshotLocked() map[string]Record {
	all := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		all[k] = v
	}
	return all
}
