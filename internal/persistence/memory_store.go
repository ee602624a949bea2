package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/torosent/aca-dts/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// InstanceStore, HistoryStore and SignalStore backed by maps.
// It is non-durable and intended for tests and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.Instance
	histories map[string][]api.HistoryEvent
	signals   map[string]BufferedSignal
	leases    map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.Instance),
		histories: make(map[string][]api.HistoryEvent),
		signals:   make(map[string]BufferedSignal),
		leases:    make(map[string]lease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)

var _ HistoryStore = (*InMemoryStore)(nil)

var _ SignalStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveInstance(inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateInstance(inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return api.ErrInstanceNotFound
	}

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}

	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(filter InstanceFilter) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance

	for _, inst := range s.instances {
		if filter.Orchestration != "" && inst.Orchestration != filter.Orchestration {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return false, api.ErrInstanceNotFound
	}

	now := time.Now()
	l, held := s.leases[instanceID]
	if held && l.owner != owner && l.expires.After(now) {
		return false, nil
	}

	s.leases[instanceID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.leases[instanceID]
	if !held || l.owner != owner {
		return api.ErrInstanceNotFound
	}
	s.leases[instanceID] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.leases[instanceID]
	if held && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, instanceID string, expectedNextSeq int64, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.histories[instanceID]
	if int64(len(log))+1 != expectedNextSeq {
		return api.ErrSequenceConflict
	}

	for i := range events {
		ev := events[i]
		ev.InstanceID = instanceID
		ev.Sequence = expectedNextSeq + int64(i)
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		log = append(log, ev)
	}
	s.histories[instanceID] = log
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.histories[instanceID]
	out := make([]api.HistoryEvent, len(log))
	copy(out, log)
	return out, nil
}

func signalKey(instanceID, eventName string) string {
	return instanceID + "\x00" + eventName
}

func (s *InMemoryStore) SaveSignal(ctx context.Context, sig BufferedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals[signalKey(sig.InstanceID, sig.EventName)] = sig
	return nil
}

func (s *InMemoryStore) TakeSignal(ctx context.Context, instanceID, eventName string) (*BufferedSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signalKey(instanceID, eventName)
	sig, ok := s.signals[key]
	if !ok {
		return nil, ErrSignalNotFound
	}
	delete(s.signals, key)

	if !sig.ExpiresAt.IsZero() && !sig.ExpiresAt.After(time.Now()) {
		return nil, ErrSignalNotFound
	}
	return &sig, nil
}

func (s *InMemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for key, sig := range s.signals {
		if !sig.ExpiresAt.IsZero() && !sig.ExpiresAt.After(now) {
			delete(s.signals, key)
			n++
		}
	}
	return n, nil
}
