package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryEventStore is a thread-safe in-memory EventStore. Suitable for
// tests and single-process deployments without durability requirements.
type InMemoryEventStore struct {
	mu         sync.RWMutex
	byID       map[string]*PersistedEvent
	byInstance map[string][]*PersistedEvent
	ordered    []*PersistedEvent
}

// NewInMemoryEventStore creates an empty in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		byID:       make(map[string]*PersistedEvent),
		byInstance: make(map[string][]*PersistedEvent),
	}
}

func (s *InMemoryEventStore) Append(_ context.Context, event PersistedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := event // copy; the store owns its records
	s.byID[ev.ID] = &ev
	s.byInstance[ev.InstanceID] = append(s.byInstance[ev.InstanceID], &ev)
	s.ordered = append(s.ordered, &ev)
	return nil
}

func (s *InMemoryEventStore) AddCaused(_ context.Context, parentEventID, childEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.byID[parentEventID]
	if !ok {
		return ErrNotFound
	}
	parent.Caused = append(parent.Caused, childEventID)
	return nil
}

func (s *InMemoryEventStore) GetEventsForInstance(_ context.Context, instanceID string) ([]PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEvents(s.byInstance[instanceID]), nil
}

func (s *InMemoryEventStore) GetEventsByTimeRange(_ context.Context, from, to time.Time) ([]PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PersistedEvent
	for _, ev := range s.ordered {
		if ev.PersistedAt.Before(from) || ev.PersistedAt.After(to) {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (s *InMemoryEventStore) GetCausedEvents(_ context.Context, eventID string) ([]PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PersistedEvent
	for _, ev := range s.ordered {
		for _, parent := range ev.CausedBy {
			if parent == eventID {
				out = append(out, *ev)
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryEventStore) GetAllEvents(_ context.Context) ([]PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := copyEvents(s.ordered)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PersistedAt.Before(out[j].PersistedAt)
	})
	return out, nil
}

func copyEvents(events []*PersistedEvent) []PersistedEvent {
	out := make([]PersistedEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, *ev)
	}
	return out
}

// InMemorySnapshotStore is a thread-safe in-memory SnapshotStore.
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewInMemorySnapshotStore creates an empty in-memory snapshot store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: make(map[string]Snapshot)}
}

func (s *InMemorySnapshotStore) SaveSnapshot(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.Instance.ID] = snapshot
	return nil
}

func (s *InMemorySnapshotStore) GetSnapshot(_ context.Context, instanceID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[instanceID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *InMemorySnapshotStore) GetAllSnapshots(_ context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instance.ID < out[j].Instance.ID
	})
	return out, nil
}

func (s *InMemorySnapshotStore) DeleteSnapshot(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, instanceID)
	return nil
}

var (
	_ EventStore    = (*InMemoryEventStore)(nil)
	_ CausedUpdater = (*InMemoryEventStore)(nil)
	_ SnapshotStore = (*InMemorySnapshotStore)(nil)
)
