package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSnapshotInterval is the number of persisted transitions between
// snapshots when the config leaves it zero.
const DefaultSnapshotInterval = 10

// PersistenceConfig controls the persistence manager.
type PersistenceConfig struct {
	// SnapshotInterval is the number of persisted events per instance
	// between snapshots. Zero selects the default; negative disables
	// periodic snapshots entirely.
	SnapshotInterval int
}

// PersistenceManager orchestrates event appends with causality links and
// interval-based snapshots over an EventStore and a SnapshotStore.
type PersistenceManager struct {
	events    EventStore
	snapshots SnapshotStore
	interval  int
	logger    *slog.Logger

	mu       sync.Mutex
	counters map[string]int // instanceID -> persisted events since last snapshot
}

// NewPersistenceManager creates a manager over the given stores. A nil
// logger falls back to slog.Default().
func NewPersistenceManager(events EventStore, snapshots SnapshotStore, cfg PersistenceConfig, logger *slog.Logger) *PersistenceManager {
	interval := cfg.SnapshotInterval
	if interval == 0 {
		interval = DefaultSnapshotInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistenceManager{
		events:    events,
		snapshots: snapshots,
		interval:  interval,
		logger:    logger,
		counters:  make(map[string]int),
	}
}

// Events exposes the underlying event store for read paths.
func (m *PersistenceManager) Events() EventStore { return m.events }

// Snapshots exposes the underlying snapshot store.
func (m *PersistenceManager) Snapshots() SnapshotStore { return m.snapshots }

// PersistEvent mints an id and timestamp when missing, appends the event,
// and best-effort updates the forward causality index on each parent. The
// returned id becomes the causality parent for downstream events.
func (m *PersistenceManager) PersistEvent(ctx context.Context, event PersistedEvent) (string, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.PersistedAt.IsZero() {
		event.PersistedAt = time.Now()
	}

	if err := m.events.Append(ctx, event); err != nil {
		return "", fmt.Errorf("append event for instance %s: %w", event.InstanceID, err)
	}

	if updater, ok := m.events.(CausedUpdater); ok {
		for _, parent := range event.CausedBy {
			if err := updater.AddCaused(ctx, parent, event.ID); err != nil {
				// Forward links are an optimisation; CausedBy remains the
				// source of truth.
				m.logger.Warn("failed to update caused index",
					"parent", parent, "child", event.ID, "error", err)
			}
		}
	}
	return event.ID, nil
}

// MaybeSnapshot bumps the instance's transition counter and writes a
// snapshot when the interval elapses. It reports whether a snapshot was
// written. Snapshot failures are returned to the caller but are non-fatal
// by contract; the engine logs them and continues.
func (m *PersistenceManager) MaybeSnapshot(ctx context.Context, instance InstanceRecord, lastEventID string) (bool, error) {
	if m.interval < 0 {
		return false, nil
	}

	m.mu.Lock()
	m.counters[instance.ID]++
	due := m.counters[instance.ID]%m.interval == 0
	m.mu.Unlock()

	if !due {
		return false, nil
	}
	if err := m.WriteSnapshot(ctx, instance, lastEventID); err != nil {
		return false, err
	}
	return true, nil
}

// WriteSnapshot persists a snapshot immediately, regardless of the interval.
func (m *PersistenceManager) WriteSnapshot(ctx context.Context, instance InstanceRecord, lastEventID string) error {
	snap := Snapshot{
		Instance:    instance,
		SnapshotAt:  time.Now(),
		LastEventID: lastEventID,
	}
	if err := m.snapshots.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot for instance %s: %w", instance.ID, err)
	}
	return nil
}

// ForgetInstance clears the transition counter and removes the stored
// snapshot when an instance is disposed. The event log is kept.
func (m *PersistenceManager) ForgetInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	delete(m.counters, instanceID)
	m.mu.Unlock()
	if err := m.snapshots.DeleteSnapshot(ctx, instanceID); err != nil && err != ErrNotFound {
		return fmt.Errorf("delete snapshot for instance %s: %w", instanceID, err)
	}
	return nil
}

// RestoreAll returns every stored snapshot so the engine can reinstate
// instances and rebuild its indexes.
func (m *PersistenceManager) RestoreAll(ctx context.Context) ([]Snapshot, error) {
	snaps, err := m.snapshots.GetAllSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return snaps, nil
}

// TraceCausality returns the forward causality chain rooted at eventID in
// depth-first preorder, the root first. The traversal follows CausedBy back
// links rather than the best-effort Caused index, so it works uniformly
// across stores, and a visited set makes it terminate on cycles.
func (m *PersistenceManager) TraceCausality(ctx context.Context, eventID string) ([]PersistedEvent, error) {
	all, err := m.events.GetAllEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events for trace: %w", err)
	}

	byID := make(map[string]*PersistedEvent, len(all))
	children := make(map[string][]*PersistedEvent)
	for i := range all {
		ev := &all[i]
		byID[ev.ID] = ev
		for _, parent := range ev.CausedBy {
			children[parent] = append(children[parent], ev)
		}
	}

	root, ok := byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}

	var chain []PersistedEvent
	visited := make(map[string]bool)
	var walk func(ev *PersistedEvent)
	walk = func(ev *PersistedEvent) {
		if visited[ev.ID] {
			return
		}
		visited[ev.ID] = true
		chain = append(chain, *ev)
		for _, child := range children[ev.ID] {
			walk(child)
		}
	}
	walk(root)
	return chain, nil
}
