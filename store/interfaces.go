package store

import (
	"context"
	"time"
)

// EventStore is the append-only transition log. Implementations must be safe
// for concurrent append and read from multiple runtimes.
type EventStore interface {
	// Append adds an event to the log. Events are immutable once appended.
	Append(ctx context.Context, event PersistedEvent) error
	// GetEventsForInstance returns all events for one instance ordered by
	// PersistedAt ascending.
	GetEventsForInstance(ctx context.Context, instanceID string) ([]PersistedEvent, error)
	// GetEventsByTimeRange returns all events persisted within [from, to],
	// ordered by PersistedAt ascending.
	GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]PersistedEvent, error)
	// GetCausedEvents returns the events whose CausedBy references eventID.
	GetCausedEvents(ctx context.Context, eventID string) ([]PersistedEvent, error)
	// GetAllEvents returns every event ordered by PersistedAt ascending.
	GetAllEvents(ctx context.Context) ([]PersistedEvent, error)
}

// CausedUpdater is implemented by stores that can maintain the forward
// Caused index on a parent event. Stores without an update primitive omit
// it; causality is still reconstructable by scanning CausedBy.
type CausedUpdater interface {
	AddCaused(ctx context.Context, parentEventID, childEventID string) error
}

// SnapshotStore persists periodic full copies of instances keyed by
// instance id. Saving overwrites the previous snapshot for that instance.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	GetSnapshot(ctx context.Context, instanceID string) (Snapshot, error)
	GetAllSnapshots(ctx context.Context) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, instanceID string) error
}
