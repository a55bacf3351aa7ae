// Package store provides the event-sourcing persistence layer of the
// runtime: append-only event stores, snapshot stores, and the persistence
// manager that stitches causality chains and periodic snapshots together.
// Three backends are provided: in-memory (testing and single-process use),
// SQLite (single-node durability) and Redis (shared multi-runtime setups).
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested event or snapshot does not exist.
var ErrNotFound = errors.New("store: not found")

// EventBody is the business event carried by a persisted transition record.
type EventBody struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PersistedEvent is one immutable record in an instance's transition log.
// CausedBy links it to the event whose processing emitted it; Caused is the
// best-effort forward index maintained by stores that support updates.
type PersistedEvent struct {
	ID              string    `json:"id"`
	InstanceID      string    `json:"instanceId"`
	MachineName     string    `json:"machineName"`
	ComponentName   string    `json:"componentName"`
	Event           EventBody `json:"event"`
	StateBefore     string    `json:"stateBefore"`
	StateAfter      string    `json:"stateAfter"`
	PersistedAt     time.Time `json:"persistedAt"`
	CausedBy        []string  `json:"causedBy,omitempty"`
	Caused          []string  `json:"caused,omitempty"`
	SourceComponent string    `json:"sourceComponent,omitempty"`
	TargetComponent string    `json:"targetComponent,omitempty"`
}

// InstanceStatus mirrors the engine's instance lifecycle status.
type InstanceStatus string

const (
	StatusActive    InstanceStatus = "active"
	StatusCompleted InstanceStatus = "completed"
	StatusError     InstanceStatus = "error"
)

// InstanceRecord is the storable form of a live instance. The engine converts
// to and from its in-memory representation; keeping the record here avoids a
// dependency cycle between the engine and its persistence layer.
type InstanceRecord struct {
	ID             string         `json:"id"`
	MachineName    string         `json:"machineName"`
	ComponentName  string         `json:"componentName"`
	CurrentState   string         `json:"currentState"`
	Context        map[string]any `json:"context,omitempty"`
	PublicMember   map[string]any `json:"publicMember,omitempty"`
	InternalMember map[string]any `json:"internalMember,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Status         InstanceStatus `json:"status"`
	IsEntryPoint   bool           `json:"isEntryPoint,omitempty"`
}

// Snapshot is a full periodic copy of an instance. Pending timeout deadlines
// are not stored: restoration always recomputes them from the instance's
// UpdatedAt and the transition definitions, so a snapshot is self-contained.
type Snapshot struct {
	Instance    InstanceRecord `json:"instance"`
	SnapshotAt  time.Time      `json:"snapshotAt"`
	LastEventID string         `json:"lastEventId"`
}
