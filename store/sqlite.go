package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteEventStore implements EventStore backed by SQLite using database/sql.
// Writes are serialized with a mutex to avoid SQLITE_BUSY errors under
// concurrent load, which is the standard approach for SQLite.
type SQLiteEventStore struct {
	mu sync.Mutex // serializes writes
	db *sql.DB
}

// NewSQLiteEventStore opens (or creates) the database at dbPath and ensures
// the event table exists. Use ":memory:" for tests.
func NewSQLiteEventStore(dbPath string) (*SQLiteEventStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	s := &SQLiteEventStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteEventStoreFromDB wraps an existing *sql.DB connection and ensures
// the event table exists.
func NewSQLiteEventStoreFromDB(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func openSQLite(dbPath string) (*sql.DB, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *SQLiteEventStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fsm_events (
		id               TEXT PRIMARY KEY,
		instance_id      TEXT NOT NULL,
		machine_name     TEXT NOT NULL,
		component_name   TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		event_payload    TEXT,
		event_timestamp  TEXT NOT NULL,
		state_before     TEXT NOT NULL,
		state_after      TEXT NOT NULL,
		persisted_at     TEXT NOT NULL,
		caused_by        TEXT,
		caused           TEXT,
		source_component TEXT,
		target_component TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_fsm_events_instance ON fsm_events(instance_id, persisted_at);
	CREATE INDEX IF NOT EXISTS idx_fsm_events_persisted_at ON fsm_events(persisted_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create fsm_events table: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteEventStore) Append(ctx context.Context, event PersistedEvent) error {
	payload, err := json.Marshal(event.Event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	causedBy, err := json.Marshal(event.CausedBy)
	if err != nil {
		return fmt.Errorf("marshal causedBy: %w", err)
	}
	caused, err := json.Marshal(event.Caused)
	if err != nil {
		return fmt.Errorf("marshal caused: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fsm_events (id, instance_id, machine_name, component_name,
			event_type, event_payload, event_timestamp, state_before, state_after,
			persisted_at, caused_by, caused, source_component, target_component)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.InstanceID, event.MachineName, event.ComponentName,
		event.Event.Type, string(payload), event.Event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.StateBefore, event.StateAfter,
		event.PersistedAt.UTC().Format(time.RFC3339Nano),
		string(causedBy), string(caused), event.SourceComponent, event.TargetComponent,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// AddCaused appends childEventID to the parent's caused list.
func (s *SQLiteEventStore) AddCaused(ctx context.Context, parentEventID, childEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var causedRaw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT caused FROM fsm_events WHERE id = ?`, parentEventID,
	).Scan(&causedRaw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load parent event: %w", err)
	}

	var caused []string
	if causedRaw.Valid && causedRaw.String != "" {
		if err := json.Unmarshal([]byte(causedRaw.String), &caused); err != nil {
			return fmt.Errorf("unmarshal caused: %w", err)
		}
	}
	caused = append(caused, childEventID)
	raw, err := json.Marshal(caused)
	if err != nil {
		return fmt.Errorf("marshal caused: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE fsm_events SET caused = ? WHERE id = ?`, string(raw), parentEventID,
	); err != nil {
		return fmt.Errorf("update caused: %w", err)
	}
	return nil
}

const eventColumns = `id, instance_id, machine_name, component_name,
	event_type, event_payload, event_timestamp, state_before, state_after,
	persisted_at, caused_by, caused, source_component, target_component`

func (s *SQLiteEventStore) GetEventsForInstance(ctx context.Context, instanceID string) ([]PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM fsm_events WHERE instance_id = ? ORDER BY persisted_at ASC`,
		instanceID)
}

func (s *SQLiteEventStore) GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM fsm_events WHERE persisted_at >= ? AND persisted_at <= ? ORDER BY persisted_at ASC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteEventStore) GetCausedEvents(ctx context.Context, eventID string) ([]PersistedEvent, error) {
	// caused_by is a small JSON array; the LIKE narrows candidates and the
	// exact check happens after decoding.
	candidates, err := s.query(ctx,
		`SELECT `+eventColumns+` FROM fsm_events WHERE caused_by LIKE ? ORDER BY persisted_at ASC`,
		"%"+eventID+"%")
	if err != nil {
		return nil, err
	}
	var out []PersistedEvent
	for _, ev := range candidates {
		for _, parent := range ev.CausedBy {
			if parent == eventID {
				out = append(out, ev)
				break
			}
		}
	}
	return out, nil
}

func (s *SQLiteEventStore) GetAllEvents(ctx context.Context) ([]PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM fsm_events ORDER BY persisted_at ASC`)
}

func (s *SQLiteEventStore) query(ctx context.Context, q string, args ...any) ([]PersistedEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []PersistedEvent
	for rows.Next() {
		var ev PersistedEvent
		var payload, eventTS, persistedAt string
		var causedBy, caused, sourceComp, targetComp sql.NullString

		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.MachineName, &ev.ComponentName,
			&ev.Event.Type, &payload, &eventTS, &ev.StateBefore, &ev.StateAfter,
			&persistedAt, &causedBy, &caused, &sourceComp, &targetComp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Event.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		ev.Event.Timestamp, _ = time.Parse(time.RFC3339Nano, eventTS)
		ev.PersistedAt, _ = time.Parse(time.RFC3339Nano, persistedAt)
		if causedBy.Valid && causedBy.String != "" && causedBy.String != "null" {
			_ = json.Unmarshal([]byte(causedBy.String), &ev.CausedBy)
		}
		if caused.Valid && caused.String != "" && caused.String != "null" {
			_ = json.Unmarshal([]byte(caused.String), &ev.Caused)
		}
		ev.SourceComponent = sourceComp.String
		ev.TargetComponent = targetComp.String

		events = append(events, ev)
	}
	return events, rows.Err()
}

// SQLiteSnapshotStore implements SnapshotStore in the same database layout.
type SQLiteSnapshotStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteSnapshotStore opens (or creates) the database at dbPath and
// ensures the snapshot table exists.
func NewSQLiteSnapshotStore(dbPath string) (*SQLiteSnapshotStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	s := &SQLiteSnapshotStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSnapshotStoreFromDB wraps an existing connection.
func NewSQLiteSnapshotStoreFromDB(db *sql.DB) (*SQLiteSnapshotStore, error) {
	s := &SQLiteSnapshotStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSnapshotStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fsm_snapshots (
		instance_id   TEXT PRIMARY KEY,
		snapshot      TEXT NOT NULL,
		snapshot_at   TEXT NOT NULL,
		last_event_id TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create fsm_snapshots table: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fsm_snapshots (instance_id, snapshot, snapshot_at, last_event_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			snapshot_at = excluded.snapshot_at,
			last_event_id = excluded.last_event_id`,
		snapshot.Instance.ID, string(raw),
		snapshot.SnapshotAt.UTC().Format(time.RFC3339Nano), snapshot.LastEventID,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) GetSnapshot(ctx context.Context, instanceID string) (Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM fsm_snapshots WHERE instance_id = ?`, instanceID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteSnapshotStore) GetAllSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM fsm_snapshots ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteSnapshotStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fsm_snapshots WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

var (
	_ EventStore    = (*SQLiteEventStore)(nil)
	_ CausedUpdater = (*SQLiteEventStore)(nil)
	_ SnapshotStore = (*SQLiteSnapshotStore)(nil)
)
