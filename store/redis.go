package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventStore implements EventStore on Redis using the sorted-set-per-
// instance layout: every event body lives under its own key and sorted sets
// keyed by persist time provide per-instance and global ordering.
//
// The store does not implement CausedUpdater; appended events are immutable
// in this layout and forward causality is reconstructed by scanning CausedBy.
type RedisEventStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisEventStore creates an event store over an existing Redis client.
// An empty prefix defaults to "fsm".
func NewRedisEventStore(client redis.UniversalClient, prefix string) *RedisEventStore {
	if prefix == "" {
		prefix = "fsm"
	}
	return &RedisEventStore{client: client, prefix: prefix}
}

func (s *RedisEventStore) eventKey(id string) string    { return s.prefix + ":event:" + id }
func (s *RedisEventStore) instanceKey(id string) string { return s.prefix + ":events:" + id }
func (s *RedisEventStore) allKey() string               { return s.prefix + ":events:__all__" }

func (s *RedisEventStore) Append(ctx context.Context, event PersistedEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	score := float64(event.PersistedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.eventKey(event.ID), raw, 0)
	pipe.ZAdd(ctx, s.instanceKey(event.InstanceID), redis.Z{Score: score, Member: event.ID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: event.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisEventStore) GetEventsForInstance(ctx context.Context, instanceID string) ([]PersistedEvent, error) {
	ids, err := s.client.ZRange(ctx, s.instanceKey(instanceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range instance events: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisEventStore) GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]PersistedEvent, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.allKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range events by time: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisEventStore) GetCausedEvents(ctx context.Context, eventID string) ([]PersistedEvent, error) {
	all, err := s.GetAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	var out []PersistedEvent
	for _, ev := range all {
		for _, parent := range ev.CausedBy {
			if parent == eventID {
				out = append(out, ev)
				break
			}
		}
	}
	return out, nil
}

func (s *RedisEventStore) GetAllEvents(ctx context.Context) ([]PersistedEvent, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range all events: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisEventStore) load(ctx context.Context, ids []string) ([]PersistedEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.eventKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	events := make([]PersistedEvent, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // event key expired or deleted out of band
		}
		var ev PersistedEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// RedisSnapshotStore implements SnapshotStore as one JSON value per instance
// plus a membership set for enumeration.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSnapshotStore creates a snapshot store over an existing Redis
// client. An empty prefix defaults to "fsm".
func NewRedisSnapshotStore(client redis.UniversalClient, prefix string) *RedisSnapshotStore {
	if prefix == "" {
		prefix = "fsm"
	}
	return &RedisSnapshotStore{client: client, prefix: prefix}
}

func (s *RedisSnapshotStore) snapKey(id string) string { return s.prefix + ":snapshot:" + id }
func (s *RedisSnapshotStore) setKey() string           { return s.prefix + ":snapshots" }

func (s *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapKey(snapshot.Instance.ID), raw, 0)
	pipe.SAdd(ctx, s.setKey(), snapshot.Instance.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *RedisSnapshotStore) GetSnapshot(ctx context.Context, instanceID string) (Snapshot, error) {
	raw, err := s.client.Get(ctx, s.snapKey(instanceID)).Result()
	if err == redis.Nil {
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

func (s *RedisSnapshotStore) GetAllSnapshots(ctx context.Context) ([]Snapshot, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var out []Snapshot
	for _, id := range ids {
		snap, err := s.GetSnapshot(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *RedisSnapshotStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.snapKey(instanceID))
	pipe.SRem(ctx, s.setKey(), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

var (
	_ EventStore    = (*RedisEventStore)(nil)
	_ SnapshotStore = (*RedisSnapshotStore)(nil)
)
