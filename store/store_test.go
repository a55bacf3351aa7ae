package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id, instanceID string, at time.Time, causedBy ...string) PersistedEvent {
	return PersistedEvent{
		ID:            id,
		InstanceID:    instanceID,
		MachineName:   "Order",
		ComponentName: "orders",
		Event: EventBody{
			Type:      "CONFIRM",
			Payload:   map[string]any{"orderId": float64(1)},
			Timestamp: at,
		},
		StateBefore: "Pending",
		StateAfter:  "Confirmed",
		PersistedAt: at,
		CausedBy:    causedBy,
	}
}

func redisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func eventStores(t *testing.T) map[string]EventStore {
	t.Helper()
	sqlite, err := NewSQLiteEventStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]EventStore{
		"memory": NewInMemoryEventStore(),
		"sqlite": sqlite,
		"redis":  NewRedisEventStore(redisClient(t), "test"),
	}
}

func TestEventStoreConformance(t *testing.T) {
	for name, es := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond)

			require.NoError(t, es.Append(ctx, testEvent("e1", "i1", base)))
			require.NoError(t, es.Append(ctx, testEvent("e2", "i1", base.Add(time.Second), "e1")))
			require.NoError(t, es.Append(ctx, testEvent("e3", "i2", base.Add(2*time.Second), "e1")))

			byInstance, err := es.GetEventsForInstance(ctx, "i1")
			require.NoError(t, err)
			require.Len(t, byInstance, 2)
			assert.Equal(t, "e1", byInstance[0].ID)
			assert.Equal(t, "e2", byInstance[1].ID)
			assert.Equal(t, "Pending", byInstance[0].StateBefore)
			assert.Equal(t, "Confirmed", byInstance[0].StateAfter)
			assert.Equal(t, "CONFIRM", byInstance[0].Event.Type)
			assert.Equal(t, float64(1), byInstance[0].Event.Payload["orderId"])

			missing, err := es.GetEventsForInstance(ctx, "ghost")
			require.NoError(t, err)
			assert.Empty(t, missing)

			ranged, err := es.GetEventsByTimeRange(ctx, base.Add(500*time.Millisecond), base.Add(3*time.Second))
			require.NoError(t, err)
			require.Len(t, ranged, 2)
			assert.Equal(t, "e2", ranged[0].ID)
			assert.Equal(t, "e3", ranged[1].ID)

			caused, err := es.GetCausedEvents(ctx, "e1")
			require.NoError(t, err)
			require.Len(t, caused, 2)

			all, err := es.GetAllEvents(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.True(t, all[0].PersistedAt.Before(all[2].PersistedAt))
		})
	}
}

func TestEventStoreCausedUpdate(t *testing.T) {
	sqlite, err := NewSQLiteEventStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	stores := map[string]EventStore{
		"memory": NewInMemoryEventStore(),
		"sqlite": sqlite,
	}

	for name, es := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			updater, ok := es.(CausedUpdater)
			require.True(t, ok, "store must support caused updates")

			base := time.Now().UTC()
			require.NoError(t, es.Append(ctx, testEvent("p", "i1", base)))
			require.NoError(t, es.Append(ctx, testEvent("c", "i1", base.Add(time.Second), "p")))

			require.NoError(t, updater.AddCaused(ctx, "p", "c"))
			assert.ErrorIs(t, updater.AddCaused(ctx, "ghost", "c"), ErrNotFound)

			events, err := es.GetEventsForInstance(ctx, "i1")
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, events[0].Caused)
		})
	}
}

func snapshotStores(t *testing.T) map[string]SnapshotStore {
	t.Helper()
	sqlite, err := NewSQLiteSnapshotStore(filepath.Join(t.TempDir(), "snaps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]SnapshotStore{
		"memory": NewInMemorySnapshotStore(),
		"sqlite": sqlite,
		"redis":  NewRedisSnapshotStore(redisClient(t), "test"),
	}
}

func TestSnapshotStoreConformance(t *testing.T) {
	for name, ss := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			snap := Snapshot{
				Instance: InstanceRecord{
					ID:            "i1",
					MachineName:   "Order",
					ComponentName: "orders",
					CurrentState:  "Confirmed",
					Context:       map[string]any{"Id": float64(7)},
					CreatedAt:     now,
					UpdatedAt:     now,
					Status:        StatusActive,
				},
				SnapshotAt:  now,
				LastEventID: "e9",
			}
			require.NoError(t, ss.SaveSnapshot(ctx, snap))

			got, err := ss.GetSnapshot(ctx, "i1")
			require.NoError(t, err)
			assert.Equal(t, "Confirmed", got.Instance.CurrentState)
			assert.Equal(t, "e9", got.LastEventID)
			assert.Equal(t, float64(7), got.Instance.Context["Id"])

			// Saving again overwrites.
			snap.Instance.CurrentState = "Shipped"
			require.NoError(t, ss.SaveSnapshot(ctx, snap))
			got, err = ss.GetSnapshot(ctx, "i1")
			require.NoError(t, err)
			assert.Equal(t, "Shipped", got.Instance.CurrentState)

			all, err := ss.GetAllSnapshots(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			require.NoError(t, ss.DeleteSnapshot(ctx, "i1"))
			_, err = ss.GetSnapshot(ctx, "i1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
