package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(interval int) (*PersistenceManager, *InMemoryEventStore, *InMemorySnapshotStore) {
	events := NewInMemoryEventStore()
	snaps := NewInMemorySnapshotStore()
	return NewPersistenceManager(events, snaps, PersistenceConfig{SnapshotInterval: interval}, nil), events, snaps
}

func TestPersistEventMintsIDAndLinksCausality(t *testing.T) {
	ctx := context.Background()
	pm, events, _ := newManager(0)

	rootID, err := pm.PersistEvent(ctx, testEvent("", "i1", time.Time{}))
	require.NoError(t, err)
	require.NotEmpty(t, rootID)

	childID, err := pm.PersistEvent(ctx, testEvent("", "i1", time.Time{}, rootID))
	require.NoError(t, err)

	stored, err := events.GetEventsForInstance(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.False(t, stored[0].PersistedAt.IsZero())
	assert.Equal(t, []string{childID}, stored[0].Caused)
	assert.Equal(t, []string{rootID}, stored[1].CausedBy)
}

func TestMaybeSnapshotInterval(t *testing.T) {
	ctx := context.Background()
	pm, _, snaps := newManager(3)

	inst := InstanceRecord{ID: "i1", MachineName: "Order", CurrentState: "Pending", Status: StatusActive}

	for i := 0; i < 2; i++ {
		wrote, err := pm.MaybeSnapshot(ctx, inst, "e")
		require.NoError(t, err)
		assert.False(t, wrote, "snapshot before interval elapsed")
	}

	inst.CurrentState = "Confirmed"
	wrote, err := pm.MaybeSnapshot(ctx, inst, "e3")
	require.NoError(t, err)
	assert.True(t, wrote, "snapshot at interval")

	snap, err := snaps.GetSnapshot(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "Confirmed", snap.Instance.CurrentState)
	assert.Equal(t, "e3", snap.LastEventID)
}

func TestMaybeSnapshotDisabled(t *testing.T) {
	ctx := context.Background()
	pm, _, snaps := newManager(-1)

	for i := 0; i < 25; i++ {
		wrote, err := pm.MaybeSnapshot(ctx, InstanceRecord{ID: "i1"}, "e")
		require.NoError(t, err)
		assert.False(t, wrote)
	}
	all, err := snaps.GetAllSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestForgetInstance(t *testing.T) {
	ctx := context.Background()
	pm, _, snaps := newManager(1)

	_, err := pm.MaybeSnapshot(ctx, InstanceRecord{ID: "i1"}, "e1")
	require.NoError(t, err)
	require.NoError(t, pm.ForgetInstance(ctx, "i1"))

	_, err = snaps.GetSnapshot(ctx, "i1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Forgetting an instance that never snapshotted is not an error.
	require.NoError(t, pm.ForgetInstance(ctx, "ghost"))
}

func TestTraceCausality(t *testing.T) {
	ctx := context.Background()
	pm, _, _ := newManager(0)

	base := time.Now()
	rootID, err := pm.PersistEvent(ctx, testEvent("root", "order-1", base))
	require.NoError(t, err)
	childID, err := pm.PersistEvent(ctx, testEvent("child", "inv-1", base.Add(time.Millisecond), rootID))
	require.NoError(t, err)
	grandID, err := pm.PersistEvent(ctx, testEvent("grand", "ship-1", base.Add(2*time.Millisecond), childID))
	require.NoError(t, err)

	chain, err := pm.TraceCausality(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, rootID, chain[0].ID)
	assert.Equal(t, childID, chain[1].ID)
	assert.Equal(t, grandID, chain[2].ID)

	_, err = pm.TraceCausality(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraceCausalityCycleSafe(t *testing.T) {
	ctx := context.Background()
	pm, _, _ := newManager(0)

	base := time.Now()
	// a -> b -> a forms a cycle through CausedBy back links.
	_, err := pm.PersistEvent(ctx, testEvent("a", "i1", base, "b"))
	require.NoError(t, err)
	_, err = pm.PersistEvent(ctx, testEvent("b", "i1", base.Add(time.Millisecond), "a"))
	require.NoError(t, err)

	chain, err := pm.TraceCausality(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, chain, 2, "cycle must not repeat events")
}
