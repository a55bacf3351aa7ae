package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/statemesh/schema"
	"github.com/GoCodeAlone/statemesh/store"
)

// RestoreStats summarises a restoration run.
type RestoreStats struct {
	Restored      int
	Skipped       int
	TimersSynced  int
	TimersExpired int
}

// Restore rebuilds live instances from persisted snapshots, replays the
// events appended after each snapshot, re-adds active instances to the
// routing indexes and resynchronises pending timeouts. Snapshots belonging
// to machines this component no longer declares are skipped with a
// restore_error notification.
func (e *Engine) Restore(ctx context.Context) (RestoreStats, error) {
	var stats RestoreStats
	if e.pm == nil {
		return stats, nil
	}

	snaps, err := e.pm.RestoreAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("restore component %s: %w", e.component.Name, err)
	}

	e.mu.Lock()
	for _, snap := range snaps {
		rec := snap.Instance
		if rec.ComponentName != e.component.Name {
			continue
		}
		cm, ok := e.compiled.machines[rec.MachineName]
		if !ok {
			stats.Skipped++
			e.emit(NotifRestoreError, rec.MachineName, rec.ID, map[string]any{
				"error": "machine no longer declared",
			})
			continue
		}
		if _, exists := e.instances[rec.ID]; exists {
			continue
		}

		if err := e.replayAfterSnapshot(ctx, &rec, snap.LastEventID); err != nil {
			stats.Skipped++
			e.emit(NotifRestoreError, rec.MachineName, rec.ID, map[string]any{
				"error": err.Error(),
			})
			continue
		}

		state := cm.states[rec.CurrentState]
		if state == nil {
			stats.Skipped++
			e.emit(NotifRestoreError, rec.MachineName, rec.ID, map[string]any{
				"error": fmt.Sprintf("state %q no longer declared", rec.CurrentState),
			})
			continue
		}
		if state.Type.Terminal() {
			if state.Type == schema.StateError {
				rec.Status = store.StatusError
			} else {
				rec.Status = store.StatusCompleted
			}
			singleton := rec.IsEntryPoint && e.component.EntryMachineMode == schema.EntryModeSingleton
			if !singleton {
				// The instance finished before the shutdown; its disposal
				// just never committed.
				if err := e.pm.ForgetInstance(ctx, rec.ID); err != nil {
					e.logger.Warn("failed to forget finished instance", "instance", rec.ID, "error", err)
				}
				stats.Skipped++
				continue
			}
		}

		inst := instanceFromRecord(rec, cm.def.PublicMemberType != "")
		e.instances[inst.ID] = inst
		if inst.Status == store.StatusActive {
			e.index.add(inst)
		}
		stats.Restored++
		e.emit(NotifInstanceRestored, inst.MachineName, inst.ID, map[string]any{
			"state":  inst.CurrentState,
			"status": string(inst.Status),
		})
	}
	e.mu.Unlock()

	synced, expired := e.ResynchronizeTimeouts(ctx)
	stats.TimersSynced = synced
	stats.TimersExpired = expired

	e.logger.Info("restore complete",
		"restored", stats.Restored, "skipped", stats.Skipped,
		"timersSynced", stats.TimersSynced, "timersExpired", stats.TimersExpired)
	return stats, nil
}

// replayAfterSnapshot advances a restored record through the events
// persisted after its snapshot. State and update time come from the log;
// visible-data changes between snapshots are recovered by the next snapshot,
// not the log.
func (e *Engine) replayAfterSnapshot(ctx context.Context, rec *store.InstanceRecord, lastEventID string) error {
	events, err := e.pm.Events().GetEventsForInstance(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	past := lastEventID == ""
	for _, ev := range events {
		if !past {
			if ev.ID == lastEventID {
				past = true
			}
			continue
		}
		if ev.StateAfter != "" {
			rec.CurrentState = ev.StateAfter
		}
		rec.UpdatedAt = ev.PersistedAt
	}
	return nil
}

// ResynchronizeTimeouts re-arms the timeout and auto transitions of every
// active instance. Deadlines are always recomputed from the instance's
// UpdatedAt and the declared durations; a deadline that passed while the
// runtime was down delivers its timeout event immediately, tagged with
// expiredDuringDowntime. It returns the number of timers re-armed and the
// number delivered as already expired.
func (e *Engine) ResynchronizeTimeouts(ctx context.Context) (synced, expired int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	var ids []string
	for id := range e.instances {
		ids = append(ids, id)
	}
	for _, id := range ids {
		inst, ok := e.instances[id]
		if !ok || inst.Status != store.StatusActive {
			continue
		}
		cm := e.compiled.machines[inst.MachineName]
		state := inst.CurrentState

		// Expired timeouts fire before any sibling timer is armed: the
		// transition's timer cleanup must not find tasks keyed on the state
		// the instance is about to leave.
		fired := false
		for _, ct := range cm.fromState[state] {
			if ct.def.Type != schema.TransitionTimeout {
				continue
			}
			remaining := time.Duration(ct.def.TimeoutMs)*time.Millisecond - now.Sub(inst.UpdatedAt)
			if remaining > 0 {
				continue
			}
			expired++
			ev := scheduledEvent(ct, map[string]any{"expiredDuringDowntime": true})
			pass, gerr := evalGuards(ct, ev, inst)
			if gerr != nil || !pass {
				continue
			}
			if err := e.executeTransitionLocked(ctx, inst, ct, ev, ""); err != nil {
				e.emit(NotifTimeoutResyncError, inst.MachineName, inst.ID, map[string]any{
					"state": state,
					"event": ev.Type,
					"error": err.Error(),
				})
			}
			// The instance moved (or was disposed); its new state's timers
			// were scheduled by the transition itself.
			fired = true
			break
		}
		if fired {
			continue
		}

		var timerIDs []string
		for _, ct := range cm.fromState[state] {
			if ct.def.Type != schema.TransitionTimeout && ct.def.Type != schema.TransitionAuto {
				continue
			}
			remaining := time.Duration(ct.def.TimeoutMs)*time.Millisecond - now.Sub(inst.UpdatedAt)
			if ct.def.Type == schema.TransitionTimeout && remaining <= 0 {
				// Expired but guard-denied above; left unarmed.
				continue
			}
			if remaining < 0 {
				remaining = 0
			}
			e.scheduleTimerLocked(inst, state, ct, remaining, nil)
			timerIDs = append(timerIDs, timerTaskID(inst.ID, state, ct.seq))
			synced++
		}
		if len(timerIDs) > 0 {
			e.timers[id] = timerIDs
		}
	}
	return synced, expired
}
