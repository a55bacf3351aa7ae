package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/statemesh/dynval"
	"github.com/GoCodeAlone/statemesh/schema"
	"github.com/GoCodeAlone/statemesh/store"
)

// SendEvent delivers an event to a single instance. A missing instance is an
// error; an event with no applicable transition is not: it is observable as
// an event_ignored notification and the call returns nil.
func (e *Engine) SendEvent(ctx context.Context, instanceID string, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	return e.sendEventLocked(ctx, inst, ev, "")
}

// sendEventLocked runs selection and execution for one instance. Caller
// holds e.mu.
func (e *Engine) sendEventLocked(ctx context.Context, inst *Instance, ev Event, parentEventID string) error {
	if inst.Status != store.StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrInstanceInactive, inst.ID, inst.Status)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	cm := e.compiled.machines[inst.MachineName]
	var candidates []*compiledTransition
	for _, ct := range cm.fromState[inst.CurrentState] {
		if ct.def.Event == ev.Type {
			candidates = append(candidates, ct)
		}
	}
	if len(candidates) == 0 {
		e.emit(NotifEventIgnored, inst.MachineName, inst.ID, map[string]any{
			"event": ev.Type,
			"state": inst.CurrentState,
		})
		return nil
	}

	ct := selectTransition(candidates, ev, inst)
	if ct == nil {
		e.emit(NotifEventIgnored, inst.MachineName, inst.ID, map[string]any{
			"event":  ev.Type,
			"state":  inst.CurrentState,
			"reason": "no transition selected",
		})
		return nil
	}

	pass, err := evalGuards(ct, ev, inst)
	if err != nil {
		e.emit(NotifGuardFailed, inst.MachineName, inst.ID, map[string]any{
			"event": ev.Type,
			"state": inst.CurrentState,
			"error": err.Error(),
		})
		return nil
	}
	if !pass {
		e.emit(NotifGuardFailed, inst.MachineName, inst.ID, map[string]any{
			"event": ev.Type,
			"state": inst.CurrentState,
		})
		return nil
	}

	return e.executeTransitionLocked(ctx, inst, ct, ev, parentEventID)
}

// selectTransition picks the single applicable transition among candidates
// sharing the event name. Specific triggering rules win first, then matching
// rules against the instance's own data, then the first candidate that
// carries neither.
func selectTransition(candidates []*compiledTransition, ev Event, inst *Instance) *compiledTransition {
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, ct := range candidates {
		if ct.trigger != nil && evalTrigger(ct, ev, inst) {
			return ct
		}
	}
	for _, ct := range candidates {
		if ct.trigger != nil || len(ct.def.MatchingRules) == 0 {
			continue
		}
		if matchRules(ct.def.MatchingRules, inst.visible(), ev.Payload) {
			return ct
		}
	}
	for _, ct := range candidates {
		if ct.trigger == nil && len(ct.def.MatchingRules) == 0 {
			return ct
		}
	}
	return nil
}

// executeTransitionLocked performs the transition: exit hook, triggered
// method, state move, persistence with causality, timer rotation, cascades,
// disposal or rescheduling, and inter-machine spawning. Caller holds e.mu.
func (e *Engine) executeTransitionLocked(ctx context.Context, inst *Instance, ct *compiledTransition, ev Event, parentEventID string) error {
	cm := e.compiled.machines[inst.MachineName]
	from := inst.CurrentState

	// Internal transitions handle the event in place: no state move, no
	// hooks, no timer rotation.
	internal := ct.def.Type == schema.TransitionInternal

	if !internal {
		e.runHookLocked(ctx, NotifExitMethod, cm.states[from].ExitMethod, ev, inst)
	}

	if name := ct.def.TriggeredMethod; name != "" {
		m, ok := e.methods[name]
		if !ok {
			err := fmt.Errorf("triggered method %q is not registered", name)
			e.failInstanceLocked(ctx, inst, err)
			return fmt.Errorf("%w: %v", ErrTriggeredMethod, err)
		}
		sender := &Sender{engine: e, instanceID: inst.ID, parentEventID: parentEventID}
		if err := m(ctx, ev, inst.view(), sender); err != nil {
			e.emit(NotifTriggeredMethod, inst.MachineName, inst.ID, map[string]any{
				"method": name,
				"event":  ev.Type,
				"error":  err.Error(),
			})
			e.failInstanceLocked(ctx, inst, err)
			return fmt.Errorf("%w: %s: %v", ErrTriggeredMethod, name, err)
		}
		e.emit(NotifTriggeredMethod, inst.MachineName, inst.ID, map[string]any{
			"method": name,
			"event":  ev.Type,
		})
	}

	to := ct.def.To
	if !internal {
		inst.CurrentState = to
		e.index.moveState(inst, from, to)
	}
	inst.UpdatedAt = time.Now()

	var lastEventID string
	if e.pm != nil {
		var causedBy []string
		if parentEventID != "" {
			causedBy = []string{parentEventID}
		}
		stateAfter := to
		if internal {
			stateAfter = from
		}
		id, err := e.pm.PersistEvent(ctx, store.PersistedEvent{
			InstanceID:    inst.ID,
			MachineName:   inst.MachineName,
			ComponentName: e.component.Name,
			Event:         store.EventBody{Type: ev.Type, Payload: ev.Payload, Timestamp: ev.Timestamp},
			StateBefore:   from,
			StateAfter:    stateAfter,
			CausedBy:      causedBy,
		})
		if err != nil {
			// The transition is not allowed to outlive its record: revert.
			if !internal {
				inst.CurrentState = from
				e.index.moveState(inst, to, from)
			}
			e.emit(NotifInstanceError, inst.MachineName, inst.ID, map[string]any{
				"state": from,
				"error": err.Error(),
			})
			return fmt.Errorf("%w: instance %s: %v", ErrPersistence, inst.ID, err)
		}
		lastEventID = id
	}

	if internal {
		e.emit(NotifStateChange, inst.MachineName, inst.ID, map[string]any{
			"from": from, "to": from, "event": ev.Type, "internal": true, "eventId": lastEventID,
		})
		e.maybeSnapshotLocked(ctx, inst, lastEventID)
		return nil
	}

	e.cancelTimersLocked(inst.ID)

	toState := cm.states[to]
	changeData := map[string]any{
		"from": from, "to": to, "event": ev.Type, "eventId": lastEventID,
	}
	if toState.Type.Terminal() {
		changeData["terminal"] = true
	}
	if ct.def.Type == schema.TransitionTimeout {
		changeData["timeout"] = true
	}
	e.emit(NotifStateChange, inst.MachineName, inst.ID, changeData)
	e.maybeSnapshotLocked(ctx, inst, lastEventID)

	if len(toState.CascadingRules) > 0 {
		e.enqueueCascadesLocked(inst, toState, lastEventID)
	}

	if toState.Type.Terminal() {
		if toState.Type == schema.StateError {
			inst.Status = store.StatusError
		} else {
			inst.Status = store.StatusCompleted
		}
		singleton := inst.IsEntryPoint && e.component.EntryMachineMode == schema.EntryModeSingleton
		if singleton {
			// Singleton entry instances survive terminal states; they leave
			// the routing index but remain addressable.
			e.index.remove(inst)
			if e.pm != nil {
				if err := e.pm.WriteSnapshot(ctx, inst.toRecord(e.component.Name), lastEventID); err != nil {
					e.logger.Warn("terminal snapshot failed", "instance", inst.ID, "error", err)
				}
			}
		} else {
			e.disposeLocked(ctx, inst, "terminal state "+to)
		}
	} else {
		e.scheduleStateTimersLocked(inst)
		e.runHookLocked(ctx, NotifEntryMethod, toState.EntryMethod, ev, inst)
	}

	if ct.def.Type == schema.TransitionInterMachine && ct.def.TargetMachine != "" {
		spawned, err := e.createInstanceLocked(ctx, ct.def.TargetMachine, dynval.Clone(inst.visible()), false, lastEventID)
		if err != nil {
			e.logger.Error("inter-machine spawn failed",
				"source", inst.ID, "target", ct.def.TargetMachine, "error", err)
		} else {
			e.emit(NotifInterMachine, inst.MachineName, inst.ID, map[string]any{
				"targetMachine":   ct.def.TargetMachine,
				"spawnedInstance": spawned.ID,
			})
		}
	}
	return nil
}

func (e *Engine) maybeSnapshotLocked(ctx context.Context, inst *Instance, lastEventID string) {
	if e.pm == nil {
		return
	}
	if _, err := e.pm.MaybeSnapshot(ctx, inst.toRecord(e.component.Name), lastEventID); err != nil {
		e.logger.Warn("periodic snapshot failed", "instance", inst.ID, "error", err)
	}
}

// timerTaskID keys a wheel task by instance, state and transition position,
// so a state change invalidates exactly its own pending timers.
func timerTaskID(instanceID, state string, seq int) string {
	return fmt.Sprintf("%s|%s|%d", instanceID, state, seq)
}

// scheduleStateTimersLocked schedules timeout and auto transitions leaving
// the instance's current state. Caller holds e.mu.
func (e *Engine) scheduleStateTimersLocked(inst *Instance) {
	cm := e.compiled.machines[inst.MachineName]
	state := inst.CurrentState
	var ids []string
	for _, ct := range cm.fromState[state] {
		switch ct.def.Type {
		case schema.TransitionTimeout, schema.TransitionAuto:
			delay := time.Duration(ct.def.TimeoutMs) * time.Millisecond
			e.scheduleTimerLocked(inst, state, ct, delay, nil)
			ids = append(ids, timerTaskID(inst.ID, state, ct.seq))
		}
	}
	if len(ids) > 0 {
		e.timers[inst.ID] = ids
	} else {
		delete(e.timers, inst.ID)
	}
}

// scheduleTimerLocked arms one wheel task for a timeout or auto transition.
// extraPayload lets restoration tag expired timers.
func (e *Engine) scheduleTimerLocked(inst *Instance, state string, ct *compiledTransition, delay time.Duration, extraPayload map[string]any) {
	id := timerTaskID(inst.ID, state, ct.seq)
	instanceID := inst.ID
	e.wheel.Add(id, delay, func() {
		e.enqueue(func(ctx context.Context) {
			e.fireScheduledTransition(ctx, instanceID, state, ct, extraPayload)
		})
	})
}

// fireScheduledTransition runs on the follow-up worker when a timeout or
// auto transition comes due. Stale firings (instance gone or moved on) are
// dropped silently.
func (e *Engine) fireScheduledTransition(ctx context.Context, instanceID, state string, ct *compiledTransition, extraPayload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[instanceID]
	if !ok || inst.CurrentState != state || inst.Status != store.StatusActive {
		return
	}

	ev := scheduledEvent(ct, extraPayload)
	pass, err := evalGuards(ct, ev, inst)
	if err != nil || !pass {
		data := map[string]any{"event": ev.Type, "state": state}
		if err != nil {
			data["error"] = err.Error()
		}
		e.emit(NotifGuardFailed, inst.MachineName, inst.ID, data)
		return
	}
	if err := e.executeTransitionLocked(ctx, inst, ct, ev, ""); err != nil {
		e.logger.Error("scheduled transition failed",
			"instance", instanceID, "state", state, "event", ev.Type, "error", err)
	}
}

// scheduledEvent builds the synthetic event a timeout or auto transition
// delivers to itself.
func scheduledEvent(ct *compiledTransition, extraPayload map[string]any) Event {
	payload := map[string]any{}
	typ := ct.def.Event
	if ct.def.Type == schema.TransitionTimeout {
		if typ == "" {
			typ = "timeout"
		}
		payload["timeout"] = true
		payload["timeoutMs"] = ct.def.TimeoutMs
	} else {
		if typ == "" {
			typ = "auto"
		}
		payload["auto"] = true
	}
	for k, v := range extraPayload {
		payload[k] = v
	}
	return Event{Type: typ, Payload: payload, Timestamp: time.Now()}
}

func (e *Engine) cancelTimersLocked(instanceID string) {
	for _, id := range e.timers[instanceID] {
		e.wheel.Remove(id)
	}
	delete(e.timers, instanceID)
}

// BroadcastEvent routes an event to every instance of (machine, state) whose
// properties satisfy a transition's matching rules, and returns the number
// of instances that transitioned. It is an error when no transition with
// matching rules exists for the triple; an empty match set is not.
func (e *Engine) BroadcastEvent(ctx context.Context, machine, state string, ev Event) (int, error) {
	return e.broadcast(ctx, machine, state, ev, nil, "")
}

// BroadcastFiltered is BroadcastEvent with additional property equality
// filters applied on top of the transition matching rules. Used for
// cross-component delivery.
func (e *Engine) BroadcastFiltered(ctx context.Context, machine, state string, ev Event, filters map[string]any) (int, error) {
	return e.broadcast(ctx, machine, state, ev, filters, "")
}

func (e *Engine) broadcast(ctx context.Context, machine, state string, ev Event, filters map[string]any, parentEventID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broadcastLocked(ctx, machine, state, ev, filters, parentEventID)
}

func (e *Engine) broadcastLocked(ctx context.Context, machine, state string, ev Event, filters map[string]any, parentEventID string) (int, error) {
	cm, ok := e.compiled.machines[machine]
	if !ok {
		e.emit(NotifBroadcastError, machine, "", map[string]any{
			"state": state, "event": ev.Type, "error": "unknown machine",
		})
		return 0, fmt.Errorf("%w: %s", ErrUnknownMachine, machine)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var candidates []*compiledTransition
	for _, ct := range cm.fromState[state] {
		if ct.def.Event == ev.Type && len(ct.def.MatchingRules) > 0 {
			candidates = append(candidates, ct)
		}
	}
	if len(candidates) == 0 {
		e.emit(NotifBroadcastError, machine, "", map[string]any{
			"state": state, "event": ev.Type, "error": "no transition with matching rules",
		})
		return 0, fmt.Errorf("%w: machine %s state %s event %s",
			ErrNoMatchingTransition, machine, state, ev.Type)
	}

	// First matching candidate wins per instance; an instance never receives
	// the same broadcast twice.
	assigned := make(map[string]*compiledTransition)
	var order []string
	for _, ct := range candidates {
		for _, id := range e.matchInstancesLocked(machine, state, ct.def.MatchingRules, ev.Payload) {
			if _, taken := assigned[id]; taken {
				continue
			}
			inst := e.instances[id]
			if inst == nil || !passesFilters(inst, filters) {
				continue
			}
			assigned[id] = ct
			order = append(order, id)
		}
	}

	delivered := 0
	for _, id := range order {
		inst, ok := e.instances[id]
		if !ok || inst.Status != store.StatusActive {
			continue
		}
		ct := assigned[id]
		pass, err := evalGuards(ct, ev, inst)
		if err != nil || !pass {
			data := map[string]any{"event": ev.Type, "state": state}
			if err != nil {
				data["error"] = err.Error()
			}
			e.emit(NotifGuardFailed, machine, id, data)
			continue
		}
		if err := e.executeTransitionLocked(ctx, inst, ct, ev, parentEventID); err != nil {
			// Per-instance failures are isolated from the rest of the batch.
			e.emit(NotifBroadcastError, machine, id, map[string]any{
				"state": state, "event": ev.Type, "error": err.Error(),
			})
			e.logger.Error("broadcast delivery failed", "instance", id, "event", ev.Type, "error", err)
			continue
		}
		delivered++
	}

	e.emit(NotifBroadcastCompleted, machine, "", map[string]any{
		"state":     state,
		"event":     ev.Type,
		"matched":   len(order),
		"delivered": delivered,
	})
	return delivered, nil
}

// matchInstancesLocked returns the ids in (machine, state) satisfying all
// rules for the given payload. A single top-level equality rule with a
// scalar event value takes the O(1) property index path; everything else
// scans the state set.
func (e *Engine) matchInstancesLocked(machine, state string, rules []schema.MatchingRule, payload map[string]any) []string {
	if len(rules) == 1 {
		r := rules[0]
		op := r.Op()
		if (op == "===" || op == "==") && !strings.Contains(r.InstanceProperty, ".") {
			if eventValue, ok := dynval.Resolve(payload, r.EventProperty); ok && dynval.Scalar(eventValue) {
				return e.index.byProperty(machine, state, r.InstanceProperty, dynval.IndexKey(eventValue))
			}
		}
	}

	var out []string
	for _, id := range e.index.byState(machine, state) {
		inst, ok := e.instances[id]
		if !ok {
			continue
		}
		if matchRules(rules, inst.visible(), payload) {
			out = append(out, id)
		}
	}
	return out
}

// passesFilters applies property equality filters against an instance's
// visible data. Nil filters pass everything.
func passesFilters(inst *Instance, filters map[string]any) bool {
	for path, want := range filters {
		got, ok := dynval.Resolve(inst.visible(), path)
		if !ok || !dynval.Equal(got, want) {
			return false
		}
	}
	return true
}
