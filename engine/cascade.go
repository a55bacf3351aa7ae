package engine

import (
	"context"
	"time"

	"github.com/GoCodeAlone/statemesh/dynval"
	"github.com/GoCodeAlone/statemesh/schema"
)

// DeliverCascade applies a cascading rule arriving from another component:
// the rule's matching rules select targets among this component's instances
// and the event is delivered to each through normal selection. The registry
// calls this when routing cross-component cascades.
func (e *Engine) DeliverCascade(ctx context.Context, rule schema.CascadingRule, ev Event, parentEventID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deliverCascadeLocked(ctx, rule, ev, parentEventID)
}

// enqueueCascadesLocked captures the source instance's data and schedules
// the state's cascading rules on the follow-up queue. The snapshot is taken
// here because the source may be disposed before the cascade runs (terminal
// states cascade too). Caller holds e.mu.
func (e *Engine) enqueueCascadesLocked(inst *Instance, state *schema.State, parentEventID string) {
	sourceID := inst.ID
	sourceMachine := inst.MachineName
	sourceData := dynval.Clone(inst.visible())
	rules := state.CascadingRules
	e.enqueue(func(ctx context.Context) {
		e.processCascades(ctx, sourceID, sourceMachine, sourceData, rules, parentEventID)
	})
}

// processCascades runs each cascading rule in declaration order. Rule
// failures are isolated: one failing rule emits cascade_error and the rest
// still run.
func (e *Engine) processCascades(ctx context.Context, sourceID, sourceMachine string, sourceData map[string]any, rules []schema.CascadingRule, parentEventID string) {
	for _, rule := range rules {
		payload := dynval.ResolveTemplate(rule.Payload, sourceData)
		ev := Event{Type: rule.Event, Payload: payload, Timestamp: time.Now()}

		if rule.TargetComponent != "" && rule.TargetComponent != e.component.Name {
			e.routeCascadeOut(ctx, sourceID, sourceMachine, rule, ev, parentEventID)
			continue
		}

		e.mu.Lock()
		delivered, err := e.deliverCascadeLocked(ctx, rule, ev, parentEventID)
		if err != nil {
			e.emit(NotifCascadeError, sourceMachine, sourceID, map[string]any{
				"targetMachine": rule.TargetMachine,
				"targetState":   rule.TargetState,
				"event":         rule.Event,
				"error":         err.Error(),
			})
			e.mu.Unlock()
			continue
		}
		e.emit(NotifCascadeCompleted, sourceMachine, sourceID, map[string]any{
			"targetMachine": rule.TargetMachine,
			"targetState":   rule.TargetState,
			"event":         rule.Event,
			"delivered":     delivered,
		})
		e.mu.Unlock()
	}
}

// deliverCascadeLocked fans a cascade event out inside this component. With
// matching rules the rules select the targets; without, every instance of
// (targetMachine, targetState) receives the event through normal selection.
func (e *Engine) deliverCascadeLocked(ctx context.Context, rule schema.CascadingRule, ev Event, parentEventID string) (int, error) {
	if _, ok := e.compiled.machines[rule.TargetMachine]; !ok {
		return 0, ErrUnknownMachine
	}

	var targets []string
	if len(rule.MatchingRules) > 0 {
		targets = e.matchInstancesLocked(rule.TargetMachine, rule.TargetState, rule.MatchingRules, ev.Payload)
	} else {
		targets = e.index.byState(rule.TargetMachine, rule.TargetState)
	}

	delivered := 0
	for _, id := range targets {
		inst, ok := e.instances[id]
		if !ok {
			continue
		}
		before := inst.CurrentState
		if err := e.sendEventLocked(ctx, inst, ev, parentEventID); err != nil {
			e.logger.Error("cascade delivery failed", "instance", id, "event", ev.Type, "error", err)
			continue
		}
		// Only count deliveries that actually moved the target; ignored
		// events and guard denials are visible through their own
		// notifications.
		if live, ok := e.instances[id]; !ok || live.CurrentState != before {
			delivered++
		}
	}
	return delivered, nil
}

// routeCascadeOut hands a cross-component cascade to the registry.
func (e *Engine) routeCascadeOut(ctx context.Context, sourceID, sourceMachine string, rule schema.CascadingRule, ev Event, parentEventID string) {
	e.mu.Lock()
	router := e.router
	e.mu.Unlock()

	if router == nil {
		e.mu.Lock()
		e.emit(NotifCascadeError, sourceMachine, sourceID, map[string]any{
			"targetComponent": rule.TargetComponent,
			"event":           rule.Event,
			"error":           "no cross-component router installed",
		})
		e.mu.Unlock()
		return
	}

	err := router.RouteCascade(ctx, e.component.Name, rule, ev, parentEventID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.emit(NotifCascadeError, sourceMachine, sourceID, map[string]any{
			"targetComponent": rule.TargetComponent,
			"event":           rule.Event,
			"error":           err.Error(),
		})
		return
	}
	e.emit(NotifCascadeCompleted, sourceMachine, sourceID, map[string]any{
		"targetComponent": rule.TargetComponent,
		"targetMachine":   rule.TargetMachine,
		"targetState":     rule.TargetState,
		"event":           rule.Event,
	})
}
