package engine

import (
	"context"

	"github.com/GoCodeAlone/statemesh/dynval"
)

// Sender is the capability handed to triggered methods for emitting side
// effects. Every operation except UpdateContext is deferred to the follow-up
// queue: it runs after the current transition has committed, carrying the
// transition's persisted event as its causality parent. Deferred operation
// failures are logged and observable through notifications, not returned.
type Sender struct {
	engine        *Engine
	instanceID    string
	parentEventID string
}

// SendTo delivers an event to another instance of this component.
func (s *Sender) SendTo(instanceID string, ev Event) {
	e := s.engine
	parent := s.parentEventID
	e.enqueue(func(ctx context.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()
		inst, ok := e.instances[instanceID]
		if !ok {
			e.logger.Warn("deferred send to unknown instance", "instance", instanceID, "event", ev.Type)
			return
		}
		if err := e.sendEventLocked(ctx, inst, ev, parent); err != nil {
			e.logger.Error("deferred send failed", "instance", instanceID, "event", ev.Type, "error", err)
		}
	})
}

// SendToSelf delivers an event back to the instance that is transitioning.
// It arrives after the current transition completes, so the event is matched
// against the new state.
func (s *Sender) SendToSelf(ev Event) {
	s.SendTo(s.instanceID, ev)
}

// Broadcast routes an event by matching rules to instances of (machine,
// state) in this component. Nil filters match everything; non-nil filters
// are property equality constraints applied on top of the matching rules.
func (s *Sender) Broadcast(machine, state string, ev Event, filters map[string]any) {
	e := s.engine
	parent := s.parentEventID
	e.enqueue(func(ctx context.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, err := e.broadcastLocked(ctx, machine, state, ev, filters, parent); err != nil {
			e.logger.Error("deferred broadcast failed", "machine", machine, "state", state, "event", ev.Type, "error", err)
		}
	})
}

// CreateInstance creates a new instance of a machine in this component. The
// new instance's creation event is caused by the current transition.
func (s *Sender) CreateInstance(machine string, fields map[string]any) {
	e := s.engine
	parent := s.parentEventID
	e.enqueue(func(ctx context.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, err := e.createInstanceLocked(ctx, machine, fields, false, parent); err != nil {
			e.logger.Error("deferred create failed", "machine", machine, "error", err)
		}
	})
}

// SendToComponent routes an event to matching instances of another
// component through the registry.
func (s *Sender) SendToComponent(target, machine, state string, ev Event, filters map[string]any) {
	e := s.engine
	source := e.component.Name
	e.enqueue(func(ctx context.Context) {
		e.mu.Lock()
		router := e.router
		e.mu.Unlock()
		if router == nil {
			e.logger.Error("cross-component send without a router", "target", target, "event", ev.Type)
			return
		}
		if _, err := router.BroadcastToComponent(ctx, target, machine, state, ev, filters, source); err != nil {
			e.logger.Error("cross-component send failed", "target", target, "event", ev.Type, "error", err)
			e.mu.Lock()
			e.emit(NotifBroadcastError, machine, "", map[string]any{
				"targetComponent": target,
				"state":           state,
				"event":           ev.Type,
				"error":           err.Error(),
			})
			e.mu.Unlock()
		}
	})
}

// CreateInstanceIn creates an instance in another component through the
// registry.
func (s *Sender) CreateInstanceIn(target, machine string, fields map[string]any) {
	e := s.engine
	e.enqueue(func(ctx context.Context) {
		e.mu.Lock()
		router := e.router
		e.mu.Unlock()
		if router == nil {
			e.logger.Error("cross-component create without a router", "target", target, "machine", machine)
			return
		}
		if _, err := router.CreateInstanceInComponent(ctx, target, machine, fields); err != nil {
			e.logger.Error("cross-component create failed", "target", target, "machine", machine, "error", err)
		}
	})
}

// UpdateContext merges fields into the instance's visible data immediately,
// inside the current transition, and reindexes the instance so subsequent
// broadcasts route against the new values.
func (s *Sender) UpdateContext(fields map[string]any) {
	e := s.engine
	inst, ok := e.instances[s.instanceID]
	if !ok {
		return
	}
	dynval.Merge(inst.visible(), fields)
	e.index.refreshProperties(inst)
}
