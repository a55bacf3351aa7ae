// Package registry coordinates multiple component engines inside one
// runtime: component registration, cross-component event routing, cascade
// handoff, fleet-wide broadcasts and cross-component causality tracing. It
// also provides the runtime broadcaster that announces the runtime and its
// components over a message broker and services distributed commands.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/GoCodeAlone/statemesh/broker"
	"github.com/GoCodeAlone/statemesh/engine"
	"github.com/GoCodeAlone/statemesh/schema"
	"github.com/GoCodeAlone/statemesh/store"
)

// ErrUnknownComponent is returned when a routing target is not registered.
var ErrUnknownComponent = errors.New("registry: unknown component")

// Registry holds the engines of one runtime, keyed by component name, and
// implements engine.CrossRouter so registered engines can reach each other.
// With a broker attached, routing to components hosted by other runtimes
// falls back to the shared component channels.
type Registry struct {
	logger *slog.Logger
	broker broker.MessageBroker

	mu      sync.RWMutex
	engines map[string]*engine.Engine
}

// New creates an empty local-only registry. A nil logger falls back to
// slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		engines: make(map[string]*engine.Engine),
	}
}

// NewWithBroker creates a registry whose cross-component routing spans
// runtimes: each registered component services its own channel on the shared
// broker, and operations naming a component not registered here are
// published on the target's channel instead of failing.
func NewWithBroker(b broker.MessageBroker, logger *slog.Logger) *Registry {
	r := New(logger)
	r.broker = b
	return r
}

// Register adds an engine under its component name, installs the registry
// as the engine's cross-component router and, with a broker attached,
// subscribes the component's channel so other runtimes can reach it.
// Component names are unique.
func (r *Registry) Register(e *engine.Engine) error {
	name := e.Component().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[name]; exists {
		return fmt.Errorf("registry: component %q already registered", name)
	}
	if r.broker != nil {
		if err := r.broker.Subscribe(broker.ComponentChannel(name), r.componentHandler(name)); err != nil {
			return fmt.Errorf("registry: subscribe channel for %s: %w", name, err)
		}
	}
	r.engines[name] = e
	e.SetRouter(r)
	r.logger.Info("component registered", "component", name)
	return nil
}

// Unregister removes a component's engine and releases its channel. The
// engine keeps running; only routing to it stops.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if r.broker != nil {
		if err := r.broker.Unsubscribe(broker.ComponentChannel(name)); err != nil {
			r.logger.Warn("failed to unsubscribe component channel", "component", name, "error", err)
		}
	}
	e.SetRouter(nil)
	delete(r.engines, name)
	r.logger.Info("component unregistered", "component", name)
	return nil
}

// Component message kinds carried on the xcomponent channels.
const (
	componentMsgBroadcast = "broadcast"
	componentMsgCreate    = "create_instance"
	componentMsgCascade   = "cascade"
)

// componentMessage is the JSON envelope for cross-runtime routing on a
// component's channel.
type componentMessage struct {
	Kind            string                `json:"kind"`
	SourceComponent string                `json:"sourceComponent,omitempty"`
	Machine         string                `json:"machine"`
	State           string                `json:"state,omitempty"`
	Event           engine.Event          `json:"event"`
	Filters         map[string]any        `json:"filters,omitempty"`
	Fields          map[string]any        `json:"fields,omitempty"`
	Rule            *schema.CascadingRule `json:"rule,omitempty"`
	ParentEventID   string                `json:"parentEventId,omitempty"`
}

// componentHandler services one component's channel. Malformed messages are
// logged and dropped; they never fail the subscription.
func (r *Registry) componentHandler(name string) broker.MessageHandler {
	return broker.HandlerFunc(func(message []byte) error {
		var msg componentMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			r.logger.Warn("malformed component message dropped", "component", name, "error", err)
			return nil
		}
		e, ok := r.Get(name)
		if !ok {
			return nil
		}
		ctx := context.Background()
		switch msg.Kind {
		case componentMsgBroadcast:
			_, err := e.BroadcastFiltered(ctx, msg.Machine, msg.State, msg.Event, msg.Filters)
			return err
		case componentMsgCreate:
			_, err := e.CreateInstance(ctx, msg.Machine, msg.Fields)
			return err
		case componentMsgCascade:
			if msg.Rule == nil {
				r.logger.Warn("cascade message without a rule dropped", "component", name)
				return nil
			}
			_, err := e.DeliverCascade(ctx, *msg.Rule, msg.Event, msg.ParentEventID)
			return err
		default:
			r.logger.Warn("component message with unknown kind dropped", "component", name, "kind", msg.Kind)
			return nil
		}
	})
}

// publishToComponent sends an envelope to a component served by another
// runtime on the shared broker.
func (r *Registry) publishToComponent(ctx context.Context, target string, msg componentMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", target, err)
	}
	if err := r.broker.Publish(ctx, broker.ComponentChannel(target), payload); err != nil {
		return fmt.Errorf("publish to component %s: %w", target, err)
	}
	return nil
}

// remote reports whether a non-local target is reachable over the broker.
func (r *Registry) remote() bool {
	return r.broker != nil && r.broker.IsConnected()
}

// Get returns the engine for a component.
func (r *Registry) Get(name string) (*engine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// Components returns the registered component names, sorted.
func (r *Registry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for name := range r.engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RouteCascade hands a cascading rule to its target component. A target not
// hosted by this runtime is forwarded over the broker; delivery is then
// at-least-once and eventually consistent.
func (r *Registry) RouteCascade(ctx context.Context, sourceComponent string, rule schema.CascadingRule, ev engine.Event, parentEventID string) error {
	target, ok := r.Get(rule.TargetComponent)
	if !ok {
		if r.remote() {
			return r.publishToComponent(ctx, rule.TargetComponent, componentMessage{
				Kind:            componentMsgCascade,
				SourceComponent: sourceComponent,
				Machine:         rule.TargetMachine,
				State:           rule.TargetState,
				Event:           ev,
				Rule:            &rule,
				ParentEventID:   parentEventID,
			})
		}
		return fmt.Errorf("%w: %s (cascade from %s)", ErrUnknownComponent, rule.TargetComponent, sourceComponent)
	}
	delivered, err := target.DeliverCascade(ctx, rule, ev, parentEventID)
	if err != nil {
		return fmt.Errorf("cascade to %s: %w", rule.TargetComponent, err)
	}
	r.logger.Debug("cross-component cascade delivered",
		"source", sourceComponent, "target", rule.TargetComponent,
		"event", ev.Type, "delivered", delivered)
	return nil
}

// BroadcastToComponent routes an event to the matching instances of another
// component. Filters are property equality constraints applied on top of the
// target's transition matching rules. A local target is broadcast directly
// and the processed count returned; a target hosted elsewhere receives the
// envelope over the broker and the count is zero, since it is unknowable
// across processes.
func (r *Registry) BroadcastToComponent(ctx context.Context, target, machine, state string, ev engine.Event, filters map[string]any, sourceComponent string) (int, error) {
	e, ok := r.Get(target)
	if !ok {
		if r.remote() {
			return 0, r.publishToComponent(ctx, target, componentMessage{
				Kind:            componentMsgBroadcast,
				SourceComponent: sourceComponent,
				Machine:         machine,
				State:           state,
				Event:           ev,
				Filters:         filters,
			})
		}
		return 0, fmt.Errorf("%w: %s (broadcast from %s)", ErrUnknownComponent, target, sourceComponent)
	}
	return e.BroadcastFiltered(ctx, machine, state, ev, filters)
}

// CreateInstanceInComponent creates an instance in another component and
// returns the new instance id. Creation in a component hosted elsewhere goes
// over the broker; the id is then empty, since the instance is minted by the
// remote runtime.
func (r *Registry) CreateInstanceInComponent(ctx context.Context, target, machine string, fields map[string]any) (string, error) {
	e, ok := r.Get(target)
	if !ok {
		if r.remote() {
			return "", r.publishToComponent(ctx, target, componentMessage{
				Kind:    componentMsgCreate,
				Machine: machine,
				Fields:  fields,
			})
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownComponent, target)
	}
	inst, err := e.CreateInstance(ctx, machine, fields)
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

// BroadcastToAll delivers an event to every registered component that
// declares the (machine, state) pair. Component failures are isolated: each
// is recorded in the returned error map and the remaining components are
// still attempted. Components without the machine are skipped silently.
func (r *Registry) BroadcastToAll(ctx context.Context, machine, state string, ev engine.Event) (int, map[string]error) {
	r.mu.RLock()
	engines := make(map[string]*engine.Engine, len(r.engines))
	for name, e := range r.engines {
		engines[name] = e
	}
	r.mu.RUnlock()

	total := 0
	failures := make(map[string]error)
	for _, name := range sortedKeys(engines) {
		e := engines[name]
		if e.Component().Machine(machine) == nil {
			continue
		}
		n, err := e.BroadcastEvent(ctx, machine, state, ev)
		if err != nil {
			failures[name] = err
			r.logger.Error("broadcast to component failed",
				"component", name, "machine", machine, "event", ev.Type, "error", err)
			continue
		}
		total += n
	}
	return total, failures
}

// TraceAcrossComponents unions the causality chains seen by every
// registered component, deduplicated by event id and ordered by persistence
// time. Components whose stores do not know the root event contribute
// nothing.
func (r *Registry) TraceAcrossComponents(ctx context.Context, eventID string) ([]store.PersistedEvent, error) {
	r.mu.RLock()
	engines := make([]*engine.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	seen := make(map[string]bool)
	var merged []store.PersistedEvent
	found := false
	for _, e := range engines {
		chain, err := e.TraceEventCausality(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("trace in component %s: %w", e.Component().Name, err)
		}
		found = true
		for _, ev := range chain {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			merged = append(merged, ev)
		}
	}
	if !found {
		return nil, store.ErrNotFound
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].PersistedAt.Before(merged[j].PersistedAt)
	})
	return merged, nil
}

func sortedKeys(m map[string]*engine.Engine) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ engine.CrossRouter = (*Registry)(nil)
