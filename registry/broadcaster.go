package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/statemesh/broker"
	"github.com/GoCodeAlone/statemesh/engine"
)

// DefaultHeartbeatInterval is used when the config leaves the interval zero.
const DefaultHeartbeatInterval = 10 * time.Second

// BroadcasterConfig controls the runtime broadcaster.
type BroadcasterConfig struct {
	// RuntimeID identifies this runtime on the shared channels. Empty mints
	// a random id.
	RuntimeID string
	// HeartbeatInterval is the period between heartbeats; zero selects the
	// default, negative disables heartbeats.
	HeartbeatInterval time.Duration
}

// Announcement describes a runtime and its components on the registry
// channels.
type Announcement struct {
	RuntimeID  string          `json:"runtimeId"`
	Components []ComponentInfo `json:"components"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ComponentInfo is the announced shape of one component.
type ComponentInfo struct {
	Name     string        `json:"name"`
	Machines []MachineInfo `json:"machines"`
}

// MachineInfo is the announced shape of one state machine.
type MachineInfo struct {
	Name         string   `json:"name"`
	InitialState string   `json:"initialState"`
	States       []string `json:"states"`
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	RuntimeID  string    `json:"runtimeId"`
	Components []string  `json:"components"`
	Timestamp  time.Time `json:"timestamp"`
}

// RuntimeEvent wraps an engine notification for the distributed event
// channels.
type RuntimeEvent struct {
	RuntimeID    string              `json:"runtimeId"`
	Notification engine.Notification `json:"notification"`
}

// TriggerEventCommand delivers an event to one instance of one component.
type TriggerEventCommand struct {
	Component  string       `json:"component"`
	InstanceID string       `json:"instanceId"`
	Event      engine.Event `json:"event"`
}

// CreateInstanceCommand creates an instance in a component.
type CreateInstanceCommand struct {
	Component string         `json:"component"`
	Machine   string         `json:"machine"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// CrossComponentEventCommand routes an event into a component by state and
// property filters. Filters are mandatory: an unfiltered cross-component
// event would address every instance of the state and is rejected.
type CrossComponentEventCommand struct {
	SourceComponent string         `json:"sourceComponent,omitempty"`
	TargetComponent string         `json:"targetComponent"`
	Machine         string         `json:"machine"`
	State           string         `json:"state"`
	Event           engine.Event   `json:"event"`
	Filters         map[string]any `json:"filters"`
}

// QueryInstancesCommand requests an instance listing. An empty component
// means all components of the runtime.
type QueryInstancesCommand struct {
	Component string `json:"component,omitempty"`
}

// QueryResponse is published on the query response channel.
type QueryResponse struct {
	RuntimeID string                            `json:"runtimeId"`
	Instances map[string][]*engine.InstanceView `json:"instances"`
	Timestamp time.Time                         `json:"timestamp"`
}

// Broadcaster connects a registry to a message broker: it announces the
// runtime, emits heartbeats, mirrors engine notifications onto the event
// channels and services distributed commands.
type Broadcaster struct {
	runtimeID string
	interval  time.Duration
	registry  *Registry
	broker    broker.MessageBroker
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewBroadcaster creates a broadcaster over a registry and a broker. A nil
// logger falls back to slog.Default().
func NewBroadcaster(reg *Registry, b broker.MessageBroker, cfg BroadcasterConfig, logger *slog.Logger) *Broadcaster {
	if cfg.RuntimeID == "" {
		cfg.RuntimeID = uuid.NewString()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		runtimeID: cfg.RuntimeID,
		interval:  cfg.HeartbeatInterval,
		registry:  reg,
		broker:    b,
		logger:    logger.With("runtime", cfg.RuntimeID),
	}
}

// RuntimeID returns the id the broadcaster announces under.
func (b *Broadcaster) RuntimeID() string { return b.runtimeID }

// Start connects the broker, attaches to every registered engine, announces
// the runtime, subscribes the command channels and begins heartbeating.
// Engines registered after Start are not mirrored; register first.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.stopCh = make(chan struct{})
	stopCh := b.stopCh
	b.mu.Unlock()

	if err := b.broker.Connect(ctx); err != nil {
		return fmt.Errorf("broadcaster: connect broker: %w", err)
	}

	for _, name := range b.registry.Components() {
		e, ok := b.registry.Get(name)
		if !ok {
			continue
		}
		e.OnEvent(b.mirrorNotification)
	}

	subs := map[string]broker.MessageHandler{
		broker.ChannelCommandTriggerEvent:        broker.HandlerFunc(b.handleTriggerEvent),
		broker.ChannelCommandCreateInstance:      broker.HandlerFunc(b.handleCreateInstance),
		broker.ChannelCommandCrossComponentEvent: broker.HandlerFunc(b.handleCrossComponentEvent),
		broker.ChannelCommandQueryInstances:      broker.HandlerFunc(b.handleQueryInstances),
		broker.ChannelRegistryDiscover:           broker.HandlerFunc(b.handleDiscover),
	}
	for channel, handler := range subs {
		if err := b.broker.Subscribe(channel, handler); err != nil {
			return fmt.Errorf("broadcaster: subscribe %s: %w", channel, err)
		}
	}

	if err := b.announce(ctx); err != nil {
		return err
	}

	if b.interval > 0 {
		go b.heartbeatLoop(stopCh)
	}
	b.logger.Info("runtime broadcaster started", "components", b.registry.Components())
	return nil
}

// Stop announces the shutdown and halts heartbeating. The broker connection
// is left to its owner.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	msg, _ := json.Marshal(map[string]any{
		"runtimeId": b.runtimeID,
		"timestamp": time.Now(),
	})
	if err := b.broker.Publish(ctx, broker.ChannelRegistryShutdown, msg); err != nil {
		b.logger.Warn("failed to announce shutdown", "error", err)
	}
	return nil
}

// announce publishes the runtime's component catalogue.
func (b *Broadcaster) announce(ctx context.Context) error {
	ann := Announcement{RuntimeID: b.runtimeID, Timestamp: time.Now()}
	for _, name := range b.registry.Components() {
		e, ok := b.registry.Get(name)
		if !ok {
			continue
		}
		info := ComponentInfo{Name: name}
		for _, m := range e.Component().StateMachines {
			mi := MachineInfo{Name: m.Name, InitialState: m.InitialState}
			for _, st := range m.States {
				mi.States = append(mi.States, st.Name)
			}
			info.Machines = append(info.Machines, mi)
		}
		ann.Components = append(ann.Components, info)
	}

	msg, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("broadcaster: marshal announcement: %w", err)
	}
	if err := b.broker.Publish(ctx, broker.ChannelRegistryAnnounce, msg); err != nil {
		return fmt.Errorf("broadcaster: announce: %w", err)
	}
	return nil
}

func (b *Broadcaster) heartbeatLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hb := Heartbeat{
				RuntimeID:  b.runtimeID,
				Components: b.registry.Components(),
				Timestamp:  time.Now(),
			}
			msg, _ := json.Marshal(hb)
			if err := b.broker.Publish(context.Background(), broker.ChannelRegistryHeartbeat, msg); err != nil {
				b.logger.Warn("heartbeat publish failed", "error", err)
			}
		case <-stopCh:
			return
		}
	}
}

// mirrorNotification publishes an engine notification on its event channel.
// State changes into terminal states and timeout firings additionally go to
// the instance_completed and timeout_triggered channels. It runs on the
// engine's emitting goroutine, so the publish must not call back into the
// engine; brokers only enqueue or hand off to IO.
func (b *Broadcaster) mirrorNotification(n engine.Notification) {
	msg, err := json.Marshal(RuntimeEvent{RuntimeID: b.runtimeID, Notification: n})
	if err != nil {
		b.logger.Error("failed to marshal notification", "type", n.Type, "error", err)
		return
	}
	channels := []string{broker.EventChannel(n.Type)}
	if n.Type == engine.NotifStateChange {
		if terminal, _ := n.Data["terminal"].(bool); terminal {
			channels = append(channels, broker.ChannelEventsInstanceCompleted)
		}
		if timeout, _ := n.Data["timeout"].(bool); timeout {
			channels = append(channels, broker.ChannelEventsTimeoutTriggered)
		}
	}
	for _, channel := range channels {
		if err := b.broker.Publish(context.Background(), channel, msg); err != nil {
			b.logger.Warn("failed to mirror notification", "type", n.Type, "channel", channel, "error", err)
		}
	}
}

func (b *Broadcaster) handleTriggerEvent(message []byte) error {
	var cmd TriggerEventCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return fmt.Errorf("decode trigger_event: %w", err)
	}
	e, ok := b.registry.Get(cmd.Component)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, cmd.Component)
	}
	return e.SendEvent(context.Background(), cmd.InstanceID, cmd.Event)
}

func (b *Broadcaster) handleCreateInstance(message []byte) error {
	var cmd CreateInstanceCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return fmt.Errorf("decode create_instance: %w", err)
	}
	_, err := b.registry.CreateInstanceInComponent(context.Background(), cmd.Component, cmd.Machine, cmd.Fields)
	return err
}

func (b *Broadcaster) handleCrossComponentEvent(message []byte) error {
	var cmd CrossComponentEventCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return fmt.Errorf("decode cross_component_event: %w", err)
	}
	if len(cmd.Filters) == 0 {
		return fmt.Errorf("cross_component_event to %s rejected: filters are required", cmd.TargetComponent)
	}
	_, err := b.registry.BroadcastToComponent(context.Background(),
		cmd.TargetComponent, cmd.Machine, cmd.State, cmd.Event, cmd.Filters, cmd.SourceComponent)
	return err
}

func (b *Broadcaster) handleQueryInstances(message []byte) error {
	var cmd QueryInstancesCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return fmt.Errorf("decode query_instances: %w", err)
	}

	resp := QueryResponse{
		RuntimeID: b.runtimeID,
		Instances: make(map[string][]*engine.InstanceView),
		Timestamp: time.Now(),
	}
	for _, name := range b.registry.Components() {
		if cmd.Component != "" && cmd.Component != name {
			continue
		}
		e, ok := b.registry.Get(name)
		if !ok {
			continue
		}
		resp.Instances[name] = e.GetAllInstances()
	}

	msg, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal query response: %w", err)
	}
	if err := b.broker.Publish(context.Background(), broker.ChannelResponsesQuery, msg); err != nil {
		return fmt.Errorf("publish query response: %w", err)
	}
	// Queries double as discovery probes; refresh the announcement too.
	return b.announce(context.Background())
}

func (b *Broadcaster) handleDiscover(_ []byte) error {
	return b.announce(context.Background())
}
