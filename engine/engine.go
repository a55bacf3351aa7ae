// Package engine implements the per-component execution engine: instance
// lifecycle, transition selection and execution, guard evaluation, property
// indexing for O(1) broadcast routing, timeout and auto transition
// scheduling, cascade fan-out and event-sourced persistence.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/statemesh/schema"
	"github.com/GoCodeAlone/statemesh/store"
	"github.com/GoCodeAlone/statemesh/timerwheel"
)

// TriggeredMethod is application code attached to a transition. It runs
// synchronously inside the transition; a returned error marks the instance
// as failed. Side effects on other instances must go through the Sender,
// which defers them until after the current transition completes.
type TriggeredMethod func(ctx context.Context, ev Event, inst *InstanceView, sender *Sender) error

// StateHook is application code attached to state entry or exit. Hook
// failures are logged and do not fail the instance.
type StateHook func(ctx context.Context, ev Event, inst *InstanceView) error

// CrossRouter routes operations that leave the component. The registry
// implements it; a nil router makes cross-component operations fail with a
// cascade_error or instance_error notification.
type CrossRouter interface {
	// RouteCascade delivers a cascading rule that names another component.
	RouteCascade(ctx context.Context, sourceComponent string, rule schema.CascadingRule, ev Event, parentEventID string) error
	// BroadcastToComponent matches instances of another component by state
	// and property filters and delivers the event to each.
	BroadcastToComponent(ctx context.Context, target, machine, state string, ev Event, filters map[string]any, sourceComponent string) (int, error)
	// CreateInstanceInComponent creates an instance in another component.
	CreateInstanceInComponent(ctx context.Context, target, machine string, fields map[string]any) (string, error)
}

// Options configures an engine. Zero values select sane defaults: no
// persistence, an owned timer wheel, slog.Default() logging.
type Options struct {
	Logger      *slog.Logger
	Persistence *store.PersistenceManager
	// Wheel shares a timer wheel across engines. When nil the engine owns a
	// private wheel built from WheelConfig.
	Wheel       *timerwheel.Wheel
	WheelConfig timerwheel.Config
	Router      CrossRouter
}

type job func(ctx context.Context)

// Engine executes one component. All state transitions are serialised under
// a single lock: transitions, hooks and triggered methods run one at a time,
// which is what makes deferred Sender operations and causality bookkeeping
// well defined.
type Engine struct {
	component *schema.Component
	compiled  *compiledComponent
	logger    *slog.Logger
	pm        *store.PersistenceManager
	wheel     *timerwheel.Wheel
	ownsWheel bool

	mu        sync.Mutex
	instances map[string]*Instance
	index     *propertyIndex
	timers    map[string][]string
	methods   map[string]TriggeredMethod
	hooks     map[string]StateHook
	listeners []Listener
	router    CrossRouter
	started   bool

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []job
	inQueue int
	stopped bool
}

// New compiles the component and builds an engine around it. The document is
// validated as part of compilation.
func New(c *schema.Component, opts Options) (*Engine, error) {
	compiled, err := compileComponent(c)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", c.Name, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wheel := opts.Wheel
	ownsWheel := false
	if wheel == nil {
		wheel = timerwheel.New(opts.WheelConfig, logger)
		ownsWheel = true
	}

	e := &Engine{
		component: c,
		compiled:  compiled,
		logger:    logger.With("component", c.Name),
		pm:        opts.Persistence,
		wheel:     wheel,
		ownsWheel: ownsWheel,
		instances: make(map[string]*Instance),
		index:     newPropertyIndex(),
		timers:    make(map[string][]string),
		methods:   make(map[string]TriggeredMethod),
		hooks:     make(map[string]StateHook),
		router:    opts.Router,
	}
	e.qcond = sync.NewCond(&e.qmu)
	return e, nil
}

// Component returns the component document the engine executes.
func (e *Engine) Component() *schema.Component { return e.component }

// RegisterMethod binds a triggered method name from the document to code.
func (e *Engine) RegisterMethod(name string, m TriggeredMethod) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methods[name] = m
}

// RegisterHook binds an entry or exit method name from the document to code.
func (e *Engine) RegisterHook(name string, h StateHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[name] = h
}

// SetRouter installs the cross-component router. The registry calls this
// when the engine is registered.
func (e *Engine) SetRouter(r CrossRouter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.router = r
}

// OnEvent registers a notification listener. See Listener for the
// re-entrancy contract.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Start launches the follow-up worker and the timer wheel, and creates the
// entry-point instance when the document asks for one.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.qmu.Lock()
	e.stopped = false
	e.qmu.Unlock()

	if err := e.wheel.Start(ctx); err != nil {
		return fmt.Errorf("start timer wheel: %w", err)
	}
	go e.worker()

	if e.component.ShouldAutoCreateEntryPoint() {
		e.mu.Lock()
		exists := false
		for _, inst := range e.instances {
			if inst.IsEntryPoint && inst.MachineName == e.component.EntryMachine {
				exists = true
				break
			}
		}
		var err error
		if !exists {
			_, err = e.createInstanceLocked(ctx, e.component.EntryMachine, nil, true, "")
		}
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("create entry-point instance: %w", err)
		}
	}

	e.logger.Info("engine started",
		"machines", len(e.component.StateMachines),
		"persistence", e.pm != nil)
	return nil
}

// Stop halts the follow-up worker and, when owned, the timer wheel. Queued
// follow-up work is abandoned.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.qmu.Lock()
	e.stopped = true
	e.queue = nil
	e.inQueue = 0
	e.qcond.Broadcast()
	e.qmu.Unlock()

	if e.ownsWheel {
		if err := e.wheel.Stop(ctx); err != nil {
			return fmt.Errorf("stop timer wheel: %w", err)
		}
	}
	e.logger.Info("engine stopped")
	return nil
}

// enqueue appends follow-up work: cascades, auto and timeout firings, and
// deferred Sender operations. Jobs run one at a time on the worker
// goroutine, in submission order.
func (e *Engine) enqueue(j job) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.stopped {
		return
	}
	e.queue = append(e.queue, j)
	e.inQueue++
	e.qcond.Signal()
}

func (e *Engine) worker() {
	ctx := context.Background()
	for {
		e.qmu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.qcond.Wait()
		}
		if e.stopped {
			e.qmu.Unlock()
			return
		}
		j := e.queue[0]
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		j(ctx)

		e.qmu.Lock()
		if e.inQueue > 0 {
			e.inQueue--
		}
		e.qcond.Broadcast()
		e.qmu.Unlock()
	}
}

// Drain blocks until the follow-up queue is empty and no job is running.
// Cascades enqueue further jobs, so quiescence here means every reachable
// follow-up has executed. Intended for tests and orderly shutdown.
func (e *Engine) Drain() {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	for e.inQueue > 0 && !e.stopped {
		e.qcond.Wait()
	}
}

// emit delivers a notification to all listeners. Called with e.mu held;
// listeners must not call back into the engine synchronously.
func (e *Engine) emit(typ, machine, instanceID string, data map[string]any) {
	n := Notification{
		Type:       typ,
		Component:  e.component.Name,
		Machine:    machine,
		InstanceID: instanceID,
		Data:       data,
		Timestamp:  time.Now(),
	}
	for _, l := range e.listeners {
		l(n)
	}
}

// CreateInstance creates an instance of the named machine with the given
// initial visible data. Creating the entry machine in singleton mode returns
// the existing entry instance instead of a second one.
func (e *Engine) CreateInstance(ctx context.Context, machine string, fields map[string]any) (*InstanceView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if machine == e.component.EntryMachine && e.component.EntryMachineMode == schema.EntryModeSingleton {
		for _, inst := range e.instances {
			if inst.IsEntryPoint && inst.MachineName == machine {
				return inst.view(), nil
			}
		}
		inst, err := e.createInstanceLocked(ctx, machine, fields, true, "")
		if err != nil {
			return nil, err
		}
		return inst.view(), nil
	}

	isEntry := machine == e.component.EntryMachine
	inst, err := e.createInstanceLocked(ctx, machine, fields, isEntry, "")
	if err != nil {
		return nil, err
	}
	return inst.view(), nil
}

// createInstanceLocked inserts a new instance in its machine's initial
// state, persists the creation, schedules initial-state timers and runs the
// initial state's entry hook. Caller holds e.mu.
func (e *Engine) createInstanceLocked(ctx context.Context, machine string, fields map[string]any, isEntry bool, parentEventID string) (*Instance, error) {
	cm, ok := e.compiled.machines[machine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMachine, machine)
	}

	now := time.Now()
	inst := &Instance{
		ID:               uuid.NewString(),
		MachineName:      machine,
		CurrentState:     cm.def.InitialState,
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           store.StatusActive,
		IsEntryPoint:     isEntry,
		usesPublicMember: cm.def.PublicMemberType != "",
	}
	visible := inst.visible()
	for k, v := range fields {
		visible[k] = v
	}

	e.instances[inst.ID] = inst
	e.index.add(inst)

	var lastEventID string
	if e.pm != nil {
		var causedBy []string
		if parentEventID != "" {
			causedBy = []string{parentEventID}
		}
		id, err := e.pm.PersistEvent(ctx, store.PersistedEvent{
			InstanceID:    inst.ID,
			MachineName:   machine,
			ComponentName: e.component.Name,
			Event:         store.EventBody{Type: NotifInstanceCreated, Timestamp: now},
			StateBefore:   "",
			StateAfter:    inst.CurrentState,
			CausedBy:      causedBy,
		})
		if err != nil {
			delete(e.instances, inst.ID)
			e.index.remove(inst)
			return nil, fmt.Errorf("%w: persist creation of %s: %v", ErrPersistence, inst.ID, err)
		}
		lastEventID = id
		// An immediate snapshot makes the instance restorable before the
		// periodic interval first elapses.
		if err := e.pm.WriteSnapshot(ctx, inst.toRecord(e.component.Name), lastEventID); err != nil {
			e.logger.Warn("initial snapshot failed", "instance", inst.ID, "error", err)
		}
	}

	e.emit(NotifInstanceCreated, machine, inst.ID, map[string]any{
		"state":      inst.CurrentState,
		"entryPoint": isEntry,
	})

	e.scheduleStateTimersLocked(inst)
	e.runHookLocked(ctx, NotifEntryMethod, cm.states[inst.CurrentState].EntryMethod, Event{Type: NotifInstanceCreated, Timestamp: now}, inst)
	return inst, nil
}

// DisposeInstance removes an instance, cancels its timers and forgets its
// snapshot. The event log is kept.
func (e *Engine) DisposeInstance(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	e.disposeLocked(ctx, inst, "requested")
	return nil
}

func (e *Engine) disposeLocked(ctx context.Context, inst *Instance, reason string) {
	e.cancelTimersLocked(inst.ID)
	e.index.remove(inst)
	delete(e.instances, inst.ID)
	if e.pm != nil {
		if err := e.pm.ForgetInstance(ctx, inst.ID); err != nil {
			e.logger.Warn("failed to forget instance", "instance", inst.ID, "error", err)
		}
	}
	e.emit(NotifInstanceDisposed, inst.MachineName, inst.ID, map[string]any{
		"state":  inst.CurrentState,
		"reason": reason,
	})
}

// failInstanceLocked handles an uncaught triggered-method failure: the
// instance is marked failed, unindexed and dropped.
func (e *Engine) failInstanceLocked(ctx context.Context, inst *Instance, cause error) {
	inst.Status = store.StatusError
	e.cancelTimersLocked(inst.ID)
	e.index.remove(inst)
	delete(e.instances, inst.ID)
	if e.pm != nil {
		if err := e.pm.ForgetInstance(ctx, inst.ID); err != nil {
			e.logger.Warn("failed to forget instance", "instance", inst.ID, "error", err)
		}
	}
	e.emit(NotifInstanceError, inst.MachineName, inst.ID, map[string]any{
		"state": inst.CurrentState,
		"error": cause.Error(),
	})
}

// runHookLocked invokes an entry or exit hook when one is declared and
// registered, and emits the corresponding entry_method or exit_method
// notification. Hook errors are logged, not propagated.
func (e *Engine) runHookLocked(ctx context.Context, notifType, name string, ev Event, inst *Instance) {
	if name == "" {
		return
	}
	h, ok := e.hooks[name]
	if !ok {
		return
	}
	data := map[string]any{
		"method": name,
		"state":  inst.CurrentState,
		"event":  ev.Type,
	}
	if err := h(ctx, ev, inst.view()); err != nil {
		data["error"] = err.Error()
		e.logger.Warn("state hook failed",
			"hook", name, "instance", inst.ID, "state", inst.CurrentState, "error", err)
	}
	e.emit(notifType, inst.MachineName, inst.ID, data)
}

// GetInstance returns a copy of the instance, or ErrUnknownInstance.
func (e *Engine) GetInstance(instanceID string) (*InstanceView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	return inst.view(), nil
}

// GetAllInstances returns copies of every live instance.
func (e *Engine) GetAllInstances() []*InstanceView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*InstanceView, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.view())
	}
	return out
}

// GetInstancesByMachine returns copies of the machine's live instances.
func (e *Engine) GetInstancesByMachine(machine string) ([]*InstanceView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.compiled.machines[machine]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMachine, machine)
	}
	var out []*InstanceView
	for _, id := range e.index.byMachine(machine) {
		if inst, ok := e.instances[id]; ok {
			out = append(out, inst.view())
		}
	}
	return out, nil
}

// GetAvailableTransitions returns the transitions leaving the instance's
// current state, in declaration order.
func (e *Engine) GetAvailableTransitions(instanceID string) ([]schema.Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	cm := e.compiled.machines[inst.MachineName]
	var out []schema.Transition
	for _, ct := range cm.fromState[inst.CurrentState] {
		out = append(out, *ct.def)
	}
	return out, nil
}

// GetInstanceHistory returns the instance's persisted transition log in
// persistence order. Without persistence the history is empty.
func (e *Engine) GetInstanceHistory(ctx context.Context, instanceID string) ([]store.PersistedEvent, error) {
	if e.pm == nil {
		return nil, nil
	}
	events, err := e.pm.Events().GetEventsForInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", instanceID, err)
	}
	return events, nil
}

// TraceEventCausality returns the forward causality chain rooted at the
// given persisted event.
func (e *Engine) TraceEventCausality(ctx context.Context, eventID string) ([]store.PersistedEvent, error) {
	if e.pm == nil {
		return nil, store.ErrNotFound
	}
	return e.pm.TraceCausality(ctx, eventID)
}
