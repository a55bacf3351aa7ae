package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/statemesh/schema"
	"github.com/GoCodeAlone/statemesh/store"
	"github.com/GoCodeAlone/statemesh/timerwheel"
)

// orderComponent is the shared fixture: an order machine with a payment
// timeout and a confirmation cascade, and a notifier machine addressed by
// customerId matching rules.
func orderComponent() *schema.Component {
	return &schema.Component{
		Name: "orders",
		StateMachines: []schema.StateMachine{
			{
				Name:         "order",
				InitialState: "New",
				States: []schema.State{
					{Name: "New", Type: schema.StateEntry},
					{Name: "AwaitingPayment", Type: schema.StateRegular},
					{Name: "Confirmed", Type: schema.StateRegular, CascadingRules: []schema.CascadingRule{{
						TargetMachine: "notifier",
						TargetState:   "Waiting",
						Event:         "order_confirmed",
						MatchingRules: []schema.MatchingRule{{
							EventProperty:    "customerId",
							InstanceProperty: "customerId",
						}},
						Payload: map[string]any{
							"orderId":    "{{orderId}}",
							"customerId": "{{customerId}}",
						},
					}}},
					{Name: "Shipped", Type: schema.StateRegular},
					{Name: "Delivered", Type: schema.StateFinal},
					{Name: "Expired", Type: schema.StateFinal},
				},
				Transitions: []schema.Transition{
					{From: "New", To: "AwaitingPayment", Event: "place", Type: schema.TransitionRegular},
					{From: "AwaitingPayment", To: "Confirmed", Event: "pay", Type: schema.TransitionRegular,
						Guards: []schema.Guard{{Type: schema.GuardExpression, Expression: "event.amount > 0"}}},
					{From: "AwaitingPayment", To: "Expired", Event: "payment_timeout", Type: schema.TransitionTimeout, TimeoutMs: 100},
					{From: "Confirmed", To: "Shipped", Event: "ship", Type: schema.TransitionRegular},
					{From: "Shipped", To: "Delivered", Event: "deliver", Type: schema.TransitionRegular},
				},
			},
			{
				Name:         "notifier",
				InitialState: "Waiting",
				States: []schema.State{
					{Name: "Waiting", Type: schema.StateEntry},
					{Name: "Notified", Type: schema.StateRegular},
				},
				Transitions: []schema.Transition{
					{From: "Waiting", To: "Notified", Event: "order_confirmed", Type: schema.TransitionRegular,
						MatchingRules: []schema.MatchingRule{{
							EventProperty:    "customerId",
							InstanceProperty: "customerId",
						}}},
				},
			},
		},
	}
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) listen(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) ofType(typ string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ string, want int) []Notification {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.ofType(typ); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s notifications, have %d", want, typ, len(r.ofType(typ)))
	return nil
}

func newTestEngine(t *testing.T, c *schema.Component, opts Options) (*Engine, *recorder) {
	t.Helper()
	if opts.WheelConfig.TickMs == 0 {
		opts.WheelConfig = timerwheel.Config{TickMs: 10, WheelSize: 64}
	}
	e, err := New(c, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	e.OnEvent(rec.listen)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e, rec
}

func mustCreate(t *testing.T, e *Engine, machine string, fields map[string]any) *InstanceView {
	t.Helper()
	inst, err := e.CreateInstance(context.Background(), machine, fields)
	if err != nil {
		t.Fatalf("CreateInstance(%s): %v", machine, err)
	}
	return inst
}

func mustState(t *testing.T, e *Engine, id, want string) {
	t.Helper()
	inst, err := e.GetInstance(id)
	if err != nil {
		t.Fatalf("GetInstance(%s): %v", id, err)
	}
	if inst.State != want {
		t.Fatalf("instance %s in state %s, want %s", id, inst.State, want)
	}
}

func TestCreateInstanceStartsInInitialState(t *testing.T) {
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", map[string]any{"orderId": "o-1"})

	if inst.State != "New" {
		t.Errorf("initial state = %s, want New", inst.State)
	}
	if inst.Data["orderId"] != "o-1" {
		t.Errorf("initial data not applied: %v", inst.Data)
	}
	if got := rec.ofType(NotifInstanceCreated); len(got) != 1 {
		t.Errorf("expected one instance_created notification, got %d", len(got))
	}
}

func TestCreateInstanceUnknownMachine(t *testing.T) {
	e, _ := newTestEngine(t, orderComponent(), Options{})
	if _, err := e.CreateInstance(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("expected ErrUnknownMachine, got %v", err)
	}
}

func TestSendEventMovesState(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", map[string]any{"orderId": "o-1"})

	if err := e.SendEvent(ctx, inst.ID, Event{Type: "place"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	mustState(t, e, inst.ID, "AwaitingPayment")

	changes := rec.ofType(NotifStateChange)
	if len(changes) != 1 {
		t.Fatalf("expected one state_change, got %d", len(changes))
	}
	if changes[0].Data["from"] != "New" || changes[0].Data["to"] != "AwaitingPayment" {
		t.Errorf("unexpected state_change data: %v", changes[0].Data)
	}
}

func TestSendEventUnknownInstance(t *testing.T) {
	e, _ := newTestEngine(t, orderComponent(), Options{})
	err := e.SendEvent(context.Background(), "missing", Event{Type: "place"})
	if !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestUnmatchedEventIsIgnoredNotFailed(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", nil)

	if err := e.SendEvent(ctx, inst.ID, Event{Type: "deliver"}); err != nil {
		t.Fatalf("unmatched event should not error: %v", err)
	}
	mustState(t, e, inst.ID, "New")
	if got := rec.ofType(NotifEventIgnored); len(got) != 1 {
		t.Errorf("expected one event_ignored, got %d", len(got))
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", nil)

	if err := e.SendEvent(ctx, inst.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	// A redelivered event finds no transition in the new state.
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	mustState(t, e, inst.ID, "AwaitingPayment")
	if got := rec.ofType(NotifStateChange); len(got) != 1 {
		t.Errorf("duplicate delivery caused %d transitions, want 1", len(got))
	}
}

func TestGuardDeniesTransition(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}

	// Zero amount fails the guard expression.
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "pay", Payload: map[string]any{"amount": 0}}); err != nil {
		t.Fatal(err)
	}
	mustState(t, e, inst.ID, "AwaitingPayment")
	if got := rec.ofType(NotifGuardFailed); len(got) != 1 {
		t.Fatalf("expected one guard_failed, got %d", len(got))
	}

	// A payload without the field makes the expression unevaluable, which is
	// also a denial, with diagnostics.
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "pay"}); err != nil {
		t.Fatal(err)
	}
	mustState(t, e, inst.ID, "AwaitingPayment")

	if err := e.SendEvent(ctx, inst.ID, Event{Type: "pay", Payload: map[string]any{"amount": 50}}); err != nil {
		t.Fatal(err)
	}
	mustState(t, e, inst.ID, "Confirmed")
}

func TestTerminalStateDisposesInstance(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", map[string]any{"customerId": "c-1"})

	for _, ev := range []Event{
		{Type: "place"},
		{Type: "pay", Payload: map[string]any{"amount": 10}},
		{Type: "ship"},
		{Type: "deliver"},
	} {
		if err := e.SendEvent(ctx, inst.ID, ev); err != nil {
			t.Fatalf("SendEvent(%s): %v", ev.Type, err)
		}
	}

	if _, err := e.GetInstance(inst.ID); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("delivered instance should be disposed, got %v", err)
	}
	if got := rec.ofType(NotifInstanceDisposed); len(got) != 1 {
		t.Errorf("expected one instance_disposed, got %d", len(got))
	}
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "place"}); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("expected ErrUnknownInstance after disposal, got %v", err)
	}
}

func TestTimeoutTransitionFires(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}

	disposed := rec.waitFor(t, NotifInstanceDisposed, 1)
	if disposed[0].InstanceID != inst.ID {
		t.Errorf("unexpected disposal: %v", disposed[0])
	}
	changes := rec.ofType(NotifStateChange)
	last := changes[len(changes)-1]
	if last.Data["to"] != "Expired" {
		t.Errorf("timeout should expire the order, last change: %v", last.Data)
	}
	if payload := last.Data["event"]; payload != "payment_timeout" {
		t.Errorf("timeout event name = %v", payload)
	}
}

func TestTimeoutCancelledByStateChange(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	if err := e.SendEvent(ctx, inst.ID, Event{Type: "pay", Payload: map[string]any{"amount": 10}}); err != nil {
		t.Fatal(err)
	}

	// Well past the 100ms deadline: the pending timer must be gone.
	time.Sleep(250 * time.Millisecond)
	mustState(t, e, inst.ID, "Confirmed")
	for _, n := range rec.ofType(NotifStateChange) {
		if n.Data["to"] == "Expired" {
			t.Fatal("cancelled timeout still fired")
		}
	}
}

func TestBroadcastRoutesByMatchingRules(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})

	a := mustCreate(t, e, "notifier", map[string]any{"customerId": "c-1"})
	b := mustCreate(t, e, "notifier", map[string]any{"customerId": "c-2"})
	c := mustCreate(t, e, "notifier", map[string]any{"customerId": "c-1"})

	n, err := e.BroadcastEvent(ctx, "notifier", "Waiting", Event{
		Type:    "order_confirmed",
		Payload: map[string]any{"customerId": "c-1"},
	})
	if err != nil {
		t.Fatalf("BroadcastEvent: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	mustState(t, e, a.ID, "Notified")
	mustState(t, e, b.ID, "Waiting")
	mustState(t, e, c.ID, "Notified")
	if got := rec.ofType(NotifBroadcastCompleted); len(got) != 1 {
		t.Errorf("expected one broadcast_completed, got %d", len(got))
	}
}

func TestBroadcastEmptyMatchIsNotAnError(t *testing.T) {
	e, _ := newTestEngine(t, orderComponent(), Options{})
	n, err := e.BroadcastEvent(context.Background(), "notifier", "Waiting", Event{
		Type:    "order_confirmed",
		Payload: map[string]any{"customerId": "nobody"},
	})
	if err != nil {
		t.Fatalf("empty match should not error: %v", err)
	}
	if n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
}

func TestBroadcastErrors(t *testing.T) {
	e, rec := newTestEngine(t, orderComponent(), Options{})
	if _, err := e.BroadcastEvent(context.Background(), "nope", "Waiting", Event{Type: "order_confirmed"}); !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("expected ErrUnknownMachine, got %v", err)
	}
	if _, err := e.BroadcastEvent(context.Background(), "notifier", "Waiting", Event{Type: "unrelated"}); !errors.Is(err, ErrNoMatchingTransition) {
		t.Errorf("expected ErrNoMatchingTransition, got %v", err)
	}

	// Both failures are observable, not just returned.
	got := rec.ofType(NotifBroadcastError)
	if len(got) != 2 {
		t.Fatalf("expected 2 broadcast_error notifications, got %d", len(got))
	}
	if got[0].Data["error"] != "unknown machine" {
		t.Errorf("first broadcast_error data: %v", got[0].Data)
	}
	if got[1].Data["error"] != "no transition with matching rules" {
		t.Errorf("second broadcast_error data: %v", got[1].Data)
	}
}

func TestBroadcastFastPathAtScale(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, orderComponent(), Options{})

	const instances = 10000
	var wantID string
	for i := 0; i < instances; i++ {
		inst := mustCreate(t, e, "notifier", map[string]any{"customerId": fmt.Sprintf("c-%d", i)})
		if i == instances/2 {
			wantID = inst.ID
		}
	}

	start := time.Now()
	n, err := e.BroadcastEvent(ctx, "notifier", "Waiting", Event{
		Type:    "order_confirmed",
		Payload: map[string]any{"customerId": fmt.Sprintf("c-%d", instances/2)},
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("BroadcastEvent: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	mustState(t, e, wantID, "Notified")
	// The property index makes routing independent of the population size;
	// a generous bound still catches accidental full scans of 10k instances
	// doing per-instance work.
	if elapsed > 250*time.Millisecond {
		t.Errorf("broadcast took %v, index fast path expected", elapsed)
	}
}

func TestCascadeDeliversTemplatedPayload(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, orderComponent(), Options{})

	notifier := mustCreate(t, e, "notifier", map[string]any{"customerId": "c-9"})
	other := mustCreate(t, e, "notifier", map[string]any{"customerId": "c-0"})
	order := mustCreate(t, e, "order", map[string]any{"orderId": "o-42", "customerId": "c-9"})

	if err := e.SendEvent(ctx, order.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	if err := e.SendEvent(ctx, order.ID, Event{Type: "pay", Payload: map[string]any{"amount": 10}}); err != nil {
		t.Fatal(err)
	}
	e.Drain()

	mustState(t, e, notifier.ID, "Notified")
	mustState(t, e, other.ID, "Waiting")

	completed := rec.ofType(NotifCascadeCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one cascade_completed, got %d", len(completed))
	}
	if completed[0].Data["delivered"] != 1 {
		t.Errorf("cascade delivered = %v, want 1", completed[0].Data["delivered"])
	}
}

func TestSelectionPrefersSpecificTriggeringRule(t *testing.T) {
	c := &schema.Component{
		Name: "routing",
		StateMachines: []schema.StateMachine{{
			Name:         "router",
			InitialState: "Start",
			States: []schema.State{
				{Name: "Start", Type: schema.StateEntry},
				{Name: "Fast", Type: schema.StateRegular},
				{Name: "Slow", Type: schema.StateRegular},
				{Name: "Default", Type: schema.StateRegular},
			},
			Transitions: []schema.Transition{
				{From: "Start", To: "Fast", Event: "go", Type: schema.TransitionRegular,
					SpecificTriggeringRule: "event.priority > 5"},
				{From: "Start", To: "Slow", Event: "go", Type: schema.TransitionRegular,
					SpecificTriggeringRule: "event.priority <= 5"},
				{From: "Start", To: "Default", Event: "go", Type: schema.TransitionRegular},
			},
		}},
	}

	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"high priority", map[string]any{"priority": 9}, "Fast"},
		{"low priority", map[string]any{"priority": 2}, "Slow"},
		{"no priority falls through", nil, "Default"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t, c, Options{})
			inst := mustCreate(t, e, "router", nil)
			if err := e.SendEvent(context.Background(), inst.ID, Event{Type: "go", Payload: tc.payload}); err != nil {
				t.Fatal(err)
			}
			mustState(t, e, inst.ID, tc.want)
		})
	}
}

func TestTriggeredMethodRunsAndUpdatesContext(t *testing.T) {
	c := orderComponent()
	c.StateMachines[0].Transitions[1].TriggeredMethod = "recordPayment"
	e, _ := newTestEngine(t, c, Options{})

	e.RegisterMethod("recordPayment", func(ctx context.Context, ev Event, inst *InstanceView, sender *Sender) error {
		sender.UpdateContext(map[string]any{"paymentRef": ev.Payload["ref"]})
		sender.CreateInstance("notifier", map[string]any{"customerId": inst.Data["customerId"]})
		return nil
	})

	ctx := context.Background()
	order := mustCreate(t, e, "order", map[string]any{"customerId": "c-3"})
	if err := e.SendEvent(ctx, order.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	if err := e.SendEvent(ctx, order.ID, Event{Type: "pay", Payload: map[string]any{"amount": 10, "ref": "pay-77"}}); err != nil {
		t.Fatal(err)
	}
	e.Drain()

	inst, err := e.GetInstance(order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Data["paymentRef"] != "pay-77" {
		t.Errorf("context not updated: %v", inst.Data)
	}
	notifiers, err := e.GetInstancesByMachine("notifier")
	if err != nil {
		t.Fatal(err)
	}
	if len(notifiers) != 1 || notifiers[0].Data["customerId"] != "c-3" {
		t.Errorf("deferred create did not run: %v", notifiers)
	}
}

func TestTriggeredMethodEmitsNotification(t *testing.T) {
	c := orderComponent()
	c.StateMachines[0].Transitions[0].TriggeredMethod = "reserveStock"
	e, rec := newTestEngine(t, c, Options{})
	e.RegisterMethod("reserveStock", func(context.Context, Event, *InstanceView, *Sender) error {
		return nil
	})

	order := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(context.Background(), order.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}

	got := rec.ofType(NotifTriggeredMethod)
	if len(got) != 1 {
		t.Fatalf("expected one triggered_method notification, got %d", len(got))
	}
	if got[0].Data["method"] != "reserveStock" || got[0].Data["event"] != "place" {
		t.Errorf("unexpected triggered_method data: %v", got[0].Data)
	}
	if _, failed := got[0].Data["error"]; failed {
		t.Errorf("successful method must not carry an error: %v", got[0].Data)
	}
}

func TestStateHookNotifications(t *testing.T) {
	c := orderComponent()
	c.StateMachines[0].States[0].EntryMethod = "onNew"
	c.StateMachines[0].States[0].ExitMethod = "onLeaveNew"
	c.StateMachines[0].States[1].EntryMethod = "onAwaitPayment"
	e, rec := newTestEngine(t, c, Options{})

	e.RegisterHook("onNew", func(context.Context, Event, *InstanceView) error { return nil })
	e.RegisterHook("onLeaveNew", func(context.Context, Event, *InstanceView) error { return nil })
	e.RegisterHook("onAwaitPayment", func(context.Context, Event, *InstanceView) error {
		return errors.New("mailer down")
	})

	order := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(context.Background(), order.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}

	// Creation runs the initial state's entry hook; the place transition runs
	// the exit hook of New and the entry hook of AwaitingPayment.
	entries := rec.ofType(NotifEntryMethod)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entry_method notifications, got %d", len(entries))
	}
	if entries[0].Data["method"] != "onNew" || entries[0].Data["state"] != "New" {
		t.Errorf("creation entry hook data: %v", entries[0].Data)
	}
	if entries[1].Data["method"] != "onAwaitPayment" || entries[1].Data["error"] != "mailer down" {
		t.Errorf("failing entry hook data: %v", entries[1].Data)
	}

	exits := rec.ofType(NotifExitMethod)
	if len(exits) != 1 || exits[0].Data["method"] != "onLeaveNew" || exits[0].Data["state"] != "New" {
		t.Errorf("unexpected exit_method notifications: %v", exits)
	}

	// Hook failures are diagnostics only: the transition committed.
	mustState(t, e, order.ID, "AwaitingPayment")
}

func TestSenderBroadcastAppliesFilters(t *testing.T) {
	c := orderComponent()
	c.StateMachines[0].Transitions[0].TriggeredMethod = "pingRegion"
	e, _ := newTestEngine(t, c, Options{})
	e.RegisterMethod("pingRegion", func(_ context.Context, _ Event, _ *InstanceView, sender *Sender) error {
		sender.Broadcast("notifier", "Waiting",
			Event{Type: "order_confirmed", Payload: map[string]any{"customerId": "c-1"}},
			map[string]any{"region": "eu"})
		return nil
	})

	eu := mustCreate(t, e, "notifier", map[string]any{"customerId": "c-1", "region": "eu"})
	us := mustCreate(t, e, "notifier", map[string]any{"customerId": "c-1", "region": "us"})
	order := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(context.Background(), order.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	e.Drain()

	// Both notifiers match the rules; the filter narrows delivery to one.
	mustState(t, e, eu.ID, "Notified")
	mustState(t, e, us.ID, "Waiting")
}

func TestTriggeredMethodFailureMarksInstanceError(t *testing.T) {
	c := orderComponent()
	c.StateMachines[0].Transitions[1].TriggeredMethod = "recordPayment"
	e, rec := newTestEngine(t, c, Options{})
	e.RegisterMethod("recordPayment", func(context.Context, Event, *InstanceView, *Sender) error {
		return errors.New("ledger unavailable")
	})

	ctx := context.Background()
	order := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(ctx, order.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	err := e.SendEvent(ctx, order.ID, Event{Type: "pay", Payload: map[string]any{"amount": 10}})
	if !errors.Is(err, ErrTriggeredMethod) {
		t.Fatalf("expected ErrTriggeredMethod, got %v", err)
	}

	if _, err := e.GetInstance(order.ID); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("failed instance should be dropped, got %v", err)
	}
	if got := rec.ofType(NotifInstanceError); len(got) != 1 {
		t.Errorf("expected one instance_error, got %d", len(got))
	}
	failed := rec.ofType(NotifTriggeredMethod)
	if len(failed) != 1 || failed[0].Data["error"] != "ledger unavailable" {
		t.Errorf("unexpected triggered_method notifications: %v", failed)
	}
}

func TestAutoTransitionsAdvanceWithoutEvents(t *testing.T) {
	c := &schema.Component{
		Name: "pipeline",
		StateMachines: []schema.StateMachine{{
			Name:         "job",
			InitialState: "Queued",
			States: []schema.State{
				{Name: "Queued", Type: schema.StateEntry},
				{Name: "Running", Type: schema.StateRegular},
				{Name: "Done", Type: schema.StateFinal},
			},
			Transitions: []schema.Transition{
				{From: "Queued", To: "Running", Type: schema.TransitionAuto},
				{From: "Running", To: "Done", Type: schema.TransitionAuto, TimeoutMs: 30},
			},
		}},
	}
	e, rec := newTestEngine(t, c, Options{})
	mustCreate(t, e, "job", nil)

	rec.waitFor(t, NotifInstanceDisposed, 1)
	var path []string
	for _, n := range rec.ofType(NotifStateChange) {
		path = append(path, fmt.Sprintf("%v->%v", n.Data["from"], n.Data["to"]))
	}
	if len(path) != 2 || path[0] != "Queued->Running" || path[1] != "Running->Done" {
		t.Errorf("unexpected auto path: %v", path)
	}
}

func TestInterMachineTransitionSpawnsTarget(t *testing.T) {
	c := &schema.Component{
		Name: "intake",
		StateMachines: []schema.StateMachine{
			{
				Name:         "request",
				InitialState: "Received",
				States: []schema.State{
					{Name: "Received", Type: schema.StateEntry},
					{Name: "HandedOff", Type: schema.StateFinal},
				},
				Transitions: []schema.Transition{
					{From: "Received", To: "HandedOff", Event: "handoff",
						Type: schema.TransitionInterMachine, TargetMachine: "worker"},
				},
			},
			{
				Name:         "worker",
				InitialState: "Pending",
				States: []schema.State{
					{Name: "Pending", Type: schema.StateEntry},
				},
			},
		},
	}
	e, rec := newTestEngine(t, c, Options{})

	req := mustCreate(t, e, "request", map[string]any{"ticket": "t-1"})
	if err := e.SendEvent(context.Background(), req.ID, Event{Type: "handoff"}); err != nil {
		t.Fatal(err)
	}

	workers, err := e.GetInstancesByMachine("worker")
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected one spawned worker, got %d", len(workers))
	}
	if workers[0].Data["ticket"] != "t-1" {
		t.Errorf("spawned instance did not inherit context: %v", workers[0].Data)
	}
	if got := rec.ofType(NotifInterMachine); len(got) != 1 {
		t.Errorf("expected one inter_machine_transition, got %d", len(got))
	}
}

func TestSingletonEntryInstanceSurvivesTerminalState(t *testing.T) {
	c := &schema.Component{
		Name:             "gateway",
		EntryMachine:     "session",
		EntryMachineMode: schema.EntryModeSingleton,
		StateMachines: []schema.StateMachine{{
			Name:         "session",
			InitialState: "Open",
			States: []schema.State{
				{Name: "Open", Type: schema.StateEntry},
				{Name: "Closed", Type: schema.StateFinal},
			},
			Transitions: []schema.Transition{
				{From: "Open", To: "Closed", Event: "close", Type: schema.TransitionRegular},
			},
		}},
	}
	e, rec := newTestEngine(t, c, Options{})

	// The entry point was auto-created at startup.
	all := e.GetAllInstances()
	if len(all) != 1 {
		t.Fatalf("expected auto-created entry instance, got %d", len(all))
	}
	entry := all[0]

	// Creating the singleton again returns the existing instance.
	again := mustCreate(t, e, "session", nil)
	if again.ID != entry.ID {
		t.Errorf("singleton create returned a new instance")
	}

	if err := e.SendEvent(context.Background(), entry.ID, Event{Type: "close"}); err != nil {
		t.Fatal(err)
	}
	inst, err := e.GetInstance(entry.ID)
	if err != nil {
		t.Fatalf("singleton entry should survive terminal state: %v", err)
	}
	if inst.State != "Closed" || inst.Status != store.StatusCompleted {
		t.Errorf("unexpected terminal view: state=%s status=%s", inst.State, inst.Status)
	}
	if got := rec.ofType(NotifInstanceDisposed); len(got) != 0 {
		t.Errorf("singleton entry must not be disposed, got %d disposals", len(got))
	}
	if err := e.SendEvent(context.Background(), entry.ID, Event{Type: "close"}); !errors.Is(err, ErrInstanceInactive) {
		t.Errorf("expected ErrInstanceInactive on completed singleton, got %v", err)
	}
}

func TestGetAvailableTransitions(t *testing.T) {
	e, _ := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", nil)
	if err := e.SendEvent(context.Background(), inst.ID, Event{Type: "place"}); err != nil {
		t.Fatal(err)
	}
	ts, err := e.GetAvailableTransitions(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 2 || ts[0].To != "Confirmed" || ts[1].To != "Expired" {
		t.Errorf("unexpected transitions: %+v", ts)
	}
}

func TestSimulatePath(t *testing.T) {
	e, _ := newTestEngine(t, orderComponent(), Options{})

	res, err := e.SimulatePath("order", []string{"place", "pay", "ship", "deliver"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed || res.FinalState != "Delivered" {
		t.Errorf("expected completed walk to Delivered, got %+v", res)
	}
	if len(res.Path) != 4 {
		t.Errorf("path length = %d, want 4", len(res.Path))
	}

	res, err = e.SimulatePath("order", []string{"place", "ship"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Completed || res.FailedEvent != "ship" || res.FinalState != "AwaitingPayment" {
		t.Errorf("expected walk to fail on ship, got %+v", res)
	}

	if _, err := e.SimulatePath("nope", nil); !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("expected ErrUnknownMachine, got %v", err)
	}
}

func TestDisposeInstance(t *testing.T) {
	e, rec := newTestEngine(t, orderComponent(), Options{})
	inst := mustCreate(t, e, "order", nil)
	if err := e.DisposeInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetInstance(inst.ID); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("expected ErrUnknownInstance, got %v", err)
	}
	if got := rec.ofType(NotifInstanceDisposed); len(got) != 1 {
		t.Errorf("expected one instance_disposed, got %d", len(got))
	}
}
