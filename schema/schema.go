// Package schema defines the parsed component document tree consumed by the
// runtime: components, state machines, states, transitions, guards, matching
// rules and cascading rules. The tree is plain data; the engine compiles it
// into an executable form at registration time. Textual serialisation is the
// caller's concern, but the struct tags make the tree directly loadable from
// YAML or JSON documents.
package schema

// EntryMachineMode controls how instances of a component's entry machine are
// created and disposed.
type EntryMachineMode string

const (
	// EntryModeSingleton keeps exactly one long-lived entry instance that is
	// never disposed when it reaches a terminal state.
	EntryModeSingleton EntryMachineMode = "singleton"
	// EntryModeMultiple creates entry instances on demand; they follow the
	// normal disposal rules.
	EntryModeMultiple EntryMachineMode = "multiple"
)

// StateType classifies a state. The enumeration is closed.
type StateType string

const (
	StateEntry   StateType = "entry"
	StateRegular StateType = "regular"
	StateFinal   StateType = "final"
	StateError   StateType = "error"
)

// Terminal reports whether states of this type end an instance's lifecycle.
func (t StateType) Terminal() bool {
	return t == StateFinal || t == StateError
}

// TransitionType classifies a transition. The enumeration is closed.
type TransitionType string

const (
	TransitionRegular      TransitionType = "regular"
	TransitionAuto         TransitionType = "auto"
	TransitionTimeout      TransitionType = "timeout"
	TransitionInterMachine TransitionType = "inter_machine"
	TransitionInternal     TransitionType = "internal"
	TransitionTriggerable  TransitionType = "triggerable"
)

// GuardType selects the guard evaluation strategy.
type GuardType string

const (
	// GuardHasKey passes when the event payload contains the named key.
	GuardHasKey GuardType = "has_key"
	// GuardContains passes when the named payload key holds a string that
	// contains the configured substring.
	GuardContains GuardType = "contains"
	// GuardExpression evaluates a restricted boolean expression over the
	// event and the instance context.
	GuardExpression GuardType = "expression"
)

// Guard is a declarative transition guard. All guards on a transition must
// pass for the transition to execute.
type Guard struct {
	Type       GuardType `json:"type" yaml:"type"`
	Key        string    `json:"key,omitempty" yaml:"key,omitempty"`
	Value      string    `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string    `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// MatchingRule routes an event to instances whose property satisfies
// `instanceValue operator eventValue`. The operator defaults to "===".
type MatchingRule struct {
	EventProperty    string `json:"eventProperty" yaml:"eventProperty"`
	InstanceProperty string `json:"instanceProperty" yaml:"instanceProperty"`
	Operator         string `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// Op returns the effective operator for the rule.
func (r MatchingRule) Op() string {
	if r.Operator == "" {
		return "==="
	}
	return r.Operator
}

// CascadingRule declares an event fan-out fired when an instance enters the
// state carrying the rule. Payload values that are exactly "{{dotted.path}}"
// are resolved against the source instance's visible data.
type CascadingRule struct {
	TargetComponent string         `json:"targetComponent,omitempty" yaml:"targetComponent,omitempty"`
	TargetMachine   string         `json:"targetMachine" yaml:"targetMachine"`
	TargetState     string         `json:"targetState" yaml:"targetState"`
	Event           string         `json:"event" yaml:"event"`
	MatchingRules   []MatchingRule `json:"matchingRules,omitempty" yaml:"matchingRules,omitempty"`
	Payload         map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// State is a named node of a state machine.
type State struct {
	Name           string          `json:"name" yaml:"name"`
	Type           StateType       `json:"type" yaml:"type"`
	EntryMethod    string          `json:"entryMethod,omitempty" yaml:"entryMethod,omitempty"`
	ExitMethod     string          `json:"exitMethod,omitempty" yaml:"exitMethod,omitempty"`
	CascadingRules []CascadingRule `json:"cascadingRules,omitempty" yaml:"cascadingRules,omitempty"`
}

// Transition is a directed edge between two states, taken when the named
// event arrives (or fires automatically / on timeout, per Type).
type Transition struct {
	From                   string         `json:"from" yaml:"from"`
	To                     string         `json:"to" yaml:"to"`
	Event                  string         `json:"event" yaml:"event"`
	Type                   TransitionType `json:"type" yaml:"type"`
	TimeoutMs              int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	TargetMachine          string         `json:"targetMachine,omitempty" yaml:"targetMachine,omitempty"`
	TriggeredMethod        string         `json:"triggeredMethod,omitempty" yaml:"triggeredMethod,omitempty"`
	Guards                 []Guard        `json:"guards,omitempty" yaml:"guards,omitempty"`
	MatchingRules          []MatchingRule `json:"matchingRules,omitempty" yaml:"matchingRules,omitempty"`
	SpecificTriggeringRule string         `json:"specificTriggeringRule,omitempty" yaml:"specificTriggeringRule,omitempty"`
}

// StateMachine is a named FSM definition within a component.
type StateMachine struct {
	Name             string       `json:"name" yaml:"name"`
	InitialState     string       `json:"initialState" yaml:"initialState"`
	PublicMemberType string       `json:"publicMemberType,omitempty" yaml:"publicMemberType,omitempty"`
	States           []State      `json:"states" yaml:"states"`
	Transitions      []Transition `json:"transitions" yaml:"transitions"`
}

// StateByName returns the named state, or nil when undeclared.
func (m *StateMachine) StateByName(name string) *State {
	for i := range m.States {
		if m.States[i].Name == name {
			return &m.States[i]
		}
	}
	return nil
}

// TransitionsFrom returns the transitions leaving the given state, in
// declaration order.
func (m *StateMachine) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, t := range m.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// Component is an immutable bundle of state machines sharing an event
// vocabulary. It is the unit registered with a runtime.
type Component struct {
	Name                 string           `json:"name" yaml:"name"`
	Version              string           `json:"version,omitempty" yaml:"version,omitempty"`
	EntryMachine         string           `json:"entryMachine,omitempty" yaml:"entryMachine,omitempty"`
	EntryMachineMode     EntryMachineMode `json:"entryMachineMode,omitempty" yaml:"entryMachineMode,omitempty"`
	AutoCreateEntryPoint *bool            `json:"autoCreateEntryPoint,omitempty" yaml:"autoCreateEntryPoint,omitempty"`
	StateMachines        []StateMachine   `json:"stateMachines" yaml:"stateMachines"`
}

// Machine returns the named state machine, or nil when the component does not
// declare it.
func (c *Component) Machine(name string) *StateMachine {
	for i := range c.StateMachines {
		if c.StateMachines[i].Name == name {
			return &c.StateMachines[i]
		}
	}
	return nil
}

// ShouldAutoCreateEntryPoint reports whether a runtime bridge should create
// the entry-point instance on startup. It defaults to true for singleton
// mode when the document does not say otherwise.
func (c *Component) ShouldAutoCreateEntryPoint() bool {
	if c.AutoCreateEntryPoint != nil {
		return *c.AutoCreateEntryPoint
	}
	return c.EntryMachine != "" && c.EntryMachineMode == EntryModeSingleton
}
