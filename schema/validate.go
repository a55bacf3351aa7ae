package schema

import "fmt"

// Validate checks the structural integrity of a component document. It is
// called once at registration time; the engine assumes a validated tree.
func (c *Component) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("component must have a name")
	}
	if len(c.StateMachines) == 0 {
		return fmt.Errorf("component %q must declare at least one state machine", c.Name)
	}

	if c.EntryMachineMode != "" &&
		c.EntryMachineMode != EntryModeSingleton && c.EntryMachineMode != EntryModeMultiple {
		return fmt.Errorf("component %q: unknown entryMachineMode %q", c.Name, c.EntryMachineMode)
	}
	if c.EntryMachine != "" && c.Machine(c.EntryMachine) == nil {
		return fmt.Errorf("component %q: entryMachine %q not declared", c.Name, c.EntryMachine)
	}

	seen := make(map[string]bool, len(c.StateMachines))
	for i := range c.StateMachines {
		m := &c.StateMachines[i]
		if seen[m.Name] {
			return fmt.Errorf("component %q: duplicate state machine %q", c.Name, m.Name)
		}
		seen[m.Name] = true
		if err := c.validateMachine(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Component) validateMachine(m *StateMachine) error {
	if m.Name == "" {
		return fmt.Errorf("component %q: state machine must have a name", c.Name)
	}
	if len(m.States) == 0 {
		return fmt.Errorf("machine %q must declare at least one state", m.Name)
	}

	states := make(map[string]bool, len(m.States))
	for i := range m.States {
		st := &m.States[i]
		if st.Name == "" {
			return fmt.Errorf("machine %q: state must have a name", m.Name)
		}
		if states[st.Name] {
			return fmt.Errorf("machine %q: duplicate state %q", m.Name, st.Name)
		}
		states[st.Name] = true

		switch st.Type {
		case StateEntry, StateRegular, StateFinal, StateError, "":
		default:
			return fmt.Errorf("machine %q state %q: unknown state type %q", m.Name, st.Name, st.Type)
		}

		for _, rule := range st.CascadingRules {
			if err := c.validateCascade(m, st, rule); err != nil {
				return err
			}
		}
	}

	if !states[m.InitialState] {
		return fmt.Errorf("machine %q: initial state %q not declared", m.Name, m.InitialState)
	}

	for i, t := range m.Transitions {
		if !states[t.From] {
			return fmt.Errorf("machine %q transition %d: from state %q not declared", m.Name, i, t.From)
		}
		if !states[t.To] {
			return fmt.Errorf("machine %q transition %d: to state %q not declared", m.Name, i, t.To)
		}
		switch t.Type {
		case TransitionRegular, TransitionAuto, TransitionInternal, TransitionTriggerable, "":
		case TransitionTimeout:
			if t.TimeoutMs <= 0 {
				return fmt.Errorf("machine %q transition %q->%q: timeout transition requires timeoutMs", m.Name, t.From, t.To)
			}
		case TransitionInterMachine:
			if t.TargetMachine == "" {
				return fmt.Errorf("machine %q transition %q->%q: inter_machine transition requires targetMachine", m.Name, t.From, t.To)
			}
			if c.Machine(t.TargetMachine) == nil {
				return fmt.Errorf("machine %q transition %q->%q: targetMachine %q not declared", m.Name, t.From, t.To, t.TargetMachine)
			}
		default:
			return fmt.Errorf("machine %q transition %q->%q: unknown transition type %q", m.Name, t.From, t.To, t.Type)
		}
		for _, g := range t.Guards {
			switch g.Type {
			case GuardHasKey, GuardContains:
				if g.Key == "" {
					return fmt.Errorf("machine %q transition %q->%q: %s guard requires key", m.Name, t.From, t.To, g.Type)
				}
			case GuardExpression:
				if g.Expression == "" {
					return fmt.Errorf("machine %q transition %q->%q: expression guard requires expression", m.Name, t.From, t.To)
				}
			default:
				return fmt.Errorf("machine %q transition %q->%q: unknown guard type %q", m.Name, t.From, t.To, g.Type)
			}
		}
	}
	return nil
}

func (c *Component) validateCascade(m *StateMachine, st *State, rule CascadingRule) error {
	if rule.Event == "" {
		return fmt.Errorf("machine %q state %q: cascading rule must name an event", m.Name, st.Name)
	}
	if rule.TargetMachine == "" {
		return fmt.Errorf("machine %q state %q: cascading rule must name a targetMachine", m.Name, st.Name)
	}
	// Cross-component targets are resolved at delivery time by the registry;
	// only same-component references can be checked here.
	if rule.TargetComponent == "" || rule.TargetComponent == c.Name {
		target := c.Machine(rule.TargetMachine)
		if target == nil {
			return fmt.Errorf("machine %q state %q: cascade target machine %q not declared", m.Name, st.Name, rule.TargetMachine)
		}
		if rule.TargetState != "" && target.StateByName(rule.TargetState) == nil {
			return fmt.Errorf("machine %q state %q: cascade target state %q not declared in machine %q", m.Name, st.Name, rule.TargetState, rule.TargetMachine)
		}
	}
	return nil
}
