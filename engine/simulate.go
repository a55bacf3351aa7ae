package engine

import "fmt"

// SimulationStep records one hop of a simulated path.
type SimulationStep struct {
	Event string `json:"event"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// SimulationResult is the outcome of a dry-run walk through a machine.
type SimulationResult struct {
	Machine     string           `json:"machine"`
	Completed   bool             `json:"completed"`
	FinalState  string           `json:"finalState"`
	Path        []SimulationStep `json:"path,omitempty"`
	FailedEvent string           `json:"failedEvent,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// SimulatePath walks an event sequence through a machine's declared
// transition graph without touching live instances. Selection is purely
// structural: the first transition declared for (state, event) is taken and
// guards, matching rules and triggering rules are not evaluated, since there
// is no instance data to evaluate them against.
func (e *Engine) SimulatePath(machine string, events []string) (SimulationResult, error) {
	cm, ok := e.compiled.machines[machine]
	if !ok {
		return SimulationResult{}, fmt.Errorf("%w: %s", ErrUnknownMachine, machine)
	}

	result := SimulationResult{Machine: machine}
	state := cm.def.InitialState
	for _, name := range events {
		if cm.states[state].Type.Terminal() {
			result.FinalState = state
			result.FailedEvent = name
			result.Reason = fmt.Sprintf("state %s is terminal", state)
			return result, nil
		}
		var next *compiledTransition
		for _, ct := range cm.fromState[state] {
			if ct.def.Event == name {
				next = ct
				break
			}
		}
		if next == nil {
			result.FinalState = state
			result.FailedEvent = name
			result.Reason = fmt.Sprintf("no transition for event %s from state %s", name, state)
			return result, nil
		}
		result.Path = append(result.Path, SimulationStep{Event: name, From: state, To: next.def.To})
		state = next.def.To
	}
	result.Completed = true
	result.FinalState = state
	return result, nil
}
