package engine

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/GoCodeAlone/statemesh/dynval"
	"github.com/GoCodeAlone/statemesh/schema"
)

// compiledComponent is the executable form of a component document: states
// resolved by name, transitions bucketed by source state, and guard and
// triggering expressions compiled once at registration time.
type compiledComponent struct {
	machines map[string]*compiledMachine
}

type compiledMachine struct {
	def       *schema.StateMachine
	states    map[string]*schema.State
	fromState map[string][]*compiledTransition
}

type compiledTransition struct {
	def *schema.Transition
	// seq is the transition's position in the machine document, used to key
	// timer wheel tasks uniquely per (instance, state, transition).
	seq     int
	guards  []compiledGuard
	trigger *vm.Program
}

type compiledGuard struct {
	def  schema.Guard
	prog *vm.Program
}

// normalizeExpr rewrites the strict JavaScript-style operators the document
// grammar allows into the forms the expression engine understands.
func normalizeExpr(src string) string {
	src = strings.ReplaceAll(src, "===", "==")
	return strings.ReplaceAll(src, "!==", "!=")
}

func compileExpression(src string) (*vm.Program, error) {
	return expr.Compile(normalizeExpr(src),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}

// compileComponent validates the document and compiles every machine.
func compileComponent(c *schema.Component) (*compiledComponent, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	out := &compiledComponent{machines: make(map[string]*compiledMachine, len(c.StateMachines))}
	for mi := range c.StateMachines {
		m := &c.StateMachines[mi]
		cm := &compiledMachine{
			def:       m,
			states:    make(map[string]*schema.State, len(m.States)),
			fromState: make(map[string][]*compiledTransition),
		}
		for si := range m.States {
			cm.states[m.States[si].Name] = &m.States[si]
		}
		for ti := range m.Transitions {
			t := &m.Transitions[ti]
			ct := &compiledTransition{def: t, seq: ti}
			for _, g := range t.Guards {
				cg := compiledGuard{def: g}
				if g.Type == schema.GuardExpression {
					prog, err := compileExpression(g.Expression)
					if err != nil {
						return nil, fmt.Errorf("machine %s: transition %s -> %s: compile guard: %w",
							m.Name, t.From, t.To, err)
					}
					cg.prog = prog
				}
				ct.guards = append(ct.guards, cg)
			}
			if t.SpecificTriggeringRule != "" {
				prog, err := compileExpression(t.SpecificTriggeringRule)
				if err != nil {
					return nil, fmt.Errorf("machine %s: transition %s -> %s: compile triggering rule: %w",
						m.Name, t.From, t.To, err)
				}
				ct.trigger = prog
			}
			cm.fromState[t.From] = append(cm.fromState[t.From], ct)
		}
		out.machines[m.Name] = cm
	}
	return out, nil
}

// exprEnv builds the evaluation environment shared by guards and triggering
// rules: the event payload under "event" and the instance's visible data
// under "context".
func exprEnv(ev Event, inst *Instance) map[string]any {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	var context map[string]any
	if inst != nil {
		context = inst.visible()
	} else {
		context = map[string]any{}
	}
	return map[string]any{"event": payload, "context": context}
}

// evalGuard evaluates a single guard. A returned error means the guard could
// not be evaluated; the caller treats that as a denial with diagnostics.
func evalGuard(g compiledGuard, ev Event, inst *Instance) (bool, error) {
	switch g.def.Type {
	case schema.GuardHasKey:
		_, ok := dynval.Resolve(ev.Payload, g.def.Key)
		return ok, nil
	case schema.GuardContains:
		v, ok := dynval.Resolve(ev.Payload, g.def.Key)
		if !ok {
			return false, nil
		}
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(s, g.def.Value), nil
	case schema.GuardExpression:
		out, err := expr.Run(g.prog, exprEnv(ev, inst))
		if err != nil {
			return false, fmt.Errorf("evaluate guard expression: %w", err)
		}
		pass, _ := out.(bool)
		return pass, nil
	default:
		return false, fmt.Errorf("unknown guard type %q", g.def.Type)
	}
}

// evalGuards applies all guards of a transition; every guard must pass.
func evalGuards(ct *compiledTransition, ev Event, inst *Instance) (bool, error) {
	for _, g := range ct.guards {
		pass, err := evalGuard(g, ev, inst)
		if err != nil {
			return false, err
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// evalTrigger evaluates a specific triggering rule. Evaluation errors make
// the rule fail rather than aborting selection.
func evalTrigger(ct *compiledTransition, ev Event, inst *Instance) bool {
	if ct.trigger == nil {
		return false
	}
	out, err := expr.Run(ct.trigger, exprEnv(ev, inst))
	if err != nil {
		return false
	}
	pass, _ := out.(bool)
	return pass
}

// matchRules reports whether an instance satisfies every matching rule of a
// rule set, given the event payload.
func matchRules(rules []schema.MatchingRule, visible, payload map[string]any) bool {
	for _, r := range rules {
		eventValue, ok := dynval.Resolve(payload, r.EventProperty)
		if !ok {
			return false
		}
		instanceValue, ok := dynval.Resolve(visible, r.InstanceProperty)
		if !ok {
			return false
		}
		if !dynval.Compare(instanceValue, r.Op(), eventValue) {
			return false
		}
	}
	return true
}
