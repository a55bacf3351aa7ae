package engine

import (
	"sort"

	"github.com/GoCodeAlone/statemesh/dynval"
)

// propertyIndex maintains the three hash multimaps that make broadcast
// routing O(1) in the common case:
//
//	mi: machine -> instance ids
//	si: machine|state -> instance ids
//	pi: machine|property|value -> instance ids
//
// The pi index covers every top-level scalar of an instance's visible data.
// Dotted paths and non-scalar values fall back to the si-narrowed scan in
// matchInstances. The index is not safe for concurrent use; the engine lock
// covers it.
type propertyIndex struct {
	mi map[string]map[string]struct{}
	si map[string]map[string]struct{}
	pi map[string]map[string]struct{}

	// piEntries tracks which pi buckets each instance occupies, so property
	// updates and removal stay O(fields) instead of O(index).
	piEntries map[string][]string
}

func newPropertyIndex() *propertyIndex {
	return &propertyIndex{
		mi:        make(map[string]map[string]struct{}),
		si:        make(map[string]map[string]struct{}),
		pi:        make(map[string]map[string]struct{}),
		piEntries: make(map[string][]string),
	}
}

func siKey(machine, state string) string { return machine + "|" + state }

func piKey(machine, property, value string) string {
	return machine + "|" + property + "|" + value
}

func addTo(m map[string]map[string]struct{}, key, id string) {
	bucket, ok := m[key]
	if !ok {
		bucket = make(map[string]struct{})
		m[key] = bucket
	}
	bucket[id] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, key, id string) {
	bucket, ok := m[key]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(m, key)
	}
}

// add indexes an instance under its machine, current state and top-level
// scalar properties.
func (x *propertyIndex) add(inst *Instance) {
	addTo(x.mi, inst.MachineName, inst.ID)
	addTo(x.si, siKey(inst.MachineName, inst.CurrentState), inst.ID)
	x.indexProperties(inst)
}

// remove drops an instance from all three maps.
func (x *propertyIndex) remove(inst *Instance) {
	removeFrom(x.mi, inst.MachineName, inst.ID)
	removeFrom(x.si, siKey(inst.MachineName, inst.CurrentState), inst.ID)
	x.dropProperties(inst.ID)
}

// moveState rebuckets an instance between state sets after a transition.
func (x *propertyIndex) moveState(inst *Instance, from, to string) {
	removeFrom(x.si, siKey(inst.MachineName, from), inst.ID)
	addTo(x.si, siKey(inst.MachineName, to), inst.ID)
}

// refreshProperties reindexes an instance after its visible data changed.
func (x *propertyIndex) refreshProperties(inst *Instance) {
	x.dropProperties(inst.ID)
	x.indexProperties(inst)
}

func (x *propertyIndex) indexProperties(inst *Instance) {
	var keys []string
	for prop, value := range inst.visible() {
		if !dynval.Scalar(value) {
			continue
		}
		key := piKey(inst.MachineName, prop, dynval.IndexKey(value))
		addTo(x.pi, key, inst.ID)
		keys = append(keys, key)
	}
	x.piEntries[inst.ID] = keys
}

func (x *propertyIndex) dropProperties(id string) {
	for _, key := range x.piEntries[id] {
		removeFrom(x.pi, key, id)
	}
	delete(x.piEntries, id)
}

// byState returns the ids in (machine, state), sorted for determinism.
func (x *propertyIndex) byState(machine, state string) []string {
	return sortedIDs(x.si[siKey(machine, state)])
}

// byMachine returns the ids of all instances of a machine.
func (x *propertyIndex) byMachine(machine string) []string {
	return sortedIDs(x.mi[machine])
}

// byProperty returns the ids whose indexed property equals the given
// canonical value, intersected with (machine, state).
func (x *propertyIndex) byProperty(machine, state, property, value string) []string {
	candidates := x.pi[piKey(machine, property, value)]
	if len(candidates) == 0 {
		return nil
	}
	inState := x.si[siKey(machine, state)]
	var out []string
	for id := range candidates {
		if _, ok := inState[id]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sortedIDs(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
