package engine

import (
	"time"

	"github.com/GoCodeAlone/statemesh/dynval"
	"github.com/GoCodeAlone/statemesh/store"
)

// Instance is a live state machine instance. All fields are owned by the
// engine and must only be touched while holding the engine lock; external
// callers work with InstanceView copies.
type Instance struct {
	ID             string
	MachineName    string
	CurrentState   string
	Context        map[string]any
	PublicMember   map[string]any
	InternalMember map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Status         store.InstanceStatus
	IsEntryPoint   bool

	// usesPublicMember is set at creation from the machine definition: when
	// the machine declares a public member type, matching rules, guards and
	// cascade templates read the public member instead of the context.
	usesPublicMember bool
}

// visible returns the data surface seen by matching rules, guards, cascade
// templates and triggered methods. The returned map is live, not a copy.
func (i *Instance) visible() map[string]any {
	if i.usesPublicMember {
		if i.PublicMember == nil {
			i.PublicMember = make(map[string]any)
		}
		return i.PublicMember
	}
	if i.Context == nil {
		i.Context = make(map[string]any)
	}
	return i.Context
}

// view returns a detached copy handed to triggered methods and API callers.
func (i *Instance) view() *InstanceView {
	return &InstanceView{
		ID:        i.ID,
		Machine:   i.MachineName,
		State:     i.CurrentState,
		Status:    i.Status,
		Data:      dynval.Clone(i.visible()),
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

// toRecord converts the instance to its storable form.
func (i *Instance) toRecord(componentName string) store.InstanceRecord {
	return store.InstanceRecord{
		ID:             i.ID,
		MachineName:    i.MachineName,
		ComponentName:  componentName,
		CurrentState:   i.CurrentState,
		Context:        dynval.Clone(i.Context),
		PublicMember:   dynval.Clone(i.PublicMember),
		InternalMember: dynval.Clone(i.InternalMember),
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
		Status:         i.Status,
		IsEntryPoint:   i.IsEntryPoint,
	}
}

// instanceFromRecord rebuilds a live instance from a stored record.
func instanceFromRecord(rec store.InstanceRecord, usesPublicMember bool) *Instance {
	return &Instance{
		ID:               rec.ID,
		MachineName:      rec.MachineName,
		CurrentState:     rec.CurrentState,
		Context:          dynval.Clone(rec.Context),
		PublicMember:     dynval.Clone(rec.PublicMember),
		InternalMember:   dynval.Clone(rec.InternalMember),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		Status:           rec.Status,
		IsEntryPoint:     rec.IsEntryPoint,
		usesPublicMember: usesPublicMember,
	}
}

// InstanceView is a read-only copy of an instance, safe to hold across
// engine calls. Data is the instance's visible member tree at copy time;
// mutations must go through Sender.UpdateContext.
type InstanceView struct {
	ID        string               `json:"id"`
	Machine   string               `json:"machine"`
	State     string               `json:"state"`
	Status    store.InstanceStatus `json:"status"`
	Data      map[string]any       `json:"data,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}
