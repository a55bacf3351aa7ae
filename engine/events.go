package engine

import "time"

// Event is a business event addressed to one or more instances. Payload is a
// plain JSON-style tree; the engine never mutates it.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Observable runtime event names. These are the types carried by
// Notification and mirrored onto the distributed event channels.
const (
	NotifInstanceCreated    = "instance_created"
	NotifInstanceRestored   = "instance_restored"
	NotifInstanceDisposed   = "instance_disposed"
	NotifInstanceError      = "instance_error"
	NotifStateChange        = "state_change"
	NotifEventIgnored       = "event_ignored"
	NotifGuardFailed        = "guard_failed"
	NotifBroadcastCompleted = "broadcast_completed"
	NotifBroadcastError     = "broadcast_error"
	NotifTriggeredMethod    = "triggered_method"
	NotifEntryMethod        = "entry_method"
	NotifExitMethod         = "exit_method"
	NotifCascadeCompleted   = "cascade_completed"
	NotifCascadeError       = "cascade_error"
	NotifInterMachine       = "inter_machine_transition"
	NotifRestoreError       = "restore_error"
	NotifTimeoutResyncError = "timeout_resync_error"
)

// Notification is an observable runtime event delivered to OnEvent listeners.
type Notification struct {
	Type       string         `json:"type"`
	Component  string         `json:"component"`
	Machine    string         `json:"machine,omitempty"`
	InstanceID string         `json:"instanceId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Listener receives runtime notifications. Listeners are invoked inline on
// the goroutine that produced the notification and must not call back into
// the engine synchronously; hand work off to another goroutine instead.
type Listener func(Notification)
