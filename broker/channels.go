package broker

// Registry channels carry runtime discovery and lifecycle traffic.
const (
	ChannelRegistryAnnounce  = "fsm:registry:announce"
	ChannelRegistryHeartbeat = "fsm:registry:heartbeat"
	ChannelRegistryShutdown  = "fsm:registry:shutdown"
	ChannelRegistryDiscover  = "fsm:registry:discover"
)

// Event channels mirror the engine's observable events for dashboards and
// other subscribers. Every observable event type is published on
// EventChannel(type); the constants name the ones subscribers most often
// want.
const (
	ChannelEventsStateChange      = "fsm:events:state_change"
	ChannelEventsInstanceCreated  = "fsm:events:instance_created"
	ChannelEventsInstanceDisposed = "fsm:events:instance_disposed"
	ChannelEventsInstanceError    = "fsm:events:instance_error"

	// Derived channels: state changes into terminal states and timeout
	// firings are mirrored here in addition to the state_change channel.
	ChannelEventsInstanceCompleted = "fsm:events:instance_completed"
	ChannelEventsTimeoutTriggered  = "fsm:events:timeout_triggered"
)

// EventChannel returns the channel that mirrors one observable event type.
func EventChannel(eventType string) string {
	return "fsm:events:" + eventType
}

// Command channels carry requests into a runtime.
const (
	ChannelCommandTriggerEvent        = "fsm:commands:trigger_event"
	ChannelCommandCreateInstance      = "fsm:commands:create_instance"
	ChannelCommandCrossComponentEvent = "fsm:commands:cross_component_event"
	ChannelCommandQueryInstances      = "fsm:commands:query_instances"
)

// ChannelResponsesQuery carries instance-list replies to query commands.
const ChannelResponsesQuery = "fsm:responses:query"

// ComponentChannel returns the component-scoped channel used for direct
// cross-component routing.
func ComponentChannel(componentName string) string {
	return "xcomponent:" + componentName
}
