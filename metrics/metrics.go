// Package metrics exposes the runtime's observable events as Prometheus
// collectors. The collector is a plain notification listener: attach it to
// any engine with Attach and scrape the registry it was built against.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GoCodeAlone/statemesh/engine"
)

// Collector aggregates engine notifications into Prometheus metrics.
type Collector struct {
	transitions  *prometheus.CounterVec
	created      *prometheus.CounterVec
	disposed     *prometheus.CounterVec
	failed       *prometheus.CounterVec
	restored     *prometheus.CounterVec
	live         *prometheus.GaugeVec
	ignored      *prometheus.CounterVec
	guardDenials *prometheus.CounterVec
	broadcasts   *prometheus.CounterVec
	cascades     *prometheus.CounterVec
}

// New builds a collector and registers its metrics. A nil registerer uses
// the default Prometheus registry.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_transitions_total",
			Help: "State transitions executed, by component and machine.",
		}, []string{"component", "machine"}),
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_instances_created_total",
			Help: "Instances created, by component and machine.",
		}, []string{"component", "machine"}),
		disposed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_instances_disposed_total",
			Help: "Instances disposed, by component and machine.",
		}, []string{"component", "machine"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_instances_failed_total",
			Help: "Instances dropped by uncaught failures, by component and machine.",
		}, []string{"component", "machine"}),
		restored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_instances_restored_total",
			Help: "Instances reinstated from snapshots, by component and machine.",
		}, []string{"component", "machine"}),
		live: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statemesh_live_instances",
			Help: "Currently live instances, by component and machine.",
		}, []string{"component", "machine"}),
		ignored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_events_ignored_total",
			Help: "Events that matched no transition, by component and machine.",
		}, []string{"component", "machine"}),
		guardDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_guard_denials_total",
			Help: "Transitions denied by guards, by component and machine.",
		}, []string{"component", "machine"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_broadcasts_total",
			Help: "Broadcast fan-outs completed, by component and machine.",
		}, []string{"component", "machine"}),
		cascades: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statemesh_cascades_total",
			Help: "Cascade deliveries, by component and outcome.",
		}, []string{"component", "result"}),
	}
}

// Attach subscribes the collector to an engine's notifications.
func (c *Collector) Attach(e *engine.Engine) {
	e.OnEvent(c.Observe)
}

// Observe folds one notification into the metrics.
func (c *Collector) Observe(n engine.Notification) {
	labels := prometheus.Labels{"component": n.Component, "machine": n.Machine}
	switch n.Type {
	case engine.NotifStateChange:
		c.transitions.With(labels).Inc()
	case engine.NotifInstanceCreated:
		c.created.With(labels).Inc()
		c.live.With(labels).Inc()
	case engine.NotifInstanceRestored:
		c.restored.With(labels).Inc()
		c.live.With(labels).Inc()
	case engine.NotifInstanceDisposed:
		c.disposed.With(labels).Inc()
		c.live.With(labels).Dec()
	case engine.NotifInstanceError:
		c.failed.With(labels).Inc()
		c.live.With(labels).Dec()
	case engine.NotifEventIgnored:
		c.ignored.With(labels).Inc()
	case engine.NotifGuardFailed:
		c.guardDenials.With(labels).Inc()
	case engine.NotifBroadcastCompleted:
		c.broadcasts.With(labels).Inc()
	case engine.NotifCascadeCompleted:
		c.cascades.With(prometheus.Labels{"component": n.Component, "result": "completed"}).Inc()
	case engine.NotifCascadeError:
		c.cascades.With(prometheus.Labels{"component": n.Component, "result": "error"}).Inc()
	}
}
