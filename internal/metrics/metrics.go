// Package metrics exposes the substrate's runtime health as Prometheus
// collectors — adapter reachability, restart counts, and triage lane
// counts — the ambient instrumentation every monitored subsystem in
// the teacher carries (SPEC_FULL.md AMBIENT STACK / SUPPLEMENTED
// FEATURES #4).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every gauge/counter the substrate publishes. It
// is safe to register on any prometheus.Registerer, including the
// default one.
type Collectors struct {
	AdapterReachable  *prometheus.GaugeVec
	AdapterRestarts   *prometheus.CounterVec
	TriageLaneTotal   *prometheus.CounterVec
	ReflexFiredTotal  *prometheus.CounterVec
	ReflexFailedTotal *prometheus.CounterVec
}

// New builds the collector set, unregistered.
func New() *Collectors {
	return &Collectors{
		AdapterReachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "holmsd",
			Subsystem: "adapter",
			Name:      "reachable",
			Help:      "Whether an adapter's child process is currently reachable (1) or not (0).",
		}, []string{"adapter_id", "adapter_type"}),

		AdapterRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holmsd",
			Subsystem: "adapter",
			Name:      "restarts_total",
			Help:      "Count of times an adapter's child process has been restarted by the supervisor.",
		}, []string{"adapter_id", "adapter_type"}),

		TriageLaneTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holmsd",
			Subsystem: "triage",
			Name:      "events_total",
			Help:      "Count of events classified into each triage lane.",
		}, []string{"lane"}),

		ReflexFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holmsd",
			Subsystem: "reflex",
			Name:      "fired_total",
			Help:      "Count of reflex rules that fired successfully.",
		}, []string{"rule_id"}),

		ReflexFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holmsd",
			Subsystem: "reflex",
			Name:      "failed_total",
			Help:      "Count of reflex rule dispatches that returned an error.",
		}, []string{"rule_id"}),
	}
}

// MustRegister registers every collector on reg, panicking on
// duplicate registration (mirrors prometheus.MustRegister's own
// contract, used at process startup only).
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.AdapterReachable,
		c.AdapterRestarts,
		c.TriageLaneTotal,
		c.ReflexFiredTotal,
		c.ReflexFailedTotal,
	)
}

// SetReachable records an adapter's current reachability.
func (c *Collectors) SetReachable(adapterID, adapterType string, reachable bool) {
	v := 0.0
	if reachable {
		v = 1.0
	}
	c.AdapterReachable.WithLabelValues(adapterID, adapterType).Set(v)
}

// IncRestart records one supervisor-initiated restart.
func (c *Collectors) IncRestart(adapterID, adapterType string) {
	c.AdapterRestarts.WithLabelValues(adapterID, adapterType).Inc()
}

// IncLane records one triage classification outcome.
func (c *Collectors) IncLane(lane string) {
	c.TriageLaneTotal.WithLabelValues(lane).Inc()
}

// IncReflexFired records one successful reflex dispatch.
func (c *Collectors) IncReflexFired(ruleID string) {
	c.ReflexFiredTotal.WithLabelValues(ruleID).Inc()
}

// IncReflexFailed records one failed reflex dispatch.
func (c *Collectors) IncReflexFailed(ruleID string) {
	c.ReflexFailedTotal.WithLabelValues(ruleID).Inc()
}
