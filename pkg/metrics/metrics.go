package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts scenario steps. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	steps        *prometheus.CounterVec
	lastSlot     *prometheus.GaugeVec
	slotWaits    *prometheus.CounterVec
	stagedBuffer *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgergen",
			Name:      "steps_total",
			Help:      "Scenario steps submitted, by outcome.",
		}, []string{"scenario", "step", "outcome"}),
		lastSlot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledgergen",
			Name:      "last_observed_slot",
			Help:      "Processed slot observed after the most recent step.",
		}, []string{"scenario"}),
		slotWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgergen",
			Name:      "slot_waits_total",
			Help:      "Slot synchronizer waits between steps.",
		}, []string{"scenario"}),
		stagedBuffer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgergen",
			Name:      "staged_buffers_total",
			Help:      "Program buffers staged.",
		}, []string{"scenario"}),
	}
	m.registry.MustRegister(m.steps, m.lastSlot, m.slotWaits, m.stagedBuffer)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveStep(scenario, step, outcome string, slot uint64) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(scenario, step, outcome).Inc()
	if slot > 0 {
		m.lastSlot.WithLabelValues(scenario).Set(float64(slot))
	}
}

func (m *Metrics) ObserveSlotWait(scenario string) {
	if m == nil {
		return
	}
	m.slotWaits.WithLabelValues(scenario).Inc()
}

func (m *Metrics) ObserveStagedBuffer(scenario string) {
	if m == nil {
		return
	}
	m.stagedBuffer.WithLabelValues(scenario).Inc()
}

// WriteTextfile writes all metrics in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
