package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the coordination hub.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	InboundEvents     *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	AlertTransitions  *prometheus.CounterVec
	HubDelivered      *prometheus.CounterVec
	HubDropped        *prometheus.CounterVec
	ConnectedChannels *prometheus.GaugeVec
	CollaboratorFails *prometheus.CounterVec
}

// New registers the hub collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_inbound_events_total",
			Help: "Inbound participant events by event name",
		}, []string{"event"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_rejections_total",
			Help: "Inbound messages rejected, by kind",
		}, []string{"kind"}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_alert_transitions_total",
			Help: "Alert state transitions, by transition",
		}, []string{"transition"}),
		HubDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_events_delivered_total",
			Help: "Outbound events queued for a participant channel",
		}, []string{"class", "event"}),
		HubDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_events_dropped_total",
			Help: "Outbound events dropped because a channel queue was full",
		}, []string{"class", "event"}),
		ConnectedChannels: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_connected_channels",
			Help: "Connected participant channels by class",
		}, []string{"class"}),
		CollaboratorFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_collaborator_failures_total",
			Help: "Failed calls to external collaborators",
		}, []string{"collaborator"}),
	}
}

func (m *Metrics) Inbound(event string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(name).Inc()
}

func (m *Metrics) Delivered(class, event string) {
	if m == nil {
		return
	}
	m.HubDelivered.WithLabelValues(class, event).Inc()
}

func (m *Metrics) Dropped(class, event string) {
	if m == nil {
		return
	}
	m.HubDropped.WithLabelValues(class, event).Inc()
}

func (m *Metrics) ChannelJoined(class string) {
	if m == nil {
		return
	}
	m.ConnectedChannels.WithLabelValues(class).Inc()
}

func (m *Metrics) ChannelLeft(class string) {
	if m == nil {
		return
	}
	m.ConnectedChannels.WithLabelValues(class).Dec()
}

func (m *Metrics) CollaboratorFailed(name string) {
	if m == nil {
		return
	}
	m.CollaboratorFails.WithLabelValues(name).Inc()
}
