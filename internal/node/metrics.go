package node

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"p2pnode/internal/core/network"
)

const metricsNamespace = "p2pnode"

type metrics struct {
	commands         *prometheus.CounterVec
	events           *prometheus.CounterVec
	listenersBound   prometheus.Gauge
	listenersPending prometheus.Gauge
	subscriptions    prometheus.Gauge
	deliveries       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "commands_total",
			Help:      "Commands handled by the node actor.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "stack_events_total",
			Help:      "Protocol stack events handled by the node actor.",
		}, []string{"kind"}),
		listenersBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "listeners",
			Name:      "bound",
			Help:      "Listeners bound to a resolved address.",
		}),
		listenersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "listeners",
			Name:      "pending",
			Help:      "Listen attempts awaiting a bind result.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pubsub",
			Name:      "subscriptions",
			Help:      "Active local topic subscriptions.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pubsub",
			Name:      "deliveries_total",
			Help:      "Messages handed to local subscribers.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.commands, m.events, m.listenersBound, m.listenersPending, m.subscriptions, m.deliveries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register node metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) observe(l *listenerRegistry, s *subscriptionRegistry) {
	m.listenersBound.Set(float64(len(l.bound)))
	m.listenersPending.Set(float64(len(l.pending)))
	m.subscriptions.Set(float64(s.len()))
}

func eventKind(ev network.Event) string {
	switch ev.(type) {
	case network.ListenerBound:
		return "listener_bound"
	case network.ListenerFailed:
		return "listener_failed"
	case network.ListenerClosed:
		return "listener_closed"
	case network.PeerJoinedTopic:
		return "peer_joined_topic"
	case network.PeerLeftTopic:
		return "peer_left_topic"
	case network.InboundMessage:
		return "inbound_message"
	case network.PeerConnected:
		return "peer_connected"
	case network.PeerDisconnected:
		return "peer_disconnected"
	default:
		return "unknown"
	}
}
