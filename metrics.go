// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ipc"

// Metrics holds the Prometheus collectors shared by endpoints and buses.
// One Metrics value may serve many endpoints; series are labelled by name.
type Metrics struct {
	requestsSent    *prometheus.CounterVec
	requestsHandled *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	unhandled       *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	busMessages     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_sent_total",
			Help:      "Outbound requests by settlement outcome.",
		}, []string{"endpoint", "outcome"}),
		requestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_handled_total",
			Help:      "Inbound requests by dispatch outcome.",
		}, []string{"endpoint", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notifications by direction.",
		}, []string{"endpoint", "direction"}),
		unhandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unhandled_errors_total",
			Help:      "Unhandled-error envelopes by direction: sent, received or dropped.",
		}, []string{"endpoint", "direction"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_in_flight",
			Help:      "Outbound requests awaiting a response.",
		}, []string{"endpoint"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bus_messages_total",
			Help:      "Bus envelopes by direction.",
		}, []string{"bus", "direction"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.requestsSent,
		m.requestsHandled,
		m.notifications,
		m.unhandled,
		m.inFlight,
		m.busMessages,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// unregisteredMetrics backs endpoints created without WithMetrics.
func unregisteredMetrics() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}
