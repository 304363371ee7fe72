// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	sideClient = "client"
	sideServer = "server"
)

// Metrics counts peer traffic. A nil *Metrics records nothing.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	sendErrors       *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	openExchanges    *prometheus.GaugeVec
}

// NewMetrics creates the peer collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peer",
			Name:      "messages_sent_total",
			Help:      "Wire messages sent, by peer side and message type",
		}, []string{"side", "type"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peer",
			Name:      "messages_received_total",
			Help:      "Wire messages received, by peer side and message type",
		}, []string{"side", "type"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peer",
			Name:      "send_errors_total",
			Help:      "Transport send failures",
		}, []string{"side"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peer",
			Name:      "decode_errors_total",
			Help:      "Messages that could not be decoded",
		}, []string{"side"}),
		openExchanges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "peer",
			Name:      "open_exchanges",
			Help:      "Exchanges currently open",
		}, []string{"side"}),
	}
	for _, c := range []prometheus.Collector{m.messagesSent, m.messagesReceived, m.sendErrors, m.decodeErrors, m.openExchanges} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) messageSent(side string, typ MessageType) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(side, typ.String()).Inc()
}

func (m *Metrics) messageReceived(side string, typ MessageType) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(side, typ.String()).Inc()
}

func (m *Metrics) sendFailed(side string) {
	if m == nil {
		return
	}
	m.sendErrors.WithLabelValues(side).Inc()
}

func (m *Metrics) decodeFailed(side string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(side).Inc()
}

func (m *Metrics) exchangeOpened(side string) {
	if m == nil {
		return
	}
	m.openExchanges.WithLabelValues(side).Inc()
}

func (m *Metrics) exchangeClosed(side string) {
	if m == nil {
		return
	}
	m.openExchanges.WithLabelValues(side).Dec()
}
