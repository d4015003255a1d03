package ike

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iniwex5/ike-go/pkg/ikev2"
)

// Metrics IKE 引擎指标，nil 时不记录
type Metrics struct {
	sessions    *prometheus.GaugeVec
	exchanges   *prometheus.CounterVec
	retransmits prometheus.Counter
	rekeys      *prometheus.CounterVec
	closes      *prometheus.CounterVec
}

// NewMetrics 创建并注册到 reg，reg 为 nil 时只创建不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ike_sessions",
			Help: "IKE sessions by state.",
		}, []string{"state"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ike_exchanges_total",
			Help: "IKE messages sent and received.",
		}, []string{"exchange", "direction"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ike_retransmits_total",
			Help: "IKE request retransmissions.",
		}),
		rekeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ike_rekeys_total",
			Help: "IKE SA rekeys by initiator and result.",
		}, []string{"initiator", "result"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ike_session_closes_total",
			Help: "IKE session closes by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.exchanges, m.retransmits, m.rekeys, m.closes)
	}
	return m
}

func (m *Metrics) transition(from, to State) {
	if m == nil || from == to {
		return
	}
	if from != Initial {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	if to != Closed {
		m.sessions.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) exchange(ex ikev2.ExchangeType, inbound bool) {
	if m == nil {
		return
	}
	dir := "out"
	if inbound {
		dir = "in"
	}
	m.exchanges.WithLabelValues(ex.String(), dir).Inc()
}

func (m *Metrics) retransmitted() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

func (m *Metrics) rekeyed(local bool, result string) {
	if m == nil {
		return
	}
	who := "remote"
	if local {
		who = "local"
	}
	m.rekeys.WithLabelValues(who, result).Inc()
}

func (m *Metrics) closed(err error) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(closeReason(err)).Inc()
}

func closeReason(err error) string {
	if err == nil {
		return "normal"
	}
	if errors.Is(err, ErrRetransmitTimeout) {
		return "timeout"
	}
	if errors.Is(err, ikev2.ErrAuthenticationFailed) {
		return "auth"
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return "internal"
	}
	return "protocol"
}
