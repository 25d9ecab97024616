// Package metrics provides a Prometheus-backed implementation of
// session.MetricsReporter for the EN 50221 Common Interface Session
// Layer. Collector satisfies that interface by structural typing alone;
// this package does not import the session package, so the session
// package never depends on Prometheus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "en50221_sl"
	subsystem = "session"
)

const (
	labelResourceID = "resource_id"
	labelTag        = "tag"
	labelReason     = "reason"
)

// Collector holds every Prometheus metric the Session Layer exposes.
//
//   - Sessions is a gauge so operators see the current population, not
//     just lifetime totals.
//   - SPDUSent/SPDUReceived/SPDUDropped are counters labeled by SPDU tag
//     or drop reason, letting an alert distinguish "decode failures
//     spiking" from "peer keeps sending CreateSessionResponse for
//     sessions we never created".
type Collector struct {
	Sessions *prometheus.GaugeVec
	Sent     *prometheus.CounterVec
	Received *prometheus.CounterVec
	Dropped  *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	reg.MustRegister(c.Sessions, c.Sent, c.Received, c.Dropped)
	return c
}

func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently non-Idle sessions, by resource_id.",
		}, []string{labelResourceID}),

		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spdus_sent_total",
			Help:      "Total outbound SPDUs transmitted, by tag.",
		}, []string{labelTag}),

		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spdus_received_total",
			Help:      "Total inbound SPDUs that decoded successfully, by tag.",
		}, []string{labelTag}),

		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spdus_dropped_total",
			Help:      "Total inbound SPDUs dropped before delivery, by reason.",
		}, []string{labelReason}),
	}
}

func resourceLabel(resourceID uint32) string {
	return fmt.Sprintf("0x%08X", resourceID)
}

// SessionCreated implements session.MetricsReporter.
func (c *Collector) SessionCreated(resourceID uint32) {
	c.Sessions.WithLabelValues(resourceLabel(resourceID)).Inc()
}

// SessionClosed implements session.MetricsReporter.
func (c *Collector) SessionClosed(resourceID uint32) {
	c.Sessions.WithLabelValues(resourceLabel(resourceID)).Dec()
}

// SPDUSent implements session.MetricsReporter.
func (c *Collector) SPDUSent(tag string) {
	c.Sent.WithLabelValues(tag).Inc()
}

// SPDUReceived implements session.MetricsReporter.
func (c *Collector) SPDUReceived(tag string) {
	c.Received.WithLabelValues(tag).Inc()
}

// SPDUDropped implements session.MetricsReporter.
func (c *Collector) SPDUDropped(reason string) {
	c.Dropped.WithLabelValues(reason).Inc()
}
