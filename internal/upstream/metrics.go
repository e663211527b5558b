// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "jetstreamproxy_upstream"

const (
	dropNotBinary  = "not_binary"
	dropDecompress = "decompress"
	dropDecode     = "decode"

	connectSuccess = "success"
	connectFailure = "failure"
)

// Collector is a prometheus.Collector that collects metrics about the
// upstream connection.
type Collector struct {
	framesReceived prometheus.Counter
	framesDropped  *prometheus.CounterVec
	connects       *prometheus.CounterVec
	connected      prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		framesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_received_total",
				Help:      "The number of frames read from the firehose.",
			},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_dropped_total",
				Help:      "The number of firehose frames that could not be relayed.",
			}, []string{"reason"},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connects_total",
				Help:      "The number of connection attempts to the firehose.",
			}, []string{"result"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connected",
				Help:      "Whether the firehose connection is open.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.framesReceived.Describe(ch)
	c.framesDropped.Describe(ch)
	c.connects.Describe(ch)
	c.connected.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.framesReceived.Collect(ch)
	c.framesDropped.Collect(ch)
	c.connects.Collect(ch)
	c.connected.Collect(ch)
}
