// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package downstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "jetstreamproxy_downstream"

const (
	rejectBadRequest    = "bad_request"
	rejectBadCollection = "bad_collection"
	rejectTooMany       = "too_many_collections"
	rejectDuplicate     = "duplicate"
)

// Collector is a prometheus.Collector that collects metrics about the
// downstream subscribers.
type Collector struct {
	subscribers prometheus.Gauge
	delivered   prometheus.Counter
	dropped     prometheus.Counter
	rejected    *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscribers",
				Help:      "The number of connected subscribers.",
			},
		),
		delivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivered_total",
				Help:      "The number of messages queued for subscribers.",
			},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dropped_total",
				Help:      "The number of messages dropped because a subscriber fell behind.",
			},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rejected_total",
				Help:      "The number of subscribers turned away.",
			}, []string{"reason"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.subscribers.Describe(ch)
	c.delivered.Describe(ch)
	c.dropped.Describe(ch)
	c.rejected.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.subscribers.Collect(ch)
	c.delivered.Collect(ch)
	c.dropped.Collect(ch)
	c.rejected.Collect(ch)
}
