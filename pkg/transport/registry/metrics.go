// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	m "github.com/snowycoder/wdht-go/pkg/metrics"
)

type metrics struct {
	ConnectsTotal     prometheus.Counter
	DisconnectsTotal  *prometheus.CounterVec
	HalfClosedEvicted prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "registry"
	return metrics{
		ConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "connects_total",
			Help:      "Number of connections registered.",
		}),
		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Number of connections torn down, by reason.",
		}, []string{"reason"}),
		HalfClosedEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "half_closed_evicted_total",
			Help:      "Number of half-closed connections evicted to free a slot.",
		}),
	}
}

// Metrics returns the prometheus collectors this registry exposes, for
// a caller to register against its own registerer.
func (r *Registry) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(r.metrics)
}

func (reason DisconnectReason) String() string {
	switch reason {
	case DisconnectConnectionLost:
		return "connection_lost"
	case DisconnectTimeoutExpired:
		return "timeout_expired"
	case DisconnectSendFail:
		return "send_fail"
	case DisconnectHalfCloseBoth:
		return "half_close_both"
	case DisconnectHalfCloseReplace:
		return "half_close_replace"
	case DisconnectShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
