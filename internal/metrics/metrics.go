// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics defines the Prometheus collectors the receiver exposes:
// the durability frontier, connection count, and ack throughput. A small,
// hand-picked set of gauges and counters rather than auto-instrumented
// everything.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the receiver updates. Callers that
// don't want metrics pass a nil *Collectors; every update site is
// nil-guarded.
type Collectors struct {
	CommittedSeq    prometheus.Gauge
	LastWriteSeq    prometheus.Gauge
	ConnectionCount prometheus.Gauge
	AcksSent        prometheus.Counter
	BlocksRejected  prometheus.Counter
}

// New registers a fresh set of collectors on reg and returns them.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		CommittedSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logreceiver",
			Name:      "committed_seq",
			Help:      "Highest log sequence number durably written and replayed.",
		}),
		LastWriteSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logreceiver",
			Name:      "last_write_seq",
			Help:      "Highest log sequence number submitted to the log writer.",
		}),
		ConnectionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logreceiver",
			Name:      "connection_count",
			Help:      "Number of live connections.",
		}),
		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logreceiver",
			Name:      "acks_sent_total",
			Help:      "Total ack frames sent to peers.",
		}),
		BlocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logreceiver",
			Name:      "blocks_rejected_total",
			Help:      "Total log blocks rejected by the validator or the receiver core.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.CommittedSeq, c.LastWriteSeq, c.ConnectionCount, c.AcksSent, c.BlocksRejected)
	}
	return c
}
