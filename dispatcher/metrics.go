// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dispatcher

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	queued    prometheus.Gauge
	running   prometheus.Gauge
	completed prometheus.Counter
	failed    *prometheus.CounterVec
	duration  prometheus.Histogram
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued",
			Help:      "Number of accepted requests waiting for a worker",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "Number of requests holding a worker",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed",
			Help:      "Number of requests that produced an outcome",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed",
			Help:      "Number of failed requests, by reason",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Time from a worker picking a request up to its outcome",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
	}

	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.queued),
		registerer.Register(m.running),
		registerer.Register(m.completed),
		registerer.Register(m.failed),
		registerer.Register(m.duration),
	)
	return m, errs.Err
}
