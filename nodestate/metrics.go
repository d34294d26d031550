// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nodestate

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	queries      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	latency      prometheus.Histogram
	codeHits     prometheus.Counter
	dialFailures prometheus.Counter
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries",
			Help:      "Number of node queries issued, by kind",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures",
			Help:      "Number of failed node queries, by reason",
		}, []string{"reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_seconds",
			Help:      "Round trip time of node queries",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		codeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_cache_served",
			Help:      "Number of code queries answered without a round trip",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures",
			Help:      "Number of failed connection attempts to the node",
		}),
	}

	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.queries),
		registerer.Register(m.failures),
		registerer.Register(m.latency),
		registerer.Register(m.codeHits),
		registerer.Register(m.dialFailures),
	)
	return m, errs.Err
}
