// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"time"

	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gomlx_parallel"

var (
	forwardCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "forward_total",
		Help:      "Number of forward calls of wrapped modules.",
	}, []string{"wrapper", "device", "status"})

	forwardSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "forward_seconds",
		Help:      "Time spent in forward calls of wrapped modules.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"wrapper", "device"})

	gradientSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "gradient_syncs_total",
		Help:      "Number of gradient synchronizations across ranks.",
	}, []string{"device"})
)

// Collectors returns the metrics collected by the wrappers.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{forwardCalls, forwardSeconds, gradientSyncs}
}

// RegisterMetrics registers the metrics of the wrappers with reg. Registering twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return errors.Wrap(err, "registering parallel metrics")
		}
	}
	return nil
}

func observeForward(wrapper string, deviceType devices.Type, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	forwardCalls.WithLabelValues(wrapper, string(deviceType), status).Inc()
	forwardSeconds.WithLabelValues(wrapper, string(deviceType)).Observe(time.Since(start).Seconds())
}
