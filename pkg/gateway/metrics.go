package gateway

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Adapter path labels.
const (
	PathNative   = "native"
	PathFallback = "fallback"
)

var (
	bindingBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "dispatch",
			Name:      "binding_builds_total",
			Help:      "Total number of late-bound send functions built",
		},
		[]string{"mode"},
	)

	bindingLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "dispatch",
			Name:      "binding_lookups_total",
			Help:      "Total number of late-bound cache lookups by result",
		},
		[]string{"mode", "result"},
	)

	adapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "adapter",
			Name:      "calls_total",
			Help:      "Total number of asynchronous calls by operation and path",
		},
		[]string{"op", "path"},
	)
)

// RegisterMetrics registers the dispatch and adapter collectors with reg.
// Registering twice with the same registerer is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{bindingBuilds, bindingLookups, adapterCalls} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func observePath(op, path string) {
	adapterCalls.WithLabelValues(op, path).Inc()
}
