package outbox

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultDispatched = "dispatched"
	resultFailed     = "failed"
)

var (
	enqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total number of requests recorded in the outbox",
		},
	)

	relayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "outbox",
			Name:      "relayed_total",
			Help:      "Total number of outbox rows relayed by result",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers the outbox collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{enqueued, relayed} {
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
