package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mesh"

type promSeries struct {
	requests      *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	healthy       *prometheus.GaugeVec
	published     *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	consumed      *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPromSeries() *promSeries {
	return &promSeries{
		requests:   newCounterVec("gateway", "requests_total", "Requests routed to a backend service", "service"),
		rejections: newCounterVec("gateway", "circuit_rejections_total", "Requests rejected because the circuit was open", "service"),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "response_duration_seconds",
				Help:      "Time spent proxying a request to a backend service",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "code"},
		),
		healthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "service_healthy",
				Help:      "1 when the last health check of a service passed",
			},
			[]string{"service"},
		),
		published:     newCounterVec("bus", "published_total", "Messages handed to the broker", "routing_key"),
		confirmations: newCounterVec("bus", "confirmations_total", "Publisher confirms by outcome", "routing_key", "outcome"),
		consumed:      newCounterVec("bus", "consumed_total", "Deliveries handled by consumers by outcome", "queue", "outcome"),
	}
}

func (s *promSeries) register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		s.requests,
		s.rejections,
		s.duration,
		s.healthy,
		s.published,
		s.confirmations,
		s.consumed,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
