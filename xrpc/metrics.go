package xrpc

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the server's Prometheus collectors. They are always updated
// and only exported when registered through WithMetrics.
type metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitedTotal *prometheus.CounterVec
	streamsOpen      *prometheus.GaugeVec
	framesTotal      *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Total number of query and procedure requests by method and status.",
		}, []string{"nsid", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xrpc",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to the end of the response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"nsid"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Subsystem: "server",
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"limiter"}),
		streamsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xrpc",
			Subsystem: "server",
			Name:      "subscriptions_open",
			Help:      "Currently open subscription connections.",
		}, []string{"nsid"}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Subscription frames written by kind.",
		}, []string{"nsid", "kind"}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.rateLimitedTotal,
		m.streamsOpen,
		m.framesTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) observeRequest(nsid string, status int, d time.Duration) {
	if status == 0 {
		status = 200
	}
	m.requestsTotal.WithLabelValues(nsid, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(nsid).Observe(d.Seconds())
}

func (m *metrics) rateLimited(limiter string) {
	m.rateLimitedTotal.WithLabelValues(limiter).Inc()
}

func (m *metrics) streamOpened(nsid string) { m.streamsOpen.WithLabelValues(nsid).Inc() }
func (m *metrics) streamClosed(nsid string) { m.streamsOpen.WithLabelValues(nsid).Dec() }

func (m *metrics) frameWritten(nsid, kind string) {
	m.framesTotal.WithLabelValues(nsid, kind).Inc()
}
