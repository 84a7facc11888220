package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Submissions           *prometheus.CounterVec
	ModelCallDuration     *prometheus.HistogramVec
	RelationsCreated      prometheus.Counter
	RelationStatusUpdates *prometheus.CounterVec
	WSClients             prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Chat submissions by pipeline outcome.",
		}, []string{"outcome"}),
		ModelCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model gateway round-trip duration by operation.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"op"}),
		RelationsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relations_created_total",
			Help:      "Metamorphic relations appended to the store.",
		}),
		RelationStatusUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relation_status_updates_total",
			Help:      "Relation triage updates by resulting status.",
		}, []string{"status"}),
		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket event-feed clients.",
		}),
	}
}

func (m *Metrics) ObserveModelCall(op string, d time.Duration) {
	m.ModelCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
