package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's Prometheus instruments.
type Metrics struct {
	Sessions       prometheus.GaugeFunc
	Messages       *prometheus.CounterVec
	TasksDelivered *prometheus.CounterVec
	AuthFailures   prometheus.Counter
	PushFailures   prometheus.Counter
}

// NewMetrics registers the gateway instruments. The session gauge reads the
// registry directly so it can never drift from reality.
func NewMetrics(reg prometheus.Registerer, registry *Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chap_gateway_sessions",
			Help: "Currently connected authenticated node sessions.",
		}, func() float64 { return float64(registry.Len()) }),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chap_gateway_messages_total",
			Help: "Inbound node messages by envelope type.",
		}, []string{"type"}),
		TasksDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chap_gateway_tasks_delivered_total",
			Help: "Tasks handed to live sessions by delivery path.",
		}, []string{"path"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chap_gateway_auth_failures_total",
			Help: "Websocket authentication failures and timeouts.",
		}),
		PushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chap_gateway_push_failures_total",
			Help: "Socket writes that failed while delivering a task.",
		}),
	}
}
