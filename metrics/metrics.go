package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records intake activity. Implementations must be safe for
// concurrent use.
type Collector interface {
	DeliveryReceived(queue string)
	DeliverySettled(queue, outcome string)
	Reconnecting(attempt int)
	ConnectionUp()
	ConnectionDown()
}

// NoOp is a Collector that discards everything. Used in tests and when
// metrics are disabled.
type NoOp struct{}

func (NoOp) DeliveryReceived(queue string)         {}
func (NoOp) DeliverySettled(queue, outcome string) {}
func (NoOp) Reconnecting(attempt int)              {}
func (NoOp) ConnectionUp()                         {}
func (NoOp) ConnectionDown()                       {}

// Prometheus is a Collector backed by prometheus counters and gauges.
type Prometheus struct {
	deliveriesTotal *prometheus.CounterVec
	settledTotal    *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	connectionUp    prometheus.Gauge
}

// NewPrometheus registers the intake metrics with the given registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intake_deliveries_received_total",
				Help: "Total number of deliveries received from the broker",
			},
			[]string{"queue"},
		),
		settledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intake_deliveries_settled_total",
				Help: "Total number of deliveries settled, by outcome",
			},
			[]string{"queue", "outcome"},
		),
		reconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "intake_reconnect_attempts_total",
				Help: "Total number of reconnection attempts",
			},
		),
		connectionUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "intake_connection_up",
				Help: "Whether the broker connection is currently established",
			},
		),
	}
}

func (p *Prometheus) DeliveryReceived(queue string) {
	p.deliveriesTotal.WithLabelValues(queue).Inc()
}

func (p *Prometheus) DeliverySettled(queue, outcome string) {
	p.settledTotal.WithLabelValues(queue, outcome).Inc()
}

func (p *Prometheus) Reconnecting(attempt int) {
	p.reconnectsTotal.Inc()
}

func (p *Prometheus) ConnectionUp() {
	p.connectionUp.Set(1)
}

func (p *Prometheus) ConnectionDown() {
	p.connectionUp.Set(0)
}
