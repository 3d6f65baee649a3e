package metrics

import (
	"net/http"
	"time"

	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics. It implements ppp.Observer and
// ppp.Reporter so it can be attached to a runner and an automaton directly.
type Metrics struct {
	// Frame metrics
	framesTotal *prometheus.CounterVec

	// Negotiation metrics
	negotiationsTotal   *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec
	stateTransitions    *prometheus.CounterVec
	negotiationsActive  *prometheus.GaugeVec

	// Failure metrics
	failuresTotal       *prometheus.CounterVec
	optionsRejected     *prometheus.CounterVec
	interfacesApplied   *prometheus.CounterVec
	sessionsKilledTotal prometheus.Counter

	logger *zap.Logger
}

// New creates a new Metrics instance
func New(logger *zap.Logger) *Metrics {
	return &Metrics{
		logger: logger,

		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstpc_ppp_frames_total",
				Help: "Total PPP control frames by protocol, direction and code",
			},
			[]string{"protocol", "direction", "code"},
		),

		negotiationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstpc_ppp_negotiations_total",
				Help: "Total finished negotiations by protocol and result",
			},
			[]string{"protocol", "result"},
		),

		negotiationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sstpc_ppp_negotiation_duration_seconds",
				Help:    "Time from first Configure-Request to Opened or failure",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 3, 10, 30},
			},
			[]string{"protocol", "result"},
		),

		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstpc_ppp_state_transitions_total",
				Help: "Total automaton state transitions",
			},
			[]string{"protocol", "from", "to"},
		),

		negotiationsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sstpc_ppp_negotiations_active",
				Help: "Negotiations started but not yet opened or failed",
			},
			[]string{"protocol"},
		),

		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstpc_ppp_failures_total",
				Help: "Total fatal negotiation conditions by reason",
			},
			[]string{"protocol", "reason"},
		),

		optionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstpc_ppp_mandatory_options_rejected_total",
				Help: "Total required options refused by the peer",
			},
			[]string{"protocol", "option"},
		),

		interfacesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sstpc_interface_configurations_total",
				Help: "Total attempts to apply negotiated addresses to an interface",
			},
			[]string{"result"},
		),

		sessionsKilledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sstpc_sessions_killed_total",
				Help: "Total sessions terminated by a fatal condition",
			},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	return m.RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with reg
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.framesTotal,
		m.negotiationsTotal,
		m.negotiationDuration,
		m.stateTransitions,
		m.negotiationsActive,
		m.failuresTotal,
		m.optionsRejected,
		m.interfacesApplied,
		m.sessionsKilledTotal,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// Handler returns the HTTP handler for metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveNegotiationStart implements ppp.Observer
func (m *Metrics) ObserveNegotiationStart(protocol string) {
	m.negotiationsActive.WithLabelValues(protocol).Inc()
}

// ObserveFrame implements ppp.Observer
func (m *Metrics) ObserveFrame(protocol string, direction ppp.Direction, code ppp.Code) {
	m.framesTotal.WithLabelValues(protocol, string(direction), code.String()).Inc()
}

// ObserveStateChange implements ppp.Observer
func (m *Metrics) ObserveStateChange(protocol string, from, to ppp.State) {
	m.stateTransitions.WithLabelValues(protocol, from.String(), to.String()).Inc()
}

// ObserveNegotiation implements ppp.Observer
func (m *Metrics) ObserveNegotiation(protocol string, result string, duration time.Duration) {
	m.negotiationsTotal.WithLabelValues(protocol, result).Inc()
	m.negotiationDuration.WithLabelValues(protocol, result).Observe(duration.Seconds())
	m.negotiationsActive.WithLabelValues(protocol).Dec()
}

// InformDataUnitParsingError implements ppp.Reporter
func (m *Metrics) InformDataUnitParsingError(protocol string, code ppp.Code, err error) {
	m.failuresTotal.WithLabelValues(protocol, "parsing_error").Inc()
}

// InformCounterExhausted implements ppp.Reporter
func (m *Metrics) InformCounterExhausted(protocol string, operation string) {
	m.failuresTotal.WithLabelValues(protocol, "counter_exhausted").Inc()
}

// InformInvalidUnit implements ppp.Reporter
func (m *Metrics) InformInvalidUnit(protocol string, operation string, code ppp.Code, state ppp.State) {
	m.failuresTotal.WithLabelValues(protocol, "invalid_unit").Inc()
}

// InformOptionRejected implements ppp.Reporter
func (m *Metrics) InformOptionRejected(protocol string, opt ppp.Option) {
	m.failuresTotal.WithLabelValues(protocol, "option_rejected").Inc()
	m.optionsRejected.WithLabelValues(protocol, opt.Type().String()).Inc()
}

// RecordSessionKilled records a session terminated by a fatal condition
func (m *Metrics) RecordSessionKilled() {
	m.sessionsKilledTotal.Inc()
}

// RecordInterfaceApplied records an attempt to configure the local interface
func (m *Metrics) RecordInterfaceApplied(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.interfacesApplied.WithLabelValues(result).Inc()
}

// HandlerFor returns an HTTP handler serving the metrics in reg
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
