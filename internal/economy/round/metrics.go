package round

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report round pipeline activity.
type Metrics struct {
	stageDuration     *prometheus.HistogramVec
	stageFailures     *prometheus.CounterVec
	bidsPlaced        prometheus.Counter
	taskOutcomes      *prometheus.CounterVec
	triggerDispatches *prometheus.CounterVec
	agentsByStatus    *prometheus.GaugeVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the orchestrator is instantiated
// multiple times (e.g. in unit tests or multi-market runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will
// panic, which mirrors the semantics of promauto helpers and surfaces
// configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agora",
			Subsystem: "round",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each round pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "round",
			Name:      "stage_failures_total",
			Help:      "Total number of stage executions that failed.",
		},
		[]string{"stage"},
	)
	bidsPlaced := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "round",
			Name:      "bids_placed_total",
			Help:      "Total bids placed across all rounds.",
		},
	)
	taskOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "round",
			Name:      "task_outcomes_total",
			Help:      "Tasks settled or expired, by outcome.",
		},
		[]string{"outcome"},
	)
	triggerDispatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agora",
			Subsystem: "round",
			Name:      "trigger_dispatches_total",
			Help:      "Advisor dispatches by trigger type.",
		},
		[]string{"type"},
	)
	agentsByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agora",
			Subsystem: "round",
			Name:      "agents",
			Help:      "Agents in each lifecycle status after the latest round.",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{stageDuration, stageFailures, bidsPlaced, taskOutcomes, triggerDispatches, agentsByStatus}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case stageFailures:
						stageFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case taskOutcomes:
						taskOutcomes = already.ExistingCollector.(*prometheus.CounterVec)
					case triggerDispatches:
						triggerDispatches = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Counter:
					bidsPlaced = already.ExistingCollector.(prometheus.Counter)
				case *prometheus.GaugeVec:
					agentsByStatus = already.ExistingCollector.(*prometheus.GaugeVec)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration:     stageDuration,
		stageFailures:     stageFailures,
		bidsPlaced:        bidsPlaced,
		taskOutcomes:      taskOutcomes,
		triggerDispatches: triggerDispatches,
		agentsByStatus:    agentsByStatus,
	}
}

// ObserveStageDuration records the time spent in a stage with the provided status label.
func (m *Metrics) ObserveStageDuration(stage string, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncStageFailure increments the failure counter for the given stage.
func (m *Metrics) IncStageFailure(stage string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage).Inc()
}

// AddBidsPlaced adds to the bid counter.
func (m *Metrics) AddBidsPlaced(n int) {
	if m == nil || m.bidsPlaced == nil || n <= 0 {
		return
	}
	m.bidsPlaced.Add(float64(n))
}

// IncTaskOutcome increments the settled/expired counter for an outcome.
func (m *Metrics) IncTaskOutcome(outcome string) {
	if m == nil || m.taskOutcomes == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(outcome).Inc()
}

// IncTriggerDispatch increments the advisor dispatch counter for a trigger type.
func (m *Metrics) IncTriggerDispatch(triggerType string) {
	if m == nil || m.triggerDispatches == nil {
		return
	}
	m.triggerDispatches.WithLabelValues(triggerType).Inc()
}

// SetAgentsByStatus records the population of one lifecycle status.
func (m *Metrics) SetAgentsByStatus(status string, n int) {
	if m == nil || m.agentsByStatus == nil {
		return
	}
	m.agentsByStatus.WithLabelValues(status).Set(float64(n))
}
