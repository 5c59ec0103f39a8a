package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what the transaction executor does. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	commits       prometheus.Counter
	aborts        *prometheus.CounterVec
	conflicts     prometheus.Counter
	escalations   *prometheus.CounterVec
	retryWaits    prometheus.Counter
	retryTimeouts prometheus.Counter
	attempts      prometheus.Histogram
}

func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "commits_total",
				Help:      "Counter of committed transactions.",
			}),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "aborts_total",
				Help:      "Counter of transactions given up, by reason.",
			}, []string{"reason"}),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "conflicts_total",
				Help:      "Counter of attempts that failed with a read/write conflict.",
			}),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "escalations_total",
				Help:      "Counter of speculative escalations, by the shape that was left.",
			}, []string{"shape"}),
		retryWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "waits_total",
				Help:      "Counter of transactions blocked in retry.",
			}),
		retryTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "timeouts_total",
				Help:      "Counter of retry waits that ran out of time.",
			}),
		attempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "attempts",
				Help:      "Attempts needed by committed transactions.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			}),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.aborts, m.conflicts, m.escalations, m.retryWaits, m.retryTimeouts, m.attempts)
	}
	return m
}

func (m *Metrics) Commit(attempts int) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.attempts.Observe(float64(attempts))
}

func (m *Metrics) Abort(reason string) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) Escalation(shape string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(shape).Inc()
}

func (m *Metrics) RetryWait() {
	if m == nil {
		return
	}
	m.retryWaits.Inc()
}

func (m *Metrics) RetryTimeout() {
	if m == nil {
		return
	}
	m.retryTimeouts.Inc()
}
