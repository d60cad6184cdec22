package bridge

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "procbridge"
	metricsSubsystem = "bridge"
)

// metrics holds the bridge's Prometheus collectors. They are always updated; registering them is optional.
type metrics struct {
	submitted      prometheus.Counter
	replies        prometheus.Counter
	orphans        prometheus.Counter
	frameErrors    prometheus.Counter
	writeErrors    prometheus.Counter
	crashes        prometheus.Counter
	failedPending  prometheus.Counter
	invokeDuration *prometheus.HistogramVec
	pending        prometheus.GaugeFunc
	failCount      prometheus.GaugeFunc
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

func newGaugeFunc(name, help string, f func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}, f)
}

func newMetrics(pending, failCount func() float64) *metrics {
	return &metrics{
		submitted:     newCounter("requests_submitted_total", "Requests written to the worker"),
		replies:       newCounter("replies_total", "Replies matched to a pending request"),
		orphans:       newCounter("orphan_replies_total", "Replies dropped because no request was waiting for them"),
		frameErrors:   newCounter("frame_errors_total", "Worker output frames that could not be parsed"),
		writeErrors:   newCounter("write_errors_total", "Requests that could not be written to the worker"),
		crashes:       newCounter("worker_crashes_total", "Worker spawn failures and unexpected exits"),
		failedPending: newCounter("failed_pending_total", "Pending requests failed because the worker died"),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "invoke_duration_seconds",
			Help:      "Time from submission to reply, by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		pending:   newGaugeFunc("pending_requests", "Requests awaiting a reply", pending),
		failCount: newGaugeFunc("worker_fail_count", "Consecutive worker failures", failCount),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.submitted,
		m.replies,
		m.orphans,
		m.frameErrors,
		m.writeErrors,
		m.crashes,
		m.failedPending,
		m.invokeDuration,
		m.pending,
		m.failCount,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
