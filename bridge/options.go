package bridge

import (
	"time"

	"github.com/guseggert/procbridge/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type config struct {
	logger       *zap.Logger
	maxFails     int
	restartDelay time.Duration
	fatalHandler func(*supervisor.FatalError)
	registerer   prometheus.Registerer
	tracer       trace.Tracer
}

type Option func(c *config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMaxFails sets the number of consecutive worker failures tolerated before the bridge gives up.
func WithMaxFails(n int) Option {
	return func(c *config) {
		c.maxFails = n
	}
}

func WithRestartDelay(d time.Duration) Option {
	return func(c *config) {
		c.restartDelay = d
	}
}

// WithFatalHandler replaces the default fatal action, which exits the host process.
func WithFatalHandler(f func(*supervisor.FatalError)) Option {
	return func(c *config) {
		c.fatalHandler = f
	}
}

// WithRegisterer registers the bridge's Prometheus collectors with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) {
		c.registerer = r
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *config) {
		c.tracer = t
	}
}
