/*
Package bridge lets many concurrent request handlers share one long-lived worker process.

Each request is registered in a correlation table under its id, written to the worker's stdin as one JSON line,
and completed when the worker writes a reply line with the same id to stdout. Replies may come back in any order.
If the worker dies, every pending request fails at once and the supervisor starts a replacement, until the fail
budget is spent.

A Bridge is built once per host process and lives until Close or a fatal supervisor error.
*/
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/procbridge/correlation"
	"github.com/guseggert/procbridge/protocol"
	"github.com/guseggert/procbridge/supervisor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/guseggert/procbridge/bridge"

// Event is the handler-facing form of a request.
// ID is derived by the invocation glue from the platform's request envelope.
type Event struct {
	ID      string
	Payload json.RawMessage
	Context map[string]any
}

// Status is a point-in-time view of the bridge.
type Status struct {
	State     string `json:"state"`
	FailCount int    `json:"failCount"`
	Pending   int    `json:"pending"`
	Pid       int    `json:"pid,omitempty"`
}

type Bridge struct {
	log     *zap.SugaredLogger
	sup     *supervisor.Supervisor
	table   *correlation.Table
	enc     *protocol.Encoder
	metrics *metrics
	tracer  trace.Tracer
}

// New builds a bridge around workers started by spawner. The first worker is spawned by the first request.
func New(spawner supervisor.Spawner, opts ...Option) (*Bridge, error) {
	cfg := &config{
		maxFails:     supervisor.DefaultMaxFails,
		fatalHandler: supervisor.FatalExit,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		cfg.logger = logger
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}

	b := &Bridge{
		log:    cfg.logger.Named("bridge").Sugar(),
		table:  correlation.NewTable(),
		enc:    protocol.NewEncoder(),
		tracer: cfg.tracer,
	}
	b.sup = supervisor.New(spawner,
		supervisor.WithLogger(cfg.logger),
		supervisor.WithMaxFails(cfg.maxFails),
		supervisor.WithRestartDelay(cfg.restartDelay),
		supervisor.WithFrameHandler(b.handleFrame),
		supervisor.WithCrashHandler(b.handleCrash),
		supervisor.WithFatalHandler(cfg.fatalHandler),
	)
	b.metrics = newMetrics(
		func() float64 { return float64(b.table.Len()) },
		func() float64 { return float64(b.sup.FailCount()) },
	)
	if cfg.registerer != nil {
		if err := b.metrics.register(cfg.registerer); err != nil {
			b.sup.Close()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return b, nil
}

// Submit sends req to the worker and returns a handle that completes with the matching reply.
// It does not wait for the reply. Errors returned directly mean the request was never sent:
// *correlation.DuplicateIDError, *supervisor.SpawnError, *supervisor.FatalError, ErrClosed, or a context error.
// A failed write to the worker completes the handle with *WriteAfterCloseError instead.
func (b *Bridge) Submit(ctx context.Context, req protocol.Request) (*correlation.Handle, error) {
	ctx, span := b.tracer.Start(ctx, "Submit", trace.WithAttributes(attribute.String("request.id", req.ID)))
	defer span.End()

	h, err := b.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return h, err
}

func (b *Bridge) submit(ctx context.Context, req protocol.Request) (*correlation.Handle, error) {
	req, line, err := b.enc.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	h := correlation.NewHandle(req.ID)
	w, err := b.sup.WithWorker(ctx, func(*supervisor.Worker) error {
		return b.table.Register(h)
	})
	if err != nil {
		return nil, err
	}

	err = w.WriteLine(line)
	if err != nil {
		b.metrics.writeErrors.Inc()
		werr := &WriteAfterCloseError{ID: req.ID, Pid: w.Pid(), Err: err}
		b.log.Warnw("request write failed", "ID", req.ID, "Pid", w.Pid(), "Error", err)
		b.table.FailHandle(h, werr)
		return h, nil
	}
	b.metrics.submitted.Inc()
	b.log.Debugw("request submitted", "ID", req.ID, "Pid", w.Pid())
	return h, nil
}

// Invoke submits req and waits for its reply.
// If ctx ends first, ctx.Err() is returned and the request stays pending until the worker replies or dies.
func (b *Bridge) Invoke(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	start := time.Now()
	reply, err := b.invoke(ctx, req)
	b.metrics.invokeDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
	return reply, err
}

func (b *Bridge) invoke(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	h, err := b.Submit(ctx, req)
	if err != nil {
		return protocol.Reply{}, err
	}
	return h.Wait(ctx)
}

// Handle is the handler-facing entry point. It returns the reply's payload, or the whole reply frame if the worker
// sent no payload member.
func (b *Bridge) Handle(ctx context.Context, ev Event) (json.RawMessage, error) {
	reply, err := b.Invoke(ctx, protocol.Request{ID: ev.ID, Payload: ev.Payload, Context: ev.Context})
	if err != nil {
		return nil, err
	}
	return reply.Body(), nil
}

func (b *Bridge) Status() Status {
	return Status{
		State:     b.sup.State().String(),
		FailCount: b.sup.FailCount(),
		Pending:   b.table.Len(),
		Pid:       b.sup.Pid(),
	}
}

// Close stops the worker and fails any pending requests with ErrClosed.
func (b *Bridge) Close() error {
	err := b.sup.Close()
	if n := b.table.FailAll(ErrClosed); n > 0 {
		b.log.Infow("failed pending requests on close", "Count", n)
	}
	return err
}

func (b *Bridge) handleFrame(f protocol.Frame) {
	if f.Err != nil {
		b.metrics.frameErrors.Inc()
		b.log.Warnw("discarding malformed frame", "Error", f.Err)
		return
	}
	if err := b.table.Resolve(f.Reply); err != nil {
		b.metrics.orphans.Inc()
		b.log.Warnw("dropping reply", "ID", f.Reply.ID, "Error", err)
		return
	}
	b.metrics.replies.Inc()
}

func (b *Bridge) handleCrash(err error) {
	b.metrics.crashes.Inc()
	n := b.table.FailAll(err)
	b.metrics.failedPending.Add(float64(n))
	if n > 0 {
		b.log.Warnw("failed pending requests after worker crash", "Count", n, "Error", err)
	}
}

func outcome(err error) string {
	var (
		dupErr   *correlation.DuplicateIDError
		spawnErr *supervisor.SpawnError
		exitErr  *supervisor.WorkerExitedError
		writeErr *WriteAfterCloseError
		fatalErr *supervisor.FatalError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dupErr):
		return "duplicate_id"
	case errors.As(err, &fatalErr):
		return "fatal"
	case errors.As(err, &spawnErr):
		return "spawn_error"
	case errors.As(err, &exitErr):
		return "worker_exited"
	case errors.As(err, &writeErr):
		return "write_error"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
