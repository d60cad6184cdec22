// Package server exposes a bridge over HTTP.
// Each POST /invoke becomes one bridge request, GET /stream multiplexes many requests over a WebSocket,
// and GET /heartbeat and GET /metrics report on the worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/procbridge/bridge"
	"github.com/guseggert/procbridge/config"
	"github.com/guseggert/procbridge/protocol"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultListenAddr = config.DefaultListenAddr
	// RequestIDHeader carries the correlation id. A request without one gets a generated id.
	RequestIDHeader = "X-Request-Id"

	maxBodyBytes = 6 << 20
)

// Bridge is the part of *bridge.Bridge the server uses.
type Bridge interface {
	Invoke(ctx context.Context, req protocol.Request) (protocol.Reply, error)
	Status() bridge.Status
}

type Server struct {
	log *zap.SugaredLogger

	bridge        Bridge
	listenAddr    string
	invokeTimeout time.Duration
	gatherer      prometheus.Gatherer

	router     *httprouter.Router
	httpServer *http.Server
	started    time.Time
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithInvokeTimeout bounds how long a request waits for its reply. Zero waits until the client goes away.
func WithInvokeTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.invokeTimeout = d
	}
}

// WithGatherer sets the metrics source for /metrics. Defaults to the Prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func New(b Bridge, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		bridge:     b,
		listenAddr: DefaultListenAddr,
		gatherer:   prometheus.DefaultGatherer,
		started:    time.Now(),
	}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	router.POST("/invoke", s.invoke)
	router.GET("/stream", s.stream)
	router.GET("/heartbeat", s.heartbeat)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router = router
	s.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.log.Infow("listening", "Addr", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting connections and waits for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// HeartbeatResponse reports the bridge's worker.
type HeartbeatResponse struct {
	bridge.Status
	Uptime string `json:"uptime"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(s.log, w, http.StatusOK, HeartbeatResponse{
		Status: s.bridge.Status(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}
