// Package workerkit is the worker side of the bridge protocol.
// A worker built on Serve reads request lines from stdin and writes exactly one reply line per request to stdout.
// Requests are handled concurrently, so replies are written in completion order rather than arrival order.
//
// Stdout belongs to the protocol. Workers must log to stderr, which is zap's default for production loggers.
package workerkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/procbridge/internal/jsoncodec"
	"github.com/guseggert/procbridge/protocol"
	"go.uber.org/zap"
)

// HandlerFunc handles one request. The returned value is JSON-encoded as the reply payload.
// A returned error, or a panic, is turned into a 500 ProxyResponse.
type HandlerFunc func(ctx context.Context, req protocol.Request) (any, error)

// ProxyResponse is an HTTP-shaped payload that the bridge's HTTP front end maps onto its response.
type ProxyResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

func NewProxyResponse(code int, headers map[string]string, body string, err error) *ProxyResponse {
	if err != nil && body == "" {
		body = err.Error()
	}
	return &ProxyResponse{StatusCode: code, Headers: headers, Body: body}
}

type Option func(s *server)

func WithLogger(l *zap.Logger) Option {
	return func(s *server) {
		s.log = l.Named("workerkit").Sugar()
	}
}

// WithConcurrency bounds the number of requests handled at once. Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(s *server) {
		s.concurrency = n
	}
}

type server struct {
	log         *zap.SugaredLogger
	handler     HandlerFunc
	concurrency int

	outMu sync.Mutex
	out   io.Writer
}

// Serve handles requests read from r until r reaches EOF, then waits for in-flight handlers and returns.
// ctx is passed to handlers; cancelling it does not interrupt the blocking read on r.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h HandlerFunc, opts ...Option) error {
	s := &server{
		log:     zap.NewNop().Sugar(),
		handler: h,
		out:     w,
	}
	for _, o := range opts {
		o(s)
	}

	var sem chan struct{}
	if s.concurrency > 0 {
		sem = make(chan struct{}, s.concurrency)
	}

	var wg sync.WaitGroup
	err := protocol.ScanFrames(r, func(frame []byte, err error) {
		if err != nil {
			s.log.Warnw("skipping malformed request", "Error", err)
			return
		}
		var req protocol.Request
		err = jsoncodec.Unmarshal(frame, &req)
		if err != nil || req.ID == "" {
			s.log.Warnw("skipping request without id", "Frame", string(frame), "Error", err)
			return
		}
		if sem != nil {
			sem <- struct{}{}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			s.handle(ctx, req)
		}()
	})
	wg.Wait()
	return err
}

func (s *server) call(ctx context.Context, req protocol.Request) (payload any, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic: %v", e)
		}
	}()
	return s.handler(ctx, req)
}

func (s *server) handle(ctx context.Context, req protocol.Request) {
	payload, err := s.call(ctx, req)
	if err != nil {
		s.log.Debugw("handler failed", "ID", req.ID, "Error", err)
		payload = NewProxyResponse(http.StatusInternalServerError, nil, "", err)
	}
	line, err := protocol.MarshalReply(req.ID, payload)
	if err != nil {
		line, _ = protocol.MarshalReply(req.ID, NewProxyResponse(http.StatusInternalServerError, nil, "", err))
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(line); err != nil {
		s.log.Warnw("writing reply", "ID", req.ID, "Error", err)
	}
}
