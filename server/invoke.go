package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/guseggert/procbridge/bridge"
	"github.com/guseggert/procbridge/correlation"
	"github.com/guseggert/procbridge/internal/jsoncodec"
	"github.com/guseggert/procbridge/protocol"
	"github.com/guseggert/procbridge/supervisor"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("reading body: %s", err), http.StatusRequestEntityTooLarge)
		return
	}
	payload, err := payloadFromBody(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if s.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.invokeTimeout)
		defer cancel()
	}

	reply, err := s.bridge.Invoke(ctx, protocol.Request{
		ID:      id,
		Payload: payload,
		Context: requestContext(r),
	})
	if err != nil {
		code := errorStatus(err)
		s.log.Debugw("invoke failed", "ID", id, "Status", code, "Error", err)
		http.Error(w, err.Error(), code)
		return
	}
	s.writeReply(w, reply.Body())
}

// payloadFromBody passes JSON bodies through and wraps anything else in a JSON string.
func payloadFromBody(body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if jsoncodec.Valid(body) {
		return json.RawMessage(body), nil
	}
	b, err := jsoncodec.Marshal(string(body))
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	return b, nil
}

func requestContext(r *http.Request) map[string]any {
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sourceIP = host
	}
	return map[string]any{
		"method":   r.Method,
		"path":     r.URL.Path,
		"query":    r.URL.RawQuery,
		"sourceIp": sourceIP,
	}
}

// proxyResponse is a reply payload that describes an HTTP response.
// Workers send statusCode as either a number or a numeric string.
type proxyResponse struct {
	StatusCode json.RawMessage   `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       *string           `json:"body"`
}

func (p proxyResponse) status() (int, bool) {
	raw := p.StatusCode
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if jsoncodec.Unmarshal(raw, &s) == nil {
		raw = json.RawMessage(s)
	}
	code, err := strconv.Atoi(string(raw))
	if err != nil || code < 100 || code > 999 {
		return 0, false
	}
	return code, true
}

func (s *Server) writeReply(w http.ResponseWriter, body json.RawMessage) {
	var resp proxyResponse
	if err := jsoncodec.Unmarshal(body, &resp); err == nil {
		if code, ok := resp.status(); ok {
			for k, v := range resp.Headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(code)
			if resp.Body != nil {
				if _, err := io.WriteString(w, *resp.Body); err != nil {
					s.log.Debugf("error writing response body: %s", err)
				}
			}
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.log.Debugf("error writing response body: %s", err)
	}
}

func errorStatus(err error) int {
	var (
		dupErr   *correlation.DuplicateIDError
		spawnErr *supervisor.SpawnError
		exitErr  *supervisor.WorkerExitedError
		writeErr *bridge.WriteAfterCloseError
		fatalErr *supervisor.FatalError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// the client went away; nobody reads this
		return 499
	case errors.As(err, &dupErr):
		return http.StatusConflict
	case errors.As(err, &fatalErr), errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &spawnErr), errors.As(err, &exitErr), errors.As(err, &writeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, code int, v any) {
	b, err := jsoncodec.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Debugf("error writing JSON response: %s", err)
	}
}
