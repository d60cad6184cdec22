package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guseggert/procbridge/bridge"
	"github.com/guseggert/procbridge/internal/fakeworker"
	"github.com/guseggert/procbridge/protocol"
	"github.com/guseggert/procbridge/server"
	"github.com/guseggert/procbridge/supervisor"
	"github.com/guseggert/procbridge/workerkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServer(t *testing.T, h workerkit.HandlerFunc) (*httptest.Server, *bridge.Bridge) {
	t.Helper()
	spawner := fakeworker.NewSpawner()
	spawner.Handler = h
	b, err := bridge.New(spawner,
		bridge.WithLogger(zap.NewNop()),
		bridge.WithFatalHandler(func(*supervisor.FatalError) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	ts := httptest.NewServer(server.New(b).Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func echo(ctx context.Context, req protocol.Request) (any, error) {
	return req.Payload, nil
}

func TestInvoke(t *testing.T) {
	ts, _ := newServer(t, echo)
	c := New(ts.URL)
	ctx := context.Background()

	resp, err := c.Invoke(ctx, "a", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", resp.ID)
	var out map[string]int
	require.NoError(t, resp.JSON(&out))
	assert.Equal(t, 1, out["n"])

	resp, err = c.Invoke(ctx, "", json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
	assert.JSONEq(t, `[1,2]`, string(resp.Body))
}

func TestInvokeWorkerStatusIsNotAnError(t *testing.T) {
	ts, _ := newServer(t, func(ctx context.Context, req protocol.Request) (any, error) {
		return nil, errors.New("handler failed")
	})
	c := New(ts.URL)

	resp, err := c.Invoke(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "handler failed", string(resp.Body))
}

func TestInvokeBridgeError(t *testing.T) {
	ts, b := newServer(t, echo)
	require.NoError(t, b.Close())
	c := New(ts.URL)

	_, err := c.Invoke(context.Background(), "a", "{}")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "a", statusErr.ID)
}

func TestHeartbeatAndWaitForServer(t *testing.T) {
	ts, _ := newServer(t, echo)
	c := New(ts.URL, WithWaitInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))

	hb, err := c.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", hb.State)
}

func TestWaitForServerGivesUp(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	c := New(ts.URL, WithWaitInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitForServer(ctx), context.DeadlineExceeded)
}

func TestStream(t *testing.T) {
	ts, _ := newServer(t, echo)
	c := New(ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := c.Stream(ctx)
	require.NoError(t, err)
	defer s.Close()

	const n = 20
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for i := 0; i < n; i++ {
			if err := s.Send(gctx, string(rune('a'+i)), json.RawMessage(`{"i":`+string(rune('0'+i%10))+`}`)); err != nil {
				return err
			}
		}
		return nil
	})
	seen := map[string]bool{}
	group.Go(func() error {
		for len(seen) < n {
			reply, err := s.Recv(gctx)
			if err != nil {
				return err
			}
			if reply.Error != "" {
				return errors.New(reply.Error)
			}
			seen[reply.ID] = true
		}
		return nil
	})
	require.NoError(t, group.Wait())
	assert.Len(t, seen, n)
}
