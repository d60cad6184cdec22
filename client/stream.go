package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/guseggert/procbridge/server"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Stream sends many requests over one WebSocket connection. Replies arrive in completion order.
type Stream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Stream opens a WebSocket to the server's /stream endpoint.
// The connection is dialed with a plain HTTP client, since the retrying client cannot carry a protocol upgrade.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/stream"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: http.DefaultClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Send queues one request.
func (s *Stream) Send(ctx context.Context, id string, payload json.RawMessage) error {
	return wsjson.Write(ctx, s.conn, server.StreamRequest{ID: id, Payload: payload})
}

// Recv blocks until the next reply arrives.
func (s *Stream) Recv(ctx context.Context) (server.StreamReply, error) {
	var reply server.StreamReply
	err := wsjson.Read(ctx, s.conn, &reply)
	return reply, err
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
