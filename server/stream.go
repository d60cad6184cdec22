package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/guseggert/procbridge/protocol"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// StreamRequest is a client message on /stream.
type StreamRequest struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StreamReply is sent once per StreamRequest, in completion order. Exactly one of Payload and Error is set.
type StreamReply struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Status  int             `json:"status,omitempty"`
}

// stream multiplexes bridge requests over one WebSocket connection.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("stream WebSocket accept error: %s", err)
		return
	}
	conn.SetReadLimit(maxBodyBytes)
	s.log.Debug("accepted stream conn")

	// in-flight invokes are cancelled before waiting for them
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	reqCtx := requestContext(r)
	for {
		var msg StreamRequest
		err := wsjson.Read(ctx, conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.log.Debug("got normal closure from stream client")
			return
		}
		if err != nil {
			s.log.Debugf("stream reader got error: %s", err)
			conn.Close(websocket.StatusInternalError, err.Error())
			return
		}
		if msg.ID == "" {
			s.writeStreamReply(ctx, conn, StreamReply{Error: "message has no id", Status: http.StatusBadRequest})
			continue
		}
		if len(msg.Payload) == 0 {
			msg.Payload = json.RawMessage("null")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.writeStreamReply(ctx, conn, s.invokeStream(ctx, msg, reqCtx))
		}()
	}
}

func (s *Server) invokeStream(ctx context.Context, msg StreamRequest, reqCtx map[string]any) StreamReply {
	if s.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.invokeTimeout)
		defer cancel()
	}
	reply, err := s.bridge.Invoke(ctx, protocol.Request{ID: msg.ID, Payload: msg.Payload, Context: reqCtx})
	if err != nil {
		return StreamReply{ID: msg.ID, Error: err.Error(), Status: errorStatus(err)}
	}
	return StreamReply{ID: msg.ID, Payload: reply.Body()}
}

func (s *Server) writeStreamReply(ctx context.Context, conn *websocket.Conn, reply StreamReply) {
	if err := wsjson.Write(ctx, conn, reply); err != nil {
		s.log.Debugw("error writing stream reply", "ID", reply.ID, "Error", err)
	}
}
