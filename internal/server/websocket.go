package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/lotse/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the gateway in front authenticates
	},
}

// wsIncoming is a frame from the client: a "message" to run a turn or a
// "cancel" for the turn in flight.
type wsIncoming struct {
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Tools    []string `json:"tools,omitempty"`
	Language string   `json:"language,omitempty"`
}

// wsOutgoing is a frame to the client.
type wsOutgoing struct {
	Type    string        `json:"type"` // chunk, error, done
	Chunk   *stream.Chunk `json:"chunk,omitempty"`
	Content string        `json:"content,omitempty"`
	Status  string        `json:"status,omitempty"`

	UnknownTools []string `json:"unknown_tools,omitempty"`
}

// wsConn serialises writes to one connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(v wsOutgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// wsSink adapts a connection to stream.Sink for the duration of one turn.
type wsSink struct {
	conn   *wsConn
	mu     sync.Mutex
	closed bool
}

func (s *wsSink) Push(ctx context.Context, c stream.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return stream.ErrClosed
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return s.conn.write(wsOutgoing{Type: "chunk", Chunk: &c})
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	c := callerFrom(r)

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}
	log := s.logger.With("session", sess.ID)

	// Turns outlive a single frame but not the connection.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	var turns sync.WaitGroup
	defer func() {
		cancel()
		turns.Wait()
	}()

	for {
		var msg wsIncoming
		if err := raw.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}

		switch msg.Type {
		case "cancel":
			s.runs.Cancel(sess.ID)
		case "message":
			if msg.Content == "" {
				conn.write(wsOutgoing{Type: "error", Content: "content is required"})
				continue
			}
			ctx, end, err := s.runs.Begin(connCtx, sess.ID)
			if err != nil {
				conn.write(wsOutgoing{Type: "error", Content: err.Error()})
				continue
			}
			turns.Add(1)
			go func() {
				defer turns.Done()
				defer end()
				s.processWebSocketMessage(ctx, conn, sess.ID, msg, c)
			}()
		default:
			conn.write(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

func (s *Server) processWebSocketMessage(ctx context.Context, conn *wsConn, id string, msg wsIncoming, c caller) {
	// Reload: a previous turn may have changed the status.
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		conn.write(wsOutgoing{Type: "error", Content: err.Error()})
		return
	}

	t, err := s.prepareSessionTurn(ctx, sess, messageRequest{
		Content:  msg.Content,
		Tools:    msg.Tools,
		Language: msg.Language,
	}, c)
	if err != nil {
		se := newStreamError(err)
		conn.write(wsOutgoing{Type: "error", Content: se.Error, UnknownTools: se.UnknownTools})
		return
	}

	started := time.Now()
	s.beginSessionTurn(ctx, sess, msg.Content)
	res, runErr := t.agent.Run(ctx, t.req, &wsSink{conn: conn})
	s.finishSessionTurn(ctx, sess, res, runErr, started)

	switch {
	case res != nil:
		conn.write(wsOutgoing{Type: "done", Status: string(res.Status), Content: res.Answer})
	case runErr != nil:
		se := newStreamError(runErr)
		conn.write(wsOutgoing{Type: "error", Content: se.Error, UnknownTools: se.UnknownTools})
	}
}
