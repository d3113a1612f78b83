package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client pumps one websocket connection to and from its session. The write
// pump is the only writer on conn.
type Client struct {
	s    *Server
	sess *session.Session
	conn *websocket.Conn
	log  *zap.Logger
}

// set up websocket
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	sess := s.sessions.Connect(userFrom(r.Context()))
	c := &Client{
		s:    s,
		sess: sess,
		conn: conn,
		log:  s.log.With(zap.String("session", sess.ID())),
	}
	go c.writePump()
	c.interact(r.Context())
}

// interact reads requests until the connection fails, handling them in
// arrival order.
func (c *Client) interact(ctx context.Context) {
	defer func() {
		c.s.sessions.Disconnect(c.sess)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read failed", zap.Error(err))
			}
			return
		}

		var req common.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.s.sessions.Deliver(c.sess.ID(), common.ErrorResponse(req, common.Protocolf("malformed message: %v", err)))
			continue
		}
		c.s.sessions.Handle(ctx, c.sess, req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case res, ok := <-c.sess.Out():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// session ended, possibly for falling behind
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(res); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
