package services

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = (pongTimeout * 9) / 10
	maxFrameSize = 64 * 1024
)

// Client pumps frames between one websocket and its Session.
type Client struct {
	conn       *websocket.Conn
	session    *Session
	dispatcher *Dispatcher
	log        *zap.Logger
}

func NewClient(conn *websocket.Conn, session *Session, dispatcher *Dispatcher, log *zap.Logger) *Client {
	return &Client{conn: conn, session: session, dispatcher: dispatcher, log: log}
}

// Serve registers the session, runs the write pump in the background and
// reads until the socket fails. It returns after the session is torn down.
func (c *Client) Serve(ctx context.Context) {
	c.dispatcher.Connect(c.session)
	done := make(chan struct{})
	go func() {
		c.WriteMessages()
		close(done)
	}()

	c.ReadMessages(ctx)

	c.dispatcher.Disconnect(c.session)
	<-done
}

func (c *Client) ReadMessages(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.String("userId", c.session.UserID), zap.Error(err))
			}
			return
		}
		c.dispatcher.HandleFrame(ctx, c.session, msg)
	}
}

// WriteMessages drains the session outbox and keeps the socket alive with
// pings. It closes the socket when the outbox is closed or a write fails.
func (c *Client) WriteMessages() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.session.Outbox():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write failed", zap.String("userId", c.session.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
