package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/xvanov/collabcanvas-sub002/engine"
	"github.com/xvanov/collabcanvas-sub002/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 16

	// Rate limiting: 20 messages per second with a burst of 30.
	// Clients throttle their own cursor streams before sending.
	messagesPerSecond = 20
	burstLimit        = 30
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

func NewClient(hub *Hub, conn *websocket.Conn, actor models.Actor, docId string, handler MessageHandler) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		Actor:   actor,
		DocId:   docId,
		Send:    make(chan []byte, 128),
		done:    make(chan struct{}),
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
	}
}

// Client is one websocket connection bound to an engine session on a
// single document.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	Actor   models.Actor
	DocId   string
	Session *engine.Session
	Send    chan []byte // Buffered channel of outbound messages.

	done      chan struct{}
	closeOnce sync.Once
	handler   MessageHandler
	limiter   *rate.Limiter
}

// shutdown stops both pumps and closes the socket. Safe to call from
// any goroutine, any number of times. The send channel itself is never
// closed because session callbacks push into it concurrently.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// push marshals an outbound envelope onto the send channel. A client
// that cannot keep up loses messages instead of blocking the session's
// subscriber goroutines; a client that missed scene events recovers
// with a resync.
func (c *Client) push(eventType string, data any) {
	messageBytes, err := json.Marshal(responseMessage{Type: eventType, Data: data})
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal outbound message")
		return
	}

	select {
	case <-c.done:
	case c.Send <- messageBytes:
	default:
		logrus.WithFields(logrus.Fields{
			"userId": c.Actor.Id,
			"type":   eventType,
		}).Warn("Send buffer full, dropping message")
	}
}

// ReadPump reads gestures off the socket and hands them to the message
// handler. It owns the read side; on exit the client is unregistered
// from the hub, which tears down the session.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.CloseCh <- c
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("userId", c.Actor.Id).Debug("Websocket closed unexpectedly")
			}
			break
		}

		if !c.limiter.Allow() {
			logrus.WithField("userId", c.Actor.Id).Warn("Message rate limit exceeded, closing connection")
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

// WritePump writes queued messages and keepalive pings to the socket.
func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()
	for {
		select {
		case messageBytes := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-shutdownCtx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
			)
			return
		}
	}
}

// teardown closes the engine session behind a disconnected client. It
// runs off the hub loop so a slow close never stalls other clients.
func (c *Client) teardown() {
	if c.Session == nil {
		return
	}
	if err := c.Session.Close(); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"docId":  c.DocId,
			"userId": c.Actor.Id,
		}).Warn("Session close failed")
	}
}
