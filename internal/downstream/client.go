// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package downstream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/juju/jetstreamproxy/core/subscriber"
	"github.com/juju/jetstreamproxy/internal/bus"
)

// maxMessageSize limits what a subscriber may send us. Nothing a
// subscriber sends is acted on.
const maxMessageSize = 64 * 1024

// client is one subscriber connection. Messages are written by a single
// writer goroutine, in the order they were delivered.
type client struct {
	ws     *websocket.Conn
	sub    *subscriber.Subscriber
	config HandlerConfig

	outbox chan bus.Message
	done   chan struct{}
	once   sync.Once
}

func newClient(ws *websocket.Conn, sub *subscriber.Subscriber, config HandlerConfig) *client {
	return &client{
		ws:     ws,
		sub:    sub,
		config: config,
		outbox: make(chan bus.Message, config.OutboxSize),
		done:   make(chan struct{}),
	}
}

// Subscriber is part of the bus.Client interface.
func (c *client) Subscriber() *subscriber.Subscriber {
	return c.sub
}

// Deliver is part of the bus.Client interface. It never blocks; a full
// outbox means the message is dropped.
func (c *client) Deliver(msg bus.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

// Close is part of the bus.Client interface.
func (c *client) Close() {
	c.once.Do(func() { close(c.done) })
}

// run pumps messages to the subscriber until either side gives up.
func (c *client) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()
	c.Close()
	<-writerDone
}

// readLoop only exists to process control frames, and to notice when
// the subscriber goes away.
func (c *client) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongDelay))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.PongDelay))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.config.Logger.Debugf("subscriber %s read error: %v", c.sub.ID(), err)
			}
			return
		}
	}
}

func (c *client) writeLoop() {
	// Unblock the reader however the writer stops.
	defer c.ws.Close()

	ticker := time.NewTicker(c.config.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteWait))
			return
		case msg := <-c.outbox:
			messageType := websocket.TextMessage
			if msg.Binary {
				messageType = websocket.BinaryMessage
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(messageType, msg.Data); err != nil {
				c.config.Logger.Debugf("subscriber %s write error: %v", c.sub.ID(), err)
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Expected if the other end goes away.
				c.config.Logger.Debugf("failed to write ping to %s: %v", c.sub.ID(), err)
				c.Close()
				return
			}
		}
	}
}
