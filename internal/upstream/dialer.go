// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upstream

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// Conn is an open upstream connection. Every message read from it comes
// back as a single byte slice, whatever framing the transport used.
type Conn interface {
	// ReadMessage blocks until a whole message is available.
	ReadMessage() (binary bool, data []byte, err error)

	// WriteMessage sends a text message.
	WriteMessage(data []byte) error

	// Close tears down the connection, unblocking any reader.
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the firehose over websockets.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial is part of the Dialer interface.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dialing upstream (%s)", resp.Status)
		}
		return nil, errors.Annotate(err, "dialing upstream")
	}
	return &websocketConn{ws: ws}, nil
}

type websocketConn struct {
	ws *websocket.Conn
}

func (c *websocketConn) ReadMessage() (bool, []byte, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return false, nil, errors.Trace(err)
	}
	return messageType == websocket.BinaryMessage, data, nil
}

func (c *websocketConn) WriteMessage(data []byte) error {
	return errors.Trace(c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *websocketConn) Close() error {
	return errors.Trace(c.ws.Close())
}
