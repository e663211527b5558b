// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package downstream

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/rs/xid"

	"github.com/juju/jetstreamproxy/core/demand"
	"github.com/juju/jetstreamproxy/core/subscriber"
	"github.com/juju/jetstreamproxy/internal/bus"
)

const (
	// CloseRejected is the close code sent to subscribers that are
	// turned away.
	CloseRejected = 4000

	reasonBadURL        = "cannot read request url"
	reasonBadCollection = "bad collection"

	// DefaultOutboxSize is how many messages may be queued for a
	// subscriber before further messages are dropped.
	DefaultOutboxSize = 1024

	// pongDelay is how long to wait for a pong before the subscriber is
	// considered gone.
	pongDelay = 90 * time.Second

	// pingPeriod must be shorter than pongDelay, but not by too much.
	pingPeriod = (pongDelay * 8) / 9

	// writeWait bounds every write to a subscriber.
	writeWait = 10 * time.Second
)

// Members is how the handler registers and unregisters subscribers.
type Members interface {
	Join(ctx context.Context, client bus.Client) error
	Leave(ctx context.Context, id string) error
}

// HandlerConfig holds the dependencies and settings of a Handler.
type HandlerConfig struct {
	Members Members
	Metrics *Collector
	Logger  Logger

	// NewID returns the identifier of a new subscriber. Identifiers
	// must be unique among the connected subscribers.
	NewID func() string

	OutboxSize int
	PingPeriod time.Duration
	PongDelay  time.Duration
	WriteWait  time.Duration
}

// Validate returns an error if the config cannot be used.
func (config HandlerConfig) Validate() error {
	if config.Members == nil {
		return errors.NotValidf("nil Members")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.OutboxSize < 0 {
		return errors.NotValidf("negative OutboxSize")
	}
	return nil
}

// Handler is the websocket endpoint subscribers connect to. It serves
// every path.
type Handler struct {
	config   HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler, filling in defaults for any unset
// settings.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.NewID == nil {
		config.NewID = func() string { return xid.New().String() }
	}
	if config.OutboxSize == 0 {
		config.OutboxSize = DefaultOutboxSize
	}
	if config.PongDelay <= 0 {
		config.PongDelay = pongDelay
	}
	if config.PingPeriod <= 0 || config.PingPeriod >= config.PongDelay {
		config.PingPeriod = (config.PongDelay * 8) / 9
	}
	if config.WriteWait <= 0 {
		config.WriteWait = writeWait
	}
	return &Handler{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already replied.
		h.config.Logger.Debugf("problem initiating websocket: %v", err)
		return
	}
	defer ws.Close()

	id := h.config.NewID()
	query, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		h.reject(ws, id, rejectBadRequest, reasonBadURL)
		return
	}
	opts, err := subscriber.ParseQuery(query)
	if err != nil {
		h.config.Logger.Debugf("subscriber %s: %v", id, err)
		h.reject(ws, id, rejectBadCollection, reasonBadCollection)
		return
	}

	sub := subscriber.New(id, opts)
	client := newClient(ws, sub, h.config)
	ctx := req.Context()
	if err := h.config.Members.Join(ctx, client); err != nil {
		if errors.Is(err, demand.ErrTooManyCollections) {
			// The registry has already counted the rejection.
			h.close(ws, CloseRejected, err.Error())
			return
		}
		h.config.Logger.Warningf("subscriber %s not registered: %v", id, err)
		h.close(ws, websocket.CloseInternalServerErr, "")
		return
	}
	h.config.Logger.Infof("subscriber %s connected from %s, interest %s, only commit %v, compressed %v",
		id, req.RemoteAddr, opts.Interest, opts.OnlyCommit, opts.Raw)

	client.run()

	leaveCtx, cancel := context.WithTimeout(ctx, h.config.WriteWait)
	defer cancel()
	if err := h.config.Members.Leave(leaveCtx, id); err != nil {
		h.config.Logger.Debugf("subscriber %s leaving: %v", id, err)
	}
	h.config.Logger.Infof("subscriber %s disconnected", id)
}

func (h *Handler) reject(ws *websocket.Conn, id, label, reason string) {
	h.config.Metrics.rejected.WithLabelValues(label).Inc()
	h.config.Logger.Warningf("subscriber %s rejected: %s", id, reason)
	h.close(ws, CloseRejected, reason)
}

func (h *Handler) close(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(h.config.WriteWait)
	if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		h.config.Logger.Debugf("writing close message: %v", err)
	}
}
