// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upstream maintains the single subscription to the firehose,
// keeping it in line with what the downstream subscribers want.
package upstream

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/jetstreamproxy/core/demand"
	"github.com/juju/jetstreamproxy/core/event"
	"github.com/juju/jetstreamproxy/internal/status"
)

const (
	// DefaultConnectTimeout bounds each connection attempt.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReconnectDelay is how long to wait after losing the
	// connection before trying again.
	DefaultReconnectDelay = time.Second
)

// State is the lifecycle state of the upstream connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Logger represents the logging methods used by the connector.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Decompressor turns a compressed frame back into an event payload.
type Decompressor interface {
	Decode(frame []byte) ([]byte, error)
}

// Publisher receives every event read from the firehose, in order.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// Config holds the dependencies and settings of a Connector.
type Config struct {
	// URL is the firehose subscription endpoint. The collections to
	// subscribe to are added to its query.
	URL *url.URL

	Dialer       Dialer
	Decompressor Decompressor
	Events       Publisher

	// Hub receives status.UpstreamState notifications.
	Hub     *pubsub.SimpleHub
	Metrics *Collector
	Clock   clock.Clock
	Logger  Logger

	ConnectTimeout time.Duration
	ReconnectDelay time.Duration

	// Demand is used for the first connection.
	Demand demand.Demand
}

// Validate returns an error if the config cannot be used to start a
// Connector.
func (config Config) Validate() error {
	if config.URL == nil {
		return errors.NotValidf("nil URL")
	}
	if config.Dialer == nil {
		return errors.NotValidf("nil Dialer")
	}
	if config.Decompressor == nil {
		return errors.NotValidf("nil Decompressor")
	}
	if config.Events == nil {
		return errors.NotValidf("nil Events")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.ConnectTimeout <= 0 {
		return errors.NotValidf("non-positive ConnectTimeout")
	}
	if config.ReconnectDelay <= 0 {
		return errors.NotValidf("non-positive ReconnectDelay")
	}
	return nil
}

// Connector is a worker that keeps one firehose subscription open and
// feeds the events it reads to the configured Publisher.
//
// Failing to make the very first connection is fatal. After that, a lost
// connection is retried after ReconnectDelay, indefinitely.
type Connector struct {
	catacomb catacomb.Catacomb
	config   Config

	demandMu      sync.Mutex
	demand        demand.Demand
	demandChanged chan struct{}

	mu       sync.Mutex
	state    State
	url      string
	connects int
	since    time.Time
}

// NewConnector starts a Connector. The first connection is attempted
// straight away.
func NewConnector(config Config) (*Connector, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Connector{
		config:        config,
		demand:        config.Demand,
		demandChanged: make(chan struct{}, 1),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "upstream-connector",
		Site: &c.catacomb,
		Work: c.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Kill is part of the worker.Worker interface.
func (c *Connector) Kill() {
	c.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Connector) Wait() error {
	return c.catacomb.Wait()
}

// SetDemand records the demand the subscription should follow. It never
// blocks; only the latest demand matters.
func (c *Connector) SetDemand(d demand.Demand) {
	c.demandMu.Lock()
	c.demand = d
	c.demandMu.Unlock()

	select {
	case c.demandChanged <- struct{}{}:
	default:
	}
}

func (c *Connector) currentDemand() demand.Demand {
	c.demandMu.Lock()
	defer c.demandMu.Unlock()
	return c.demand
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Report is used by the engine report and the status endpoint.
func (c *Connector) Report() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"state":    string(c.state),
		"url":      c.url,
		"connects": c.connects,
		"since":    c.since,
	}
}

func (c *Connector) loop() error {
	ctx, cancel := c.scopedContext()
	defer cancel()
	defer c.setState(StateStopped, nil)

	sess, err := c.connect(ctx)
	if err != nil {
		select {
		case <-c.catacomb.Dying():
			return c.catacomb.ErrDying()
		default:
		}
		return errors.Annotate(err, "cannot connect to upstream")
	}

	var retry <-chan time.Time
	for {
		var closed <-chan struct{}
		if sess != nil {
			closed = sess.done
		}

		select {
		case <-c.catacomb.Dying():
			if sess != nil {
				c.endSession(sess)
			}
			return c.catacomb.ErrDying()

		case <-c.demandChanged:
			if sess == nil {
				// The next connection picks up the new demand.
				continue
			}
			d := c.currentDemand()
			if d.Equal(sess.demand) {
				continue
			}
			if err := c.updateOptions(sess, d); err != nil {
				c.config.Logger.Warningf("updating upstream subscription: %v", err)
				c.endSession(sess)
				sess = nil
				retry = c.scheduleReconnect(retry)
			}

		case <-closed:
			c.config.Logger.Warningf("upstream connection closed: %v", sess.err)
			c.endSession(sess)
			sess = nil
			retry = c.scheduleReconnect(retry)

		case <-retry:
			retry = nil
			if sess, err = c.connect(ctx); err != nil {
				c.config.Logger.Warningf("%v", err)
				retry = c.scheduleReconnect(nil)
			}
		}
	}
}

// scheduleReconnect returns the pending reconnect timer, starting one if
// there is none. There is never more than one.
func (c *Connector) scheduleReconnect(pending <-chan time.Time) <-chan time.Time {
	if pending != nil {
		return pending
	}
	c.setState(StateReconnecting, nil)
	c.config.Logger.Infof("reconnecting to upstream in %v", c.config.ReconnectDelay)
	return c.config.Clock.After(c.config.ReconnectDelay)
}

func (c *Connector) connect(ctx context.Context) (*session, error) {
	d := c.currentDemand()
	u := RequestURL(c.config.URL, d)
	c.setState(StateConnecting, u)

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	conn, err := c.config.Dialer.Dial(dialCtx, u.String())
	if err != nil {
		c.config.Metrics.connects.WithLabelValues(connectFailure).Inc()
		return nil, errors.Annotatef(err, "connecting to %s", u.Redacted())
	}
	c.config.Metrics.connects.WithLabelValues(connectSuccess).Inc()
	c.config.Metrics.connected.Set(1)
	c.config.Logger.Infof("connected to %s, demand %s", u.Redacted(), d)

	sessCtx, sessCancel := context.WithCancel(ctx)
	sess := &session{
		conn:   conn,
		demand: d,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}
	go c.read(sessCtx, sess)

	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	c.setState(StateOpen, u)
	return sess, nil
}

func (c *Connector) updateOptions(sess *session, d demand.Demand) error {
	msg, err := OptionsUpdate(d)
	if err != nil {
		return errors.Trace(err)
	}
	if err := sess.conn.WriteMessage(msg); err != nil {
		return errors.Annotate(err, "sending options update")
	}
	c.config.Logger.Infof("upstream demand updated to %s", d)
	sess.demand = d
	return nil
}

func (c *Connector) endSession(sess *session) {
	sess.close()
	c.config.Metrics.connected.Set(0)
}

// read runs for the lifetime of a session. It is the only goroutine
// reading from the connection.
func (c *Connector) read(ctx context.Context, sess *session) {
	defer close(sess.done)
	for {
		binary, frame, err := sess.conn.ReadMessage()
		if err != nil {
			sess.err = err
			return
		}
		c.config.Metrics.framesReceived.Inc()

		ev, err := c.decodeFrame(binary, frame)
		if err != nil {
			c.config.Logger.Debugf("dropping upstream frame: %v", err)
			continue
		}
		if err := c.config.Events.Publish(ctx, ev); err != nil {
			sess.err = errors.Trace(err)
			return
		}
	}
}

func (c *Connector) decodeFrame(binary bool, frame []byte) (*event.Event, error) {
	if !binary {
		c.config.Metrics.framesDropped.WithLabelValues(dropNotBinary).Inc()
		return nil, errors.NotSupportedf("text frame")
	}
	data, err := c.config.Decompressor.Decode(frame)
	if err != nil {
		c.config.Metrics.framesDropped.WithLabelValues(dropDecompress).Inc()
		return nil, errors.Trace(err)
	}
	ev, err := event.Decode(data)
	if err != nil {
		c.config.Metrics.framesDropped.WithLabelValues(dropDecode).Inc()
		return nil, errors.Trace(err)
	}
	ev.Raw = frame
	return ev, nil
}

func (c *Connector) setState(state State, u *url.URL) {
	c.mu.Lock()
	c.state = state
	if u != nil {
		c.url = u.Redacted()
	}
	c.since = c.config.Clock.Now()
	snapshot := status.UpstreamState{
		State:    string(c.state),
		URL:      c.url,
		Connects: c.connects,
		Since:    c.since,
	}
	c.mu.Unlock()

	_ = c.config.Hub.Publish(status.UpstreamTopic, snapshot)
}

func (c *Connector) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(c.catacomb.Context(context.Background()))
}

// session is a single open connection.
type session struct {
	conn   Conn
	demand demand.Demand
	cancel context.CancelFunc

	// done is closed by the reader when it stops; err is only valid
	// after that.
	done chan struct{}
	err  error
}

// close tears the connection down and waits for the reader to stop.
func (s *session) close() {
	s.cancel()
	_ = s.conn.Close()
	<-s.done
}

var _ worker.Worker = (*Connector)(nil)
