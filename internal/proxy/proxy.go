// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package proxy assembles the upstream connector, the downstream registry
// and the HTTP endpoints into one worker.
package proxy

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/jetstreamproxy/core/demand"
	"github.com/juju/jetstreamproxy/internal/bus"
	"github.com/juju/jetstreamproxy/internal/downstream"
	"github.com/juju/jetstreamproxy/internal/httpserver"
	"github.com/juju/jetstreamproxy/internal/status"
	"github.com/juju/jetstreamproxy/internal/upstream"
	"github.com/juju/jetstreamproxy/internal/zstddict"
)

const (
	// DefaultDictionaryID is the id frames are expected to carry when the
	// dictionary is raw content rather than a trained dictionary.
	DefaultDictionaryID = 1

	eventBuffer = 1024
)

var logger = loggo.GetLogger("jetstreamproxy")

// Config holds everything the proxy needs to run.
type Config struct {
	UpstreamURL *url.URL

	// Listener is served on when set; otherwise Address is listened on.
	Listener net.Listener
	Address  string

	// Dictionary is the zstd dictionary the firehose compresses with.
	Dictionary   []byte
	DictionaryID uint32

	// Dialer defaults to a gorilla websocket dialer.
	Dialer upstream.Dialer
	Clock  clock.Clock

	ConnectTimeout time.Duration
	ReconnectDelay time.Duration

	// Downstream holds the per-subscriber settings. Members, Metrics and
	// Logger are filled in by the proxy.
	Downstream downstream.HandlerConfig
}

// Validate returns an error if the config cannot be used to start a
// Proxy.
func (config Config) Validate() error {
	if config.UpstreamURL == nil {
		return errors.NotValidf("nil UpstreamURL")
	}
	if config.Listener == nil && config.Address == "" {
		return errors.NotValidf("missing Listener and Address")
	}
	if len(config.Dictionary) == 0 {
		return errors.NotValidf("empty Dictionary")
	}
	if config.ConnectTimeout < 0 {
		return errors.NotValidf("negative ConnectTimeout")
	}
	if config.ReconnectDelay < 0 {
		return errors.NotValidf("negative ReconnectDelay")
	}
	return nil
}

// Proxy is the worker running the whole relay. It dies when any of its
// parts does.
type Proxy struct {
	catacomb catacomb.Catacomb

	hub       *pubsub.SimpleHub
	tracker   *status.Tracker
	decoder   *zstddict.Decoder
	connector *upstream.Connector
	registry  *downstream.Registry
	server    *httpserver.Server
}

// New starts a Proxy. The upstream subscription starts out empty and
// follows the subscribers as they come and go.
func New(config Config) (*Proxy, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.DictionaryID == 0 {
		config.DictionaryID = DefaultDictionaryID
	}
	if config.Dialer == nil {
		config.Dialer = upstream.WebsocketDialer{Dialer: websocket.DefaultDialer}
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = upstream.DefaultConnectTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = upstream.DefaultReconnectDelay
	}

	p := &Proxy{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("jetstreamproxy.hub"),
		}),
	}
	p.tracker = status.NewTracker(p.hub)

	var err error
	p.decoder, err = zstddict.NewDecoder(config.Dictionary, config.DictionaryID)
	if err != nil {
		p.tracker.Close()
		return nil, errors.Trace(err)
	}

	workers, err := p.build(config)
	if err != nil {
		p.cleanup()
		return nil, errors.Trace(err)
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Name: "jetstream-proxy",
		Site: &p.catacomb,
		Work: p.loop,
		Init: workers,
	}); err != nil {
		for _, w := range workers {
			_ = worker.Stop(w)
		}
		p.cleanup()
		return nil, errors.Trace(err)
	}
	logger.Infof("relaying %s on %s", config.UpstreamURL.Redacted(), p.server.Addr())
	return p, nil
}

// build creates the parts of the proxy. Their construction order follows
// the data: bus, connector, registry, then the endpoints.
func (p *Proxy) build(config Config) ([]worker.Worker, error) {
	upstreamMetrics := upstream.NewMetricsCollector()
	downstreamMetrics := downstream.NewMetricsCollector()
	registerer := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		upstreamMetrics,
		downstreamMetrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.Annotate(err, "registering metrics")
		}
	}

	events := bus.New(eventBuffer)

	var err error
	p.connector, err = upstream.NewConnector(upstream.Config{
		URL:            config.UpstreamURL,
		Dialer:         config.Dialer,
		Decompressor:   p.decoder,
		Events:         events,
		Hub:            p.hub,
		Metrics:        upstreamMetrics,
		Clock:          config.Clock,
		Logger:         loggo.GetLogger("jetstreamproxy.upstream"),
		ConnectTimeout: config.ConnectTimeout,
		ReconnectDelay: config.ReconnectDelay,
		Demand:         demand.Aggregate(),
	})
	if err != nil {
		return nil, errors.Annotate(err, "starting upstream connector")
	}
	workers := []worker.Worker{p.connector}

	p.registry, err = downstream.NewRegistry(downstream.RegistryConfig{
		Source:  events,
		Demand:  p.connector,
		Hub:     p.hub,
		Metrics: downstreamMetrics,
		Logger:  loggo.GetLogger("jetstreamproxy.registry"),
	})
	if err != nil {
		stopAll(workers)
		return nil, errors.Annotate(err, "starting downstream registry")
	}
	workers = append(workers, p.registry)

	handlerConfig := config.Downstream
	handlerConfig.Members = events
	handlerConfig.Metrics = downstreamMetrics
	handlerConfig.Logger = loggo.GetLogger("jetstreamproxy.downstream")
	subscribers, err := downstream.NewHandler(handlerConfig)
	if err != nil {
		stopAll(workers)
		return nil, errors.Trace(err)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.Handle("/status", p.tracker).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(subscribers)

	p.server, err = httpserver.NewServer(httpserver.Config{
		Listener: config.Listener,
		Address:  config.Address,
		Handler:  router,
		Logger:   loggo.GetLogger("jetstreamproxy.http"),
	})
	if err != nil {
		stopAll(workers)
		return nil, errors.Trace(err)
	}
	return append(workers, p.server), nil
}

// Addr returns the address subscribers connect to.
func (p *Proxy) Addr() net.Addr {
	return p.server.Addr()
}

// Hub returns the hub status notifications are published on.
func (p *Proxy) Hub() *pubsub.SimpleHub {
	return p.hub
}

// Status returns the latest upstream and demand state.
func (p *Proxy) Status() status.Snapshot {
	return p.tracker.Snapshot()
}

// Report merges the reports of the upstream and downstream workers.
func (p *Proxy) Report() map[string]interface{} {
	return map[string]interface{}{
		"upstream":   p.connector.Report(),
		"downstream": p.registry.Report(),
	}
}

// Kill is part of the worker.Worker interface.
func (p *Proxy) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Proxy) Wait() error {
	return p.catacomb.Wait()
}

func (p *Proxy) loop() error {
	<-p.catacomb.Dying()
	// The connector must be gone before the decoder it uses is closed.
	if err := worker.Stop(p.connector); err != nil {
		logger.Debugf("upstream connector stopped: %v", err)
	}
	p.cleanup()
	return p.catacomb.ErrDying()
}

func (p *Proxy) cleanup() {
	p.tracker.Close()
	p.decoder.Close()
}

func stopAll(workers []worker.Worker) {
	for _, w := range workers {
		if err := worker.Stop(w); err != nil {
			logger.Debugf("stopping %T: %v", w, err)
		}
	}
}
