// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package httpserver runs an http.Server as a worker.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

const (
	// DefaultShutdownTimeout bounds how long in-flight requests are given
	// to finish once the worker is killed.
	DefaultShutdownTimeout = 5 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Logger represents the logging methods used by the server.
type Logger interface {
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
}

// Config holds the dependencies and settings of a Server.
type Config struct {
	// Listener is served on. When nil, Address is listened on instead.
	Listener net.Listener
	Address  string

	Handler http.Handler
	Logger  Logger

	ShutdownTimeout time.Duration
}

// Validate returns an error if the config cannot be used to start a
// Server.
func (config Config) Validate() error {
	if config.Listener == nil && config.Address == "" {
		return errors.NotValidf("missing Listener and Address")
	}
	if config.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.ShutdownTimeout < 0 {
		return errors.NotValidf("negative ShutdownTimeout")
	}
	return nil
}

// Server is a worker serving HTTP until it is killed. The context of
// every request is cancelled when the worker starts dying, so that
// long-lived requests such as websockets notice.
type Server struct {
	tomb     tomb.Tomb
	config   Config
	listener net.Listener
	server   *http.Server
}

// NewServer starts listening and serving.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	listener := config.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", config.Address)
		if err != nil {
			return nil, errors.Annotatef(err, "listening on %s", config.Address)
		}
	}

	s := &Server{
		config:   config,
		listener: listener,
	}
	s.server = &http.Server{
		Handler:           config.Handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.tomb.Context(context.Background())
		},
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// Addr returns the address being served.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

func (s *Server) loop() error {
	s.config.Logger.Infof("listening on %s", s.listener.Addr())

	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(s.listener)
	}()

	select {
	case <-s.tomb.Dying():
	case err := <-served:
		return errors.Annotate(err, "serving http")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.config.Logger.Warningf("http server did not shut down cleanly: %v", err)
		_ = s.server.Close()
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Annotate(err, "serving http")
	}
	return tomb.ErrDying
}

var _ worker.Worker = (*Server)(nil)
