// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package signalwatcher turns process signals into worker errors.
package signalwatcher

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

// ErrTerminated is returned by the default handler for every signal.
const ErrTerminated = errors.ConstError("terminated")

// Logger represents the logging methods used by the watcher.
type Logger interface {
	Infof(string, ...interface{})
}

// HandlerFunc returns the error the watcher should stop with when sig
// arrives. A nil error keeps the watcher running.
type HandlerFunc func(sig os.Signal) error

// Handler returns a HandlerFunc that looks the signal up in signalMap,
// falling back to defaultErr.
func Handler(defaultErr error, signalMap map[os.Signal]error) HandlerFunc {
	return func(sig os.Signal) error {
		if err, ok := signalMap[sig]; ok {
			return err
		}
		return defaultErr
	}
}

// Watcher is a worker that stops with the handler's error once a signal
// it cares about arrives.
type Watcher struct {
	catacomb catacomb.Catacomb
	handler  HandlerFunc
	logger   Logger
	signals  <-chan os.Signal
}

// NewWatcher starts a Watcher reading from signals. A nil handler stops
// on the first signal with ErrTerminated.
func NewWatcher(logger Logger, signals <-chan os.Signal, handler HandlerFunc) (*Watcher, error) {
	if logger == nil {
		return nil, errors.NotValidf("nil Logger")
	}
	if signals == nil {
		return nil, errors.NotValidf("nil signal channel")
	}
	if handler == nil {
		handler = Handler(ErrTerminated, nil)
	}
	w := &Watcher{
		handler: handler,
		logger:  logger,
		signals: signals,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "signal-watcher",
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Annotate(err, "creating catacomb plan")
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *Watcher) loop() error {
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case sig, ok := <-w.signals:
			if !ok {
				return errors.New("signal channel closed unexpectedly")
			}
			err := w.handler(sig)
			if err == nil {
				w.logger.Infof("ignoring signal %v", sig)
				continue
			}
			w.logger.Infof("received %v, shutting down", sig)
			return err
		}
	}
}

var _ worker.Worker = (*Watcher)(nil)
