// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"

	"github.com/juju/jetstreamproxy/internal/config"
	"github.com/juju/jetstreamproxy/internal/logging"
	"github.com/juju/jetstreamproxy/internal/proxy"
	"github.com/juju/jetstreamproxy/internal/signalwatcher"
	"github.com/juju/jetstreamproxy/internal/zstddict"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

var logger = loggo.GetLogger("jetstreamproxy.main")

func newSignals() <-chan os.Signal {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	return signals
}

// Main runs the proxy until it fails or a signal arrives, and returns
// the process exit code. Bad configuration is reported before anything
// is started.
func Main(args []string, lookupEnv config.LookupEnv, stderr io.Writer, signals <-chan os.Signal) int {
	cfg, err := config.Load(args, lookupEnv, stderr)
	if errors.Is(err, gnuflag.ErrHelp) {
		return exitOK
	} else if err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return exitConfig
	}

	closer, err := logging.Configure(logging.Config{
		Spec:    cfg.LoggingConfig,
		Console: stderr,
		LogFile: cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return exitConfig
	}
	defer closer.Close()

	dictionary, err := zstddict.Load(cfg.ZstdDictionary)
	if err != nil {
		logger.Criticalf("%v", err)
		return exitConfig
	}

	if err := run(cfg, dictionary, signals); err != nil {
		logger.Criticalf("%v", err)
		return exitFailure
	}
	return exitOK
}

func run(cfg config.Config, dictionary []byte, signals <-chan os.Signal) error {
	p, err := proxy.New(proxy.Config{
		UpstreamURL: cfg.UpstreamURL,
		Address:     cfg.Address(),
		Dictionary:  dictionary,
	})
	if err != nil {
		return errors.Trace(err)
	}
	watcher, err := signalwatcher.NewWatcher(logger, signals, nil)
	if err != nil {
		_ = worker.Stop(p)
		return errors.Trace(err)
	}

	stopped := make(chan error, 2)
	go func() { stopped <- p.Wait() }()
	go func() { stopped <- watcher.Wait() }()
	err = <-stopped

	if stopErr := worker.Stop(watcher); stopErr != nil && !errors.Is(stopErr, signalwatcher.ErrTerminated) {
		logger.Debugf("signal watcher: %v", stopErr)
	}
	if stopErr := worker.Stop(p); stopErr != nil && err == nil {
		err = stopErr
	}
	if errors.Is(err, signalwatcher.ErrTerminated) {
		logger.Infof("stopped")
		return nil
	}
	return errors.Trace(err)
}
