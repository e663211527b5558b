// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config gathers the proxy settings from defaults, an optional
// YAML file, the environment, flags and positional arguments, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUpstreamURL is the public firehose endpoint.
	DefaultUpstreamURL = "wss://jetstream2.us-west.bsky.network/subscribe"

	// DefaultPort is where subscribers connect.
	DefaultPort = 8080

	// DefaultLoggingConfig is used when no logging config is given.
	DefaultLoggingConfig = "<root>=INFO"
)

// Environment variables, named as the firehose tooling names them.
const (
	EnvUpstreamURL    = "UPSTREAM_URL"
	EnvPort           = "PORT"
	EnvLogFile        = "LOG_FILE"
	EnvZstdDictionary = "ZSTD_DICTIONARY"
	EnvLoggingConfig  = "LOGGING_CONFIG"
)

// Config holds the proxy settings.
type Config struct {
	// UpstreamURL is the firehose subscription endpoint.
	UpstreamURL *url.URL

	// Port is the TCP port subscribers connect to.
	Port int

	// LogFile, when set, receives a copy of the log.
	LogFile string

	// ZstdDictionary is the path of the dictionary the firehose frames
	// are compressed with. The bundled dictionary is used when empty.
	ZstdDictionary string

	// LoggingConfig is a loggo configuration string.
	LoggingConfig string
}

// Address returns the listen address for Port.
func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	u, err := url.Parse(DefaultUpstreamURL)
	if err != nil {
		panic(err)
	}
	return Config{
		UpstreamURL:   u,
		Port:          DefaultPort,
		LoggingConfig: DefaultLoggingConfig,
	}
}

// fileConfig is the YAML form of Config.
type fileConfig struct {
	UpstreamURL    string `yaml:"upstream-url"`
	Port           *int   `yaml:"port"`
	LogFile        string `yaml:"log-file"`
	ZstdDictionary string `yaml:"zstd-dictionary"`
	LoggingConfig  string `yaml:"logging-config"`
}

// LookupEnv has the signature of os.LookupEnv.
type LookupEnv func(string) (string, bool)

// Load builds the config from the command line arguments (without the
// program name) and the environment. Any invalid setting is reported as
// an error satisfying errors.NotValid; a request for help returns
// gnuflag.ErrHelp.
func Load(args []string, lookupEnv LookupEnv, usage io.Writer) (Config, error) {
	cfg := Default()

	fs := gnuflag.NewFlagSet("jetstreamproxy", gnuflag.ContinueOnError)
	fs.SetOutput(usage)
	var (
		configFile    string
		upstreamURL   string
		port          string
		logFile       string
		dictionary    string
		loggingConfig string
	)
	fs.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	fs.StringVar(&upstreamURL, "upstream-url", "", "firehose subscription url (ws or wss)")
	fs.StringVar(&port, "port", "", "port subscribers connect to")
	fs.StringVar(&logFile, "log-file", "", "file to append the log to")
	fs.StringVar(&dictionary, "zstd-dictionary", "", "zstd dictionary the firehose frames are compressed with")
	fs.StringVar(&loggingConfig, "logging-config", "", "loggo configuration, for example <root>=DEBUG")
	if err := fs.Parse(true, args); err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, errors.NewNotValid(err, "parsing arguments")
	}
	set := make(map[string]bool)
	fs.Visit(func(f *gnuflag.Flag) { set[f.Name] = true })

	if set["config"] {
		if err := cfg.applyFile(configFile); err != nil {
			return Config{}, errors.Trace(err)
		}
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return Config{}, errors.Trace(err)
	}

	flags := map[string]string{
		"upstream-url":    upstreamURL,
		"port":            port,
		"log-file":        logFile,
		"zstd-dictionary": dictionary,
		"logging-config":  loggingConfig,
	}
	for _, name := range []string{"upstream-url", "port", "log-file", "zstd-dictionary", "logging-config"} {
		if !set[name] {
			continue
		}
		if err := cfg.set(name, flags[name]); err != nil {
			return Config{}, errors.Annotatef(err, "flag --%s", name)
		}
	}

	positional := fs.Args()
	if len(positional) > 3 {
		return Config{}, errors.NotValidf("unrecognised arguments %q", positional[3:])
	}
	for i, name := range []string{"upstream-url", "port", "log-file"} {
		if i >= len(positional) {
			break
		}
		if err := cfg.set(name, positional[i]); err != nil {
			return Config{}, errors.Annotatef(err, "argument %d", i+1)
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Annotatef(err, "reading config file %q", path)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("config file %q", path))
	}
	if fc.UpstreamURL != "" {
		if err := c.set("upstream-url", fc.UpstreamURL); err != nil {
			return errors.Annotatef(err, "config file %q", path)
		}
	}
	if fc.Port != nil {
		if err := c.set("port", strconv.Itoa(*fc.Port)); err != nil {
			return errors.Annotatef(err, "config file %q", path)
		}
	}
	if fc.LogFile != "" {
		c.LogFile = fc.LogFile
	}
	if fc.ZstdDictionary != "" {
		c.ZstdDictionary = fc.ZstdDictionary
	}
	if fc.LoggingConfig != "" {
		c.LoggingConfig = fc.LoggingConfig
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv LookupEnv) error {
	if lookupEnv == nil {
		return nil
	}
	for _, v := range []struct {
		env  string
		name string
	}{
		{EnvUpstreamURL, "upstream-url"},
		{EnvPort, "port"},
		{EnvLogFile, "log-file"},
		{EnvZstdDictionary, "zstd-dictionary"},
		{EnvLoggingConfig, "logging-config"},
	} {
		value, ok := lookupEnv(v.env)
		if !ok {
			continue
		}
		if err := c.set(v.name, value); err != nil {
			return errors.Annotatef(err, "environment variable %s", v.env)
		}
	}
	return nil
}

func (c *Config) set(name, value string) error {
	switch name {
	case "upstream-url":
		u, err := ParseUpstreamURL(value)
		if err != nil {
			return errors.Trace(err)
		}
		c.UpstreamURL = u
	case "port":
		port, err := ParsePort(value)
		if err != nil {
			return errors.Trace(err)
		}
		c.Port = port
	case "log-file":
		c.LogFile = value
	case "zstd-dictionary":
		c.ZstdDictionary = value
	case "logging-config":
		if value == "" {
			return errors.NotValidf("empty logging config")
		}
		c.LoggingConfig = value
	default:
		return errors.NotFoundf("setting %q", name)
	}
	return nil
}
