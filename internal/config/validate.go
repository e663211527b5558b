// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"net"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/juju/errors"
	"golang.org/x/net/idna"
)

// MaxPort is the largest valid TCP port.
const MaxPort = 65535

// ParseUpstreamURL validates the firehose endpoint. Only ws and wss urls
// with a host are accepted.
func ParseUpstreamURL(s string) (*url.URL, error) {
	if s == "" {
		return nil, errors.NotValidf("empty upstream url")
	}
	if !utf8.ValidString(s) {
		return nil, errors.NotValidf("upstream url %q with invalid UTF-8", s)
	}
	if i := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}); i >= 0 {
		return nil, errors.NotValidf("upstream url %q with space or control character", s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.NewNotValid(err, "upstream url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.NotValidf("upstream url %q without ws or wss scheme", s)
	}
	if u.Opaque != "" || u.Host == "" {
		return nil, errors.NotValidf("upstream url %q without host", s)
	}
	if err := checkHost(u.Hostname(), strings.HasPrefix(u.Host, "[")); err != nil {
		return nil, errors.Annotatef(err, "upstream url %q", s)
	}
	if port := u.Port(); port != "" {
		if _, err := ParsePort(port); err != nil {
			return nil, errors.Annotatef(err, "upstream url %q", s)
		}
	}
	return u, nil
}

func checkHost(host string, bracketed bool) error {
	if host == "" {
		return errors.NotValidf("empty host")
	}
	if bracketed {
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return errors.NotValidf("IPv6 address %q", host)
		}
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return errors.NewNotValid(err, "host "+host)
	}
	return nil
}

// ParsePort parses a port number written in plain ASCII decimal.
func ParsePort(s string) (int, error) {
	if s == "" {
		return 0, errors.NotValidf("empty port")
	}
	if len(s) > len("65535") {
		return 0, errors.NotValidf("port %q", s)
	}
	port := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, errors.NotValidf("port %q", s)
		}
		port = port*10 + int(c-'0')
	}
	if port > MaxPort {
		return 0, errors.NotValidf("port %q out of range", s)
	}
	return port, nil
}
