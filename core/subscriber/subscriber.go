// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package subscriber holds the per-connection filter state of a downstream
// subscriber.
package subscriber

import (
	"net/url"

	"github.com/juju/errors"

	"github.com/juju/jetstreamproxy/core/event"
	"github.com/juju/jetstreamproxy/core/interest"
)

const (
	// ParamWantedCollections is repeated once per wanted collection
	// pattern. Its absence means every collection.
	ParamWantedCollections = "wantedCollections"

	// ParamOnlyCommit, when present, suppresses account and identity
	// events.
	ParamOnlyCommit = "onlyCommit"

	// ParamCompress, when present, asks for the upstream frames to be
	// passed through still compressed.
	ParamCompress = "compress"
)

// Options are what a subscriber asks for when it connects.
type Options struct {
	Interest   interest.Interest
	OnlyCommit bool
	Raw        bool
}

// ParseQuery extracts the subscriber options from a request query. Every
// wanted collection must be a valid pattern.
func ParseQuery(query url.Values) (Options, error) {
	opts := Options{
		OnlyCommit: query.Has(ParamOnlyCommit),
		Raw:        query.Has(ParamCompress),
	}
	if !query.Has(ParamWantedCollections) {
		opts.Interest = interest.All()
		return opts, nil
	}
	i, err := interest.Parse(query[ParamWantedCollections])
	if err != nil {
		return Options{}, errors.Trace(err)
	}
	opts.Interest = i
	return opts, nil
}

// Subscriber is the immutable filter state of one downstream connection.
type Subscriber struct {
	id    string
	opts  Options
	match interest.Matcher
}

// New returns a subscriber with its matcher compiled.
func New(id string, opts Options) *Subscriber {
	return &Subscriber{
		id:    id,
		opts:  opts,
		match: interest.Compile(opts.Interest),
	}
}

// ID returns the identifier assigned when the connection was accepted.
func (s *Subscriber) ID() string {
	return s.id
}

// Interest returns the collections the subscriber asked for.
func (s *Subscriber) Interest() interest.Interest {
	return s.opts.Interest
}

// OnlyCommit reports whether account and identity events are suppressed.
func (s *Subscriber) OnlyCommit() bool {
	return s.opts.OnlyCommit
}

// Raw reports whether the subscriber receives upstream frames untouched.
func (s *Subscriber) Raw() bool {
	return s.opts.Raw
}

// Wants reports whether the event should be delivered to the subscriber.
func (s *Subscriber) Wants(ev *event.Event) bool {
	switch ev.Kind {
	case event.KindAccount, event.KindIdentity:
		return !s.opts.OnlyCommit
	case event.KindCommit:
		collection := ev.Collection()
		return collection != "" && s.match(collection)
	}
	return false
}
