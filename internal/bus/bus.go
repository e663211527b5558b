// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bus carries membership changes and decoded events from the
// connection handlers and the upstream connector to the registry.
//
// Both streams are plain typed channels so that a single goroutine can
// consume them, in order, without any locking.
package bus

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/jetstreamproxy/core/event"
	"github.com/juju/jetstreamproxy/core/subscriber"
)

// Message is a single frame to be written to a subscriber.
type Message struct {
	Data   []byte
	Binary bool
}

// Client is a connected subscriber as seen by the registry.
type Client interface {
	// Subscriber returns the filter state of the client.
	Subscriber() *subscriber.Subscriber

	// Deliver queues msg for writing. It must not block, and reports
	// false if the message was dropped.
	Deliver(msg Message) bool

	// Close disconnects the client.
	Close()
}

// ChangeKind says whether a client is joining or leaving.
type ChangeKind int

const (
	Joined ChangeKind = iota
	Left
)

func (k ChangeKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	}
	return "unknown"
}

// Change is a membership change. Joins carry the client and must be
// answered with Reply.
type Change struct {
	Kind   ChangeKind
	ID     string
	Client Client

	result chan error
}

// Reply returns the admission outcome to the joining client. Replying to
// a leave, or replying twice, is a no-op.
func (c Change) Reply(err error) {
	if c.result == nil {
		return
	}
	select {
	case c.result <- err:
	default:
	}
}

// Bus is the pair of channels between the producers and the registry.
type Bus struct {
	membership chan Change
	events     chan *event.Event
}

// New returns a bus whose event channel holds up to buffer events.
func New(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{
		membership: make(chan Change),
		events:     make(chan *event.Event, buffer),
	}
}

// Membership is read by the registry.
func (b *Bus) Membership() <-chan Change {
	return b.membership
}

// Events is read by the registry.
func (b *Bus) Events() <-chan *event.Event {
	return b.events
}

// Join asks for client to be registered and waits for the outcome.
func (b *Bus) Join(ctx context.Context, client Client) error {
	sub := client.Subscriber()
	if sub == nil {
		return errors.NotValidf("client without subscriber")
	}
	change := Change{
		Kind:   Joined,
		ID:     sub.ID(),
		Client: client,
		result: make(chan error, 1),
	}
	if err := b.send(ctx, change); err != nil {
		return errors.Trace(err)
	}
	select {
	case err := <-change.result:
		return err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Leave asks for the client with the given id to be removed. Leaving an
// unknown id is harmless.
func (b *Bus) Leave(ctx context.Context, id string) error {
	return errors.Trace(b.send(ctx, Change{Kind: Left, ID: id}))
}

func (b *Bus) send(ctx context.Context, change Change) error {
	select {
	case b.membership <- change:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish hands ev to the registry, blocking while the event channel is
// full.
func (b *Bus) Publish(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return errors.NotValidf("nil event")
	}
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}
