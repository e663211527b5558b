// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bus_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/jetstreamproxy/core/event"
	"github.com/juju/jetstreamproxy/core/interest"
	"github.com/juju/jetstreamproxy/core/subscriber"
	"github.com/juju/jetstreamproxy/internal/bus"
)

type busSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&busSuite{})

type fakeClient struct {
	sub *subscriber.Subscriber
}

func (f fakeClient) Subscriber() *subscriber.Subscriber { return f.sub }
func (f fakeClient) Deliver(bus.Message) bool         { return true }
func (f fakeClient) Close()                           {}

func newClient(id string) fakeClient {
	return fakeClient{sub: subscriber.New(id, subscriber.Options{Interest: interest.All()})}
}

func (s *busSuite) TestJoinWaitsForReply(c *gc.C) {
	b := bus.New(0)
	rejection := errors.New("go away")

	done := make(chan error, 1)
	go func() {
		done <- b.Join(context.Background(), newClient("one"))
	}()

	select {
	case change := <-b.Membership():
		c.Check(change.Kind, gc.Equals, bus.Joined)
		c.Check(change.ID, gc.Equals, "one")
		c.Check(change.Client.Subscriber().ID(), gc.Equals, "one")
		change.Reply(rejection)
		change.Reply(nil)
	case <-time.After(testing.LongWait):
		c.Fatalf("join never arrived")
	}

	select {
	case err := <-done:
		c.Check(err, gc.Equals, rejection)
	case <-time.After(testing.LongWait):
		c.Fatalf("join never returned")
	}
}

func (s *busSuite) TestJoinCancelled(c *gc.C) {
	b := bus.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Join(ctx, newClient("one"))
	c.Check(errors.Is(err, context.Canceled), jc.IsTrue)
}

func (s *busSuite) TestJoinWithoutSubscriber(c *gc.C) {
	b := bus.New(0)
	err := b.Join(context.Background(), fakeClient{})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *busSuite) TestLeave(c *gc.C) {
	b := bus.New(0)
	done := make(chan error, 1)
	go func() {
		done <- b.Leave(context.Background(), "one")
	}()

	select {
	case change := <-b.Membership():
		c.Check(change.Kind, gc.Equals, bus.Left)
		c.Check(change.ID, gc.Equals, "one")
		c.Check(change.Client, gc.IsNil)
		// Replying to a leave is harmless.
		change.Reply(nil)
	case <-time.After(testing.LongWait):
		c.Fatalf("leave never arrived")
	}
	c.Assert(<-done, jc.ErrorIsNil)
}

func (s *busSuite) TestPublishKeepsOrder(c *gc.C) {
	b := bus.New(3)
	ctx := context.Background()
	for _, did := range []string{"did:a", "did:b", "did:c"} {
		err := b.Publish(ctx, &event.Event{DID: did, Kind: event.KindAccount, Account: &event.Account{DID: did}})
		c.Assert(err, jc.ErrorIsNil)
	}
	for _, did := range []string{"did:a", "did:b", "did:c"} {
		ev := <-b.Events()
		c.Check(ev.DID, gc.Equals, did)
	}
}

func (s *busSuite) TestPublishBlocksWhenFull(c *gc.C) {
	b := bus.New(1)
	ev := &event.Event{Kind: event.KindAccount, Account: &event.Account{}}
	c.Assert(b.Publish(context.Background(), ev), jc.ErrorIsNil)

	ctx, cancel := context.WithTimeout(context.Background(), testing.ShortWait)
	defer cancel()
	err := b.Publish(ctx, ev)
	c.Check(errors.Is(err, context.DeadlineExceeded), jc.IsTrue)
}

func (s *busSuite) TestPublishNil(c *gc.C) {
	err := bus.New(1).Publish(context.Background(), nil)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *busSuite) TestChangeKindString(c *gc.C) {
	c.Check(bus.Joined.String(), gc.Equals, "joined")
	c.Check(bus.Left.String(), gc.Equals, "left")
}
