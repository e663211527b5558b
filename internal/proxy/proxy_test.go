// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package proxy_test

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/jetstreamproxy/core/event"
	"github.com/juju/jetstreamproxy/internal/proxy"
	"github.com/juju/jetstreamproxy/internal/status"
	"github.com/juju/jetstreamproxy/internal/zstddict"
)

const (
	dictID      = 3
	dictContent = `{"did":"did:web:example.com","time_us":,"kind":"commit","commit":{"rev":"bb","operation":"create","collection":"app.bsky.feed.post","rkey":"cc","record":{"$type":"app.bsky.feed.post"},"cid":"aa"}}`
)

// fakeUpstream is a firehose that hands each accepted connection to the
// test.
type fakeUpstream struct {
	server *httptest.Server
	urls   chan *url.URL
	conns  chan *websocket.Conn
}

func newFakeUpstream(c *gc.C) *fakeUpstream {
	f := &fakeUpstream{
		urls:  make(chan *url.URL, 10),
		conns: make(chan *websocket.Conn, 10),
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		f.urls <- req.URL
		f.conns <- ws
	}))
	return f
}

func (f *fakeUpstream) url(c *gc.C) *url.URL {
	u, err := url.Parse("ws" + strings.TrimPrefix(f.server.URL, "http") + "/subscribe")
	c.Assert(err, jc.ErrorIsNil)
	return u
}

func (f *fakeUpstream) accept(c *gc.C) (*url.URL, *websocket.Conn) {
	select {
	case u := <-f.urls:
		ws := <-f.conns
		return u, ws
	case <-time.After(testing.LongWait):
		c.Fatalf("proxy never connected upstream")
	}
	return nil, nil
}

// drain reads what the proxy sends upstream.
func drain(ws *websocket.Conn) <-chan string {
	messages := make(chan string, 100)
	go func() {
		defer close(messages)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			messages <- string(data)
		}
	}()
	return messages
}

type proxySuite struct {
	testing.IsolationSuite

	upstream *fakeUpstream
	encoder  *zstddict.Encoder
	proxy    *proxy.Proxy
	cursor   int64
}

var _ = gc.Suite(&proxySuite{})

func (s *proxySuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.cursor = 1234

	var err error
	s.encoder, err = zstddict.NewEncoder([]byte(dictContent), dictID)
	c.Assert(err, jc.ErrorIsNil)
	s.upstream = newFakeUpstream(c)
	s.AddCleanup(func(*gc.C) {
		s.upstream.server.Close()
		_ = s.encoder.Close()
	})
}

func (s *proxySuite) config(c *gc.C) proxy.Config {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	return proxy.Config{
		UpstreamURL:    s.upstream.url(c),
		Listener:       listener,
		Dictionary:     []byte(dictContent),
		DictionaryID:   dictID,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func (s *proxySuite) start(c *gc.C) *proxy.Proxy {
	p, err := proxy.New(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, p) })
	return p
}

func (s *proxySuite) subscribe(c *gc.C, p *proxy.Proxy, query string) *websocket.Conn {
	u := "ws://" + p.Addr().String() + "/"
	if query != "" {
		u += "?" + query
	}
	before := p.Status().Demand.Subscribers
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = ws.Close() })
	s.waitStatus(c, p, func(st status.Snapshot) bool {
		return st.Demand.Subscribers == before+1
	})
	return ws
}

func (s *proxySuite) waitStatus(c *gc.C, p *proxy.Proxy, ready func(status.Snapshot) bool) status.Snapshot {
	timeout := time.After(testing.LongWait)
	for {
		st := p.Status()
		if ready(st) {
			return st
		}
		select {
		case <-timeout:
			c.Fatalf("status never settled, last %+v", st)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *proxySuite) next() int64 {
	s.cursor++
	return s.cursor
}

func (s *proxySuite) account() *event.Event {
	return &event.Event{
		DID: "did:web:example.com", TimeUS: s.next(), Kind: event.KindAccount,
		Account: &event.Account{Active: true, DID: "did:web:example.com", Seq: 123, Time: "123"},
	}
}

func (s *proxySuite) identity() *event.Event {
	return &event.Event{
		DID: "did:web:example.com", TimeUS: s.next(), Kind: event.KindIdentity,
		Identity: &event.Identity{DID: "did:web:example.com", Seq: 123, Time: "123"},
	}
}

func (s *proxySuite) commit(collection string) *event.Event {
	return &event.Event{
		DID: "did:web:example.com", TimeUS: s.next(), Kind: event.KindCommit,
		Commit: &event.Commit{
			CID: "aa", Collection: collection, Operation: "create", Rev: "bb", RKey: "cc",
			Record: json.RawMessage(`{"$type":"` + collection + `"}`),
		},
	}
}

func marshal(c *gc.C, events ...*event.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		data, err := ev.Marshal()
		c.Assert(err, jc.ErrorIsNil)
		out[i] = string(data)
	}
	return out
}

func receive(c *gc.C, ws *websocket.Conn, n int) []string {
	var out []string
	_ = ws.SetReadDeadline(time.Now().Add(testing.LongWait))
	for len(out) < n {
		messageType, data, err := ws.ReadMessage()
		c.Assert(err, jc.ErrorIsNil)
		c.Check(messageType, gc.Equals, websocket.TextMessage)
		out = append(out, string(data))
	}
	return out
}

func (s *proxySuite) TestValidate(c *gc.C) {
	config := s.config(c)
	defer config.Listener.Close()
	for i, test := range []struct {
		mutate func(*proxy.Config)
		err    string
	}{
		{func(cfg *proxy.Config) { cfg.UpstreamURL = nil }, "nil UpstreamURL not valid"},
		{func(cfg *proxy.Config) { cfg.Listener = nil }, "missing Listener and Address not valid"},
		{func(cfg *proxy.Config) { cfg.Dictionary = nil }, "empty Dictionary not valid"},
		{func(cfg *proxy.Config) { cfg.ConnectTimeout = -time.Second }, "negative ConnectTimeout not valid"},
		{func(cfg *proxy.Config) { cfg.ReconnectDelay = -time.Second }, "negative ReconnectDelay not valid"},
	} {
		c.Logf("test %d", i)
		cfg := config
		test.mutate(&cfg)
		err := cfg.Validate()
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

func (s *proxySuite) TestFirstConnectionFailureIsFatal(c *gc.C) {
	config := s.config(c)
	s.upstream.server.Close()

	p, err := proxy.New(config)
	c.Assert(err, jc.ErrorIsNil)
	err = workertest.CheckKilled(c, p)
	c.Check(err, gc.ErrorMatches, "cannot connect to upstream: .*")
}

func (s *proxySuite) TestSubscribersGetWhatTheyAskedFor(c *gc.C) {
	p := s.start(c)

	first, upstreamConn := s.upstream.accept(c)
	c.Check(first.Query().Get("compress"), gc.Equals, "true")
	c.Check(first.Query().Get("requireHello"), gc.Equals, "true")
	updates := drain(upstreamConn)

	ws1 := s.subscribe(c, p, "")
	ws2 := s.subscribe(c, p, "wantedCollections=app.bsky.feed.post")
	ws3 := s.subscribe(c, p, "wantedCollections=app.bsky.feed.*")
	ws4 := s.subscribe(c, p, "onlyCommit=true")
	ws5 := s.subscribe(c, p, "wantedCollections=app.bsky.feed.post&onlyCommit=true")
	ws6 := s.subscribe(c, p, "wantedCollections=app.bsky.feed.post&wantedCollections=com.example.proxy.test")

	select {
	case update := <-updates:
		c.Check(update, gc.Equals, `{"type":"options_update","payload":{}}`)
	case <-time.After(testing.LongWait):
		c.Fatalf("no options update sent upstream")
	}

	account := s.account()
	identity := s.identity()
	post := s.commit("app.bsky.feed.post")
	like := s.commit("app.bsky.feed.like")
	test := s.commit("com.example.proxy.test")
	for _, ev := range []*event.Event{account, identity, post, like, test} {
		data, err := ev.Marshal()
		c.Assert(err, jc.ErrorIsNil)
		err = upstreamConn.WriteMessage(websocket.BinaryMessage, s.encoder.Encode(data))
		c.Assert(err, jc.ErrorIsNil)
	}

	c.Check(receive(c, ws1, 5), jc.DeepEquals, marshal(c, account, identity, post, like, test))
	c.Check(receive(c, ws2, 3), jc.DeepEquals, marshal(c, account, identity, post))
	c.Check(receive(c, ws3, 4), jc.DeepEquals, marshal(c, account, identity, post, like))
	c.Check(receive(c, ws4, 3), jc.DeepEquals, marshal(c, post, like, test))
	c.Check(receive(c, ws5, 1), jc.DeepEquals, marshal(c, post))
	c.Check(receive(c, ws6, 4), jc.DeepEquals, marshal(c, account, identity, post, test))
}

func (s *proxySuite) TestReconnectFollowsDemand(c *gc.C) {
	p := s.start(c)
	_, upstreamConn := s.upstream.accept(c)

	everything := s.subscribe(c, p, "")
	s.subscribe(c, p, "wantedCollections=app.bsky.feed.post")
	s.subscribe(c, p, "wantedCollections=com.example.*")

	c.Assert(upstreamConn.Close(), jc.ErrorIsNil)
	u, upstreamConn := s.upstream.accept(c)
	c.Check(u.Query().Has("wantedCollections"), jc.IsFalse)
	c.Check(u.Query().Has("requireHello"), jc.IsFalse)

	c.Assert(everything.Close(), jc.ErrorIsNil)
	s.waitStatus(c, p, func(st status.Snapshot) bool {
		return st.Demand.Subscribers == 2 && !st.Demand.All
	})

	c.Assert(upstreamConn.Close(), jc.ErrorIsNil)
	u, _ = s.upstream.accept(c)
	c.Check(u.Query()["wantedCollections"], jc.DeepEquals, []string{"app.bsky.feed.post", "com.example.*"})
	c.Check(u.Query().Get("compress"), gc.Equals, "true")

	st := s.waitStatus(c, p, func(st status.Snapshot) bool {
		return st.Upstream.State == "open" && st.Upstream.Connects == 3
	})
	c.Check(st.Demand.Collections, jc.DeepEquals, []string{"app.bsky.feed.post", "com.example.*"})
}

func (s *proxySuite) TestTooManyCollections(c *gc.C) {
	p := s.start(c)
	s.upstream.accept(c)

	query := make(url.Values)
	for i := 0; i <= 100; i++ {
		query.Add("wantedCollections", "com.example.c"+string(rune('a'+i%26))+strings.Repeat("x", i/26))
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+p.Addr().String()+"/?"+query.Encode(), nil)
	c.Assert(err, jc.ErrorIsNil)
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(testing.LongWait))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	c.Assert(errors.As(err, &closeErr), jc.IsTrue)
	c.Check(closeErr.Code, gc.Equals, 4000)
	c.Check(closeErr.Text, gc.Equals, "the maximum number of collections (100) has been exceeded")
}

func (s *proxySuite) TestStatusAndMetrics(c *gc.C) {
	p := s.start(c)
	s.upstream.accept(c)
	s.subscribe(c, p, "wantedCollections=app.bsky.feed.post")
	s.waitStatus(c, p, func(st status.Snapshot) bool {
		return st.Upstream.State == "open"
	})

	resp, err := http.Get("http://" + p.Addr().String() + "/status")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.Header.Get("Content-Type"), gc.Equals, "application/json")
	var st status.Snapshot
	c.Assert(json.NewDecoder(resp.Body).Decode(&st), jc.ErrorIsNil)
	c.Check(st.Demand.Subscribers, gc.Equals, 1)
	c.Check(st.Demand.Collections, jc.DeepEquals, []string{"app.bsky.feed.post"})
	c.Check(st.Upstream.State, gc.Equals, "open")

	resp, err = http.Get("http://" + p.Addr().String() + "/metrics")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), jc.Contains, "jetstreamproxy_downstream_subscribers 1")
	c.Check(string(body), jc.Contains, "jetstreamproxy_upstream_connected 1")

	report := p.Report()
	c.Check(report["downstream"], jc.DeepEquals, map[string]interface{}{
		"subscribers": 1,
		"demand":      "[app.bsky.feed.post]",
	})
}
