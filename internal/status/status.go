// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package status collects the notifications the proxy workers publish on
// the local hub into a snapshot that can be served to operators.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
)

const (
	// UpstreamTopic carries UpstreamState values whenever the upstream
	// connection changes state.
	UpstreamTopic = "upstream.state"

	// DemandTopic carries DemandState values whenever the aggregate demand
	// is recomputed.
	DemandTopic = "downstream.demand"
)

// UpstreamState describes the upstream connection.
type UpstreamState struct {
	State    string    `json:"state"`
	URL      string    `json:"url,omitempty"`
	Connects int       `json:"connects"`
	Since    time.Time `json:"since"`
}

// DemandState describes the aggregate demand of the connected subscribers.
type DemandState struct {
	All         bool     `json:"all"`
	Collections []string `json:"collections"`
	Subscribers int      `json:"subscribers"`
}

// Snapshot is the most recent state seen on each topic.
type Snapshot struct {
	Upstream UpstreamState `json:"upstream"`
	Demand   DemandState   `json:"demand"`
}

// Tracker records the latest state published on the hub.
type Tracker struct {
	mu       sync.Mutex
	snapshot Snapshot
	unsubs   []func()
}

// NewTracker subscribes to the status topics on hub.
func NewTracker(hub *pubsub.SimpleHub) *Tracker {
	t := &Tracker{}
	t.unsubs = []func(){
		hub.Subscribe(UpstreamTopic, t.onUpstream),
		hub.Subscribe(DemandTopic, t.onDemand),
	}
	return t
}

func (t *Tracker) onUpstream(_ string, data interface{}) {
	state, ok := data.(UpstreamState)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.Upstream = state
}

func (t *Tracker) onDemand(_ string, data interface{}) {
	state, ok := data.(DemandState)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.Demand = state
}

// Snapshot returns the latest recorded state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := t.snapshot
	snapshot.Demand.Collections = append([]string(nil), t.snapshot.Demand.Collections...)
	return snapshot
}

// Close unsubscribes from the hub.
func (t *Tracker) Close() {
	for _, unsub := range t.unsubs {
		unsub()
	}
}

// ServeHTTP writes the snapshot as JSON.
func (t *Tracker) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := json.Marshal(t.Snapshot())
	if err != nil {
		http.Error(w, errors.Annotate(err, "marshalling status").Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
