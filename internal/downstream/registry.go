// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package downstream accepts subscriber connections and routes firehose
// events to them.
package downstream

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/jetstreamproxy/core/demand"
	"github.com/juju/jetstreamproxy/core/event"
	"github.com/juju/jetstreamproxy/core/interest"
	"github.com/juju/jetstreamproxy/internal/bus"
	"github.com/juju/jetstreamproxy/internal/status"
)

// Logger represents the logging methods used in this package.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// DemandSetter is told about every change of the aggregate demand.
type DemandSetter interface {
	SetDemand(demand.Demand)
}

// Source supplies membership changes and events to the registry.
type Source interface {
	Membership() <-chan bus.Change
	Events() <-chan *event.Event
}

// RegistryConfig holds the dependencies of a Registry.
type RegistryConfig struct {
	Source  Source
	Demand  DemandSetter
	Hub     *pubsub.SimpleHub
	Metrics *Collector
	Logger  Logger
}

// Validate returns an error if the config cannot be used to start a
// Registry.
func (config RegistryConfig) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.Demand == nil {
		return errors.NotValidf("nil Demand")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Registry is a worker owning the table of connected subscribers and the
// demand derived from it. Joins, leaves and events are all handled by
// its one goroutine, so a subscriber that has left never sees another
// event.
type Registry struct {
	catacomb catacomb.Catacomb
	config   RegistryConfig

	clients map[string]bus.Client
	demand  demand.Demand

	mu     sync.Mutex
	report map[string]interface{}
}

// NewRegistry starts a Registry with no subscribers.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &Registry{
		config:  config,
		clients: make(map[string]bus.Client),
		demand:  demand.Aggregate(),
		report: map[string]interface{}{
			"subscribers": 0,
			"demand":      "none",
		},
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "downstream-registry",
		Site: &r.catacomb,
		Work: r.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Registry) Kill() {
	r.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Registry) Wait() error {
	return r.catacomb.Wait()
}

// Report returns the subscriber count and the current demand.
func (r *Registry) Report() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := make(map[string]interface{}, len(r.report))
	for k, v := range r.report {
		report[k] = v
	}
	return report
}

func (r *Registry) loop() error {
	defer r.closeAll()

	membership := r.config.Source.Membership()
	events := r.config.Source.Events()
	for {
		// Membership changes go first, so that a leave already
		// requested is never overtaken by an event.
		select {
		case change := <-membership:
			r.handleChange(change)
			continue
		default:
		}

		select {
		case <-r.catacomb.Dying():
			return r.catacomb.ErrDying()
		case change := <-membership:
			r.handleChange(change)
		case ev := <-events:
			r.route(ev)
		}
	}
}

func (r *Registry) handleChange(change bus.Change) {
	switch change.Kind {
	case bus.Joined:
		change.Reply(r.join(change.ID, change.Client))
	case bus.Left:
		if _, ok := r.clients[change.ID]; !ok {
			return
		}
		delete(r.clients, change.ID)
		r.config.Logger.Debugf("subscriber %s left", change.ID)
		r.recompute()
	default:
		r.config.Logger.Warningf("unknown membership change %v", change.Kind)
	}
}

func (r *Registry) join(id string, client bus.Client) error {
	if _, ok := r.clients[id]; ok {
		r.config.Metrics.rejected.WithLabelValues(rejectDuplicate).Inc()
		return errors.AlreadyExistsf("subscriber %q", id)
	}
	sub := client.Subscriber()
	if _, err := demand.Admit(r.demand, sub.Interest()); err != nil {
		r.config.Metrics.rejected.WithLabelValues(rejectTooMany).Inc()
		r.config.Logger.Warningf("subscriber %s rejected: %v", id, err)
		return err
	}
	r.clients[id] = client
	r.config.Logger.Debugf("subscriber %s joined with interest %s", id, sub.Interest())
	r.recompute()
	return nil
}

// recompute derives the demand from the table from scratch and passes it
// on.
func (r *Registry) recompute() {
	interests := make([]interest.Interest, 0, len(r.clients))
	for _, client := range r.clients {
		interests = append(interests, client.Subscriber().Interest())
	}
	next := demand.Aggregate(interests...)
	if !next.Equal(r.demand) {
		r.config.Logger.Infof("demand changed from %s to %s", r.demand, next)
	}
	r.demand = next
	r.config.Demand.SetDemand(next)
	r.config.Metrics.subscribers.Set(float64(len(r.clients)))

	collections := next.Collections().SortedValues()
	_ = r.config.Hub.Publish(status.DemandTopic, status.DemandState{
		All:         next.IsAll(),
		Collections: collections,
		Subscribers: len(r.clients),
	})

	r.mu.Lock()
	r.report = map[string]interface{}{
		"subscribers": len(r.clients),
		"demand":      next.String(),
	}
	r.mu.Unlock()
}

// route queues ev for every interested subscriber. The JSON form is only
// built once, and only if someone needs it.
func (r *Registry) route(ev *event.Event) {
	var text []byte
	for id, client := range r.clients {
		sub := client.Subscriber()
		if !sub.Wants(ev) {
			continue
		}
		msg := bus.Message{Data: ev.Raw, Binary: true}
		if !sub.Raw() || ev.Raw == nil {
			if text == nil {
				data, err := ev.Marshal()
				if err != nil {
					r.config.Logger.Errorf("cannot marshal event from %s: %v", ev.DID, err)
					return
				}
				text = data
			}
			msg = bus.Message{Data: text}
		}
		if client.Deliver(msg) {
			r.config.Metrics.delivered.Inc()
		} else {
			r.config.Metrics.dropped.Inc()
			r.config.Logger.Debugf("subscriber %s is behind, dropped event from %s", id, ev.DID)
		}
	}
}

func (r *Registry) closeAll() {
	for id, client := range r.clients {
		client.Close()
		delete(r.clients, id)
	}
	r.config.Metrics.subscribers.Set(0)
}

var _ worker.Worker = (*Registry)(nil)
