// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatcher routes endpoint events from Mapping Runners to the
// per-binding apply loops of the Watcher Handlers.
//
// Each subscriber owns a single-slot mailbox: publishing overwrites any
// undelivered event, so a slow handler observes a prefix of the emitted
// generations that always includes the latest, and memory stays bounded
// no matter how far a handler falls behind.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/bassosimone/runtimex"
)

// ErrClosed is returned by [Subscription.Receive] once the subscription
// has been closed and its slot drained.
var ErrClosed = errors.New("dispatcher: subscription closed")

// Subscription is one subscriber's single-slot mailbox. Obtain one with
// [Dispatcher.Subscribe]; consume it with [Subscription.Receive].
type Subscription struct {
	binding natcore.WatcherBinding

	mu      sync.Mutex
	slot    *natcore.EndpointEvent
	lastGen uint64
	closed  bool
	ready   chan struct{}
}

// Binding returns the watcher binding this subscription was created for.
func (s *Subscription) Binding() natcore.WatcherBinding {
	return s.binding
}

// put overwrites the mailbox slot with ev. Overwriting an undelivered
// event is the stale-drop policy: the handler only ever sees the latest.
func (s *Subscription) put(ev natcore.EndpointEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Generation regression is an internal invariant violation.
	runtimex.Assert(ev.Generation > s.lastGen)
	s.lastGen = ev.Generation

	s.slot = &ev
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Receive blocks until an event is available, the subscription is closed,
// or ctx is done. The slot is drained before closure is reported, so a
// terminal event published just before [Dispatcher.Close] is never lost.
func (s *Subscription) Receive(ctx context.Context) (natcore.EndpointEvent, error) {
	for {
		s.mu.Lock()
		if s.slot != nil {
			ev := *s.slot
			s.slot = nil
			// Drop the wakeup token for the event just taken, so that
			// Updates only signals events published after this one.
			select {
			case <-s.ready:
			default:
			}
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return natcore.EndpointEvent{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return natcore.EndpointEvent{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// Updates exposes the mailbox wakeup channel so a handler blocked in its
// retry backoff can notice that a newer event has superseded the one it
// is retrying. Consuming a token here is safe: [Subscription.Receive]
// checks the slot directly and does not depend on the token.
func (s *Subscription) Updates() <-chan struct{} {
	return s.ready
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ready)
}

// Dispatcher is the in-process event bus between Mapping Runners and
// Watcher Handlers. Safe for concurrent use.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// New returns an empty [*Dispatcher].
func New() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a new mailbox for one (mapping, binding) pair and
// returns it. Events published for mappingID are fanned out to every
// subscription registered under it.
func (d *Dispatcher) Subscribe(mappingID string, binding natcore.WatcherBinding) *Subscription {
	sub := &Subscription{
		binding: binding,
		ready:   make(chan struct{}, 1),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[mappingID] = append(d.subs[mappingID], sub)
	return sub
}

// Publish fans the endpoint out to every subscription registered for
// mappingID, constructing one [natcore.EndpointEvent] per binding. A nil
// endpoint is a terminal event instructing handlers to roll back.
func (d *Dispatcher) Publish(mappingID string, endpoint *natcore.PublicEndpoint, generation uint64) {
	d.mu.Lock()
	subs := d.subs[mappingID]
	d.mu.Unlock()

	for _, sub := range subs {
		sub.put(natcore.EndpointEvent{
			MappingID:  mappingID,
			Binding:    sub.binding,
			Endpoint:   endpoint,
			Generation: generation,
		})
	}
}

// Close closes every subscription. Handlers drain any event still in
// their slot and then see [ErrClosed] from [Subscription.Receive].
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, subs := range d.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
}
