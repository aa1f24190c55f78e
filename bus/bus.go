// Package bus implements the in-process publish/subscribe bus used to fan
// realtime events out to UI observers and between rtcore components.
//
// Subscriptions are explicit handles that must be released with Cancel;
// there are no implicitly garbage-collected listeners. Delivery is
// synchronous and in publish order, matching the single logical event queue
// the rest of rtcore is written against.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Kind identifies a category of event on the bus.
type Kind string

// Event kinds published by rtcore components.
const (
	// KindConnectionState carries a transport.State value.
	KindConnectionState Kind = "connection_state"
	// KindMessage carries an inbound or reconciled conversation message.
	KindMessage Kind = "message"
	// KindMessageFailed carries an outbound message that could not be sent.
	KindMessageFailed Kind = "message_failed"
	// KindTyping carries a peer typing-state change.
	KindTyping Kind = "typing"
	// KindIncomingCall carries an incoming call announcement.
	KindIncomingCall Kind = "incoming_call"
	// KindCallState carries a call session state change.
	KindCallState Kind = "call_state"
	// KindPresence carries conversation join/leave presence updates.
	KindPresence Kind = "presence"
)

// Event is a single published event.
type Event struct {
	Kind    Kind
	Payload any
}

// Handler receives published events for the kind it was subscribed to.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. It must be cancelled
// when the observer goes away.
type Subscription struct {
	bus       *Bus
	kind      Kind
	handler   Handler
	cancelled atomic.Bool
}

// Cancel releases the subscription. It is idempotent, and a subscription
// cancelled during delivery receives no further events.
func (s *Subscription) Cancel() {
	if s == nil || !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s)
}

// Bus is a typed publish/subscribe registry keyed by event kind.
// The zero value is not usable; create instances with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[Kind][]*Subscription),
	}
}

// Subscribe registers handler for events of the given kind and returns the
// subscription handle the caller must cancel on teardown.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	sub := &Subscription{
		bus:     b,
		kind:    kind,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"kind":     kind,
	}).Debug("Bus subscription registered")

	return sub
}

// Publish delivers ev synchronously to every live subscriber of ev.Kind,
// in subscription order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]*Subscription, len(b.subs[ev.Kind]))
	copy(handlers, b.subs[ev.Kind])
	b.mu.RUnlock()

	for _, sub := range handlers {
		if sub.cancelled.Load() {
			continue
		}
		sub.handler(ev)
	}
}

// SubscriberCount reports the number of live subscriptions for kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.kind]
	for i, s := range list {
		if s == sub {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.kind]) == 0 {
		delete(b.subs, sub.kind)
	}
}
