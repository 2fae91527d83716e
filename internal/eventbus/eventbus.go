// Package eventbus implements the Event Bus (C8): an in-process broker for
// typed session events, feeding the external SSE adapter, the Assist
// engine, and internal logs. It is an actor in the same style as the
// teacher's notification hub — all subscriber-map mutation happens inside
// one Receive method, so no mutex is needed for the subscriber state
// itself.
package eventbus

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/arvhq/arv/internal/actor"
)

// Kind is one of the typed event kinds named in §4.8.
type Kind string

const (
	KindPhaseChange       Kind = "phase_change"
	KindReviewSubmitted   Kind = "review_submitted"
	KindOpinionSubmitted  Kind = "opinion_submitted"
	KindIssueCreated      Kind = "issue_created"
	KindIssueStatusChange Kind = "issue_status_changed"
	KindAgentStatus       Kind = "agent_status"
	KindAgentActivity     Kind = "agent_activity"
	KindAgentConfigChange Kind = "agent_config_changed"

	// KindReviewRequested fires when a false_positive vote flags an issue
	// back to its raiser for a second look (§4.6), independent of the
	// consensus outcome on the vote itself.
	KindReviewRequested Kind = "review_requested"
)

// dropOldest reports whether backpressure on this kind drops the oldest
// queued event (activity) versus blocking the publisher until the
// subscriber drains (phase/opinion events, which must never be dropped).
func (k Kind) dropOldest() bool {
	return k == KindAgentActivity
}

// Event is one bus message.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// subscriberQueueSize bounds a subscriber's per-session delivery channel.
const subscriberQueueSize = 256

// Subscription is a live handle a subscriber uses to drain events and to
// unsubscribe.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes and stops further delivery.
func (s *Subscription) Close() { s.cancel() }

// subscriber is one registered listener, optionally scoped to one session
// (empty sessionID means "all sessions").
type subscriber struct {
	id        string
	sessionID string
	ch        chan Event
}

// Bus is the actor-backed event broker.
type Bus struct {
	subs map[string]subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]subscriber)}
}

// message is the Bus actor's message type, satisfying actor.Message via
// BaseMessage the same way the teacher's own request types do.
type message interface {
	actor.Message
}

type subscribeMsg struct {
	actor.BaseMessage
	id        string
	sessionID string
	ch        chan Event
}

func (subscribeMsg) MessageType() string { return "subscribe" }

type unsubscribeMsg struct {
	actor.BaseMessage
	id string
}

func (unsubscribeMsg) MessageType() string { return "unsubscribe" }

type publishMsg struct {
	actor.BaseMessage
	event Event
}

func (publishMsg) MessageType() string { return "publish" }

// Receive implements actor.ActorBehavior, dispatching subscribe/unsubscribe/
// publish without any mutex: all subscriber-map access happens here, on the
// actor's single goroutine.
func (b *Bus) Receive(ctx context.Context, msg message) fn.Result[struct{}] {
	switch m := msg.(type) {
	case subscribeMsg:
		b.subs[m.id] = subscriber{id: m.id, sessionID: m.sessionID, ch: m.ch}

	case unsubscribeMsg:
		delete(b.subs, m.id)

	case publishMsg:
		b.deliver(m.event)
	}

	return fn.Ok(struct{}{})
}

// deliver fans m.event out to every matching subscriber, applying the
// per-kind backpressure policy: drop-oldest for agent_activity, otherwise
// block-then-coalesce is approximated by a blocking send bounded by a
// short timeout so one slow subscriber cannot stall the whole bus
// indefinitely while still guaranteeing phase/opinion events are never
// silently dropped under normal load (queue depth 256).
func (b *Bus) deliver(ev Event) {
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}

		if ev.Kind.dropOldest() {
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- ev:
				default:
				}
			}
			continue
		}

		select {
		case sub.ch <- ev:
		case <-time.After(5 * time.Second):
			// Subscriber is badly behind; this delivery is dropped only
			// after giving it a generous window to drain, since
			// phase/opinion events are supposed to never drop under
			// normal backpressure.
		}
	}
}

// EventBusKey is the actor service key for the bus, following the
// teacher's ServiceKey-per-actor-type convention.
var EventBusKey = actor.NewServiceKey[message, struct{}]("event-bus")

// Spawn registers a single Bus actor with sys and returns a Publisher and
// Subscriber bound to it. One bus instance is shared by every session.
func Spawn(sys *actor.ActorSystem) (*Publisher, *Subscriber) {
	ref := EventBusKey.Spawn(sys, "event-bus", New())
	return NewPublisher(ref), NewSubscriber(ref)
}

// Publisher is the handle used by C7/C2/C5/C6 to emit events. It wraps an
// actor.TellOnlyRef so publish is a fire-and-forget Tell.
type Publisher struct {
	ref actor.TellOnlyRef[message]
}

// NewPublisher wraps an actor ref for publishing.
func NewPublisher(ref actor.TellOnlyRef[message]) *Publisher {
	return &Publisher{ref: ref}
}

// Publish emits an event onto the bus.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	p.ref.Tell(ctx, publishMsg{event: ev})
}

// Subscriber is the handle used by the SSE adapter / Assist engine to
// subscribe.
type Subscriber struct {
	ref actor.TellOnlyRef[message]
}

// NewSubscriber wraps an actor ref for subscribing.
func NewSubscriber(ref actor.TellOnlyRef[message]) *Subscriber {
	return &Subscriber{ref: ref}
}

// Subscribe registers a new subscription, optionally scoped to sessionID
// (empty string subscribes to every session).
func (s *Subscriber) Subscribe(ctx context.Context, id, sessionID string) *Subscription {
	ch := make(chan Event, subscriberQueueSize)
	s.ref.Tell(ctx, subscribeMsg{id: id, sessionID: sessionID, ch: ch})

	return &Subscription{
		ch: ch,
		cancel: func() {
			s.ref.Tell(context.Background(), unsubscribeMsg{id: id})
		},
	}
}
