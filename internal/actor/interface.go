package actor

import (
	"context"
	"fmt"
	"iter"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrActorTerminated is returned when a send targets an actor that has
// already stopped.
var ErrActorTerminated = fmt.Errorf("actor terminated")

// ErrServiceKeyTypeMismatch indicates a service name is already registered
// under a different message or response type.
var ErrServiceKeyTypeMismatch = fmt.Errorf("service key type mismatch")

// BaseMessage is embedded in a domain message type to satisfy Message's
// unexported marker without repeating it by hand.
type BaseMessage struct{}

func (BaseMessage) messageMarker() {}

// Message is the sealed envelope payload every actor receives. Sealing via
// the unexported messageMarker means only types embedding BaseMessage (or
// declared in this package) can implement it.
type Message interface {
	messageMarker()

	// MessageType names the concrete message for logging and dead-letter
	// auditing.
	MessageType() string
}

// PriorityMessage is a Message that also reports a relative processing
// priority. Nothing in this package currently orders mailboxes by it; it
// exists so a future priority-aware Mailbox can be dropped in without
// touching message definitions.
type PriorityMessage interface {
	Message

	Priority() int
}

// BaseActorRef is the identity-only supertype every actor reference
// implements, independent of its message type.
type BaseActorRef interface {
	ID() string
}

// TellOnlyRef is a fire-and-forget handle to an actor. This is the only
// reference shape this package hands out: every consumer here (the event
// bus, the dead-letter office) publishes notifications and never waits on a
// reply, so there is no request/response half to the API.
type TellOnlyRef[M Message] interface {
	BaseActorRef

	// Tell enqueues msg on the actor's mailbox. If ctx is cancelled before
	// the mailbox accepts it, the message is dropped (or, for an
	// actor-side failure, routed to the dead letter office).
	Tell(ctx context.Context, msg M)
}

// ActorBehavior is the per-actor message handler. One behavior instance
// backs exactly one Actor and runs on that actor's single goroutine, so it
// never needs its own locking.
type ActorBehavior[M Message, R any] interface {
	// Receive handles one message. ctx is the actor's own lifecycle
	// context; it is not merged with any caller context since Tell
	// never carries one through.
	Receive(ctx context.Context, msg M) fn.Result[R]
}

// Stoppable lets a behavior release resources (subprocess handles, file
// descriptors) when its actor is torn down.
type Stoppable interface {
	// OnStop runs after the mailbox has drained, with a bounded ctx for
	// cleanup. Implementations should respect the deadline rather than
	// block shutdown indefinitely.
	OnStop(ctx context.Context) error
}

// Mailbox is the queue an Actor drains on its processing goroutine.
//
// Thread Safety:
//   - Send and TrySend may be called concurrently from multiple goroutines.
//   - Receive is only ever called from the owning actor's goroutine.
//   - Close may run concurrently with Send/TrySend and is idempotent.
//   - Drain must only run after Close, from a single goroutine.
type Mailbox[M Message, R any] interface {
	Send(ctx context.Context, env envelope[M, R]) bool
	TrySend(env envelope[M, R]) bool

	// Receive yields envelopes until ctx is cancelled or the mailbox is
	// closed and empty.
	Receive(ctx context.Context) iter.Seq[envelope[M, R]]

	Close()
	IsClosed() bool

	// Drain yields whatever was left queued at Close time, for routing
	// to the dead letter office during shutdown.
	Drain() iter.Seq[envelope[M, R]]
}
