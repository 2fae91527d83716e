package actor

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ActorConfig holds the parameters for NewActor.
type ActorConfig[M Message, R any] struct {
	// ID is the actor's unique identifier.
	ID string

	// Behavior defines how the actor responds to messages.
	Behavior ActorBehavior[M, R]

	// DLO receives messages the actor could not process: anything still
	// queued when the actor is stopped.
	DLO TellOnlyRef[Message]

	// MailboxSize is the mailbox's buffer capacity.
	MailboxSize int

	// Wg, if non-nil, is incremented on Start and decremented when the
	// process loop exits, letting the owning ActorSystem block on a
	// deterministic shutdown.
	Wg *sync.WaitGroup

	// CleanupTimeout bounds OnStop. Defaults to 5 seconds if unset.
	CleanupTimeout fn.Option[time.Duration]
}

// envelope wraps a message with the context the sender used at Tell time.
// There is no reply channel here: every actor in this package is tell-only.
type envelope[M Message, R any] struct {
	message   M
	callerCtx context.Context
}

// Actor drives one behavior's mailbox from a single goroutine, so the
// behavior never has to guard its own state against concurrent access.
type Actor[M Message, R any] struct {
	id string

	behavior ActorBehavior[M, R]
	mailbox  Mailbox[M, R]

	ctx    context.Context
	cancel context.CancelFunc

	dlo TellOnlyRef[Message]

	wg *sync.WaitGroup

	cleanupTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once

	ref TellOnlyRef[M]
}

// NewActor builds an actor from cfg. Start must be called separately to
// begin processing.
func NewActor[M Message, R any](cfg ActorConfig[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	mailboxCapacity := cfg.MailboxSize
	if mailboxCapacity <= 0 {
		mailboxCapacity = 1
	}

	actor := &Actor[M, R]{
		id:             cfg.ID,
		behavior:       cfg.Behavior,
		mailbox:        NewChannelMailbox[M, R](ctx, mailboxCapacity),
		ctx:            ctx,
		cancel:         cancel,
		dlo:            cfg.DLO,
		wg:             cfg.Wg,
		cleanupTimeout: cfg.CleanupTimeout.UnwrapOr(5 * time.Second),
	}

	actor.ref = &actorRefImpl[M, R]{actor: actor}

	return actor
}

// Start launches the processing goroutine. Safe to call more than once;
// only the first call has an effect.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		log.DebugS(a.ctx, "Starting actor", "actor_id", a.id)

		if a.wg != nil {
			a.wg.Add(1)
		}
		go a.process()
	})
}

// process is the actor's event loop: drain the mailbox until the actor's
// context is cancelled, then close the mailbox and route whatever was left
// queued to the dead letter office.
func (a *Actor[M, R]) process() {
	if a.wg != nil {
		defer a.wg.Done()
	}

	for env := range a.mailbox.Receive(a.ctx) {
		log.TraceS(a.ctx, "Actor processing message",
			"actor_id", a.id,
			"msg_type", env.message.MessageType())

		a.behavior.Receive(a.ctx, env.message)
	}

	a.mailbox.Close()

	drainedCount := 0
	for env := range a.mailbox.Drain() {
		drainedCount++

		log.TraceS(a.ctx, "Draining message from terminated actor",
			"actor_id", a.id,
			"msg_type", env.message.MessageType(),
			"has_dlo", a.dlo != nil)

		if a.dlo != nil {
			a.dlo.Tell(context.Background(), env.message)
		}
	}

	if stoppable, ok := a.behavior.(Stoppable); ok {
		cleanupCtx, cancel := context.WithTimeout(
			context.Background(), a.cleanupTimeout,
		)
		defer cancel()

		if err := stoppable.OnStop(cleanupCtx); err != nil {
			log.WarnS(a.ctx, "Actor cleanup error during shutdown",
				err, "actor_id", a.id)
		}
	}

	log.DebugS(a.ctx, "Actor terminated",
		"actor_id", a.id,
		"drained_messages", drainedCount)
}

// Stop cancels the actor's context, which unwinds process() on its own
// goroutine. Messages in flight are not lost: Send() checks the actor
// context before handing off, so anything that got past that check either
// completes its send or sees the cancellation in its own select.
func (a *Actor[M, R]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
}

// actorRefImpl is the concrete TellOnlyRef backing an Actor.
type actorRefImpl[M Message, R any] struct {
	actor *Actor[M, R]
}

// Tell enqueues msg on the actor's mailbox.
func (ref *actorRefImpl[M, R]) Tell(ctx context.Context, msg M) {
	log.TraceS(ctx, "Sending Tell message",
		"actor_id", ref.actor.id,
		"msg_type", msg.MessageType())

	env := envelope[M, R]{
		message:   msg,
		callerCtx: ctx,
	}
	ok := ref.actor.mailbox.Send(ctx, env)

	if !ok {
		// Only resurrect the message via the DLO when the failure was
		// on the actor's side (termination, closed mailbox). If the
		// caller's own context was what cancelled the send, the
		// message is intentionally dropped.
		if ctx.Err() == nil || ref.actor.ctx.Err() != nil {
			log.DebugS(ctx, "Tell failed, routing to DLO",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())

			ref.trySendToDLO(msg)
		} else {
			log.TraceS(ctx, "Tell failed, caller cancelled",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())
		}
	}
}

// trySendToDLO forwards msg to the actor's configured DLO, if any.
func (ref *actorRefImpl[M, R]) trySendToDLO(msg M) {
	if ref.actor.dlo != nil {
		ref.actor.dlo.Tell(context.Background(), msg)
	}
}

// ID returns the actor's identifier.
func (ref *actorRefImpl[M, R]) ID() string {
	return ref.actor.id
}

// Ref returns the actor's TellOnlyRef.
func (a *Actor[M, R]) Ref() TellOnlyRef[M] {
	return a.ref
}
