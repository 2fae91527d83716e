package actor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// registerConfig holds optional per-registration overrides.
type registerConfig struct {
	cleanupTimeout fn.Option[time.Duration]
}

// RegisterOption configures a RegisterWithSystem call.
type RegisterOption func(*registerConfig)

// WithCleanupTimeout overrides the default 5-second OnStop deadline. Use a
// longer timeout for actors wrapping external subprocesses.
func WithCleanupTimeout(d time.Duration) RegisterOption {
	return func(cfg *registerConfig) {
		cfg.cleanupTimeout = fn.Some(d)
	}
}

// stoppable is the subset of Actor the ActorSystem needs to track it for
// shutdown, independent of its message/response types.
type stoppable interface {
	Stop()
}

// SystemConfig configures an ActorSystem.
type SystemConfig struct {
	// MailboxCapacity is the default buffer size for actor mailboxes.
	MailboxCapacity int
}

// DefaultConfig returns the default SystemConfig.
func DefaultConfig() SystemConfig {
	return SystemConfig{
		MailboxCapacity: 100,
	}
}

// ActorSystem owns a set of actors sharing one dead letter office and one
// shutdown sequence. Service discovery has been pared down to what this
// module actually needs: a type-safety check on registration, not a runtime
// lookup/broadcast surface (nothing in this codebase calls an actor by
// service name at a distance — every caller holds the TellOnlyRef that
// Spawn handed back).
type ActorSystem struct {
	receptionist *Receptionist

	// actors holds every actor the system manages, including the dead
	// letter actor itself, keyed by ID.
	actors map[string]stoppable

	// deadLetterActor absorbs messages no actor could process.
	deadLetterActor TellOnlyRef[Message]

	config SystemConfig

	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	actorWg sync.WaitGroup
}

// NewActorSystem creates an ActorSystem with DefaultConfig.
func NewActorSystem() *ActorSystem {
	return NewActorSystemWithConfig(DefaultConfig())
}

// NewActorSystemWithConfig creates an ActorSystem with the given config.
func NewActorSystemWithConfig(config SystemConfig) *ActorSystem {
	ctx, cancel := context.WithCancel(context.Background())

	system := &ActorSystem{
		receptionist: newReceptionist(),
		config:       config,
		actors:       make(map[string]stoppable),
		ctx:          ctx,
		cancel:       cancel,
	}

	deadLetterBehavior := NewFunctionBehavior(
		func(ctx context.Context, msg Message) fn.Result[any] {
			return fn.Err[any](errors.New(
				"message undeliverable: " + msg.MessageType(),
			))
		},
	)

	// The dead letter actor's own DLO is nil: a message the DLO itself
	// can't process is simply logged and dropped, not looped back.
	deadLetterActorCfg := ActorConfig[Message, any]{
		ID:          "dead-letters",
		Behavior:    deadLetterBehavior,
		DLO:         nil,
		MailboxSize: config.MailboxCapacity,
		Wg:          &system.actorWg,
	}
	deadLetterRawActor := NewActor[Message, any](deadLetterActorCfg)
	deadLetterRawActor.Start()
	system.deadLetterActor = deadLetterRawActor.Ref()

	system.actors[deadLetterRawActor.id] = deadLetterRawActor

	return system
}

// newStoppedActorRef returns an already-stopped TellOnlyRef for id, so a
// failed registration can hand back a safe non-nil value instead of a nil
// pointer: a Tell on it returns at once and the message is discarded,
// instead of panicking.
func newStoppedActorRef[M Message, R any](id string) TellOnlyRef[M] {
	cfg := ActorConfig[M, R]{ID: id}
	actor := NewActor(cfg)
	actor.Stop()
	return actor.Ref()
}

// RegisterWithSystem starts behavior as a new actor under id, registers its
// type signature against key in the receptionist, and returns its ref.
func RegisterWithSystem[M Message, R any](as *ActorSystem, id string, key ServiceKey[M, R],
	behavior ActorBehavior[M, R], opts ...RegisterOption,
) TellOnlyRef[M] {
	if as.ctx.Err() != nil {
		return newStoppedActorRef[M, R](id)
	}

	var regCfg registerConfig
	for _, opt := range opts {
		opt(&regCfg)
	}

	actorCfg := ActorConfig[M, R]{
		ID:             id,
		Behavior:       behavior,
		DLO:            as.deadLetterActor,
		MailboxSize:    as.config.MailboxCapacity,
		Wg:             &as.actorWg,
		CleanupTimeout: regCfg.cleanupTimeout,
	}
	actorInstance := NewActor(actorCfg)
	actorInstance.Start()

	as.mu.Lock()
	as.actors[actorInstance.id] = actorInstance
	as.mu.Unlock()

	if err := RegisterWithReceptionist(as.receptionist, key); err != nil {
		// Service name reused with a different message/response type:
		// stop the actor we just started rather than leave an
		// orphaned goroutine around, and hand back a dead ref.
		actorInstance.Stop()
		as.mu.Lock()
		delete(as.actors, actorInstance.id)
		as.mu.Unlock()

		return newStoppedActorRef[M, R](id)
	}

	log.DebugS(as.ctx, "Actor registered with system",
		"actor_id", id,
		"service_key", key.name)

	return actorInstance.Ref()
}

// Shutdown stops every managed actor and blocks until each has exited or ctx
// expires.
func (as *ActorSystem) Shutdown(ctx context.Context) error {
	// Cancelling first closes the registration window: any
	// RegisterWithSystem call racing this Shutdown sees as.ctx.Err() !=
	// nil and returns a dead ref instead of adding to actorWg after
	// we've started waiting on it.
	as.cancel()

	var actorsToStop []stoppable
	as.mu.RLock()
	for _, actor := range as.actors {
		actorsToStop = append(actorsToStop, actor)
	}
	as.mu.RUnlock()

	log.InfoS(ctx, "Actor system shutting down",
		"num_actors", len(actorsToStop))

	for _, actor := range actorsToStop {
		actor.Stop()
	}

	as.mu.Lock()
	as.actors = nil
	as.mu.Unlock()

	done := make(chan struct{})
	go func() {
		as.actorWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.InfoS(ctx, "Actor system shutdown completed")
		return nil

	case <-ctx.Done():
		log.ErrorS(ctx, "Actor system shutdown incomplete, "+
			"some actors may have leaked", ctx.Err())
		return ctx.Err()
	}
}

// StopAndRemoveActor stops the actor registered under id and drops it from
// the system's bookkeeping. Reports whether an actor was found.
func (as *ActorSystem) StopAndRemoveActor(id string) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	actorToStop, exists := as.actors[id]
	if !exists {
		return false
	}

	actorToStop.Stop()
	delete(as.actors, id)

	log.DebugS(as.ctx, "Actor stopped and removed from system",
		"actor_id", id)

	return true
}

// ServiceKey names a message/response type pair for registration-time type
// checking. A service key is looked up exactly once, at Spawn time; nothing
// in this package resolves a ServiceKey back to a live ref later, since
// every caller already holds the TellOnlyRef Spawn returned.
type ServiceKey[M Message, R any] struct {
	name string
}

// NewServiceKey names a new service key.
func NewServiceKey[M Message, R any](name string) ServiceKey[M, R] {
	return ServiceKey[M, R]{name: name}
}

// Spawn starts behavior as an actor named id and registers it under sk.
func (sk ServiceKey[M, R]) Spawn(as *ActorSystem, id string,
	behavior ActorBehavior[M, R],
) TellOnlyRef[M] {
	return RegisterWithSystem(as, id, sk, behavior)
}

// serviceTypeInfo is the type signature recorded for a service name.
type serviceTypeInfo struct {
	msgTypeName  string
	respTypeName string
}

// Receptionist is a registration-time type registry: it rejects reusing a
// service name with a different message/response type, catching a
// copy-pasted ServiceKey declaration at Spawn time instead of at a runtime
// type assertion somewhere downstream.
type Receptionist struct {
	typeRegistry map[string]serviceTypeInfo
	mu           sync.RWMutex
}

func newReceptionist() *Receptionist {
	return &Receptionist{
		typeRegistry: make(map[string]serviceTypeInfo),
	}
}

// RegisterWithReceptionist records key's type signature in r, or returns
// ErrServiceKeyTypeMismatch if key.name was already registered with a
// different M/R pair. A package-level function because Go methods can't take
// their own type parameters.
func RegisterWithReceptionist[M Message, R any](
	r *Receptionist, key ServiceKey[M, R],
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// reflect avoids allocating zero-value M/R instances just to learn
	// their type names.
	msgTypeName := reflect.TypeOf((*M)(nil)).Elem().String()
	respTypeName := reflect.TypeOf((*R)(nil)).Elem().String()

	expectedTypes := serviceTypeInfo{
		msgTypeName:  msgTypeName,
		respTypeName: respTypeName,
	}

	if existingTypes, exists := r.typeRegistry[key.name]; exists {
		if existingTypes != expectedTypes {
			return fmt.Errorf("%w: service '%s' already registered "+
				"with types (%s, %s), cannot register with (%s, %s)",
				ErrServiceKeyTypeMismatch, key.name,
				existingTypes.msgTypeName, existingTypes.respTypeName,
				msgTypeName, respTypeName)
		}
		return nil
	}

	r.typeRegistry[key.name] = expectedTypes
	return nil
}
