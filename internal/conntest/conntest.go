// Package conntest implements the Connection Tester (C10): a one-shot probe
// that launches a reviewer client, asks it to call back, and reports
// whether it did before the deadline. It never touches the Session Store —
// a connection test has no session, no issues, no consensus, just a
// pass/fail signal for whoever is configuring an agent.
package conntest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	claudeagent "github.com/roasbeef/claude-agent-sdk-go"

	"github.com/arvhq/arv/internal/config"
	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/identity"
)

// EventKind tags one entry in a connection test's event stream.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventTriggerDone EventKind = "trigger_done"
	EventResult     EventKind = "result"
)

// Status is the terminal outcome of a connection test.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Event is one entry on a connection test's stream, per §4.10: a "started"
// event carrying the token/marker/callback URL the caller needs to display,
// an optional "trigger_done" once the launched subprocess itself exits, and
// exactly one terminal "result".
type Event struct {
	Kind          EventKind `json:"kind"`
	Token         string    `json:"token,omitempty"`
	SessionMarker string    `json:"session_marker,omitempty"`
	CallbackURL   string    `json:"callback_url,omitempty"`
	Status        Status    `json:"status,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Tester drives connection tests. It is the one place a stray callback
// wakes up an in-flight Run: HandleCallback and Run rendezvous through a
// small pending-wait table keyed by token, independent of the Session
// Store's per-session locking in internal/session.
type Tester struct {
	cfg    config.ConnTesterConfig
	tokens *identity.Registry

	mu      sync.Mutex
	pending map[string]chan struct{}
}

// New returns a Tester using cfg for its timeout and tokens to mint and
// validate the single-use probe token.
func New(cfg config.ConnTesterConfig, tokens *identity.Registry) *Tester {
	return &Tester{
		cfg:     cfg,
		tokens:  tokens,
		pending: make(map[string]chan struct{}),
	}
}

// HandleCallback is invoked by the HTTP layer when the launched client hits
// the callback endpoint. It validates and consumes the single-use token and
// wakes the matching Run, if one is still waiting.
func (t *Tester) HandleCallback(token string) error {
	if err := t.tokens.AuthorizeConnTest(token); err != nil {
		return err
	}

	t.mu.Lock()
	ch, ok := t.pending[token]
	t.mu.Unlock()

	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	return nil
}

// Run launches clientKind with a prompt instructing it to call callbackBase
// plus the minted token, and streams started/trigger_done/result events on
// the returned channel, which is closed once the terminal result is sent.
func (t *Tester) Run(ctx context.Context, clientKind domain.ClientKind, cliPath, callbackBase string) (<-chan Event, error) {
	token, err := t.tokens.IssueConnTestToken(t.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	marker := uuid.NewString()
	callbackURL := fmt.Sprintf("%s?token=%s", callbackBase, token)

	t.mu.Lock()
	waitCh := make(chan struct{}, 1)
	t.pending[token] = waitCh
	t.mu.Unlock()

	events := make(chan Event, 4)

	go t.run(ctx, clientKind, cliPath, token, marker, callbackURL, waitCh, events)

	return events, nil
}

func (t *Tester) run(
	ctx context.Context, clientKind domain.ClientKind, cliPath, token, marker, callbackURL string,
	waitCh chan struct{}, events chan Event,
) {
	defer close(events)
	defer func() {
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
	}()

	events <- Event{
		Kind: EventStarted, Token: token, SessionMarker: marker, CallbackURL: callbackURL,
	}

	triggerDone := make(chan struct{})
	go func() {
		defer close(triggerDone)
		t.launch(ctx, clientKind, cliPath, marker, callbackURL)
	}()

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-triggerDone:
			events <- Event{Kind: EventTriggerDone}
			// Read once; nil the channel so the select never wakes on it
			// again while still waiting on the callback or the deadline.
			triggerDone = nil

		case <-waitCh:
			events <- Event{Kind: EventResult, Status: StatusOK}
			return

		case <-timer.C:
			events <- Event{Kind: EventResult, Status: StatusTimeout, Reason: "no callback before deadline"}
			return

		case <-ctx.Done():
			events <- Event{Kind: EventResult, Status: StatusError, Reason: ctx.Err().Error()}
			return
		}
	}
}

// launch drives a one-shot client whose only instruction is to call
// callbackURL. Every client kind is routed through the Claude Agent SDK, the
// same scope internal/runner already has — no other client kind is wired to
// a distinct subprocess path yet.
func (t *Tester) launch(ctx context.Context, clientKind domain.ClientKind, cliPath, marker, callbackURL string) {
	opts := []claudeagent.Option{
		claudeagent.WithCLIPath(cliPath),
		claudeagent.WithSystemPrompt(connTestSystemPrompt),
	}

	client, err := claudeagent.NewClient(opts...)
	if err != nil {
		return
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return
	}

	prompt := fmt.Sprintf(
		"Confirm connectivity by running exactly one command: "+
			"curl -sS -X POST '%s' -H 'Content-Type: application/json' -d '{\"marker\":%q}'. "+
			"Then stop; do not explore the repository.",
		callbackURL, marker,
	)

	for range client.Query(ctx, prompt) {
		// Drain to completion; the callback itself (not this stream) is
		// what Run's select loop waits on.
	}
}

// connTestSystemPrompt keeps the probe to exactly one action.
const connTestSystemPrompt = `You are verifying that this CLI is reachable and correctly configured. Run the single command you are given, then stop.`
