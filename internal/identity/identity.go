// Package identity implements the Identity & Access component (C4): opaque
// per-session per-agent tokens, human-assist tokens, and single-use
// connection-test tokens.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/arvhq/arv/internal/arverr"
)

// tokenBytes is the amount of random entropy in a minted token, matching
// the "opaque random bytes, not derivable from model IDs" requirement.
const tokenBytes = 24

// NewToken mints a fresh opaque token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", arverr.Wrap(arverr.KindAuth, err, "generate token")
	}
	return hex.EncodeToString(b), nil
}

// binding records which (session, model) a token authenticates.
type binding struct {
	sessionID string
	modelID   string

	// singleUse tokens (connection-test probes) are consumed on first
	// successful check.
	singleUse bool
	used      bool

	expiresAt time.Time
}

// Registry holds the live token-to-identity bindings for the process. It is
// an in-memory side table alongside the Session Store: tokens are minted at
// session start (and on demand for assist), and the bindings are not
// reloaded from the store. After a process restart, tokens minted before it
// are rejected, and Controller.Restart does not mint new ones.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding
}

// NewRegistry returns an empty token registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*binding)}
}

// IssueAgentToken mints and registers a token binding a (session, model)
// pair, as done once per registered agent at session start.
func (r *Registry) IssueAgentToken(sessionID, modelID string) (string, error) {
	tok, err := NewToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[tok] = &binding{sessionID: sessionID, modelID: modelID}

	return tok, nil
}

// IssueAssistToken mints an on-demand human-assist token, bound to the
// pseudo-reviewer "human".
func (r *Registry) IssueAssistToken(sessionID string) (string, error) {
	tok, err := NewToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[tok] = &binding{sessionID: sessionID, modelID: "human"}

	return tok, nil
}

// IssueConnTestToken mints a short-lived, single-use token for the
// Connection Tester (C10).
func (r *Registry) IssueConnTestToken(ttl time.Duration) (string, error) {
	tok, err := NewToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[tok] = &binding{
		sessionID: "",
		modelID:   "__conntest__",
		singleUse: true,
		expiresAt: time.Now().Add(ttl),
	}

	return tok, nil
}

// Authorize checks that token authenticates modelID against sessionID. An
// inbound report/opinion/respond/status/dismiss/assist call must present a
// token that matches the claimed model ID for the target session.
func (r *Registry) Authorize(token, sessionID, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[token]
	if !ok {
		return arverr.New(arverr.KindAuth, "unknown token")
	}
	if b.sessionID != sessionID || b.modelID != modelID {
		return arverr.New(arverr.KindAuth, "token does not match identity").
			WithContext("session_id", sessionID).
			WithContext("model_id", modelID)
	}
	if b.singleUse {
		if b.used || time.Now().After(b.expiresAt) {
			return arverr.New(arverr.KindAuth, "token expired or already used")
		}
		b.used = true
	}

	return nil
}

// AuthorizeConnTest validates and consumes a one-shot connection-test
// token, returning nil only on a fresh, unexpired token.
func (r *Registry) AuthorizeConnTest(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[token]
	if !ok || b.modelID != "__conntest__" {
		return arverr.New(arverr.KindAuth, "unknown connection-test token")
	}
	if b.used {
		return arverr.New(arverr.KindAuth, "connection-test token already used")
	}
	if time.Now().After(b.expiresAt) {
		return arverr.New(arverr.KindAuth, "connection-test token expired")
	}
	b.used = true

	return nil
}

// Revoke removes a token, e.g. on session delete.
func (r *Registry) Revoke(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, token)
}

// RevokeSession removes all tokens bound to a session, e.g. on delete.
func (r *Registry) RevokeSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, b := range r.bindings {
		if b.sessionID == sessionID {
			delete(r.bindings, tok)
		}
	}
}
