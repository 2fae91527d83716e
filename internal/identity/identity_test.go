package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthorizeAgentToken(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tok, err := reg.IssueAgentToken("sess1", "gpt-reviewer")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	require.NoError(t, reg.Authorize(tok, "sess1", "gpt-reviewer"))
}

func TestAuthorize_WrongModelRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tok, err := reg.IssueAgentToken("sess1", "gpt-reviewer")
	require.NoError(t, err)

	err = reg.Authorize(tok, "sess1", "claude-reviewer")
	require.Error(t, err)
}

func TestAuthorize_WrongSessionRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tok, err := reg.IssueAgentToken("sess1", "gpt-reviewer")
	require.NoError(t, err)

	err = reg.Authorize(tok, "sess2", "gpt-reviewer")
	require.Error(t, err)
}

func TestAuthorize_UnknownTokenRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	err := reg.Authorize("deadbeef", "sess1", "gpt-reviewer")
	require.Error(t, err)
}

func TestConnTestToken_SingleUse(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tok, err := reg.IssueConnTestToken(time.Minute)
	require.NoError(t, err)

	require.NoError(t, reg.AuthorizeConnTest(tok))
	err = reg.AuthorizeConnTest(tok)
	require.Error(t, err, "a connection-test token must not validate twice")
}

func TestConnTestToken_Expires(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tok, err := reg.IssueConnTestToken(-time.Second)
	require.NoError(t, err)

	err = reg.AuthorizeConnTest(tok)
	require.Error(t, err)
}

func TestRevokeSession_RemovesAllBoundTokens(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tok1, err := reg.IssueAgentToken("sess1", "a")
	require.NoError(t, err)
	tok2, err := reg.IssueAgentToken("sess1", "b")
	require.NoError(t, err)
	tok3, err := reg.IssueAgentToken("sess2", "a")
	require.NoError(t, err)

	reg.RevokeSession("sess1")

	require.Error(t, reg.Authorize(tok1, "sess1", "a"))
	require.Error(t, reg.Authorize(tok2, "sess1", "b"))
	require.NoError(t, reg.Authorize(tok3, "sess2", "a"))
}

func TestNewToken_NotDerivableAndUnique(t *testing.T) {
	t.Parallel()

	tok1, err := NewToken()
	require.NoError(t, err)
	tok2, err := NewToken()
	require.NoError(t, err)

	require.NotEqual(t, tok1, tok2)
	require.Len(t, tok1, tokenBytes*2)
}
