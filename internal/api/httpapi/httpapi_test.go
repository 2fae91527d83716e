package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arvhq/arv/internal/actor"
	"github.com/arvhq/arv/internal/config"
	"github.com/arvhq/arv/internal/conntest"
	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/eventbus"
	"github.com/arvhq/arv/internal/identity"
	"github.com/arvhq/arv/internal/runner"
	"github.com/arvhq/arv/internal/session"
	"github.com/arvhq/arv/internal/store"
)

func newTestRepo(t *testing.T) (root, base, head string) {
	t.Helper()

	root = t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	rev := func() string {
		cmd := exec.Command("git", "rev-parse", "HEAD")
		cmd.Dir = root
		out, err := cmd.Output()
		require.NoError(t, err)
		s := string(out)
		for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
			s = s[:len(s)-1]
		}
		return s
	}

	run("init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.go"), []byte("package foo\n"), 0o644))
	run("add", "foo.go")
	run("commit", "-q", "-m", "add foo")
	base = rev()

	require.NoError(t, os.WriteFile(filepath.Join(root, "foo.go"), []byte("package foo\n\nfunc A() {}\n"), 0o644))
	run("add", "foo.go")
	run("commit", "-q", "-m", "modify foo")
	head = rev()

	return root, base, head
}

func newTestServer(t *testing.T) (*Server, *session.Controller) {
	t.Helper()

	root := t.TempDir()
	fs, err := store.New(root)
	require.NoError(t, err)

	idx, err := store.OpenIndex(store.IndexConfig{DatabaseFileName: filepath.Join(root, "index.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	tokens := identity.NewRegistry()
	runs := runner.New(config.DefaultRunnerConfig())

	sys := actor.NewActorSystem()
	publisher, subscriber := eventbus.Spawn(sys)

	cfg := &config.Config{
		StorageRoot: root,
		Runner:      config.DefaultRunnerConfig(),
		Dedup:       config.DefaultDedupConfig(),
		Consensus:   config.DefaultConsensusConfig(),
		Verify:      config.DefaultVerifyConfig(),
		ConnTester:  config.DefaultConnTesterConfig(),
	}

	ctrl := session.New(fs, idx, tokens, runs, publisher, cfg)
	tester := conntest.New(cfg.ConnTester, tokens)

	srv := New(ctrl, tester, subscriber, "http://127.0.0.1:0/api/conntest/callback")
	return srv, ctrl
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	router := srv.Router()

	root, base, head := newTestRepo(t)
	rec := doJSON(t, router, http.MethodPost, "/api/sessions", map[string]any{
		"repo_path": root, "base": base, "head": head,
		"agents": []domain.Agent{{ModelID: "agentA", ClientKind: domain.ClientClaudeCode, Strictness: domain.StrictnessStrict, Enabled: true}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created["session_id"])

	rec = doJSON(t, router, http.MethodGet, "/api/sessions/"+created["session_id"]+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, string(domain.PhaseIdle), status["phase"])
}

func TestCreateSession_InvalidRepoReturns422(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/sessions", map[string]any{
		"repo_path": "/no/such/path", "base": "HEAD~1", "head": "HEAD",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReportIssue_RequiresAgentKey(t *testing.T) {
	t.Parallel()
	srv, ctrl := newTestServer(t)
	router := srv.Router()

	root, base, head := newTestRepo(t)
	sess, err := ctrl.CreateSession(context.Background(), session.CreateRequest{
		RepoPath: root, BaseRev: base, HeadRev: head,
		Agents: []domain.Agent{{ModelID: "agentA", ClientKind: domain.ClientClaudeCode, Strictness: domain.StrictnessStrict, Enabled: true}},
	})
	require.NoError(t, err)
	_, err = ctrl.Start(context.Background(), sess.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/issues", bytes.NewBufferString(`{"title":"bug","file":"foo.go"}`))
	req.Header.Set("X-Model-Id", "agentA")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReportIssue_SucceedsWithValidToken(t *testing.T) {
	t.Parallel()
	srv, ctrl := newTestServer(t)
	router := srv.Router()

	root, base, head := newTestRepo(t)
	sess, err := ctrl.CreateSession(context.Background(), session.CreateRequest{
		RepoPath: root, BaseRev: base, HeadRev: head,
		Agents: []domain.Agent{{ModelID: "agentA", ClientKind: domain.ClientClaudeCode, Strictness: domain.StrictnessStrict, Enabled: true}},
	})
	require.NoError(t, err)
	started, err := ctrl.Start(context.Background(), sess.ID)
	require.NoError(t, err)

	tok, err := fetchToken(started, "agentA")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/issues", bytes.NewBufferString(`{"title":"bug","file":"foo.go"}`))
	req.Header.Set("X-Model-Id", "agentA")
	req.Header.Set("X-Agent-Key", tok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var issue domain.Issue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issue))
	require.Equal(t, "bug", issue.Title)
}

// fetchToken is a thin test helper pulling a minted per-agent token out of
// the session Start returned, the same token a reviewer subprocess receives
// at launch. Agent.Token is not serialized, so a session re-read from the
// store does not carry it.
func fetchToken(sess *domain.Session, modelID string) (string, error) {
	for _, a := range sess.Agents {
		if a.ModelID == modelID {
			return a.Token, nil
		}
	}
	return "", nil
}

func TestFinish_NoUnresolvedIssuesCompletes(t *testing.T) {
	t.Parallel()
	srv, ctrl := newTestServer(t)
	router := srv.Router()

	root, base, head := newTestRepo(t)
	sess, err := ctrl.CreateSession(context.Background(), session.CreateRequest{
		RepoPath: root, BaseRev: base, HeadRev: head,
	})
	require.NoError(t, err)
	_, err = ctrl.Start(context.Background(), sess.ID)
	require.NoError(t, err)

	// No enabled agents: session advances straight to deliberating.
	rec := doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.ID+"/finish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConnectionTest_StreamsNDJSON(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	router := srv.Router()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/api/agents/connection-test", bytes.NewBufferString(
		`{"client_kind":"claude-code","cli_path":"claude"}`,
	)).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"started"`)
}
