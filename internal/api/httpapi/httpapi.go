// Package httpapi adapts the Lifecycle Controller, Assist Sub-engine, and
// Connection Tester onto the REST + SSE surface of §6, the way the
// teacher's plugin package adapts its agent manager onto gorilla/mux
// routes: thin handlers that decode a request, call one Controller method,
// and encode the result, with a single error-to-status mapping shared by
// every handler.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/conntest"
	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/eventbus"
	"github.com/arvhq/arv/internal/session"
)

// Server holds the dependencies every handler needs.
type Server struct {
	ctrl         *session.Controller
	tester       *conntest.Tester
	subscriber   *eventbus.Subscriber
	callbackBase string
}

// New returns a Server wiring ctrl, tester, and the event bus subscriber
// onto a fresh gorilla/mux router.
func New(ctrl *session.Controller, tester *conntest.Tester, subscriber *eventbus.Subscriber, callbackBase string) *Server {
	return &Server{ctrl: ctrl, tester: tester, subscriber: subscriber, callbackBase: callbackBase}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions/{sid}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}/activate", s.handleActivate).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}/finish", s.handleFinish).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}/process", s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}/fix-complete", s.handleFixComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{sid}/issues", s.handleListIssues).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{sid}/issues", s.handleReportIssue).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{sid}/diff/{path:.*}", s.handleDiff).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{sid}/files/{path:.*}", s.handleReadFile).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{sid}/stream", s.handleStream).Methods(http.MethodGet)

	r.HandleFunc("/api/issues/{iid}/opinions", s.handleSubmitOpinion).Methods(http.MethodPost)
	r.HandleFunc("/api/issues/{iid}/respond", s.handleRespond).Methods(http.MethodPost)
	r.HandleFunc("/api/issues/{iid}/status", s.handleSetIssueStatus).Methods(http.MethodPost)
	r.HandleFunc("/api/issues/{iid}/dismiss", s.handleDismiss).Methods(http.MethodPost)
	r.HandleFunc("/api/issues/{iid}/assist", s.handleConverse).Methods(http.MethodPost)
	r.HandleFunc("/api/issues/{iid}/assist/opinion", s.handleSubmitAssistOpinion).Methods(http.MethodPost)

	r.HandleFunc("/api/agents/connection-test", s.handleConnectionTest).Methods(http.MethodPost)
	r.HandleFunc("/api/conntest/callback", s.handleConnTestCallback).Methods(http.MethodPost)

	return r
}

// writeJSON writes v as the response body with a 200 (or the given status).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps a tagged arverr.Error to the corresponding HTTP status and
// writes {error, kind} as the body, with each of the error's context
// entries added as a further top-level key, per §7's taxonomy.
func writeErr(w http.ResponseWriter, err error) {
	var tagged *arverr.Error
	if !errors.As(err, &tagged) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch tagged.Kind {
	case arverr.KindValidation:
		status = http.StatusBadRequest
	case arverr.KindAuth:
		status = http.StatusForbidden
	case arverr.KindState, arverr.KindConflict:
		status = http.StatusConflict
	case arverr.KindNotFound:
		status = http.StatusNotFound
	case arverr.KindRepo:
		status = http.StatusUnprocessableEntity
	case arverr.KindStorage, arverr.KindSubprocess:
		status = http.StatusInternalServerError
	}

	body := map[string]any{"error": tagged.Message, "kind": string(tagged.Kind)}
	for k, v := range tagged.Context {
		body[k] = v
	}

	writeJSON(w, status, body)
}

func agentKey(r *http.Request) string { return r.Header.Get("X-Agent-Key") }

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ctrl.ListSessions()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionBody struct {
	RepoPath              string                        `json:"repo_path"`
	Base                  string                        `json:"base"`
	Head                  string                        `json:"head"`
	PresetIDs             []string                      `json:"preset_ids"`
	ImplementationContext *domain.ImplementationContext `json:"implementation_context"`
	Agents                []domain.Agent                `json:"agents"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	agents, err := s.resolveAgents(body.PresetIDs, body.Agents)
	if err != nil {
		writeErr(w, err)
		return
	}

	sess, err := s.ctrl.CreateSession(r.Context(), session.CreateRequest{
		RepoPath:              body.RepoPath,
		BaseRev:               body.Base,
		HeadRev:               body.Head,
		Agents:                agents,
		ImplementationContext: body.ImplementationContext,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID})
}

// resolveAgents merges explicit inline agents with any named presets, per
// §6's create body accepting both. Preset resolution is intentionally
// trivial here (the Preset Store is a small keyed list, not a subsystem
// with its own package); an unknown preset ID is a validation error rather
// than a silent skip.
func (s *Server) resolveAgents(presetIDs []string, inline []domain.Agent) ([]domain.Agent, error) {
	if len(presetIDs) == 0 {
		return inline, nil
	}

	presets, err := s.ctrl.ListPresets()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]domain.Agent, len(presets))
	for _, p := range presets {
		byName[p.Name] = p.Agent
	}

	out := append([]domain.Agent{}, inline...)
	for _, id := range presetIDs {
		agent, ok := byName[id]
		if !ok {
			return nil, arverr.New(arverr.KindValidation, "unknown preset").WithContext("preset_id", id)
		}
		out = append(out, agent)
	}

	return out, nil
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if err := s.ctrl.DeleteSession(sid); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	sess, err := s.ctrl.Start(r.Context(), sid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleActivate binds the reserved "current" session alias to sid, so a
// client that doesn't track its own session ID (e.g. an editor extension)
// can pass "current" as the session ID to GET /api/sessions/current/status
// and get whichever session was activated most recently. Only routes that
// read the session through Controller.GetSession resolve the alias.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if err := s.ctrl.Activate(sid); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Restart(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	force := r.URL.Query().Get("force") == "true"

	sess, err := s.ctrl.Finish(r.Context(), sid, force)
	if err != nil {
		var tagged *arverr.Error
		if errors.As(err, &tagged) && tagged.Kind == arverr.KindConflict {
			body := map[string]any{"unresolved_issues": tagged.Context["unresolved_issues"]}
			writeJSON(w, http.StatusConflict, body)
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	sess, err := s.ctrl.Process(r.Context(), sid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type fixCompleteBody struct {
	Commit   string   `json:"commit"`
	IssueIDs []string `json:"issue_ids"`
}

func (s *Server) handleFixComplete(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	var body fixCompleteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	sess, err := s.ctrl.FixComplete(r.Context(), sid, body.Commit, body.IssueIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	sess, err := s.ctrl.GetSession(sid)
	if err != nil {
		writeErr(w, err)
		return
	}

	reviews, err := s.ctrl.ListReviews(sid)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"phase":                  sess.Phase,
		"turn":                   sess.Turn,
		"agents":                 sess.Agents,
		"implementation_context": sess.ImplCtx,
		"reviews":                reviews,
		"pending_verification":   sess.PendingVerification,
	})
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	issues, err := s.ctrl.ListIssues(r.Context(), sid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

type reportIssueBody struct {
	Title       string          `json:"title"`
	Severity    domain.Severity `json:"severity"`
	File        string          `json:"file"`
	LineStart   *int            `json:"line_start"`
	LineEnd     *int            `json:"line_end"`
	Description string          `json:"description"`
	Suggestion  string          `json:"suggestion"`
}

func (s *Server) handleReportIssue(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	modelID := r.Header.Get("X-Model-Id")

	var body reportIssueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	issue, err := s.ctrl.ReportIssue(r.Context(), sid, session.ReportRequest{
		ModelID: modelID, Token: agentKey(r),
		Title: body.Title, Severity: body.Severity, File: body.File,
		LineStart: body.LineStart, LineEnd: body.LineEnd,
		Description: body.Description, Suggestion: body.Suggestion,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	diff, err := s.ctrl.Diff(r.Context(), vars["sid"], vars["path"])
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(diff))
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	start := queryInt(r, "start", 1)
	end := queryInt(r, "end", start)

	lines, err := s.ctrl.ReadFile(r.Context(), vars["sid"], vars["path"], start, end)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, arverr.New(arverr.KindState, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.subscriber.Subscribe(r.Context(), fmt.Sprintf("sse-%p", r), sid)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

type opinionBody struct {
	ModelID           string          `json:"model_id"`
	Action            domain.OpinionAction `json:"action"`
	Reasoning         string          `json:"reasoning"`
	SuggestedSeverity domain.Severity `json:"suggested_severity"`
	Confidence        *float64        `json:"confidence"`
}

func (s *Server) handleSubmitOpinion(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	sid := r.URL.Query().Get("session_id")

	var body opinionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	issue, err := s.ctrl.SubmitOpinion(r.Context(), sid, iid, session.OpinionRequest{
		ModelID: body.ModelID, Token: agentKey(r), Action: body.Action,
		Reasoning: body.Reasoning, SuggestedSeverity: body.SuggestedSeverity,
		Confidence: body.Confidence,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

type respondBody struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	sid := r.URL.Query().Get("session_id")
	modelID := r.Header.Get("X-Model-Id")

	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	sess, err := s.ctrl.RespondVerification(r.Context(), sid, iid, modelID, body.Action, body.Reasoning)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type statusBody struct {
	Status    domain.ProgressStatus `json:"status"`
	Reasoning string                `json:"reasoning"`
}

func (s *Server) handleSetIssueStatus(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	sid := r.URL.Query().Get("session_id")

	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	issue, err := s.ctrl.SetIssueStatus(r.Context(), sid, iid, body.Status, body.Reasoning)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

type dismissBody struct {
	Reasoning string `json:"reasoning"`
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	sid := r.URL.Query().Get("session_id")

	var body dismissBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	issue, err := s.ctrl.Dismiss(r.Context(), sid, iid, body.Reasoning)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

type assistBody struct {
	Message string `json:"message"`
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	sid := r.URL.Query().Get("session_id")

	var body assistBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	messages, cliCommand, err := s.ctrl.Converse(r.Context(), sid, iid, agentKey(r), body.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "cli_command": cliCommand})
}

type assistOpinionBody struct {
	Action    domain.OpinionAction `json:"action"`
	Reasoning string               `json:"reasoning"`
}

func (s *Server) handleSubmitAssistOpinion(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	sid := r.URL.Query().Get("session_id")

	var body assistOpinionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	issue, err := s.ctrl.SubmitAssistOpinion(r.Context(), sid, iid, agentKey(r), body.Action, body.Reasoning)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

type connectionTestBody struct {
	ClientKind domain.ClientKind `json:"client_kind"`
	CLIPath    string            `json:"cli_path"`
}

// handleConnectionTest streams NDJSON, one conntest.Event per line, per
// §6 ("streaming NDJSON of {type: started|trigger_done|result, …}") rather
// than SSE framing, which is reserved for the session event stream.
func (s *Server) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	var body connectionTestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, arverr.Wrap(arverr.KindValidation, err, "decode request body"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, arverr.New(arverr.KindState, "streaming unsupported"))
		return
	}

	events, err := s.tester.Run(r.Context(), body.ClientKind, body.CLIPath, s.callbackBase)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range events {
		_ = enc.Encode(map[string]any{
			"type":           ev.Kind,
			"token":          ev.Token,
			"session_marker": ev.SessionMarker,
			"callback_url":   ev.CallbackURL,
			"status":         ev.Status,
			"reason":         ev.Reason,
		})
		flusher.Flush()
	}
}

func (s *Server) handleConnTestCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := s.tester.HandleCallback(token); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
