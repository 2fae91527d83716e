// Package runner implements the Reviewer Runner (C2): the only component
// that spawns reviewer subprocesses. One call produces at most one
// subprocess and exactly one terminal outcome (submitted, failed, or
// cancelled). It wraps the Claude Agent SDK the same way the teacher's
// agent.Spawner does, adding the deadline, ring-buffer, and activity-event
// bookkeeping the spec requires.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	claudeagent "github.com/roasbeef/claude-agent-sdk-go"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/config"
)

// Outcome is a reviewer subprocess's terminal state.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ActivityEvent is one reviewer tool-use/file-read/search event, tagged
// with the model that produced it.
type ActivityEvent struct {
	ModelID   string    `json:"model_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
}

// PromptBundle is everything the Runner needs to launch one reviewer
// subprocess, per §4.2.
type PromptBundle struct {
	ModelID      string
	ClientKind   string
	SystemPrompt string
	Role         string
	DiffSummary  string
	Focus        []string
	ReplyToken   string
	SessionBase  string
}

// Result is the terminal record of one Run call. Summary/IssueCount/
// CostUSD/DurationMS are only populated when the reviewer's final message
// contains a fenced review-summary block (see extractReviewSummary); a
// reviewer that only calls the report/opinion REST API and never emits one
// still submits cleanly with these left zero.
type Result struct {
	Outcome    Outcome
	Reason     string
	Summary    string
	IssueCount int
	CostUSD    float64
	DurationMS int64
}

// reviewSummaryFence matches a ```review_summary fenced block in a
// reviewer's final assistant message, the same fenced-block convention
// internal/assist's cliFence uses for CLI command hints.
var reviewSummaryFence = regexp.MustCompile("(?s)```review_summary\\s*\\n(.*?)```")

type reviewSummaryPayload struct {
	Summary    string  `json:"summary"`
	IssueCount int     `json:"issue_count"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
}

// extractReviewSummary looks for a fenced review_summary JSON block in text
// and parses it, tolerating prose before/after the fence the way the
// teacher's extractJSON tolerates a reviewer wrapping its structured
// output in conversational text. Returns the zero value if none is found
// or the fenced content isn't valid JSON.
func extractReviewSummary(text string) reviewSummaryPayload {
	match := reviewSummaryFence.FindStringSubmatch(text)
	if match == nil {
		return reviewSummaryPayload{}
	}

	var payload reviewSummaryPayload
	_ = json.Unmarshal([]byte(match[1]), &payload)
	return payload
}

// Runtime exposes the live/retained state of one reviewer run, surfaced
// via the "runtime" query named in §4.2.
type Runtime struct {
	ModelID string
	Stdout  []byte
	Stderr  []byte
	Events  []ActivityEvent
}

// Run is a single in-flight or completed reviewer subprocess invocation.
type Run struct {
	modelID string

	stdout *RingBuffer
	stderr *RingBuffer
	events *EventRing

	cancel context.CancelFunc

	mu       sync.Mutex
	client   *claudeagent.Client
	result   *Result
	resultCh chan Result
}

// Runner supervises reviewer subprocesses. It is the sole owner of Claude
// Agent SDK client lifecycles in the engine. A weighted semaphore bounds
// how many subprocesses actually run concurrently; Start itself never
// blocks on it; supervise acquires it in the background so a burst of
// enabled agents at session start doesn't fork more CLI processes at once
// than the host can comfortably run.
type Runner struct {
	cfg config.RunnerConfig
	sem *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*Run
}

// New returns a Runner using cfg for deadlines, buffer sizing, and the
// concurrent-subprocess cap.
func New(cfg config.RunnerConfig) *Runner {
	max := int64(cfg.MaxConcurrent)
	if max <= 0 {
		max = 1 << 20 // effectively unbounded
	}
	return &Runner{cfg: cfg, sem: semaphore.NewWeighted(max), runs: make(map[string]*Run)}
}

func (r *Runner) buildOptions(bundle PromptBundle) []claudeagent.Option {
	opts := []claudeagent.Option{
		claudeagent.WithCLIPath(r.cfg.CLIPath),
		claudeagent.WithSystemPrompt(bundle.SystemPrompt),
		claudeagent.WithPermissionMode(claudeagent.PermissionMode("acceptEdits")),
	}
	return opts
}

// Start launches the reviewer subprocess for bundle and returns
// immediately; the terminal Result arrives on the returned channel. At
// most one subprocess is created per call, matching the "one call -> at
// most one subprocess" contract.
func (r *Runner) Start(ctx context.Context, bundle PromptBundle, prompt string) (<-chan Result, error) {
	r.mu.Lock()
	if _, exists := r.runs[bundle.ModelID]; exists {
		r.mu.Unlock()
		return nil, arverr.New(arverr.KindState, "reviewer already running").
			WithContext("model_id", bundle.ModelID)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)

	run := &Run{
		modelID:  bundle.ModelID,
		stdout:   NewRingBuffer(r.cfg.RingBufferBytes),
		stderr:   NewRingBuffer(r.cfg.RingBufferBytes),
		events:   NewEventRing(r.cfg.MaxActivityEvents),
		cancel:   cancel,
		resultCh: make(chan Result, 1),
	}
	r.runs[bundle.ModelID] = run
	r.mu.Unlock()

	go r.supervise(runCtx, run, bundle, prompt)

	return run.resultCh, nil
}

func (r *Runner) supervise(ctx context.Context, run *Run, bundle PromptBundle, prompt string) {
	defer run.cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		run.resultCh <- Result{Outcome: OutcomeCancelled, Reason: "cancelled waiting for a subprocess slot"}
		close(run.resultCh)
		return
	}
	defer r.sem.Release(1)

	outcome := r.launch(ctx, run, bundle, prompt)

	run.mu.Lock()
	run.result = &outcome
	run.mu.Unlock()

	run.resultCh <- outcome
	close(run.resultCh)
}

func (r *Runner) launch(ctx context.Context, run *Run, bundle PromptBundle, prompt string) Result {
	opts := r.buildOptions(bundle)

	client, err := claudeagent.NewClient(opts...)
	if err != nil {
		fmt.Fprintf(run.stderr, "create client: %v\n", err)
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}
	}

	run.mu.Lock()
	run.client = client
	run.mu.Unlock()
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(run.stderr, "connect: %v\n", err)
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}
	}

	submitted := false
	var lastMessage string

	for msg := range client.Query(ctx, prompt) {
		switch m := msg.(type) {
		case claudeagent.AssistantMessage:
			lastMessage = m.ContentText()
			fmt.Fprintln(run.stdout, lastMessage)
			run.events.Push(ActivityEvent{
				ModelID:   bundle.ModelID,
				Timestamp: time.Now(),
				Kind:      "assistant_message",
				Detail:    lastMessage,
			})

		case claudeagent.ResultMessage:
			if m.IsError {
				reason := "reviewer reported an error"
				if len(m.Errors) > 0 {
					reason = m.Errors[0]
				}
				return Result{Outcome: OutcomeFailed, Reason: reason}
			}
			// The reviewer's individual issue reports arrive through the
			// REST API, not through this stream; reaching a clean
			// ResultMessage just confirms the subprocess exited normally.
			// A reviewer that also emits a fenced review_summary block in
			// its final message gets that folded into the Result below.
			submitted = true
		}
	}

	if ctx.Err() != nil {
		if ctx.Err() == context.Canceled {
			return Result{Outcome: OutcomeCancelled, Reason: "stopped"}
		}
		return Result{Outcome: OutcomeFailed, Reason: "deadline exceeded"}
	}

	if !submitted {
		return Result{Outcome: OutcomeFailed, Reason: "no result message"}
	}

	summary := extractReviewSummary(lastMessage)
	return Result{
		Outcome: OutcomeSubmitted, Summary: summary.Summary, IssueCount: summary.IssueCount,
		CostUSD: summary.CostUSD, DurationMS: summary.DurationMS,
	}
}

// Stop cancels a model's in-flight run's context and returns without
// waiting. Terminating the subprocess is left to the SDK's context
// cancellation plumbing; no grace period (cfg.StopGrace) is applied here.
func (r *Runner) Stop(modelID string) error {
	r.mu.Lock()
	run, ok := r.runs[modelID]
	r.mu.Unlock()

	if !ok {
		return arverr.New(arverr.KindNotFound, "no run for model").
			WithContext("model_id", modelID)
	}

	run.cancel()
	return nil
}

// Runtime returns the retained stdout/stderr/activity for a model's run.
func (r *Runner) Runtime(modelID string) (Runtime, error) {
	r.mu.Lock()
	run, ok := r.runs[modelID]
	r.mu.Unlock()

	if !ok {
		return Runtime{}, arverr.New(arverr.KindNotFound, "no run for model").
			WithContext("model_id", modelID)
	}

	return Runtime{
		ModelID: modelID,
		Stdout:  run.stdout.Bytes(),
		Stderr:  run.stderr.Bytes(),
		Events:  run.events.Snapshot(),
	}, nil
}

// Cleanup forgets a completed run, e.g. once its terminal Result has been
// consumed by the session controller.
func (r *Runner) Cleanup(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, modelID)
}
