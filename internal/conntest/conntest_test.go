package conntest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arvhq/arv/internal/config"
	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/identity"
)

func drain(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()

	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func TestRun_EmitsStartedEventWithCallbackDetails(t *testing.T) {
	t.Parallel()

	tokens := identity.NewRegistry()
	tester := New(config.ConnTesterConfig{Timeout: 30 * time.Millisecond}, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events, err := tester.Run(ctx, domain.ClientClaudeCode, "claude", "http://127.0.0.1:0/api/conntest/callback")
	require.NoError(t, err)

	first := <-events
	require.Equal(t, EventStarted, first.Kind)
	require.NotEmpty(t, first.Token)
	require.NotEmpty(t, first.SessionMarker)
	require.Contains(t, first.CallbackURL, first.Token)

	// Drain to completion (the probe's claude subprocess fails fast since no
	// such binary runs in the test environment, and no callback ever
	// arrives) rather than asserting exact event counts beyond the first.
	drain(t, events, time.Second)
}

func TestRun_ResolvesOKWhenCallbackArrivesBeforeDeadline(t *testing.T) {
	t.Parallel()

	tokens := identity.NewRegistry()
	tester := New(config.ConnTesterConfig{Timeout: time.Second}, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := tester.Run(ctx, domain.ClientClaudeCode, "claude", "http://127.0.0.1:0/api/conntest/callback")
	require.NoError(t, err)

	first := <-events
	require.Equal(t, EventStarted, first.Kind)

	require.NoError(t, tester.HandleCallback(first.Token))

	rest := drain(t, events, time.Second)
	var result *Event
	for i := range rest {
		if rest[i].Kind == EventResult {
			result = &rest[i]
		}
	}
	require.NotNil(t, result)
	require.Equal(t, StatusOK, result.Status)
}

func TestRun_TimesOutWithoutCallback(t *testing.T) {
	t.Parallel()

	tokens := identity.NewRegistry()
	tester := New(config.ConnTesterConfig{Timeout: 10 * time.Millisecond}, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events, err := tester.Run(ctx, domain.ClientClaudeCode, "claude", "http://127.0.0.1:0/api/conntest/callback")
	require.NoError(t, err)

	rest := drain(t, events, time.Second)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	require.Equal(t, EventResult, last.Kind)
	require.Equal(t, StatusTimeout, last.Status)
}

func TestHandleCallback_RejectsUnknownToken(t *testing.T) {
	t.Parallel()

	tokens := identity.NewRegistry()
	tester := New(config.DefaultConnTesterConfig(), tokens)

	err := tester.HandleCallback("not-a-real-token")
	require.Error(t, err)
}

func TestHandleCallback_SingleUse(t *testing.T) {
	t.Parallel()

	tokens := identity.NewRegistry()
	tester := New(config.ConnTesterConfig{Timeout: time.Second}, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := tester.Run(ctx, domain.ClientClaudeCode, "claude", "http://127.0.0.1:0/api/conntest/callback")
	require.NoError(t, err)

	first := <-events
	require.NoError(t, tester.HandleCallback(first.Token))
	require.Error(t, tester.HandleCallback(first.Token))

	drain(t, events, time.Second)
}
