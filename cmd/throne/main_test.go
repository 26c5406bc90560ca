package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thronecompanions/throne/internal/agent"
	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/api"
	"github.com/thronecompanions/throne/internal/billing"
	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/quota"
	"github.com/thronecompanions/throne/internal/store"
)

func newTestBackend(t *testing.T) string {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "throne.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	counter := quota.NewCounter(repo, time.Hour)
	tokens := identity.NewTokenService("test-secret", time.Hour, []string{"queen@example.com"})
	events := analytics.NewRecorder(repo, logger)
	svc := agent.NewService(repo, counter, nil, agent.NewRateLimiter(100, time.Minute), nil, logger, agent.WithTracker(events))
	t.Cleanup(svc.Close)

	bill := billing.NewService(repo, billing.StandIn{BaseURL: "https://pay.test"}, billing.WithTracker(events))
	apiHandler := api.NewHandler(repo, tokens, counter, bill, events)
	chatHandler := agent.NewHandler(svc, tokens)

	r := chi.NewRouter()
	apiHandler.RegisterPublic(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, true))
		apiHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

type cli struct {
	server string
	state  string
}

func (c cli) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(append([]string{"--server", c.server, "--state", c.state, "--log-level", "error"}, args...))
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOnboardThenChat(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}

	_, err := c.run(t, "", "chat", "hello there")
	require.ErrorIs(t, err, errOnboardingIncomplete)

	out, err := c.run(t, "\ny\ny\ny\naurora\n\n", "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "[1/5] Welcome")
	assert.Contains(t, out, "[4/5] Choose your tier")
	assert.Contains(t, out, "memory 24 hours, tools: none")
	assert.Contains(t, out, "memory 10 years, tools: rituals, growth tracking, finance, custom packs")
	assert.Contains(t, out, "Tier [novice]: ")
	assert.Contains(t, out, "Aurora: ")
	assert.Contains(t, out, "Onboarding complete")

	out, err = c.run(t, "", "chat", "Tell me about the stars tonight")
	require.NoError(t, err)
	assert.Contains(t, out, "Aurora: That's wonderful!")
	assert.Contains(t, out, "[1/20 messages used]")

	out, err = c.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Onboarding: complete")
	assert.Contains(t, out, "Tier: novice")
	assert.Contains(t, out, "Messages: 1 of 20 used, 19 left")
	assert.Contains(t, out, "Usage window: 1h0m0s")
}

func TestOnboardResumesAfterRejectedStep(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}

	// Input ends after a refused age attestation.
	out, err := c.run(t, "\nn\n", "onboard")
	require.ErrorIs(t, err, errInputClosed)
	assert.Contains(t, out, "Age Verification")

	out, err = c.run(t, "y\ny\ny\n", "onboard")
	require.ErrorIs(t, err, errInputClosed)
	assert.NotContains(t, out, "Welcome to Throne")
	assert.Contains(t, out, "[3/5] Choose your companion")

	out, err = c.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "[x] Content Policy")
	assert.Contains(t, out, "Completed: welcome, compliance\n")
}

func TestChatClarificationPick(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}
	_, err := c.run(t, "\ny\ny\ny\nsophia\n\n", "onboard")
	require.NoError(t, err)

	out, err := c.run(t, "help\n/pick 1\n/usage\n/quit\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "Throne Clarity needs a little more from you.")
	assert.Contains(t, out, "(/answer or /pick) > ")
	assert.Contains(t, out, "[1/20 messages used]")
}

func TestChatModeDenialOffersUnlockingTier(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}
	_, err := c.run(t, "\ny\ny\ny\naurora\n\n", "onboard")
	require.NoError(t, err)

	out, err := c.run(t, "/mode voice sing me something\n/quit\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "This needs Apprentice - Scroll of Power & Humility. Unlock it with `throne upgrade apprentice`.")
	assert.NotContains(t, out, "reached your")
}

func TestChatQuotaExhaustion(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}
	_, err := c.run(t, "\ny\ny\ny\naurora\n\n", "onboard")
	require.NoError(t, err)

	out, err := c.run(t, strings.Repeat("Tell me about the stars tonight\n", 21), "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "[20/20 messages used]")
	assert.Contains(t, out, "You've reached your Novice - Scroll of Truth limit. Continue with `throne upgrade apprentice`.")
	assert.Contains(t, out, "You've reached the Novice - Scroll of Truth limit of 20 messages.")
	assert.NotContains(t, out, "[21/20")
}

func TestUpgradeActivatesPaidTier(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}
	_, err := c.run(t, "\ny\ny\ny\nvanessa\n\n", "onboard")
	require.NoError(t, err)

	out, err := c.run(t, "", "upgrade", "regent", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "https://pay.test")
	assert.Contains(t, out, "Active tier: Regent")

	out, err = c.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Tier: regent (unlocked up to regent)")
}

func TestResetClearsProgress(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}
	_, err := c.run(t, "\ny\ny\ny\naurora\n\n", "onboard")
	require.NoError(t, err)

	out, err := c.run(t, "", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Local state cleared.")

	out, err = c.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Onboarding: step 1 of 5 (welcome)")
	assert.Contains(t, out, "[ ] Age Verification")
}

func TestMetricsReportsVisitorJourney(t *testing.T) {
	c := cli{server: newTestBackend(t), state: filepath.Join(t.TempDir(), "state.db")}
	_, err := c.run(t, "\ny\ny\ny\naurora\n\n", "onboard")
	require.NoError(t, err)
	_, err = c.run(t, "/mode voice sing me something\n/quit\n", "chat")
	require.NoError(t, err)

	_, err = c.run(t, "", "metrics")
	require.Error(t, err)
	_, err = c.run(t, "", "metrics", "--email", "visitor@example.com")
	require.Error(t, err, "only admins see metrics")

	out, err := c.run(t, "", "metrics", "--email", "queen@example.com", "--days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "Onboarding funnel, last 30 days")
	assert.Regexp(t, `onboarding_started\s+1\s+100\.00%`, out)
	assert.Regexp(t, `first_chat_started\s+1\s+100\.00%`, out)
	assert.Contains(t, out, "prompts shown 1, attempts 0, purchases 0")
	assert.Contains(t, out, "apprentice   shown 1, attempts 0, purchases 0")
}
