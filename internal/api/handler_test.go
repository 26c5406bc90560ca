//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/backend"
	"github.com/thronecompanions/throne/internal/billing"
	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/kv"
	"github.com/thronecompanions/throne/internal/protocol"
	"github.com/thronecompanions/throne/internal/quota"
	"github.com/thronecompanions/throne/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, protocol.CodeCompanionNotFound, "companion not found")

	var got protocol.ErrorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, protocol.CodeCompanionNotFound, got.Code)
}

type apiServer struct {
	srv  *httptest.Server
	repo *store.SQLiteStore
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "throne.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	tokens := identity.NewTokenService("test-secret", time.Hour, []string{"queen@example.com"})
	events := analytics.NewRecorder(repo, nil)
	bill := billing.NewService(repo, billing.StandIn{BaseURL: "https://pay.test"}, billing.WithTracker(events))
	h := NewHandler(repo, tokens, quota.NewCounter(repo, time.Hour), bill, events)

	r := chi.NewRouter()
	h.RegisterPublic(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, true))
		h.RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiServer{srv: srv, repo: repo}
}

func (s *apiServer) client() *backend.Client {
	return backend.New(context.Background(), s.srv.URL, kv.NewMemory(), backend.WithHTTPClient(s.srv.Client()))
}

func TestDirectoryEndpoints(t *testing.T) {
	ctx := context.Background()
	c := newAPIServer(t).client()

	list, err := c.ListCompanions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	aurora, err := c.GetCompanion(ctx, "aurora")
	require.NoError(t, err)
	assert.Equal(t, "Aurora", aurora.Name)

	_, err = c.GetCompanion(ctx, "nobody")
	require.ErrorIs(t, err, backend.ErrCompanionNotFound)

	tiers, err := c.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 4)
	assert.True(t, tiers[entitlement.Sovereign].MessageQuota.IsUnlimited())
	assert.Equal(t, entitlement.Quota(20), tiers[entitlement.Novice].MessageQuota)
}

func TestCredentialRolesComeFromServer(t *testing.T) {
	ctx := context.Background()
	c := newAPIServer(t).client()

	token, err := c.IssueCredential(ctx, "guest@example.com", identity.RoleAdmin)
	require.NoError(t, err)
	v, err := c.VerifyCredential(ctx, token)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.False(t, v.IsAdmin, "requested admin role is ignored")

	token, err = c.IssueCredential(ctx, "queen@example.com", identity.RoleUser)
	require.NoError(t, err)
	v, err = c.VerifyCredential(ctx, token)
	require.NoError(t, err)
	assert.True(t, v.IsAdmin)

	v, err = c.VerifyCredential(ctx, "not-a-token")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, v.IsAdmin)

	_, err = c.IssueCredential(ctx, "nope", identity.RoleUser)
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestProfileRequiresPaymentForPaidTier(t *testing.T) {
	ctx := context.Background()
	s := newAPIServer(t)
	c := s.client()

	me, err := c.Me(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, entitlement.Novice, me.Tier)
	assert.Equal(t, entitlement.Quota(20), me.Quota)
	assert.Equal(t, 3600, me.WindowSeconds)

	require.NoError(t, c.UpdateProfile(ctx, entitlement.Novice, "vanessa"))

	err = c.UpdateProfile(ctx, entitlement.Regent, "")
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.Status)
	assert.Equal(t, protocol.CodePaymentRequired, apiErr.Code)

	err = c.UpdateProfile(ctx, "", "nobody")
	require.ErrorIs(t, err, backend.ErrCompanionNotFound)

	session, err := c.CreateCheckout(ctx, entitlement.Regent)
	require.NoError(t, err)
	assert.Contains(t, session.URL, "https://pay.test")

	status, err := c.ConfirmCheckout(ctx, session.SessionID)
	require.NoError(t, err)
	assert.True(t, status.Confirmed())
	assert.Equal(t, entitlement.Regent, status.Tier)

	require.NoError(t, c.UpdateProfile(ctx, entitlement.Apprentice, ""))
	me, err = c.Me(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, entitlement.Apprentice, me.Tier)
	assert.Equal(t, entitlement.Regent, me.UnlockedTier)
	assert.Equal(t, "vanessa", me.ChosenCompanion)
	assert.Equal(t, entitlement.Quota(500), me.Quota)
}

func TestCheckoutRejectsFreeTierAndForeignSession(t *testing.T) {
	ctx := context.Background()
	s := newAPIServer(t)
	owner, other := s.client(), s.client()

	_, err := owner.CreateCheckout(ctx, entitlement.Novice)
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	session, err := owner.CreateCheckout(ctx, entitlement.Sovereign)
	require.NoError(t, err)

	// The other client needs an identity before it can confirm anything.
	_, err = other.Me(ctx, "")
	require.NoError(t, err)
	_, err = other.ConfirmCheckout(ctx, session.SessionID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := newAPIServer(t)
	c := s.client()

	_, err := c.Me(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.repo.AppendMessages(ctx,
		&domain.StoredMessage{ID: "m1", VisitorID: c.VisitorID(), SessionID: "s_1", CompanionID: "sophia", Role: domain.RoleUser, Content: "hello", CreatedAt: time.Now()},
		&domain.StoredMessage{ID: "m2", VisitorID: c.VisitorID(), SessionID: "s_1", CompanionID: "sophia", Role: domain.RoleCompanion, Content: "welcome", CreatedAt: time.Now()},
	))

	entries, err := c.History(ctx, "s_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, domain.RoleCompanion, entries[1].Role)

	empty, err := c.History(ctx, "s_other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHealth(t *testing.T) {
	s := newAPIServer(t)
	resp, err := s.srv.Client().Get(s.srv.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsAndMetrics(t *testing.T) {
	ctx := context.Background()
	s := newAPIServer(t)
	c := s.client()

	c.Track(ctx, analytics.Event{Type: analytics.OnboardingStep, Key: "welcome"})
	c.Track(ctx, analytics.Event{Type: analytics.FirstChatStarted, Companion: "aurora"})
	session, err := c.CreateCheckout(ctx, entitlement.Regent)
	require.NoError(t, err)
	_, err = c.ConfirmCheckout(ctx, session.SessionID)
	require.NoError(t, err)

	resp, err := s.srv.Client().Post(s.srv.URL+"/api/events", "application/json",
		strings.NewReader(`{"event_type":"message_sent","key":"text"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "server-side events cannot be reported")

	_, err = c.Funnel(ctx, "", 7)
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	token, err := c.IssueCredential(ctx, "queen@example.com", identity.RoleUser)
	require.NoError(t, err)

	_, err = c.Funnel(ctx, token, 0)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	f, err := c.Funnel(ctx, token, 7)
	require.NoError(t, err)
	require.Len(t, f.Steps, 6)
	assert.Equal(t, analytics.FunnelStep{Step: "onboarding_started", Count: 1, Conversion: 100}, f.Steps[0])
	assert.Equal(t, analytics.FunnelStep{Step: "first_chat_started", Count: 1, Conversion: 100}, f.Steps[4])
	assert.Zero(t, f.Steps[1].Count)

	u, err := c.Upgrades(ctx, token, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Attempts)
	assert.Equal(t, 1, u.Successes)
	assert.Equal(t, 100.0, u.SuccessRate)
}
