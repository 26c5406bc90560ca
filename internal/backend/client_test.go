package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/kv"
	"github.com/thronecompanions/throne/internal/protocol"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGetCompanionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/companions/ghost", r.URL.Path)
		writeJSON(t, w, http.StatusNotFound, protocol.ErrorBody{
			Error: "companion not found",
			Code:  protocol.CodeCompanionNotFound,
		})
	}))
	defer srv.Close()

	c := New(context.Background(), srv.URL, kv.NewMemory())
	_, err := c.GetCompanion(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrCompanionNotFound)
}

func TestSendChatReplyAndVisitorID(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			assert.Equal(t, "anon_1", r.Header.Get(VisitorHeader))
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		}
		var req protocol.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "aurora", req.CompanionID)

		w.Header().Set(VisitorHeader, "anon_1")
		writeJSON(t, w, http.StatusOK, protocol.Envelope{Type: protocol.TypeReply, Reply: "Hello", Used: 5})
	}))
	defer srv.Close()

	c := New(ctx, srv.URL, store)
	req := protocol.ChatRequest{CompanionID: "aurora", Message: "hi there", SessionID: "s_1"}

	res, err := c.SendChat(ctx, "", req)
	require.NoError(t, err)
	assert.Equal(t, protocol.Reply{Text: "Hello", Used: 5}, res)

	_, err = c.SendChat(ctx, "tok", req)
	require.NoError(t, err)

	raw, err := store.Get(ctx, kv.KeyVisitorID)
	require.NoError(t, err)
	assert.Equal(t, "anon_1", string(raw))
	assert.Equal(t, "anon_1", New(ctx, srv.URL, store).VisitorID())
}

func TestSendChatDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		used := 20
		writeJSON(t, w, http.StatusTooManyRequests, protocol.ErrorBody{
			Error: "message quota reached",
			Code:  protocol.CodeQuotaExceeded,
			Used:  &used,
		})
	}))
	defer srv.Close()

	c := New(context.Background(), srv.URL, kv.NewMemory())
	_, err := c.SendChat(context.Background(), "", protocol.ChatRequest{Message: "hello there friend"})

	var denial *DenialError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, DenialQuotaExceeded, denial.Kind)
	assert.True(t, denial.HasUsed)
	assert.Equal(t, 20, denial.Used)
}

func TestSendChatMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{"type": "sonnet"})
	}))
	defer srv.Close()

	c := New(context.Background(), srv.URL, kv.NewMemory())
	_, err := c.SendChat(context.Background(), "", protocol.ChatRequest{Message: "hello"})
	require.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := New(context.Background(), srv.URL, kv.NewMemory())
	_, err := c.ListCompanions(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestUpdateProfileAndCheckout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/user", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"tier": "novice", "chosen_companion": "sophia"}, body)
		writeJSON(t, w, http.StatusOK, Profile{Tier: entitlement.Novice})
	})
	mux.HandleFunc("POST /api/checkout", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, CheckoutSession{SessionID: "cs_1", URL: "http://pay/cs_1"})
	})
	mux.HandleFunc("GET /api/checkout/confirm", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cs_1", r.URL.Query().Get("session_id"))
		writeJSON(t, w, http.StatusOK, CheckoutStatus{Status: CheckoutConfirmed, Tier: entitlement.Regent})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := New(ctx, srv.URL, kv.NewMemory())
	require.NoError(t, c.UpdateProfile(ctx, entitlement.Novice, "sophia"))

	session, err := c.CreateCheckout(ctx, entitlement.Regent)
	require.NoError(t, err)
	status, err := c.ConfirmCheckout(ctx, session.SessionID)
	require.NoError(t, err)
	assert.True(t, status.Confirmed())
	assert.Equal(t, entitlement.Regent, status.Tier)
}

func TestWSTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		for i := 0; ; i++ {
			_, frame, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var req protocol.ChatRequest
			assert.NoError(t, json.Unmarshal(frame, &req))

			env := protocol.Envelope{Type: protocol.TypeReply, Reply: "echo " + req.Message, Used: i + 1}
			if i == 1 {
				env = protocol.Envelope{
					Type:         protocol.TypeError,
					Code:         protocol.CodeUpgradeRequired,
					Error:        "voice requires apprentice",
					RequiredTier: "apprentice",
				}
			}
			raw, _ := json.Marshal(env)
			if err := conn.Write(r.Context(), websocket.MessageText, raw); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	tr := NewWSTransport(New(ctx, srv.URL, kv.NewMemory()))
	defer func() { _ = tr.Close() }()

	res, err := tr.SendChat(ctx, "", protocol.ChatRequest{Message: "first"})
	require.NoError(t, err)
	assert.Equal(t, protocol.Reply{Text: "echo first", Used: 1}, res)

	_, err = tr.SendChat(ctx, "", protocol.ChatRequest{Message: "sing", Mode: "voice"})
	var denial *DenialError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, DenialUpgradeRequired, denial.Kind)
	assert.Equal(t, "apprentice", denial.RequiredTier)
	assert.False(t, denial.HasUsed, "entitlement denials carry no usage count")
}
