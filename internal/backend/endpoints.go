package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/protocol"
)

// Verification is the outcome of verifying a credential.
type Verification struct {
	Valid   bool   `json:"valid"`
	IsAdmin bool   `json:"is_admin"`
	Email   string `json:"email,omitempty"`
}

// Profile is the visitor record the backend holds.
type Profile struct {
	VisitorID       string             `json:"visitor_id"`
	Tier            entitlement.TierID `json:"tier"`
	UnlockedTier    entitlement.TierID `json:"unlocked_tier"`
	ChosenCompanion string             `json:"chosen_companion,omitempty"`
	Used            int                `json:"used"`
	Quota           entitlement.Quota  `json:"quota"`
	WindowSeconds   int                `json:"window_seconds"`
}

// HistoryEntry is one message of the authoritative chat history.
type HistoryEntry struct {
	ID          string    `json:"id"`
	CompanionID string    `json:"companion_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckoutSession is a started checkout.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Checkout statuses.
const (
	CheckoutConfirmed = "confirmed"
	CheckoutPending   = "pending"
)

// CheckoutStatus is the confirmation outcome.
type CheckoutStatus struct {
	Status string             `json:"status"`
	Tier   entitlement.TierID `json:"tier"`
}

// Confirmed reports whether the tier may be unlocked.
func (s CheckoutStatus) Confirmed() bool { return s.Status == CheckoutConfirmed }

// ListCompanions returns the companion directory.
func (c *Client) ListCompanions(ctx context.Context) ([]companion.Companion, error) {
	var out []companion.Companion
	if err := c.do(ctx, http.MethodGet, "/api/companions", "", nil, &out); err != nil {
		return nil, fmt.Errorf("list companions: %w", err)
	}
	return out, nil
}

// GetCompanion returns one companion. Unknown ids yield ErrCompanionNotFound.
func (c *Client) GetCompanion(ctx context.Context, id string) (companion.Companion, error) {
	var out companion.Companion
	if err := c.do(ctx, http.MethodGet, "/api/companions/"+url.PathEscape(id), "", nil, &out); err != nil {
		return companion.Companion{}, fmt.Errorf("get companion %s: %w", id, err)
	}
	return out, nil
}

// Tiers returns the tier catalog as served by the backend.
func (c *Client) Tiers(ctx context.Context) (map[entitlement.TierID]entitlement.Tier, error) {
	var out map[entitlement.TierID]entitlement.Tier
	if err := c.do(ctx, http.MethodGet, "/api/tiers", "", nil, &out); err != nil {
		return nil, fmt.Errorf("get tiers: %w", err)
	}
	return out, nil
}

// IssueCredential asks the credential service for a token.
func (c *Client) IssueCredential(ctx context.Context, email, role string) (string, error) {
	body := map[string]string{"email": email, "role": role}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/create-token", "", body, &out); err != nil {
		return "", fmt.Errorf("issue credential: %w", err)
	}
	return out.Token, nil
}

// VerifyCredential checks token with the credential service.
func (c *Client) VerifyCredential(ctx context.Context, token string) (Verification, error) {
	var out Verification
	if err := c.do(ctx, http.MethodGet, "/api/auth/verify", token, nil, &out); err != nil {
		return Verification{}, fmt.Errorf("verify credential: %w", err)
	}
	return out, nil
}

// SendChat dispatches one chat request. Entitlement refusals are returned as
// *DenialError.
func (c *Client) SendChat(ctx context.Context, token string, req protocol.ChatRequest) (protocol.Result, error) {
	var env protocol.Envelope
	if err := c.do(ctx, http.MethodPost, "/api/chat", token, req, &env); err != nil {
		return nil, fmt.Errorf("send chat: %w", err)
	}
	res, err := protocol.Decode(env)
	if err != nil {
		return nil, fmt.Errorf("send chat: %w", err)
	}
	return res, nil
}

// UpdateProfile stores the visitor's tier and companion choice.
func (c *Client) UpdateProfile(ctx context.Context, tier entitlement.TierID, companionID string) error {
	body := map[string]string{}
	if tier != "" {
		body["tier"] = string(tier)
	}
	if companionID != "" {
		body["chosen_companion"] = companionID
	}
	if err := c.do(ctx, http.MethodPut, "/api/user", "", body, nil); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Me returns the backend's view of this visitor.
func (c *Client) Me(ctx context.Context, token string) (Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/api/me", token, nil, &out); err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return out, nil
}

// History returns the stored messages of a chat session.
func (c *Client) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	path := "/api/history?session_id=" + url.QueryEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return out, nil
}

// CreateCheckout starts a checkout for a paid tier.
func (c *Client) CreateCheckout(ctx context.Context, tier entitlement.TierID) (CheckoutSession, error) {
	var out CheckoutSession
	body := map[string]string{"tier": string(tier)}
	if err := c.do(ctx, http.MethodPost, "/api/checkout", "", body, &out); err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout: %w", err)
	}
	return out, nil
}

// ConfirmCheckout reports the outcome of a checkout session.
func (c *Client) ConfirmCheckout(ctx context.Context, sessionID string) (CheckoutStatus, error) {
	var out CheckoutStatus
	path := "/api/checkout/confirm?session_id=" + url.QueryEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return CheckoutStatus{}, fmt.Errorf("confirm checkout: %w", err)
	}
	return out, nil
}

// Track reports a visitor-side analytics event. Failures are logged and
// otherwise ignored.
func (c *Client) Track(ctx context.Context, e analytics.Event) {
	if err := c.do(ctx, http.MethodPost, "/api/events", "", e, nil); err != nil {
		c.logger.Debug("Failed to report analytics event", "event_type", string(e.Type), "error", err)
	}
}

// Funnel returns the onboarding funnel of the last days days. It needs an
// admin credential.
func (c *Client) Funnel(ctx context.Context, token string, days int) (analytics.Funnel, error) {
	var out analytics.Funnel
	path := "/api/metrics/funnel?days=" + strconv.Itoa(days)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return analytics.Funnel{}, fmt.Errorf("get funnel: %w", err)
	}
	return out, nil
}

// Upgrades returns the upgrade metrics of the last days days. It needs an
// admin credential.
func (c *Client) Upgrades(ctx context.Context, token string, days int) (analytics.Upgrades, error) {
	var out analytics.Upgrades
	path := "/api/metrics/upgrades?days=" + strconv.Itoa(days)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return analytics.Upgrades{}, fmt.Errorf("get upgrade metrics: %w", err)
	}
	return out, nil
}

var _ analytics.Tracker = (*Client)(nil)
