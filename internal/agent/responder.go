package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/entitlement"
)

// Prompt is everything a reply generator receives for one exchange.
type Prompt struct {
	VisitorID   string
	SessionID   string
	CompanionID string
	Tier        entitlement.TierID
	Message     string
	// Preface carries solicited intent when the exchange answers a clarification.
	Preface string
	Style   entitlement.ResponseStyle
}

// Responder generates companion replies.
type Responder interface {
	Respond(ctx context.Context, p Prompt) (string, error)
}

// ScriptedResponder answers with the companion's canned lines. It is used when
// no external generator is configured.
type ScriptedResponder struct{}

// Respond returns the companion's fallback line, acknowledging a chosen
// starter when present.
func (ScriptedResponder) Respond(_ context.Context, p Prompt) (string, error) {
	reply := companion.FallbackReply(p.CompanionID)
	if starter := chosenStarter(p.Preface); starter != "" {
		reply = fmt.Sprintf("%s Let's begin: %s.", reply, strings.ToLower(starter))
	}
	return reply, nil
}

func chosenStarter(preface string) string {
	const marker = "- Chosen starter: "
	for _, line := range strings.Split(preface, "\n") {
		if rest, ok := strings.CutPrefix(line, marker); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// FallbackResponder tries Primary and answers from Fallback when it fails.
type FallbackResponder struct {
	Primary  Responder
	Fallback Responder
	Logger   *slog.Logger
}

// Respond implements Responder.
func (f FallbackResponder) Respond(ctx context.Context, p Prompt) (string, error) {
	reply, err := f.Primary.Respond(ctx, p)
	if err == nil && strings.TrimSpace(reply) != "" {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("Reply generator failed, using fallback",
		"companion_id", p.CompanionID,
		"session_id", p.SessionID,
		"error", err,
	)
	return f.Fallback.Respond(ctx, p)
}
