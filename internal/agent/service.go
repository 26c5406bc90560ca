// Package agent implements the companion chat endpoint: entitlement gating,
// usage counting, clarification detection and reply generation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/domain"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/protocol"
	"github.com/thronecompanions/throne/internal/quota"
	"github.com/thronecompanions/throne/internal/store"
)

// Failure is a rejected chat request with its HTTP status and error body.
type Failure struct {
	Status int
	Body   protocol.ErrorBody
}

func (f *Failure) Error() string {
	return fmt.Sprintf("chat rejected (%d %s): %s", f.Status, f.Body.Code, f.Body.Error)
}

func fail(status int, code, msg string) *Failure {
	return &Failure{Status: status, Body: protocol.ErrorBody{Error: msg, Code: code}}
}

// Exchange identifies who is chatting and over which channel.
type Exchange struct {
	VisitorID string
	IsAdmin   bool
	Channel   string
	RequestID string
}

// Service runs the chat pipeline shared by the HTTP and WebSocket endpoints.
type Service struct {
	repo      store.Repository
	counter   *quota.Counter
	responder Responder
	limiter   *RateLimiter
	log       ConversationLogger
	tracker   analytics.Tracker
	logger    *slog.Logger
	now       func() time.Time

	// chatLocks serializes exchanges per visitor so the quota check and the
	// increment cannot interleave. Entries are kept for the life of the service.
	chatLocks sync.Map
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTracker sets where answered messages are reported.
func WithTracker(t analytics.Tracker) ServiceOption {
	return func(s *Service) { s.tracker = t }
}

// NewService creates a chat service. A nil responder answers with scripted lines.
func NewService(repo store.Repository, counter *quota.Counter, responder Responder, limiter *RateLimiter, convLog ConversationLogger, logger *slog.Logger, opts ...ServiceOption) *Service {
	if responder == nil {
		responder = ScriptedResponder{}
	}
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		counter:   counter,
		responder: responder,
		limiter:   limiter,
		log:       convLog,
		tracker:   analytics.Nop{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle answers one chat request with a reply or a clarification, or rejects
// it with a *Failure.
//
//nolint:gocyclo // Gating steps are kept inline to preserve their order.
func (s *Service) Handle(ctx context.Context, ex Exchange, req protocol.ChatRequest) (protocol.Result, error) {
	req.Message = strings.TrimSpace(req.Message)
	req.ChosenOption = strings.TrimSpace(req.ChosenOption)
	submission := req.IsClarificationSubmission()
	if req.CompanionID == "" {
		return nil, fail(http.StatusBadRequest, protocol.CodeInvalidRequest, "companion_id is required")
	}
	if req.Message == "" && !submission {
		return nil, fail(http.StatusBadRequest, protocol.CodeInvalidRequest, "message is required")
	}
	if len(req.ClarificationAnswers) > 0 && req.ChosenOption != "" {
		return nil, fail(http.StatusBadRequest, protocol.CodeInvalidRequest, "send answers or an option, not both")
	}
	if !companion.Exists(req.CompanionID) {
		return nil, fail(http.StatusNotFound, protocol.CodeCompanionNotFound, "companion not found")
	}
	if s.limiter != nil && !s.limiter.Allow(ex.VisitorID) {
		return nil, fail(http.StatusTooManyRequests, protocol.CodeRateLimited, "rate limit exceeded")
	}

	visitor, err := s.repo.GetVisitor(ctx, ex.VisitorID)
	if err != nil {
		s.logger.Error("Failed to load visitor", "visitor_id", ex.VisitorID, "error", err)
		return nil, fail(http.StatusInternalServerError, protocol.CodeInternal, "failed to load visitor")
	}
	if visitor == nil {
		return nil, fail(http.StatusUnauthorized, protocol.CodeUnauthorized, "visitor not found")
	}
	tier := entitlement.MustLookup(visitor.ActiveTier())

	mode := entitlement.Mode(req.Mode)
	if mode == "" {
		mode = entitlement.ModeText
	}
	if !tier.Allows(mode) {
		required := entitlement.RequiredTier(mode)
		f := fail(http.StatusForbidden, protocol.CodeUpgradeRequired,
			fmt.Sprintf("%s mode requires the %s tier", mode, required))
		f.Body.RequiredTier = string(required)
		return nil, f
	}

	mu := s.chatLock(ex.VisitorID)
	if !mu.TryLock() {
		s.logger.Warn("Chat already in progress", "visitor_id", ex.VisitorID)
		return nil, fail(http.StatusConflict, protocol.CodeConflict, "chat_in_progress")
	}
	defer mu.Unlock()

	used, fits, err := s.counter.Check(ctx, ex.VisitorID, tier)
	if err != nil {
		s.logger.Error("Failed to read usage", "visitor_id", ex.VisitorID, "error", err)
		return nil, fail(http.StatusInternalServerError, protocol.CodeInternal, "failed to read usage")
	}
	if !ex.IsAdmin && !fits {
		f := fail(http.StatusTooManyRequests, protocol.CodeQuotaExceeded,
			fmt.Sprintf("message limit of %s reached for the %s tier", tier.MessageQuota, tier.DisplayName))
		f.Body.Used = &used
		f.Body.RequiredTier = nextTier(tier.ID)
		return nil, f
	}

	s.logEvent(ex, req, "outbound", "chat_user_message", userContent(req), nil)

	if !submission && IsVague(req.Message) {
		c := BuildClarification(req.CompanionID)
		s.logEvent(ex, req, "inbound", "chat_clarification", strings.Join(c.Questions, " | "), map[string]any{
			"quick_options": c.QuickOptions,
			"tag":           c.Tag,
		})
		s.logger.Info("Chat clarification requested",
			"visitor_id", ex.VisitorID,
			"session_id", req.SessionID,
			"companion_id", req.CompanionID,
		)
		return c, nil
	}

	prompt := Prompt{
		VisitorID:   ex.VisitorID,
		SessionID:   req.SessionID,
		CompanionID: req.CompanionID,
		Tier:        tier.ID,
		Message:     req.Message,
		Style:       tier.ResponseStyle,
	}
	if submission {
		prompt.Preface = BuildPreface(req.CompanionID, req.ClarificationAnswers, req.ChosenOption)
	}

	reply, err := s.responder.Respond(ctx, prompt)
	if err != nil {
		s.logger.Error("Failed to generate reply", "visitor_id", ex.VisitorID, "companion_id", req.CompanionID, "error", err)
		return nil, fail(http.StatusInternalServerError, protocol.CodeInternal, "failed to generate reply")
	}

	if !ex.IsAdmin {
		if used, err = s.counter.Increment(ctx, ex.VisitorID); err != nil {
			s.logger.Error("Failed to count message", "visitor_id", ex.VisitorID, "error", err)
			return nil, fail(http.StatusInternalServerError, protocol.CodeInternal, "failed to count message")
		}
	}

	s.persist(ctx, ex.VisitorID, req, reply)
	s.logEvent(ex, req, "inbound", "chat_companion_message", reply, map[string]any{"used": used})
	s.tracker.Track(ctx, analytics.Event{
		Type:      analytics.MessageSent,
		Key:       string(mode),
		VisitorID: ex.VisitorID,
		SessionID: req.SessionID,
		Tier:      tier.ID,
		Companion: req.CompanionID,
		Payload: map[string]any{
			"length_chars": len([]rune(userContent(req))),
			"channel":      ex.Channel,
			"clarified":    submission,
		},
	})

	s.logger.Info("Chat reply sent",
		"visitor_id", ex.VisitorID,
		"session_id", req.SessionID,
		"companion_id", req.CompanionID,
		"tier", tier.ID,
		"used", used,
	)
	return protocol.Reply{
		Text:    reply,
		Used:    used,
		Upgrade: !ex.IsAdmin && tier.MessageQuota.Reached(used),
	}, nil
}

// chatLock returns the visitor's exchange lock. Locks live as long as the
// service so two exchanges never hold different mutexes for one visitor.
func (s *Service) chatLock(visitorID string) *sync.Mutex {
	lock, _ := s.chatLocks.LoadOrStore(visitorID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func nextTier(id entitlement.TierID) string {
	if next, ok := entitlement.Next(id); ok {
		return string(next)
	}
	return ""
}

// userContent renders what the visitor said, including clarification answers.
func userContent(req protocol.ChatRequest) string {
	if req.ChosenOption != "" {
		return req.ChosenOption
	}
	if len(req.ClarificationAnswers) == 0 {
		return req.Message
	}
	idx := make([]int, 0, len(req.ClarificationAnswers))
	for i := range req.ClarificationAnswers {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var parts []string
	for _, i := range idx {
		if a := strings.TrimSpace(req.ClarificationAnswers[i]); a != "" {
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, "\n")
}

func (s *Service) persist(ctx context.Context, visitorID string, req protocol.ChatRequest, reply string) {
	now := s.now()
	err := s.repo.AppendMessages(ctx,
		&domain.StoredMessage{
			ID:          uuid.NewString(),
			VisitorID:   visitorID,
			SessionID:   req.SessionID,
			CompanionID: req.CompanionID,
			Role:        domain.RoleUser,
			Content:     userContent(req),
			CreatedAt:   now,
		},
		&domain.StoredMessage{
			ID:          uuid.NewString(),
			VisitorID:   visitorID,
			SessionID:   req.SessionID,
			CompanionID: req.CompanionID,
			Role:        domain.RoleCompanion,
			Content:     reply,
			CreatedAt:   now.Add(time.Millisecond),
		},
	)
	if err != nil {
		s.logger.Warn("Failed to persist chat history", "visitor_id", visitorID, "session_id", req.SessionID, "error", err)
	}
}

func (s *Service) logEvent(ex Exchange, req protocol.ChatRequest, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request_id"] = ex.RequestID
	s.log.Log(ConversationLogEvent{
		Timestamp:   s.now().UTC().Format(time.RFC3339Nano),
		UserID:      ex.VisitorID,
		SessionID:   req.SessionID,
		CompanionID: req.CompanionID,
		Channel:     ex.Channel,
		Direction:   direction,
		EventType:   eventType,
		ContentRaw:  content,
		Content:     cleanForReadability(content),
		Meta:        meta,
	})
}

// Close releases the service's background resources.
func (s *Service) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}
