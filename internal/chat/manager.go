// Package chat owns the live conversation with a companion: it sends
// messages, tracks the server-reported usage counter, renders denials in the
// companion's voice and runs the clarification exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/backend"
	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/kv"
	"github.com/thronecompanions/throne/internal/protocol"
)

var (
	// ErrSending is returned when a send is attempted while another is in flight.
	ErrSending = errors.New("a message is already being sent")
	// ErrEmptyMessage is returned for a blank message or an empty submission.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrClarificationPending is returned for free text while a clarification is outstanding.
	ErrClarificationPending = errors.New("answer the pending clarification first")
	// ErrNoClarification is returned for answers or an option when nothing is pending.
	ErrNoClarification = errors.New("no clarification is pending")
	// ErrMixedSubmission is returned when answers and an option are submitted together.
	ErrMixedSubmission = errors.New("submit either answers or an option, not both")
	// ErrUnknownOption is returned for an option the pending request did not offer.
	ErrUnknownOption = errors.New("unknown quick option")
	// ErrUnknownQuestion is returned for an answer to a question index that does not exist.
	ErrUnknownQuestion = errors.New("unknown question")
)

// GenericFailure is the companion-voice line shown when a send fails for a
// reason other than an entitlement denial.
const GenericFailure = "Sorry, I'm having trouble responding right now. Please try again."

// Sender dispatches one chat request to the backend.
type Sender interface {
	SendChat(ctx context.Context, token string, req protocol.ChatRequest) (protocol.Result, error)
}

// Input is one visitor action: free text, or a submission for a pending
// clarification (answers by question index, or one quick option).
type Input struct {
	Text         string
	Answers      map[int]string
	ChosenOption string
	Mode         entitlement.Mode
}

// Outcome classifies what a send produced.
type Outcome int

// Send outcomes.
const (
	OutcomeReply Outcome = iota
	OutcomeClarification
	OutcomeDenied
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "reply"
	case OutcomeClarification:
		return "clarification"
	case OutcomeDenied:
		return "denied"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Composer is the input surface the visitor should be shown.
type Composer int

// Composers.
const (
	ComposerText Composer = iota
	ComposerClarification
)

// Result describes the effect of an accepted send.
type Result struct {
	Outcome Outcome
	// Entries are the log entries this send appended.
	Entries []Entry
	Used    int
	Upgrade bool
	// Denial is the refusal kind when Outcome is OutcomeDenied:
	// backend.DenialQuotaExceeded or backend.DenialUpgradeRequired.
	Denial string
	// RequiredTier is the tier that lifts the denial.
	RequiredTier entitlement.TierID
	// Clarification is set when Outcome is OutcomeClarification.
	Clarification *Pending
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCredentials sets the credential service used by Identify.
func WithCredentials(c Credentials) Option {
	return func(m *Manager) { m.creds = c }
}

// WithTracker sets where shown upgrade prompts are reported.
func WithTracker(t analytics.Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// Manager is the chat session for one visitor and companion. Sends are
// serialized: a second Send while one is in flight is rejected.
type Manager struct {
	store       kv.Store
	sender      Sender
	creds       Credentials
	tracker     analytics.Tracker
	logger      *slog.Logger
	now         func() time.Time
	companionID string

	sending atomic.Bool
	log     Log

	mu        sync.Mutex
	tier      entitlement.Tier
	sessionID string
	token     string
	isAdmin   bool
	used      int
	upgrade   bool
	pending   *Pending
}

// New creates a chat session with companionID at tier. An unknown tier falls
// back to the free tier.
func New(store kv.Store, sender Sender, companionID string, tier entitlement.TierID, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		sender:      sender,
		tracker:     analytics.Nop{},
		logger:      slog.Default(),
		now:         time.Now,
		companionID: companionID,
	}
	for _, opt := range opts {
		opt(m)
	}

	t, err := entitlement.Lookup(tier)
	if err != nil {
		m.logger.Warn("Unknown tier, falling back to free tier", "tier", string(tier), "error", err)
		t = entitlement.MustLookup(entitlement.Novice)
	}
	m.tier = t
	return m
}

// CompanionID returns the companion this session talks to.
func (m *Manager) CompanionID() string { return m.companionID }

// Tier returns the active tier.
func (m *Manager) Tier() entitlement.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// SetTier switches the active tier, typically after a confirmed checkout.
func (m *Manager) SetTier(id entitlement.TierID) error {
	t, err := entitlement.Lookup(id)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier = t
	m.upgrade = false
	return nil
}

// Used returns the last usage count reported by the backend.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// UpgradePrompt reports whether an upgrade prompt should be shown.
func (m *Manager) UpgradePrompt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upgrade
}

// DismissUpgrade hides the upgrade prompt. The log stays readable and further
// sends are still attempted.
func (m *Manager) DismissUpgrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upgrade = false
}

// Pending returns the outstanding clarification request, if any.
func (m *Manager) Pending() (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Pending{}, false
	}
	return *m.pending, true
}

// Composer returns the input surface to show.
func (m *Manager) Composer() Composer {
	if _, ok := m.Pending(); ok {
		return ComposerClarification
	}
	return ComposerText
}

// Log returns a copy of the exchange log.
func (m *Manager) Log() []Entry { return m.log.Entries() }

// Restore seeds an empty log with entries rebuilt from the backend's history.
// It does nothing once the log has entries.
func (m *Manager) Restore(entries []Entry) bool {
	if m.log.Len() > 0 {
		return false
	}
	m.log.Append(entries...)
	return true
}

// AppendScript adds locally rendered companion lines, such as the guided
// introduction. They never touch the usage counter.
func (m *Manager) AppendScript(lines ...string) {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m.log.Append(m.entry(RoleCompanion, line, true))
	}
}

// SessionID returns the device's chat session id, creating and caching it on
// first use.
func (m *Manager) SessionID(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionIDLocked(ctx)
}

func (m *Manager) sessionIDLocked(ctx context.Context) string {
	if m.sessionID != "" {
		return m.sessionID
	}

	raw, err := m.store.Get(ctx, kv.KeySessionID)
	switch {
	case err == nil && len(raw) > 0:
		m.sessionID = string(raw)
		return m.sessionID
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		m.logger.Warn("Failed to load session id", "error", err)
	}

	m.sessionID = "s_" + uuid.NewString()
	if err := m.store.Set(ctx, kv.KeySessionID, []byte(m.sessionID)); err != nil {
		m.logger.Warn("Failed to persist session id, continuing in memory", "error", err)
	}
	return m.sessionID
}

// Send performs one chat turn. Validation problems are returned as errors and
// leave the session untouched. Every accepted send ends in a Result, including
// denials and transport failures, which are rendered as companion-voice lines.
func (m *Manager) Send(ctx context.Context, in Input) (Result, error) {
	if !m.sending.CompareAndSwap(false, true) {
		return Result{}, ErrSending
	}
	defer m.sending.Store(false)

	m.mu.Lock()
	req, display, err := m.prepareLocked(ctx, in)
	if err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	if denied, ok := m.gateModeLocked(ctx, in.Mode); ok {
		m.mu.Unlock()
		return denied, nil
	}
	// The submission satisfies the pending request; clear it before dispatch.
	m.pending = nil
	token := m.token
	m.mu.Unlock()

	res, err := m.sender.SendChat(ctx, token, req)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.failLocked(ctx, err), nil
	}

	switch r := res.(type) {
	case protocol.Reply:
		user := m.entry(RoleUser, display, false)
		reply := m.entry(RoleCompanion, r.Text, false)
		m.log.Append(user, reply)
		m.used = r.Used
		if r.Upgrade {
			m.upgrade = true
		}
		return Result{
			Outcome: OutcomeReply,
			Entries: []Entry{user, reply},
			Used:    m.used,
			Upgrade: r.Upgrade,
		}, nil
	case protocol.Clarification:
		m.pending = &Pending{Clarification: r, Origin: req.Message}
		m.logger.Debug("Clarification requested", "tag", r.Tag, "questions", len(r.Questions))
		p := *m.pending
		return Result{Outcome: OutcomeClarification, Used: m.used, Clarification: &p}, nil
	default:
		return m.failLocked(ctx, fmt.Errorf("%w: %T", protocol.ErrMalformed, res)), nil
	}
}

// prepareLocked validates in and builds the request.
func (m *Manager) prepareLocked(ctx context.Context, in Input) (protocol.ChatRequest, string, error) {
	req := protocol.ChatRequest{
		CompanionID: m.companionID,
		Mode:        string(in.Mode),
	}

	var display string
	if m.pending != nil {
		sub, err := validateSubmission(*m.pending, in)
		if err != nil {
			return req, "", err
		}
		display = sub.display(*m.pending)
		req.Message = m.pending.Origin
		req.ClarificationAnswers = sub.answers
		req.ChosenOption = sub.option
	} else {
		if len(in.Answers) > 0 || in.ChosenOption != "" {
			return req, "", ErrNoClarification
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return req, "", ErrEmptyMessage
		}
		display = text
		req.Message = text
	}

	req.SessionID = m.sessionIDLocked(ctx)
	return req, display, nil
}

// gateModeLocked refuses modes the active tier does not unlock without a
// round trip.
func (m *Manager) gateModeLocked(ctx context.Context, mode entitlement.Mode) (Result, bool) {
	if mode == "" || m.tier.Allows(mode) {
		return Result{}, false
	}
	required := entitlement.RequiredTier(mode)
	text := companion.UpgradeLine(m.companionID) + " " + entitlement.UpgradeCTA(m.tier.ID, required)
	return m.denyLocked(ctx, text, backend.DenialUpgradeRequired, required, string(mode)), true
}

func (m *Manager) failLocked(ctx context.Context, err error) Result {
	var denial *backend.DenialError
	if errors.As(err, &denial) {
		if denial.HasUsed {
			m.used = denial.Used
		}
		m.logger.Info("Chat send denied",
			"kind", denial.Kind,
			"companion_id", m.companionID,
			"tier", string(m.tier.ID),
			"used", m.used,
		)
		required := m.requiredTier(denial)
		return m.denyLocked(ctx, m.denialText(denial.Kind, required), denial.Kind, required, denial.Kind)
	}

	m.logger.Warn("Chat send failed", "companion_id", m.companionID, "error", err)
	e := m.entry(RoleCompanion, GenericFailure, true)
	m.log.Append(e)
	return Result{Outcome: OutcomeFailed, Entries: []Entry{e}, Used: m.used}
}

// denyLocked renders a refusal and its upgrade prompt. feature names what was
// refused: the locked mode, or the denial kind.
func (m *Manager) denyLocked(ctx context.Context, text, kind string, required entitlement.TierID, feature string) Result {
	e := m.entry(RoleCompanion, text, true)
	m.log.Append(e)
	m.upgrade = true
	m.tracker.Track(ctx, analytics.Event{
		Type:      analytics.UpgradeCTAShown,
		Key:       string(required),
		SessionID: m.sessionID,
		Tier:      m.tier.ID,
		Companion: m.companionID,
		Payload:   map[string]any{"feature": feature},
	})
	return Result{
		Outcome:      OutcomeDenied,
		Entries:      []Entry{e},
		Used:         m.used,
		Upgrade:      true,
		Denial:       kind,
		RequiredTier: required,
	}
}

// requiredTier is the tier named by the denial, or the next tier up when the
// backend did not name a known one.
func (m *Manager) requiredTier(d *backend.DenialError) entitlement.TierID {
	required := entitlement.TierID(d.RequiredTier)
	if _, err := entitlement.Lookup(required); err == nil {
		return required
	}
	required, _ = entitlement.Next(m.tier.ID)
	return required
}

func (m *Manager) denialText(kind string, required entitlement.TierID) string {
	line := companion.UpgradeLine(m.companionID)
	if kind == backend.DenialUpgradeRequired {
		return line + " " + entitlement.UpgradeCTA(m.tier.ID, required)
	}
	return fmt.Sprintf("You've reached the %s limit of %s messages. %s",
		m.tier.DisplayName, m.tier.MessageQuota, line)
}

func (m *Manager) entry(role Role, content string, synthetic bool) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: m.now().UTC(),
		Synthetic: synthetic,
	}
}
