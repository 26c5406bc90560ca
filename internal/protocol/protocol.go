// Package protocol defines the chat wire format shared by the server's chat
// endpoint and the visitor-side client.
package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when a response envelope cannot be interpreted.
var ErrMalformed = errors.New("malformed chat response")

// Envelope types.
const (
	TypeReply         = "reply"
	TypeClarification = "clarification"
	TypeError         = "error"
)

// Machine-readable error codes carried in error bodies and error frames.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeCompanionNotFound = "companion_not_found"
	CodeUnknownTier       = "unknown_tier"
	CodeUpgradeRequired   = "upgrade_required"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeRateLimited       = "rate_limited"
	CodePaymentRequired   = "payment_required"
	CodeConflict          = "conflict"
	CodeInternal          = "internal_error"
)

// ChatRequest is the body of a chat send.
type ChatRequest struct {
	CompanionID          string         `json:"companion_id"`
	Message              string         `json:"message"`
	SessionID            string         `json:"session_id"`
	Mode                 string         `json:"mode,omitempty"`
	ClarificationAnswers map[int]string `json:"clarification_answers,omitempty"`
	ChosenOption         string         `json:"chosen_option,omitempty"`
}

// IsClarificationSubmission reports whether the request answers a pending
// clarification.
func (r ChatRequest) IsClarificationSubmission() bool {
	return len(r.ClarificationAnswers) > 0 || r.ChosenOption != ""
}

// Envelope is the JSON shape of every chat response and WebSocket frame,
// discriminated by Type.
type Envelope struct {
	Type string `json:"type"`

	Reply   string `json:"reply,omitempty"`
	Used    int    `json:"used"`
	Upgrade bool   `json:"upgrade"`

	Questions    []string `json:"questions,omitempty"`
	QuickOptions []string `json:"quick_options,omitempty"`
	Tag          string   `json:"tag,omitempty"`

	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
	RequiredTier string `json:"required_tier,omitempty"`
}

// ErrorBody is the JSON error body of a failed HTTP call.
type ErrorBody struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	Used         *int   `json:"used,omitempty"`
	RequiredTier string `json:"required_tier,omitempty"`
}

// Result is either a Reply or a Clarification.
type Result interface {
	resultType() string
}

// Reply is a normal companion answer.
type Reply struct {
	Text string
	// Used is the server-side usage count after this exchange.
	Used int
	// Upgrade is set once the visitor has exhausted the tier's quota.
	Upgrade bool
}

// Clarification asks the visitor to answer questions or pick a quick option
// before chat continues.
type Clarification struct {
	Questions    []string
	QuickOptions []string
	Tag          string
}

func (Reply) resultType() string         { return TypeReply }
func (Clarification) resultType() string { return TypeClarification }

// Encode converts r into its wire envelope.
func Encode(r Result) Envelope {
	switch v := r.(type) {
	case Reply:
		return Envelope{Type: TypeReply, Reply: v.Text, Used: v.Used, Upgrade: v.Upgrade}
	case Clarification:
		return Envelope{
			Type:         TypeClarification,
			Questions:    v.Questions,
			QuickOptions: v.QuickOptions,
			Tag:          v.Tag,
		}
	default:
		return Envelope{Type: TypeError, Code: CodeInternal, Error: "unknown result"}
	}
}

// Decode interprets a reply or clarification envelope. Error envelopes and
// unknown types are reported as ErrMalformed; callers handle error frames
// before decoding.
func Decode(e Envelope) (Result, error) {
	switch e.Type {
	case TypeReply:
		return Reply{Text: e.Reply, Used: e.Used, Upgrade: e.Upgrade}, nil
	case TypeClarification:
		if len(e.Questions) == 0 && len(e.QuickOptions) == 0 {
			return nil, fmt.Errorf("%w: clarification without questions or options", ErrMalformed)
		}
		return Clarification{Questions: e.Questions, QuickOptions: e.QuickOptions, Tag: e.Tag}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrMalformed, e.Type)
	}
}
