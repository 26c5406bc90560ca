package domain

import "time"

// Message roles as stored.
const (
	RoleUser      = "user"
	RoleCompanion = "companion"
)

// StoredMessage is one line of the authoritative chat history.
type StoredMessage struct {
	ID          string    `json:"id"`
	VisitorID   string    `json:"-"`
	SessionID   string    `json:"-"`
	CompanionID string    `json:"companion_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}
