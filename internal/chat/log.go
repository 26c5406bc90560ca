package chat

import (
	"sync"
	"time"
)

// Role identifies who authored an entry.
type Role string

// Entry roles.
const (
	RoleUser      Role = "user"
	RoleCompanion Role = "companion"
)

// Entry is one line of the exchange log.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Synthetic marks companion-voice lines produced locally rather than by
	// the backend: denials, failures and the scripted introduction.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Log is an append-only, ordered exchange log.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// Append adds entries in order.
func (l *Log) Append(entries ...Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
