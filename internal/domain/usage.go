package domain

import "time"

// Usage is a visitor's message count in the current window.
type Usage struct {
	VisitorID   string
	Count       int
	WindowStart time.Time
}

// Expired reports whether the window has elapsed at now.
func (u *Usage) Expired(window time.Duration, now time.Time) bool {
	return !u.WindowStart.Add(window).After(now)
}
