// Package domain contains core domain types for the shipd service.
package domain

import (
	"time"
)

// Session is one per-user coding session. It owns a sandbox, an agent
// session and a git workflow, all tracked through its state store.
type Session struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the session has been soft-deleted.
func (s *Session) Deleted() bool {
	return s.DeletedAt != nil
}

// ShortID returns the last 8 characters of the session id, used as the
// branch-name suffix.
func (s *Session) ShortID() string {
	return ShortSessionID(s.ID)
}

// ShortSessionID returns the last 8 characters of a session id.
func ShortSessionID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
