package domain

import (
	"time"
)

// ConnectionState is transient metadata for one live duplex connection.
// It travels with the connection handle rather than session memory, so a
// process restart only loses connections, never session state.
type ConnectionState struct {
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	UserID      string    `json:"user_id,omitempty"`
}

// Touch bumps LastSeen.
func (c *ConnectionState) Touch(now time.Time) {
	c.LastSeen = now
}
