// Package faults classifies failures from external systems and drives
// retries for the ones worth retrying.
package faults

import (
	"strings"
	"time"
)

// Category buckets a failure by how the caller should react.
type Category int8

const (
	// Transient covers network blips, timeouts, rate limits and 5xx-class
	// provider failures. The only retryable category.
	Transient Category = iota
	// UserAction means the operation is blocked on a human decision
	// (permission or approval), not on infrastructure.
	UserAction
	// Persistent covers auth, not-found and invalid-request failures that
	// will not improve by retrying.
	Persistent
	// Fatal is the default for anything unrecognized.
	Fatal
)

// String returns a human-readable category name.
func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case UserAction:
		return "user_action"
	case Persistent:
		return "persistent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Details carries the classification outcome plus the retry policy the
// category implies. Ephemeral, never persisted.
type Details struct {
	Category   Category
	Retryable  bool
	MaxRetries int
	Backoff    time.Duration
	JitterMax  time.Duration
}

// Per-category policies. Only Transient retries.
var policies = map[Category]Details{
	Transient:  {Category: Transient, Retryable: true, MaxRetries: 5, Backoff: 2000 * time.Millisecond, JitterMax: 100 * time.Millisecond},
	UserAction: {Category: UserAction},
	Persistent: {Category: Persistent},
	Fatal:      {Category: Fatal},
}

// Signal substrings, matched against the lowercased error text. First group
// to match wins; anything unmatched is Fatal.
var (
	userActionSignals = []string{
		"permission",
		"approval",
		"confirmation required",
	}
	transientSignals = []string{
		"etimedout",
		"econnreset",
		"econnrefused",
		"enotfound",
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection",
		"network",
		"socket hang up",
		"rate limit",
		"too many requests",
		"429",
		"500",
		"502",
		"503",
		"504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"overloaded",
		"temporarily",
	}
	persistentSignals = []string{
		"401",
		"403",
		"404",
		"unauthorized",
		"forbidden",
		"not found",
		"invalid",
		"bad request",
		"400",
		"auth",
	}
)

// Classify maps an error to a category and its retry policy. It is total:
// every error lands in exactly one category, defaulting to Fatal.
func Classify(err error) Details {
	if err == nil {
		return policies[Fatal]
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies raw error text.
func ClassifyMessage(msg string) Details {
	lower := strings.ToLower(msg)

	for _, sig := range userActionSignals {
		if strings.Contains(lower, sig) {
			return policies[UserAction]
		}
	}
	for _, sig := range transientSignals {
		if strings.Contains(lower, sig) {
			return policies[Transient]
		}
	}
	for _, sig := range persistentSignals {
		if strings.Contains(lower, sig) {
			return policies[Persistent]
		}
	}
	return policies[Fatal]
}
