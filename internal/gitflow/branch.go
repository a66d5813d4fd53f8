package gitflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shiplabs/shipd/internal/domain"
)

const (
	branchPrefix = "ship"
	maxSlugLen   = 30
)

// BranchName derives a session's working branch:
// ship-<slug>-<YYYY-MM-DD>-<last 8 of session id>. The result is stable
// for a given seed, day and session, so retries within a turn reuse the
// same branch.
func BranchName(seed, sessionID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		branchPrefix,
		slugify(seed),
		now.Format("2006-01-02"),
		domain.ShortSessionID(sessionID),
	)
}

// slugify reduces free text to a lowercase alphanumeric-and-hyphen slug
// of at most maxSlugLen characters.
func slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "task"
	}
	return slug
}
