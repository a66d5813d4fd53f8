package faults

import (
	"regexp"
)

const redacted = "[REDACTED]"

// Secret-bearing patterns scrubbed from any error text before it reaches a
// client or a log sink.
var secretPatterns = []*regexp.Regexp{
	// Authorization headers.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	// Provider API key prefixes.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`\bgho_[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{8,}`),
	// Credentials embedded in remote URLs.
	regexp.MustCompile(`x-access-token:[^@\s]+@`),
}

// Key=value style assignments; only the value is replaced.
var secretAssignPattern = regexp.MustCompile(`(?i)\b(secret|password|token|api[_-]?key)\s*[=:]\s*[^\s&"',;]+`)

// Sanitize redacts known secret-bearing substrings from msg. Idempotent.
func Sanitize(msg string) string {
	for _, p := range secretPatterns {
		msg = p.ReplaceAllString(msg, redacted)
	}
	msg = secretAssignPattern.ReplaceAllString(msg, "$1="+redacted)
	return msg
}

// SanitizeErr is Sanitize over an error's text. Safe on nil.
func SanitizeErr(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}
