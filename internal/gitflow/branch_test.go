package gitflow

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestBranchNameShape(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	got := BranchName("Fix login bug!!", "abcdef1234567890", now)

	want := regexp.MustCompile(`^ship-fix-login-bug-\d{4}-\d{2}-\d{2}-34567890$`)
	if !want.MatchString(got) {
		t.Errorf("branch name %q does not match %s", got, want)
	}
	if !strings.Contains(got, "2025-06-15") {
		t.Errorf("expected date component in %q", got)
	}
}

func TestBranchNameIsStable(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	a := BranchName("Fix login bug", "abcdef1234567890", now)
	b := BranchName("Fix login bug", "abcdef1234567890", now.Add(5*time.Hour))
	if a != b {
		t.Errorf("expected same branch for same seed and day, got %q and %q", a, b)
	}
}

func TestBranchNameShortSessionID(t *testing.T) {
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	got := BranchName("x", "ab12", now)
	if !strings.HasSuffix(got, "-ab12") {
		t.Errorf("expected short ids kept whole, got %q", got)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Fix login bug", "fix-login-bug"},
		{"Fix   login -- bug!!", "fix-login-bug"},
		{"ALL CAPS TITLE", "all-caps-title"},
		{"émoji 🚀 launch", "moji-launch"},
		{"", "task"},
		{"!!!", "task"},
		{"add OAuth2 support for the new enterprise login flow", "add-oauth2-support-for-the-new"},
	}
	for _, tc := range cases {
		got := slugify(tc.in)
		if got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) > maxSlugLen {
			t.Errorf("slugify(%q) exceeds %d chars: %q", tc.in, maxSlugLen, got)
		}
	}
}
