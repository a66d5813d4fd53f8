package gitflow

import (
	"errors"
	"fmt"
)

// ErrNoChanges is returned by commit operations when the working tree
// is clean. It is benign; a turn without file edits ends here.
var ErrNoChanges = errors.New("no changes to commit")

// ErrNoPullRequest is returned when a PR operation runs before any
// pull request has been recorded for the session.
var ErrNoPullRequest = errors.New("no pull request recorded for session")

// WorkflowError wraps a failed git workflow step with the operation
// that failed (branch, commit, push, clone, pr).
type WorkflowError struct {
	Op  string
	Err error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("git workflow %s: %v", e.Op, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WorkflowError{Op: op, Err: err}
}
