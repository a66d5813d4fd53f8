package sandbox

import (
	"errors"
	"fmt"
)

// ErrNoSandbox is returned by operations that require a previously
// provisioned sandbox when none is recorded for the session.
var ErrNoSandbox = errors.New("no sandbox provisioned for session")

// ProvisionError wraps a provider failure while creating or starting a
// sandbox. Callers classify it for retry via the faults package.
type ProvisionError struct {
	SessionID string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox for session %s: %v", e.SessionID, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
