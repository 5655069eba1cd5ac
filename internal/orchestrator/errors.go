package orchestrator

import (
	"errors"
	"fmt"

	"github.com/memohai/concierge/internal/assistant"
)

var (
	ErrRunFailed     = errors.New("assistant run failed")
	ErrRunCancelled  = errors.New("assistant run cancelled")
	ErrTimeout       = errors.New("assistant run timed out")
	ErrEmptyResponse = errors.New("assistant returned no text")
)

// RunError describes a run that ended without a usable reply.
type RunError struct {
	State     State
	RunID     string
	Status    assistant.RunStatus
	LastError *assistant.RunError
	Err       error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s (state=%s run=%s status=%s)", e.Err, e.State, e.RunID, e.Status)
	if e.LastError != nil && e.LastError.Message != "" {
		msg += ": " + e.LastError.Message
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func terminalError(state State, run assistant.Run) *RunError {
	var sentinel error
	switch state {
	case StateRunCancelled:
		sentinel = ErrRunCancelled
	case StateTimeout:
		sentinel = ErrTimeout
	default:
		sentinel = ErrRunFailed
	}
	return &RunError{
		State:     state,
		RunID:     run.ID,
		Status:    run.Status,
		LastError: run.LastError,
		Err:       sentinel,
	}
}
