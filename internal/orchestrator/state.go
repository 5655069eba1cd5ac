package orchestrator

// State is a step of the per-message run state machine.
type State int

const (
	StateCreated State = iota
	StateThreadReady
	StateMessageAppended
	StateRunStarted
	StateRunPolling
	StateToolCallPending
	StateRunCompleted
	StateResponseExtracted
	StateRunFailed
	StateRunCancelled
	StateTimeout
)

var stateNames = [...]string{
	StateCreated:           "CREATED",
	StateThreadReady:       "THREAD_READY",
	StateMessageAppended:   "MESSAGE_APPENDED",
	StateRunStarted:        "RUN_STARTED",
	StateRunPolling:        "RUN_POLLING",
	StateToolCallPending:   "TOOL_CALL_PENDING",
	StateRunCompleted:      "RUN_COMPLETED",
	StateResponseExtracted: "RESPONSE_EXTRACTED",
	StateRunFailed:         "RUN_FAILED",
	StateRunCancelled:      "RUN_CANCELLED",
	StateTimeout:           "TIMEOUT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether the driver loop stops at s.
func (s State) Terminal() bool {
	switch s {
	case StateResponseExtracted, StateRunFailed, StateRunCancelled, StateTimeout:
		return true
	}
	return false
}
