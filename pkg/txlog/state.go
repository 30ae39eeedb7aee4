package txlog

// State is the aggregate lifecycle of a saga, derived from its events.
type State string

const (
	StateStarted        State = "STARTED"
	StateProcessing     State = "PROCESSING"
	StateRollingBack    State = "ROLLING_BACK"
	StateCompleted      State = "COMPLETED"
	StateRolledBack     State = "ROLLED_BACK"
	StateRollbackFailed State = "ROLLBACK_FAILED"
)

// IsTerminal reports whether the saga has reached a final outcome.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRolledBack, StateRollbackFailed:
		return true
	default:
		return false
	}
}

// Message returns the normalized client-facing description of s.
func (s State) Message() string {
	switch s {
	case StateStarted:
		return "order accepted"
	case StateProcessing:
		return "order is being processed"
	case StateRollingBack:
		return "order failed, reverting completed steps"
	case StateCompleted:
		return "order completed"
	case StateRolledBack:
		return "order cancelled, all steps reverted"
	case StateRollbackFailed:
		return "order cancelled, manual intervention required"
	default:
		return "unknown"
	}
}
