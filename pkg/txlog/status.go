package txlog

import "fmt"

// Status is the outcome recorded for one service within a transaction.
type Status string

const (
	// StatusUncommitted marks a notify call in flight.
	StatusUncommitted Status = "U"
	// StatusSuccess marks a successful notify.
	StatusSuccess Status = "S"
	// StatusFailure marks a failed notify (explicit failure, timeout or transport error).
	StatusFailure Status = "F"
	// StatusRolledBack marks a successful compensation.
	StatusRolledBack Status = "R"
	// StatusDone marks the whole-saga rollback as complete.
	StatusDone Status = "D"
	// StatusRollbackFailed marks a compensation whose retry budget was exhausted.
	StatusRollbackFailed Status = "RF"
)

// SagaService is the reserved service name carrying saga-level terminal events.
const SagaService = "SAGA"

// statusNone is the implicit status of a service with no events yet.
const statusNone Status = ""

var serviceTransitions = map[Status]map[Status]struct{}{
	statusNone: {
		StatusUncommitted: {},
	},
	StatusUncommitted: {
		StatusSuccess: {},
		StatusFailure: {},
	},
	StatusSuccess: {
		StatusRolledBack:     {},
		StatusRollbackFailed: {},
	},
}

var sagaTransitions = map[Status]map[Status]struct{}{
	statusNone: {
		StatusSuccess:        {},
		StatusDone:           {},
		StatusRollbackFailed: {},
	},
}

// ParseStatus parses the wire form of a status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusUncommitted, StatusSuccess, StatusFailure, StatusRolledBack, StatusDone, StatusRollbackFailed:
		return st, nil
	default:
		return statusNone, fmt.Errorf("unknown status %q", s)
	}
}

// String returns the wire form.
func (s Status) String() string {
	return string(s)
}

// Label returns a human readable name.
func (s Status) Label() string {
	switch s {
	case StatusUncommitted:
		return "uncommitted"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusRolledBack:
		return "rolled-back"
	case StatusDone:
		return "done"
	case StatusRollbackFailed:
		return "rollback-failed"
	default:
		return "none"
	}
}

// IsTerminal reports whether no further event can follow s for the same service.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailure, StatusRolledBack, StatusDone, StatusRollbackFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a service at from may record to next.
// Saga-level records follow their own single-step lattice.
func CanTransition(service string, from, to Status) bool {
	table := serviceTransitions
	if service == SagaService {
		table = sagaTransitions
	}
	next, ok := table[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidateTransition returns ErrInvalidTransition when the transition is not allowed.
func ValidateTransition(service string, from, to Status) error {
	if !CanTransition(service, from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, service, from.Label(), to.Label())
	}
	return nil
}
