package txlog

import "sort"

// Projection is the read model derived from a transaction's ordered events.
type Projection struct {
	latest     map[string]StatusEvent
	successful []string
	saga       Status
	hasEvents  bool
}

// Project folds events (ordered by Sequence) into a Projection.
// The latest event per service wins.
func Project(events []StatusEvent) *Projection {
	ordered := make([]StatusEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	p := &Projection{latest: make(map[string]StatusEvent)}
	for _, evt := range ordered {
		p.hasEvents = true
		if evt.IsSagaLevel() {
			p.saga = evt.Status
			continue
		}
		p.latest[evt.Service] = evt
		if evt.Status == StatusSuccess {
			p.successful = append(p.successful, evt.Service)
		}
	}

	// A service rolled back after success no longer counts as successful.
	kept := p.successful[:0]
	for _, svc := range p.successful {
		if p.latest[svc].Status == StatusSuccess {
			kept = append(kept, svc)
		}
	}
	p.successful = kept
	return p
}

// Latest returns the current status of service.
func (p *Projection) Latest(service string) Status {
	if service == SagaService {
		return p.saga
	}
	return p.latest[service].Status
}

// LatestEvent returns the most recent event of service.
func (p *Projection) LatestEvent(service string) (StatusEvent, bool) {
	evt, ok := p.latest[service]
	return evt, ok
}

// LatestStatuses returns the last status per service, excluding the saga-level record.
func (p *Projection) LatestStatuses() map[string]Status {
	out := make(map[string]Status, len(p.latest))
	for svc, evt := range p.latest {
		out[svc] = evt.Status
	}
	return out
}

// SuccessfulServices returns services currently at S, in the order they succeeded.
func (p *Projection) SuccessfulServices() []string {
	out := make([]string, len(p.successful))
	copy(out, p.successful)
	return out
}

// IsComplete reports whether every expected service reached S.
func (p *Projection) IsComplete(expected []string) bool {
	for _, svc := range expected {
		if p.latest[svc].Status != StatusSuccess {
			return false
		}
	}
	return true
}

// HasFailure reports whether any service failed or compensation has begun.
func (p *Projection) HasFailure() bool {
	for _, evt := range p.latest {
		switch evt.Status {
		case StatusFailure, StatusRolledBack, StatusRollbackFailed:
			return true
		}
	}
	return false
}

// State derives the aggregate saga state.
func (p *Projection) State() State {
	switch p.saga {
	case StatusSuccess:
		return StateCompleted
	case StatusDone:
		return StateRolledBack
	case StatusRollbackFailed:
		return StateRollbackFailed
	}
	if p.HasFailure() {
		return StateRollingBack
	}
	if len(p.latest) == 0 {
		return StateStarted
	}
	return StateProcessing
}

// Closed reports whether a saga-level terminal event exists.
func (p *Projection) Closed() bool {
	return p.saga != statusNone
}

// CheckAppend validates that evt may be appended on top of the projection.
func (p *Projection) CheckAppend(evt StatusEvent) error {
	if p.Closed() {
		return ErrTransactionClosed
	}
	return ValidateTransition(evt.Service, p.Latest(evt.Service), evt.Status)
}
