package txlog

import (
	"errors"
	"reflect"
	"testing"
)

func events(pairs ...string) []StatusEvent {
	out := make([]StatusEvent, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, StatusEvent{
			TransactionID: "tx-1",
			OrderID:       "order-1",
			Service:       pairs[i],
			Status:        Status(pairs[i+1]),
			Sequence:      uint64(i/2 + 1),
		})
	}
	return out
}

func TestProjectLatestWins(t *testing.T) {
	p := Project(events(
		"CREDIT_CARD", "U",
		"CREDIT_CARD", "S",
		"INVENTORY", "U",
	))

	want := map[string]Status{"CREDIT_CARD": StatusSuccess, "INVENTORY": StatusUncommitted}
	if got := p.LatestStatuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("LatestStatuses() = %v, want %v", got, want)
	}
	if got := p.State(); got != StateProcessing {
		t.Fatalf("State() = %s, want %s", got, StateProcessing)
	}
}

func TestProjectOrdersBySequence(t *testing.T) {
	evts := events(
		"CREDIT_CARD", "U",
		"CREDIT_CARD", "S",
	)
	evts[0], evts[1] = evts[1], evts[0]

	if got := Project(evts).Latest("CREDIT_CARD"); got != StatusSuccess {
		t.Fatalf("Latest() = %s, want S", got)
	}
}

func TestProjectSuccessfulServicesInSuccessOrder(t *testing.T) {
	p := Project(events(
		"INVENTORY", "U",
		"INVENTORY", "S",
		"CREDIT_CARD", "U",
		"CREDIT_CARD", "S",
		"LOGISTICS", "U",
		"LOGISTICS", "F",
	))

	want := []string{"INVENTORY", "CREDIT_CARD"}
	if got := p.SuccessfulServices(); !reflect.DeepEqual(got, want) {
		t.Fatalf("SuccessfulServices() = %v, want %v", got, want)
	}
	if got := p.State(); got != StateRollingBack {
		t.Fatalf("State() = %s, want %s", got, StateRollingBack)
	}
}

func TestProjectCompensatedServiceIsNotSuccessful(t *testing.T) {
	p := Project(events(
		"CREDIT_CARD", "U",
		"CREDIT_CARD", "S",
		"INVENTORY", "U",
		"INVENTORY", "F",
		"CREDIT_CARD", "R",
	))
	if got := p.SuccessfulServices(); len(got) != 0 {
		t.Fatalf("SuccessfulServices() = %v, want empty", got)
	}
}

func TestProjectState(t *testing.T) {
	tests := []struct {
		name   string
		events []StatusEvent
		want   State
	}{
		{name: "no events", events: nil, want: StateStarted},
		{name: "completed", events: events("CREDIT_CARD", "U", "CREDIT_CARD", "S", SagaService, "S"), want: StateCompleted},
		{name: "rolled back", events: events("CREDIT_CARD", "U", "CREDIT_CARD", "F", SagaService, "D"), want: StateRolledBack},
		{name: "rollback failed", events: events("CREDIT_CARD", "U", "CREDIT_CARD", "S", "INVENTORY", "U", "INVENTORY", "F", "CREDIT_CARD", "RF", SagaService, "RF"), want: StateRollbackFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Project(tt.events)
			if got := p.State(); got != tt.want {
				t.Fatalf("State() = %s, want %s", got, tt.want)
			}
			if p.State().IsTerminal() != p.Closed() {
				t.Fatalf("Closed() = %v disagrees with State() = %s", p.Closed(), p.State())
			}
		})
	}
}

func TestProjectIsComplete(t *testing.T) {
	p := Project(events(
		"CREDIT_CARD", "U",
		"CREDIT_CARD", "S",
		"INVENTORY", "U",
		"INVENTORY", "S",
	))
	if !p.IsComplete([]string{"CREDIT_CARD", "INVENTORY"}) {
		t.Fatal("IsComplete() = false, want true")
	}
	if p.IsComplete([]string{"CREDIT_CARD", "INVENTORY", "LOGISTICS"}) {
		t.Fatal("IsComplete() = true with LOGISTICS missing")
	}
}

func TestCheckAppend(t *testing.T) {
	p := Project(events("CREDIT_CARD", "U", "CREDIT_CARD", "S", SagaService, "S"))
	err := p.CheckAppend(StatusEvent{Service: "CREDIT_CARD", Status: StatusRolledBack})
	if !errors.Is(err, ErrTransactionClosed) {
		t.Fatalf("CheckAppend() error = %v, want ErrTransactionClosed", err)
	}

	p = Project(events("CREDIT_CARD", "U"))
	if err := p.CheckAppend(StatusEvent{Service: "CREDIT_CARD", Status: StatusRolledBack}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CheckAppend() error = %v, want ErrInvalidTransition", err)
	}
	if err := p.CheckAppend(StatusEvent{Service: "CREDIT_CARD", Status: StatusSuccess}); err != nil {
		t.Fatalf("CheckAppend() error = %v", err)
	}
}
