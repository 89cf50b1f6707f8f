package domain

import "testing"

func TestActionAllowedPerEntityType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		entity EntityType
		action Action
		want   bool
	}{
		{EntityThread, ActionArchive, true},
		{EntityThread, ActionReply, true},
		{EntityThread, ActionSend, false},
		{EntityThread, ActionCustom, false},
		{EntityMessage, ActionCustom, true},
		{EntityMessage, ActionDelete, false},
		{EntityDraft, ActionSend, true},
		{EntityDraft, ActionDelete, true},
		{EntityDraft, ActionArchive, false},
		{EntityType("unknown"), ActionArchive, false},
	}
	for _, tt := range tests {
		if got := ActionAllowed(tt.entity, tt.action); got != tt.want {
			t.Errorf("ActionAllowed(%s, %s) = %v, want %v", tt.entity, tt.action, got, tt.want)
		}
	}
}

func TestCanTransitionIsOneDirectional(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to Status }{
		{StatusPending, StatusApproved},
		{StatusPending, StatusRejected},
		{StatusApproved, StatusExecuting},
		{StatusExecuting, StatusExecuted},
		{StatusExecuting, StatusFailed},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be legal", tt.from, tt.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusApproved, StatusPending},
		{StatusRejected, StatusApproved},
		{StatusExecuted, StatusExecuting},
		{StatusFailed, StatusApproved},
		{StatusPending, StatusExecuted},
	}
	for _, tt := range forbidden {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be illegal", tt.from, tt.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()

	terminal := map[Status]bool{
		StatusPending:   false,
		StatusApproved:  false,
		StatusExecuting: false,
		StatusRejected:  true,
		StatusExecuted:  true,
		StatusFailed:    true,
	}
	for status, want := range terminal {
		p := &Proposal{Status: status}
		if got := p.Terminal(); got != want {
			t.Errorf("Terminal() for %s = %v, want %v", status, got, want)
		}
	}
}
