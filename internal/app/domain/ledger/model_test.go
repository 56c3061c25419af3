package ledger

import (
	"testing"
	"time"
)

func TestRound_PhaseAt(t *testing.T) {
	params := Params{
		TargetParticipants: 30,
		MaxParticipants:    100,
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		round Round
		want  Phase
	}{
		{"never started", Round{}, PhaseClosed},
		{
			"registration open",
			Round{Number: 1, WasStarted: true, RegistrationEndsAt: now.Add(time.Hour), ParticipantsCount: 5, TotalTickets: 5},
			PhaseOpenedForRegistration,
		},
		{
			"window elapsed below target",
			Round{Number: 1, WasStarted: true, RegistrationEndsAt: now.Add(-time.Minute), ParticipantsCount: 10, TotalTickets: 10},
			PhaseInvalid,
		},
		{
			"window boundary counts as elapsed",
			Round{Number: 1, WasStarted: true, RegistrationEndsAt: now, ParticipantsCount: 10, TotalTickets: 10},
			PhaseInvalid,
		},
		{
			"exactly target is not invalid",
			Round{Number: 1, WasStarted: true, RegistrationEndsAt: now.Add(-time.Minute), ParticipantsCount: 30, TotalTickets: 42},
			PhaseRegistrationEnded,
		},
		{
			"waiting for reveal",
			Round{Number: 1, WasStarted: true, RegistrationEndsAt: now.Add(-time.Minute), ParticipantsCount: 30, TotalTickets: 42, WaitingForReveal: true},
			PhaseWaitingForReveal,
		},
		{
			"capacity filled above target ends registration early",
			Round{Number: 1, WasStarted: true, RegistrationEndsAt: now.Add(time.Hour), ParticipantsCount: 100, TotalTickets: 150},
			PhaseRegistrationEnded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.round.PhaseAt(now, params)
			if got != tc.want {
				t.Errorf("PhaseAt() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRound_Reset(t *testing.T) {
	r := Round{
		Number:             7,
		RegistrationEndsAt: time.Now(),
		TotalExtension:     time.Hour,
		WasStarted:         true,
		WaitingForReveal:   true,
		ParticipantsCount:  12,
		TotalTickets:       40,
	}
	r.Reset()

	if r.Number != 7 {
		t.Errorf("round number must survive a reset, got %d", r.Number)
	}
	if r.WasStarted || r.WaitingForReveal {
		t.Error("flags not cleared")
	}
	if r.ParticipantsCount != 0 || r.TotalTickets != 0 {
		t.Error("counts not cleared")
	}
	if !r.RegistrationEndsAt.IsZero() {
		t.Error("registration end not cleared")
	}
	if r.PhaseAt(time.Now(), Params{TargetParticipants: 1, MaxParticipants: 2}) != PhaseClosed {
		t.Error("reset round must derive as closed")
	}
}

func TestState_Roles(t *testing.T) {
	state := NewState(Params{TicketPrice: 100}, Roles{
		Organizer:         "org",
		FallbackRecipient: "fallback",
		Operators:         []string{"op1", "op2", ""},
	})

	if !state.IsOrganizer("org") || state.IsOrganizer("op1") {
		t.Error("organizer role misassigned")
	}
	if !state.IsOperator("op1") || !state.IsOperator("op2") {
		t.Error("operator role missing")
	}
	if !state.IsOperator("org") {
		t.Error("organizer must implicitly hold the operator role")
	}
	if state.IsOperator("") || state.IsOperator("stranger") {
		t.Error("unexpected operator")
	}
	if state.NextRefundBatchID != 1 {
		t.Errorf("batch ids must start at 1, got %d", state.NextRefundBatchID)
	}
}
