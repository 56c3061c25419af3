// Package ledger defines the data model of the recurring ticket lottery:
// the current round, the per-round participant registry and the refund
// batches created for invalidated rounds.
package ledger

import "time"

// Phase is the lifecycle state of the current round. It is never stored;
// it is always derived from the round fields and the current time, so a
// status read can never drift from the underlying facts.
type Phase string

const (
	PhaseClosed                Phase = "closed"
	PhaseOpenedForRegistration Phase = "opened_for_registration"
	PhaseRegistrationEnded     Phase = "registration_ended"
	PhaseWaitingForReveal      Phase = "waiting_for_reveal"
	PhaseInvalid               Phase = "invalid"
)

// Params holds the tunables of the ledger. TicketPrice here is only the
// initial price; the live price sits in State and is mutable between
// rounds.
type Params struct {
	TicketPrice          int64         `json:"ticket_price"`
	TargetParticipants   uint64        `json:"target_participants"`
	MaxParticipants      uint64        `json:"max_participants"`
	RegistrationDuration time.Duration `json:"registration_duration"`
	MaxExtension         time.Duration `json:"max_extension"`
	RefundWindow         time.Duration `json:"refund_window"`
	// FreshnessRounds is the number of subsequent rounds during which a
	// past participant's contact payload remains queryable.
	FreshnessRounds uint64 `json:"freshness_rounds"`
	// ClearBatchSize bounds how many participant records a single
	// ClearRoundData call may delete.
	ClearBatchSize uint64 `json:"clear_batch_size"`
}

// Roles is the initial role assignment seeded into a fresh ledger state.
type Roles struct {
	Organizer         string   `json:"organizer"`
	FallbackRecipient string   `json:"fallback_recipient"`
	Operators         []string `json:"operators"`
}

// Round is the current round of the lottery. A zero Number means no round
// was ever started. When a round terminates the struct is reset to the
// "never started" shape with only Number retained.
type Round struct {
	Number             uint64        `json:"number"`
	RegistrationEndsAt time.Time     `json:"registration_ends_at"`
	TotalExtension     time.Duration `json:"total_extension"`
	WasStarted         bool          `json:"was_started"`
	WaitingForReveal   bool          `json:"waiting_for_reveal"`
	ParticipantsCount  uint64        `json:"participants_count"`
	TotalTickets       uint64        `json:"total_tickets"`
}

// PhaseAt derives the phase of the round at the given instant.
//
// The order of the checks matters: a round that filled up or ran out of
// registration time is Invalid unless it gathered at least the target
// number of participants. Reaching the target exactly is valid.
func (r Round) PhaseAt(now time.Time, p Params) Phase {
	if !r.WasStarted {
		return PhaseClosed
	}
	if now.Before(r.RegistrationEndsAt) && r.ParticipantsCount < p.MaxParticipants {
		return PhaseOpenedForRegistration
	}
	if r.ParticipantsCount < p.TargetParticipants {
		return PhaseInvalid
	}
	if r.WaitingForReveal {
		return PhaseWaitingForReveal
	}
	return PhaseRegistrationEnded
}

// Reset returns the round to the "never started" shape while keeping the
// round number for history addressing.
func (r *Round) Reset() {
	r.RegistrationEndsAt = time.Time{}
	r.TotalExtension = 0
	r.WasStarted = false
	r.WaitingForReveal = false
	r.ParticipantsCount = 0
	r.TotalTickets = 0
}

// Participant is one registered address within one round. Index is the
// position in the round's dense participant list; removal swaps the last
// entry into the freed slot, so Index is mutable.
type Participant struct {
	Round   uint64 `json:"round"`
	Address string `json:"address"`
	Tickets uint64 `json:"tickets"`
	Index   uint64 `json:"index"`
	// Contact is an opaque, externally encrypted payload retained for a
	// freshness window of rounds after closure.
	Contact []byte `json:"contact,omitempty"`
}

// RefundBatch is the set of refunds owed to the participants of one
// invalidated round. TotalUnclaimed always equals the sum of the batch's
// non-zeroed per-address balances until the claim window expires.
type RefundBatch struct {
	ID             uint64    `json:"id"`
	Round          uint64    `json:"round"`
	AssignedAt     time.Time `json:"assigned_at"`
	TotalUnclaimed int64     `json:"total_unclaimed"`
}

// Claimable reports whether the batch is still inside its claim window.
func (b RefundBatch) Claimable(now time.Time, window time.Duration) bool {
	return now.Before(b.AssignedAt.Add(window))
}

// State is the full mutable state of the ledger outside the per-round
// participant and refund records.
type State struct {
	Round             Round           `json:"round"`
	TicketPrice       int64           `json:"ticket_price"`
	OrganizerFunds    int64           `json:"organizer_funds"`
	NextRefundBatchID uint64          `json:"next_refund_batch_id"`
	LastWinner        string          `json:"last_winner"`
	Organizer         string          `json:"organizer"`
	FallbackRecipient string          `json:"fallback_recipient"`
	Operators         map[string]bool `json:"operators"`
}

// NewState seeds a fresh ledger state from the configured parameters and
// role assignment.
func NewState(p Params, roles Roles) State {
	ops := make(map[string]bool, len(roles.Operators))
	for _, addr := range roles.Operators {
		if addr != "" {
			ops[addr] = true
		}
	}
	return State{
		TicketPrice:       p.TicketPrice,
		NextRefundBatchID: 1,
		Organizer:         roles.Organizer,
		FallbackRecipient: roles.FallbackRecipient,
		Operators:         ops,
	}
}

// IsOperator reports whether the address holds the operator role. The
// organizer implicitly holds it as well.
func (s State) IsOperator(addr string) bool {
	return addr != "" && (s.Operators[addr] || addr == s.Organizer)
}

// IsOrganizer reports whether the address holds the organizer role.
func (s State) IsOrganizer(addr string) bool {
	return addr != "" && addr == s.Organizer
}
