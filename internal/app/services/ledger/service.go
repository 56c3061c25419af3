// Package ledger implements the lottery ledger: round lifecycle, the
// participant registry with ticket accounting, winner selection and the
// refund ledger for invalidated rounds.
//
// Every operation is serialized behind one mutex, including the
// randomness callback, so no operation ever observes another one half
// applied. Outgoing value transfers follow the checks-effects-interactions
// discipline: bookkeeping is saved before the transfer is attempted, and a
// failed transfer rolls the bookkeeping back so the operation fully
// commits or fully reverts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	domain "github.com/openraffle/lottery-ledger/internal/app/domain/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/events"
	"github.com/openraffle/lottery-ledger/internal/app/metrics"
	"github.com/openraffle/lottery-ledger/internal/app/storage"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

// Treasury moves value between accounts. Deposit collects a payment from
// an address into the pool; Payout moves value from the pool to a
// recipient and may fail if the recipient cannot accept it.
type Treasury interface {
	Deposit(ctx context.Context, from string, amount int64) error
	Payout(ctx context.Context, to string, amount int64) error
}

// CredentialRegistry checks and mints the non-transferable winner
// credential. Mint may fail, for instance when the recipient already
// holds one.
type CredentialRegistry interface {
	Has(ctx context.Context, address string) (bool, error)
	Mint(ctx context.Context, address string, round uint64) error
}

// RandomnessProvider issues one unbiased 256-bit random word per request,
// delivered asynchronously through HandleRandomWord exactly once.
type RandomnessProvider interface {
	RequestRandomWord(ctx context.Context) (requestID string, err error)
}

// Errors reported to callers. All of them mean the operation was fully
// reverted with no state change and no funds moved.
var (
	ErrNotOperator             = errors.New("caller is not an operator")
	ErrNotOrganizer            = errors.New("caller is not the organizer")
	ErrRoundActive             = errors.New("a round is already active")
	ErrRegistrationClosed      = errors.New("registration is not open")
	ErrRegistrationNotEnded    = errors.New("registration has not ended")
	ErrRoundNotInvalid         = errors.New("round is not invalid")
	ErrNoPendingReveal         = errors.New("no winner reveal is pending")
	ErrZeroTickets             = errors.New("tickets amount must be positive")
	ErrWrongPayment            = errors.New("payment must equal tickets times ticket price")
	ErrAlreadyRegistered       = errors.New("already registered this round")
	ErrNotRegistered           = errors.New("not registered this round")
	ErrTicketLimitExceeded     = errors.New("ticket count exceeds the supported maximum")
	ErrInvalidTicketPrice      = errors.New("ticket price must be positive")
	ErrCredentialHolder        = errors.New("credential holders may not enter")
	ErrTooManyTickets          = errors.New("cannot return more tickets than held")
	ErrExtensionTooLong        = errors.New("extension exceeds the allowed maximum")
	ErrNothingToRefund         = errors.New("no refundable balance")
	ErrNothingToCollect        = errors.New("nothing left to collect")
	ErrNothingToClear          = errors.New("no participant data to clear")
	ErrRoundStillFresh         = errors.New("round data is still within the freshness window")
	ErrBatchNotFound           = errors.New("refund batch not found")
	ErrRefundWindowOpen        = errors.New("refund window has not elapsed")
	ErrInsufficientFunds       = errors.New("insufficient organizer funds")
	ErrRandomnessNotConfigured = errors.New("randomness provider not configured")
	ErrNoContactData           = errors.New("no contact data")
)

// Service is the lottery ledger.
type Service struct {
	mu sync.Mutex

	store       storage.LedgerStore
	treasury    Treasury
	credentials CredentialRegistry
	randomness  RandomnessProvider
	bus         *events.Bus

	params domain.Params
	roles  domain.Roles
	log    *logger.Logger
	now    func() time.Time
}

// Option customizes the service.
type Option func(*Service)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the ledger service. The roles seed the state on first
// use; once a state exists in the store, the stored roles win.
func New(store storage.LedgerStore, treasury Treasury, credentials CredentialRegistry, params domain.Params, roles domain.Roles, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	s := &Service{
		store:       store,
		treasury:    treasury,
		credentials: credentials,
		params:      params,
		roles:       roles,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithRandomness sets the randomness provider.
func (s *Service) WithRandomness(r RandomnessProvider) { s.randomness = r }

// WithBus sets the event bus.
func (s *Service) WithBus(bus *events.Bus) { s.bus = bus }

// Params returns the configured ledger parameters.
func (s *Service) Params() domain.Params { return s.params }

func (s *Service) publish(eventType string, fields map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: eventType, At: s.now(), Fields: fields})
}

// ticketsFit reports whether the round's ticket value stays within int64
// after adding more tickets. Guarding the aggregate keeps every later
// tickets*price product (proceeds, refund owed, return payouts) exact,
// since each is taken over a subset of the total.
func ticketsFit(total, added uint64, price int64) bool {
	if price <= 0 {
		return false
	}
	sum := total + added
	if sum < added {
		return false
	}
	return sum <= math.MaxInt64/uint64(price)
}

// loadState returns the stored state, seeding a fresh one from the
// configured roles on first use.
func (s *Service) loadState(ctx context.Context) (domain.State, error) {
	state, ok, err := s.store.LoadState(ctx)
	if err != nil {
		return domain.State{}, fmt.Errorf("load state: %w", err)
	}
	if !ok {
		state = domain.NewState(s.params, s.roles)
	}
	return state, nil
}

// Operator operations ---------------------------------------------------

// Start opens a new round for registration.
func (s *Service) Start(ctx context.Context, caller string) (domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return domain.Round{}, err
	}
	if !state.IsOperator(caller) {
		return domain.Round{}, ErrNotOperator
	}
	now := s.now()
	if state.Round.PhaseAt(now, s.params) != domain.PhaseClosed {
		return domain.Round{}, ErrRoundActive
	}

	state.Round = domain.Round{
		Number:             state.Round.Number + 1,
		RegistrationEndsAt: now.Add(s.params.RegistrationDuration),
		WasStarted:         true,
	}
	if err := s.store.SaveState(ctx, state); err != nil {
		return domain.Round{}, fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("round", state.Round.Number).
		WithField("registration_ends_at", state.Round.RegistrationEndsAt).
		Info("round started")
	metrics.RecordRoundStarted()
	s.publish("round.started", map[string]any{
		"round":                state.Round.Number,
		"registration_ends_at": state.Round.RegistrationEndsAt,
		"ticket_price":         state.TicketPrice,
	})
	return state.Round, nil
}

// ExtendRegistration lengthens the registration window of the running
// round. The cumulative extension per round is capped.
func (s *Service) ExtendRegistration(ctx context.Context, caller string, extra time.Duration) (domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return domain.Round{}, err
	}
	if !state.IsOperator(caller) {
		return domain.Round{}, ErrNotOperator
	}
	if extra <= 0 {
		return domain.Round{}, fmt.Errorf("%w: extension must be positive", ErrExtensionTooLong)
	}
	if state.Round.PhaseAt(s.now(), s.params) != domain.PhaseOpenedForRegistration {
		return domain.Round{}, ErrRegistrationClosed
	}
	if state.Round.TotalExtension+extra > s.params.MaxExtension {
		return domain.Round{}, ErrExtensionTooLong
	}

	state.Round.TotalExtension += extra
	state.Round.RegistrationEndsAt = state.Round.RegistrationEndsAt.Add(extra)
	if err := s.store.SaveState(ctx, state); err != nil {
		return domain.Round{}, fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("round", state.Round.Number).
		WithField("extra", extra).
		Info("registration extended")
	s.publish("registration.extended", map[string]any{
		"round":                state.Round.Number,
		"registration_ends_at": state.Round.RegistrationEndsAt,
	})
	return state.Round, nil
}

// RequestWinner issues exactly one randomness request for the round and
// flags the round as waiting for the reveal. Only the pending flag is
// recorded; the request correlation lives with the randomness provider.
func (s *Service) RequestWinner(ctx context.Context, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if !state.IsOperator(caller) {
		return ErrNotOperator
	}
	if state.Round.PhaseAt(s.now(), s.params) != domain.PhaseRegistrationEnded {
		return ErrRegistrationNotEnded
	}
	if s.randomness == nil {
		return ErrRandomnessNotConfigured
	}

	requestID, err := s.randomness.RequestRandomWord(ctx)
	if err != nil {
		return fmt.Errorf("request random word: %w", err)
	}

	state.Round.WaitingForReveal = true
	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("round", state.Round.Number).
		WithField("request_id", requestID).
		Info("winner requested")
	s.publish("winner.requested", map[string]any{
		"round":      state.Round.Number,
		"request_id": requestID,
	})
	return nil
}

// HandleRandomWord consumes the asynchronously delivered random word,
// picks the winner proportionally to tickets bought and finalizes the
// round. The round is reset and persisted before credential minting is
// attempted, and minting failures never fail the resolution.
func (s *Service) HandleRandomWord(ctx context.Context, requestID string, word *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if word == nil {
		return fmt.Errorf("nil random word for request %s", requestID)
	}
	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if !state.Round.WaitingForReveal {
		s.log.WithField("request_id", requestID).Warn("random word without pending reveal, dropped")
		return ErrNoPendingReveal
	}

	round := state.Round.Number
	totalTickets := state.Round.TotalTickets
	count := state.Round.ParticipantsCount

	winner := ""
	winnerTicket := uint64(0)
	if totalTickets > 0 {
		// Ticket ranges are contiguous and non-overlapping in list order:
		// participant k owns tickets (sum t1..t[k-1], sum t1..tk].
		winnerTicket = new(big.Int).Mod(word, new(big.Int).SetUint64(totalTickets)).Uint64() + 1
		var cumulative uint64
		for i := uint64(0); i < count; i++ {
			p, ok, err := s.store.ParticipantByIndex(ctx, round, i)
			if err != nil {
				return fmt.Errorf("participant at %d: %w", i, err)
			}
			if !ok {
				break
			}
			cumulative += p.Tickets
			if cumulative >= winnerTicket {
				winner = p.Address
				break
			}
		}
	}
	if winner == "" {
		// Unreachable while every participant holds at least one ticket,
		// but the round must always resolve.
		s.log.WithField("round", round).
			WithField("winner_ticket", winnerTicket).
			Error("cumulative tickets never reached the drawn ticket, awarding fallback recipient")
		winner = state.FallbackRecipient
	}

	proceeds := int64(totalTickets) * state.TicketPrice
	state.OrganizerFunds += proceeds
	state.LastWinner = winner
	state.Round.Reset()
	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("round", round).
		WithField("winner", winner).
		WithField("proceeds", proceeds).
		Info("winner selected")
	metrics.RecordWinnerSelected()
	s.publish("winner.selected", map[string]any{
		"round":    round,
		"winner":   winner,
		"proceeds": proceeds,
	})

	// Mint after the round is fully closed so reentrant reads observe a
	// closed round. Issuance failures are reported, never propagated.
	if err := s.credentials.Mint(ctx, winner, round); err != nil {
		s.log.WithError(err).WithField("winner", winner).Warn("winner credential mint failed, minting for fallback recipient")
		if err := s.credentials.Mint(ctx, state.FallbackRecipient, round); err != nil {
			s.log.WithError(err).WithField("fallback", state.FallbackRecipient).Error("fallback credential mint failed, round resolved without issuance")
		}
	}
	return nil
}

// CloseInvalidRound converts an invalid round into one refund batch and
// closes the round. Each participant is owed tickets*price inside the
// batch's claim window.
func (s *Service) CloseInvalidRound(ctx context.Context, caller string) (domain.RefundBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return domain.RefundBatch{}, err
	}
	if !state.IsOperator(caller) {
		return domain.RefundBatch{}, ErrNotOperator
	}
	if state.Round.PhaseAt(s.now(), s.params) != domain.PhaseInvalid {
		return domain.RefundBatch{}, ErrRoundNotInvalid
	}

	round := state.Round.Number
	batch := domain.RefundBatch{
		ID:         state.NextRefundBatchID,
		Round:      round,
		AssignedAt: s.now(),
	}

	for i := uint64(0); i < state.Round.ParticipantsCount; i++ {
		p, ok, err := s.store.ParticipantByIndex(ctx, round, i)
		if err != nil {
			return domain.RefundBatch{}, fmt.Errorf("participant at %d: %w", i, err)
		}
		if !ok {
			break
		}
		owed := int64(p.Tickets) * state.TicketPrice
		if err := s.store.SetRefundBalance(ctx, batch.ID, p.Address, owed); err != nil {
			return domain.RefundBatch{}, fmt.Errorf("set refund balance: %w", err)
		}
		ids, err := s.store.PendingBatches(ctx, p.Address)
		if err != nil {
			return domain.RefundBatch{}, fmt.Errorf("pending batches: %w", err)
		}
		if err := s.store.SetPendingBatches(ctx, p.Address, append(ids, batch.ID)); err != nil {
			return domain.RefundBatch{}, fmt.Errorf("set pending batches: %w", err)
		}
		batch.TotalUnclaimed += owed
	}

	if err := s.store.PutRefundBatch(ctx, batch); err != nil {
		return domain.RefundBatch{}, fmt.Errorf("put refund batch: %w", err)
	}
	state.NextRefundBatchID++
	state.Round.Reset()
	if err := s.store.SaveState(ctx, state); err != nil {
		return domain.RefundBatch{}, fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("round", round).
		WithField("batch_id", batch.ID).
		WithField("total_unclaimed", batch.TotalUnclaimed).
		Info("invalid round closed")
	metrics.RecordRoundInvalidated()
	s.publish("round.invalidated", map[string]any{
		"round":           round,
		"batch_id":        batch.ID,
		"total_unclaimed": batch.TotalUnclaimed,
	})
	return batch, nil
}

// ClearRoundData garbage-collects a closed round's participant records in
// bounded chunks starting at fromIndex. The round must be older than the
// freshness window so contact lookups are no longer answerable from it.
func (s *Service) ClearRoundData(ctx context.Context, caller string, round, fromIndex uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return 0, err
	}
	if !state.IsOperator(caller) {
		return 0, ErrNotOperator
	}
	if round == 0 || round > state.Round.Number {
		return 0, ErrNothingToClear
	}
	if state.Round.Number-round <= s.params.FreshnessRounds {
		return 0, ErrRoundStillFresh
	}

	cleared := uint64(0)
	for index := fromIndex; cleared < s.params.ClearBatchSize; index++ {
		p, ok, err := s.store.ParticipantByIndex(ctx, round, index)
		if err != nil {
			return cleared, fmt.Errorf("participant at %d: %w", index, err)
		}
		if !ok {
			break
		}
		if err := s.store.DeleteParticipant(ctx, round, p.Address); err != nil {
			return cleared, fmt.Errorf("delete participant: %w", err)
		}
		cleared++
	}
	if cleared == 0 {
		return 0, ErrNothingToClear
	}

	s.log.WithField("round", round).
		WithField("from_index", fromIndex).
		WithField("cleared", cleared).
		Info("round data cleared")
	metrics.RecordDataCleared(cleared)
	s.publish("round.cleared", map[string]any{
		"round":   round,
		"cleared": cleared,
	})
	return cleared, nil
}

// Participant operations -------------------------------------------------

// Enter registers the caller for the running round with the given number
// of tickets. Payment must equal tickets*price exactly; both under- and
// over-payment fail so no funds are lost by accident.
//
// Holders of the winner credential are rejected. The check is
// defense-in-depth only: an account delegating to a fresh address
// circumvents it, which is an accepted limitation.
func (s *Service) Enter(ctx context.Context, caller string, tickets uint64, payment int64, contact []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if state.Round.PhaseAt(s.now(), s.params) != domain.PhaseOpenedForRegistration {
		return ErrRegistrationClosed
	}
	if tickets == 0 {
		return ErrZeroTickets
	}
	existing, ok, err := s.store.GetParticipant(ctx, state.Round.Number, caller)
	if err != nil {
		return fmt.Errorf("get participant: %w", err)
	}
	if ok && existing.Tickets > 0 {
		return ErrAlreadyRegistered
	}
	holds, err := s.credentials.Has(ctx, caller)
	if err != nil {
		return fmt.Errorf("credential check: %w", err)
	}
	if holds {
		return ErrCredentialHolder
	}
	if !ticketsFit(state.Round.TotalTickets, tickets, state.TicketPrice) {
		return ErrTicketLimitExceeded
	}
	if payment != int64(tickets)*state.TicketPrice {
		return ErrWrongPayment
	}

	if err := s.treasury.Deposit(ctx, caller, payment); err != nil {
		return fmt.Errorf("collect payment: %w", err)
	}

	p := domain.Participant{
		Round:   state.Round.Number,
		Address: caller,
		Tickets: tickets,
		Index:   state.Round.ParticipantsCount,
		Contact: contact,
	}
	if err := s.store.PutParticipant(ctx, p); err != nil {
		s.compensate(ctx, caller, payment)
		return fmt.Errorf("put participant: %w", err)
	}
	state.Round.ParticipantsCount++
	state.Round.TotalTickets += tickets
	if err := s.store.SaveState(ctx, state); err != nil {
		s.compensate(ctx, caller, payment)
		return fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("round", state.Round.Number).
		WithField("address", caller).
		WithField("tickets", tickets).
		Info("participant entered")
	metrics.RecordTicketsSold(tickets)
	s.publish("participant.entered", map[string]any{
		"round":   state.Round.Number,
		"address": caller,
		"tickets": tickets,
	})
	return nil
}

// BuyMoreTickets adds tickets to an existing registration. Exact payment
// required, no list mutation.
func (s *Service) BuyMoreTickets(ctx context.Context, caller string, tickets uint64, payment int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if state.Round.PhaseAt(s.now(), s.params) != domain.PhaseOpenedForRegistration {
		return ErrRegistrationClosed
	}
	if tickets == 0 {
		return ErrZeroTickets
	}
	p, ok, err := s.store.GetParticipant(ctx, state.Round.Number, caller)
	if err != nil {
		return fmt.Errorf("get participant: %w", err)
	}
	if !ok || p.Tickets == 0 {
		return ErrNotRegistered
	}
	if !ticketsFit(state.Round.TotalTickets, tickets, state.TicketPrice) {
		return ErrTicketLimitExceeded
	}
	if payment != int64(tickets)*state.TicketPrice {
		return ErrWrongPayment
	}

	if err := s.treasury.Deposit(ctx, caller, payment); err != nil {
		return fmt.Errorf("collect payment: %w", err)
	}

	p.Tickets += tickets
	if err := s.store.PutParticipant(ctx, p); err != nil {
		s.compensate(ctx, caller, payment)
		return fmt.Errorf("put participant: %w", err)
	}
	state.Round.TotalTickets += tickets
	if err := s.store.SaveState(ctx, state); err != nil {
		s.compensate(ctx, caller, payment)
		return fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("round", state.Round.Number).
		WithField("address", caller).
		WithField("tickets", tickets).
		Info("tickets purchased")
	metrics.RecordTicketsSold(tickets)
	s.publish("tickets.purchased", map[string]any{
		"round":   state.Round.Number,
		"address": caller,
		"tickets": p.Tickets,
	})
	return nil
}

// ReturnTickets gives back tickets and refunds tickets*price
// synchronously. Returning the last ticket removes the caller from the
// dense participant list by swapping the last entry into the freed slot;
// that moved entry's stored index is updated to match. A failed refund
// transfer restores every record touched.
func (s *Service) ReturnTickets(ctx context.Context, caller string, tickets uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if state.Round.PhaseAt(s.now(), s.params) != domain.PhaseOpenedForRegistration {
		return ErrRegistrationClosed
	}
	if tickets == 0 {
		return ErrZeroTickets
	}
	round := state.Round.Number
	p, ok, err := s.store.GetParticipant(ctx, round, caller)
	if err != nil {
		return fmt.Errorf("get participant: %w", err)
	}
	if !ok || p.Tickets == 0 {
		return ErrNotRegistered
	}
	if tickets > p.Tickets {
		return ErrTooManyTickets
	}

	refund := int64(tickets) * state.TicketPrice
	prevState := state
	prevParticipant := p

	var movedPrev *domain.Participant
	p.Tickets -= tickets
	state.Round.TotalTickets -= tickets
	if p.Tickets == 0 {
		lastIndex := state.Round.ParticipantsCount - 1
		if p.Index != lastIndex {
			last, ok, err := s.store.ParticipantByIndex(ctx, round, lastIndex)
			if err != nil {
				return fmt.Errorf("participant at %d: %w", lastIndex, err)
			}
			if !ok {
				return fmt.Errorf("dense list gap at index %d of round %d", lastIndex, round)
			}
			prev := last
			movedPrev = &prev
			last.Index = p.Index
			if err := s.store.PutParticipant(ctx, last); err != nil {
				return fmt.Errorf("move participant: %w", err)
			}
		}
		if err := s.store.DeleteParticipant(ctx, round, caller); err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}
		state.Round.ParticipantsCount--
	} else {
		if err := s.store.PutParticipant(ctx, p); err != nil {
			return fmt.Errorf("put participant: %w", err)
		}
	}
	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	// Bookkeeping is final; now hand value back. A refused transfer
	// reverts the whole operation.
	if err := s.treasury.Payout(ctx, caller, refund); err != nil {
		s.restoreParticipant(ctx, prevParticipant, movedPrev, prevState)
		return fmt.Errorf("refund transfer: %w", err)
	}

	s.log.WithField("round", round).
		WithField("address", caller).
		WithField("tickets", tickets).
		WithField("refund", refund).
		Info("tickets returned")
	metrics.RecordTicketsReturned(tickets)
	s.publish("tickets.returned", map[string]any{
		"round":   round,
		"address": caller,
		"tickets": tickets,
		"refund":  refund,
	})
	return nil
}

// Refund pays out the caller's claimable balances across all pending
// refund batches in one transfer. Expired batch entries are dropped
// silently; a zero claimable total fails without touching state.
func (s *Service) Refund(ctx context.Context, caller string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.PendingBatches(ctx, caller)
	if err != nil {
		return 0, fmt.Errorf("pending batches: %w", err)
	}

	now := s.now()
	type claim struct {
		batch   domain.RefundBatch
		balance int64
	}
	var (
		claims []claim
		total  int64
	)
	for _, id := range ids {
		batch, ok, err := s.store.GetRefundBatch(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("get refund batch %d: %w", id, err)
		}
		if !ok || !batch.Claimable(now, s.params.RefundWindow) {
			continue
		}
		balance, err := s.store.RefundBalance(ctx, id, caller)
		if err != nil {
			return 0, fmt.Errorf("refund balance: %w", err)
		}
		if balance <= 0 {
			continue
		}
		claims = append(claims, claim{batch: batch, balance: balance})
		total += balance
	}
	if total == 0 {
		return 0, ErrNothingToRefund
	}

	for _, c := range claims {
		if err := s.store.SetRefundBalance(ctx, c.batch.ID, caller, 0); err != nil {
			return 0, fmt.Errorf("zero refund balance: %w", err)
		}
		updated := c.batch
		updated.TotalUnclaimed -= c.balance
		if err := s.store.PutRefundBatch(ctx, updated); err != nil {
			return 0, fmt.Errorf("put refund batch: %w", err)
		}
	}
	if err := s.store.SetPendingBatches(ctx, caller, nil); err != nil {
		return 0, fmt.Errorf("clear pending batches: %w", err)
	}

	if err := s.treasury.Payout(ctx, caller, total); err != nil {
		// Restore every balance, batch total and the pending list.
		for _, c := range claims {
			if err := s.store.SetRefundBalance(ctx, c.batch.ID, caller, c.balance); err != nil {
				s.log.WithError(err).Error("refund rollback: restore balance")
			}
			if err := s.store.PutRefundBatch(ctx, c.batch); err != nil {
				s.log.WithError(err).Error("refund rollback: restore batch")
			}
		}
		if err := s.store.SetPendingBatches(ctx, caller, ids); err != nil {
			s.log.WithError(err).Error("refund rollback: restore pending list")
		}
		return 0, fmt.Errorf("refund transfer: %w", err)
	}

	s.log.WithField("address", caller).
		WithField("amount", total).
		WithField("batches", len(claims)).
		Info("refund claimed")
	metrics.RecordRefundClaimed(total)
	s.publish("refund.claimed", map[string]any{
		"address": caller,
		"amount":  total,
	})
	return total, nil
}

// Organizer operations ---------------------------------------------------

// CollectExpiredRefunds sweeps one batch's unclaimed remainder to the
// recipient once its claim window has fully elapsed. Works at most once
// per batch.
func (s *Service) CollectExpiredRefunds(ctx context.Context, caller string, batchID uint64, recipient string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return 0, err
	}
	if !state.IsOrganizer(caller) {
		return 0, ErrNotOrganizer
	}
	batch, ok, err := s.store.GetRefundBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("get refund batch: %w", err)
	}
	if !ok {
		return 0, ErrBatchNotFound
	}
	if batch.Claimable(s.now(), s.params.RefundWindow) {
		return 0, ErrRefundWindowOpen
	}
	remainder := batch.TotalUnclaimed
	if remainder <= 0 {
		return 0, ErrNothingToCollect
	}

	updated := batch
	updated.TotalUnclaimed = 0
	if err := s.store.PutRefundBatch(ctx, updated); err != nil {
		return 0, fmt.Errorf("put refund batch: %w", err)
	}
	if err := s.treasury.Payout(ctx, recipient, remainder); err != nil {
		if err := s.store.PutRefundBatch(ctx, batch); err != nil {
			s.log.WithError(err).Error("sweep rollback: restore batch")
		}
		return 0, fmt.Errorf("sweep transfer: %w", err)
	}

	s.log.WithField("batch_id", batchID).
		WithField("recipient", recipient).
		WithField("amount", remainder).
		Info("expired refunds collected")
	metrics.RecordRefundSwept(remainder)
	s.publish("refunds.swept", map[string]any{
		"batch_id": batchID,
		"amount":   remainder,
	})
	return remainder, nil
}

// WithdrawOrganizerFunds moves completed-round proceeds out of the pool.
func (s *Service) WithdrawOrganizerFunds(ctx context.Context, caller, recipient string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if !state.IsOrganizer(caller) {
		return ErrNotOrganizer
	}
	if amount <= 0 || amount > state.OrganizerFunds {
		return ErrInsufficientFunds
	}

	prev := state
	state.OrganizerFunds -= amount
	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := s.treasury.Payout(ctx, recipient, amount); err != nil {
		if err := s.store.SaveState(ctx, prev); err != nil {
			s.log.WithError(err).Error("withdraw rollback: restore state")
		}
		return fmt.Errorf("withdraw transfer: %w", err)
	}

	s.log.WithField("recipient", recipient).
		WithField("amount", amount).
		Info("organizer funds withdrawn")
	return nil
}

// SetTicketPrice changes the ticket price. Only allowed between rounds.
func (s *Service) SetTicketPrice(ctx context.Context, caller string, price int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if !state.IsOrganizer(caller) {
		return ErrNotOrganizer
	}
	if price <= 0 {
		return ErrInvalidTicketPrice
	}
	if state.Round.PhaseAt(s.now(), s.params) != domain.PhaseClosed {
		return ErrRoundActive
	}

	state.TicketPrice = price
	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.log.WithField("ticket_price", price).Info("ticket price changed")
	return nil
}

// ChangeOrganizer hands the organizer role to a new address.
func (s *Service) ChangeOrganizer(ctx context.Context, caller, newOrganizer string) error {
	return s.updateRoles(ctx, caller, func(state *domain.State) error {
		if newOrganizer == "" {
			return fmt.Errorf("organizer address required")
		}
		state.Organizer = newOrganizer
		return nil
	})
}

// ChangeFallbackRecipient updates the fallback prize recipient.
func (s *Service) ChangeFallbackRecipient(ctx context.Context, caller, recipient string) error {
	return s.updateRoles(ctx, caller, func(state *domain.State) error {
		if recipient == "" {
			return fmt.Errorf("fallback recipient required")
		}
		state.FallbackRecipient = recipient
		return nil
	})
}

// AddOperator grants the operator role.
func (s *Service) AddOperator(ctx context.Context, caller, operator string) error {
	return s.updateRoles(ctx, caller, func(state *domain.State) error {
		if operator == "" {
			return fmt.Errorf("operator address required")
		}
		if state.Operators == nil {
			state.Operators = make(map[string]bool)
		}
		state.Operators[operator] = true
		return nil
	})
}

// RemoveOperator revokes the operator role.
func (s *Service) RemoveOperator(ctx context.Context, caller, operator string) error {
	return s.updateRoles(ctx, caller, func(state *domain.State) error {
		delete(state.Operators, operator)
		return nil
	})
}

func (s *Service) updateRoles(ctx context.Context, caller string, mutate func(*domain.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if !state.IsOrganizer(caller) {
		return ErrNotOrganizer
	}
	if err := mutate(&state); err != nil {
		return err
	}
	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Queries ----------------------------------------------------------------

// Info is the composite read-only view of the ledger.
type Info struct {
	Round              uint64       `json:"round"`
	Phase              domain.Phase `json:"phase"`
	RegistrationEndsAt time.Time    `json:"registration_ends_at"`
	ParticipantsCount  uint64       `json:"participants_count"`
	TotalTickets       uint64       `json:"total_tickets"`
	TicketPrice        int64        `json:"ticket_price"`
	OrganizerFunds     int64        `json:"organizer_funds"`
	LastWinner         string       `json:"last_winner,omitempty"`
}

// Status derives the current phase. The result is only valid until the
// next state-changing call by anyone, including the caller.
func (s *Service) Status(ctx context.Context) (domain.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return "", err
	}
	return state.Round.PhaseAt(s.now(), s.params), nil
}

// CurrentInfo returns the composite view of the running ledger.
func (s *Service) CurrentInfo(ctx context.Context) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Round:              state.Round.Number,
		Phase:              state.Round.PhaseAt(s.now(), s.params),
		RegistrationEndsAt: state.Round.RegistrationEndsAt,
		ParticipantsCount:  state.Round.ParticipantsCount,
		TotalTickets:       state.Round.TotalTickets,
		TicketPrice:        state.TicketPrice,
		OrganizerFunds:     state.OrganizerFunds,
		LastWinner:         state.LastWinner,
	}, nil
}

// TicketPrice returns the current ticket price.
func (s *Service) TicketPrice(ctx context.Context) (int64, error) {
	info, err := s.CurrentInfo(ctx)
	return info.TicketPrice, err
}

// RegistrationEndsAt returns the end of the registration window, zero
// when no round is open.
func (s *Service) RegistrationEndsAt(ctx context.Context) (time.Time, error) {
	info, err := s.CurrentInfo(ctx)
	return info.RegistrationEndsAt, err
}

// LastWinner returns the winner of the most recently resolved round.
func (s *Service) LastWinner(ctx context.Context) (string, error) {
	info, err := s.CurrentInfo(ctx)
	return info.LastWinner, err
}

// IsOrganizer reports whether the address holds the organizer role.
func (s *Service) IsOrganizer(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return false, err
	}
	return state.IsOrganizer(address), nil
}

// ParticipantsCount returns the number of registered participants in the
// running round.
func (s *Service) ParticipantsCount(ctx context.Context) (uint64, error) {
	info, err := s.CurrentInfo(ctx)
	return info.ParticipantsCount, err
}

// TotalTicketsCount returns the number of tickets sold in the running
// round.
func (s *Service) TotalTicketsCount(ctx context.Context) (uint64, error) {
	info, err := s.CurrentInfo(ctx)
	return info.TotalTickets, err
}

// UserTickets returns the caller's ticket count in the running round.
func (s *Service) UserTickets(ctx context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return 0, err
	}
	p, ok, err := s.store.GetParticipant(ctx, state.Round.Number, address)
	if err != nil {
		return 0, fmt.Errorf("get participant: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return p.Tickets, nil
}

// IsActualParticipant reports whether the address is registered in the
// running round.
func (s *Service) IsActualParticipant(ctx context.Context, address string) (bool, error) {
	tickets, err := s.UserTickets(ctx, address)
	return tickets > 0, err
}

// LatestContactDetails returns the freshest stored contact payload for
// the address within the freshness window. Stale, cleared and
// never-stored data are indistinguishable: all report no data.
func (s *Service) LatestContactDetails(ctx context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return nil, err
	}
	current := state.Round.Number
	for r := current; r >= 1; r-- {
		if current-r > s.params.FreshnessRounds {
			break
		}
		p, ok, err := s.store.GetParticipant(ctx, r, address)
		if err != nil {
			return nil, fmt.Errorf("get participant: %w", err)
		}
		if ok && len(p.Contact) > 0 {
			return p.Contact, nil
		}
	}
	return nil, ErrNoContactData
}

// RefundAmount returns the total the address could claim right now.
func (s *Service) RefundAmount(ctx context.Context, address string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.PendingBatches(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("pending batches: %w", err)
	}
	now := s.now()
	var total int64
	for _, id := range ids {
		batch, ok, err := s.store.GetRefundBatch(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("get refund batch %d: %w", id, err)
		}
		if !ok || !batch.Claimable(now, s.params.RefundWindow) {
			continue
		}
		balance, err := s.store.RefundBalance(ctx, id, address)
		if err != nil {
			return 0, fmt.Errorf("refund balance: %w", err)
		}
		total += balance
	}
	return total, nil
}

// Helpers ----------------------------------------------------------------

// compensate returns a collected payment after a failed mutation so the
// operation leaves no funds behind.
func (s *Service) compensate(ctx context.Context, to string, amount int64) {
	if err := s.treasury.Payout(ctx, to, amount); err != nil {
		s.log.WithError(err).WithField("address", to).Error("payment compensation failed")
	}
}

// restoreParticipant undoes a return-tickets mutation after the refund
// transfer was refused.
func (s *Service) restoreParticipant(ctx context.Context, p domain.Participant, moved *domain.Participant, state domain.State) {
	if moved != nil {
		if err := s.store.PutParticipant(ctx, *moved); err != nil {
			s.log.WithError(err).Error("return rollback: restore moved participant")
		}
	}
	if err := s.store.PutParticipant(ctx, p); err != nil {
		s.log.WithError(err).Error("return rollback: restore participant")
	}
	if err := s.store.SaveState(ctx, state); err != nil {
		s.log.WithError(err).Error("return rollback: restore state")
	}
}
