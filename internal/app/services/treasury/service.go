// Package treasury moves value between accounts. The ledger settles
// ticket payments, refunds and prize payouts through it; every movement
// is recorded in the transfer log.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/openraffle/lottery-ledger/internal/app/domain/treasury"
	"github.com/openraffle/lottery-ledger/internal/app/storage"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountFrozen     = errors.New("account is frozen")
	ErrAccountNotFound   = errors.New("account not found")
)

// Service is the treasury.
type Service struct {
	mu    sync.Mutex
	store storage.TreasuryStore
	log   *logger.Logger
	now   func() time.Time
}

// New constructs the treasury service.
func New(store storage.TreasuryStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("treasury")
	}
	return &Service{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Deposit moves a payment from the sender into the pool. The sender must
// exist, be unfrozen and hold the amount.
func (s *Service) Deposit(ctx context.Context, from string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	sender, ok, err := s.store.GetValueAccount(ctx, from)
	if err != nil {
		return fmt.Errorf("get account %s: %w", from, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, from)
	}
	if sender.Frozen {
		return fmt.Errorf("%w: %s", ErrAccountFrozen, from)
	}
	if sender.Balance < amount {
		return ErrInsufficientFunds
	}

	pool, _, err := s.store.GetValueAccount(ctx, domain.PoolAddress)
	if err != nil {
		return fmt.Errorf("get pool: %w", err)
	}
	pool.Address = domain.PoolAddress

	sender.Balance -= amount
	pool.Balance += amount
	if err := s.store.PutValueAccount(ctx, sender); err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	if err := s.store.PutValueAccount(ctx, pool); err != nil {
		return fmt.Errorf("put pool: %w", err)
	}
	return s.record(ctx, from, domain.PoolAddress, amount, domain.KindDeposit)
}

// Payout moves value from the pool to a recipient. Frozen recipients
// refuse the transfer.
func (s *Service) Payout(ctx context.Context, to string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	recipient, ok, err := s.store.GetValueAccount(ctx, to)
	if err != nil {
		return fmt.Errorf("get account %s: %w", to, err)
	}
	if ok && recipient.Frozen {
		return fmt.Errorf("%w: %s", ErrAccountFrozen, to)
	}
	recipient.Address = to

	pool, _, err := s.store.GetValueAccount(ctx, domain.PoolAddress)
	if err != nil {
		return fmt.Errorf("get pool: %w", err)
	}
	if pool.Balance < amount {
		return fmt.Errorf("%w: pool holds %d, need %d", ErrInsufficientFunds, pool.Balance, amount)
	}
	pool.Address = domain.PoolAddress

	pool.Balance -= amount
	recipient.Balance += amount
	if err := s.store.PutValueAccount(ctx, pool); err != nil {
		return fmt.Errorf("put pool: %w", err)
	}
	if err := s.store.PutValueAccount(ctx, recipient); err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return s.record(ctx, domain.PoolAddress, to, amount, domain.KindPayout)
}

// Credit mints value onto an account. Used to fund participant accounts
// in development and tests.
func (s *Service) Credit(ctx context.Context, to string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, _, err := s.store.GetValueAccount(ctx, to)
	if err != nil {
		return fmt.Errorf("get account %s: %w", to, err)
	}
	acct.Address = to
	acct.Balance += amount
	if err := s.store.PutValueAccount(ctx, acct); err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return s.record(ctx, "", to, amount, domain.KindCredit)
}

// SetFrozen freezes or unfreezes an account.
func (s *Service) SetFrozen(ctx context.Context, address string, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, _, err := s.store.GetValueAccount(ctx, address)
	if err != nil {
		return fmt.Errorf("get account %s: %w", address, err)
	}
	acct.Address = address
	acct.Frozen = frozen
	if err := s.store.PutValueAccount(ctx, acct); err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	s.log.WithField("address", address).WithField("frozen", frozen).Info("account freeze changed")
	return nil
}

// Balance returns the account balance, zero for unknown accounts.
func (s *Service) Balance(ctx context.Context, address string) (int64, error) {
	acct, _, err := s.store.GetValueAccount(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("get account %s: %w", address, err)
	}
	return acct.Balance, nil
}

// PoolBalance returns the pool balance.
func (s *Service) PoolBalance(ctx context.Context) (int64, error) {
	return s.Balance(ctx, domain.PoolAddress)
}

// Transfers lists recent transfers touching the address, newest first.
// An empty address lists all transfers.
func (s *Service) Transfers(ctx context.Context, address string, limit int) ([]domain.Transfer, error) {
	return s.store.ListTransfers(ctx, address, limit)
}

func (s *Service) record(ctx context.Context, from, to string, amount int64, kind string) error {
	tr := domain.Transfer{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		Kind:      kind,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendTransfer(ctx, tr); err != nil {
		return fmt.Errorf("append transfer: %w", err)
	}
	s.log.WithField("from", from).
		WithField("to", to).
		WithField("amount", amount).
		WithField("kind", kind).
		Debug("transfer recorded")
	return nil
}
