// Package credentials issues the non-transferable winner credential.
// Each address can hold at most one; the ledger rejects entries from
// holders.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/openraffle/lottery-ledger/internal/app/domain/credential"
	"github.com/openraffle/lottery-ledger/internal/app/storage"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

// ErrAlreadyHolder is returned when minting for an address that already
// holds a credential.
var ErrAlreadyHolder = errors.New("address already holds a credential")

// Service is the credential registry.
type Service struct {
	store storage.CredentialStore
	log   *logger.Logger
	now   func() time.Time
}

// New constructs the credential service.
func New(store storage.CredentialStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("credentials")
	}
	return &Service{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Has reports whether the address holds a credential.
func (s *Service) Has(ctx context.Context, address string) (bool, error) {
	return s.store.HasCredential(ctx, address)
}

// Mint issues a credential to the address for winning the given round.
func (s *Service) Mint(ctx context.Context, address string, round uint64) error {
	holds, err := s.store.HasCredential(ctx, address)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}
	if holds {
		return fmt.Errorf("%w: %s", ErrAlreadyHolder, address)
	}

	cred := domain.Credential{
		ID:       uuid.NewString(),
		Address:  address,
		Round:    round,
		IssuedAt: s.now(),
	}
	if err := s.store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}

	s.log.WithField("address", address).
		WithField("round", round).
		Info("credential issued")
	return nil
}

// List returns all issued credentials in issuance order.
func (s *Service) List(ctx context.Context) ([]domain.Credential, error) {
	return s.store.ListCredentials(ctx)
}
