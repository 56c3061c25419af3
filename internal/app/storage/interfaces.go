package storage

import (
	"context"

	"github.com/openraffle/lottery-ledger/internal/app/domain/credential"
	"github.com/openraffle/lottery-ledger/internal/app/domain/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/domain/randomness"
	"github.com/openraffle/lottery-ledger/internal/app/domain/treasury"
)

// LedgerStore persists the ledger state, the per-round participant
// registry and the refund ledger. Lookups report absence through the
// boolean instead of an error so callers can distinguish "not there"
// from infrastructure failures.
type LedgerStore interface {
	// LoadState returns the singleton ledger state. ok is false when no
	// state was ever saved.
	LoadState(ctx context.Context) (state ledger.State, ok bool, err error)
	SaveState(ctx context.Context, state ledger.State) error

	// Participant records are keyed both by (round, address) and by
	// (round, index); implementations must keep the two keyings in sync.
	GetParticipant(ctx context.Context, round uint64, address string) (ledger.Participant, bool, error)
	ParticipantByIndex(ctx context.Context, round, index uint64) (ledger.Participant, bool, error)
	PutParticipant(ctx context.Context, p ledger.Participant) error
	DeleteParticipant(ctx context.Context, round uint64, address string) error

	GetRefundBatch(ctx context.Context, id uint64) (ledger.RefundBatch, bool, error)
	PutRefundBatch(ctx context.Context, batch ledger.RefundBatch) error
	RefundBalance(ctx context.Context, batchID uint64, address string) (int64, error)
	SetRefundBalance(ctx context.Context, batchID uint64, address string, amount int64) error

	// PendingBatches is the per-address list of batch ids the address may
	// still have claims in, in creation order.
	PendingBatches(ctx context.Context, address string) ([]uint64, error)
	SetPendingBatches(ctx context.Context, address string, ids []uint64) error
}

// CredentialStore persists issued winner credentials.
type CredentialStore interface {
	HasCredential(ctx context.Context, address string) (bool, error)
	PutCredential(ctx context.Context, cred credential.Credential) error
	ListCredentials(ctx context.Context) ([]credential.Credential, error)
}

// TreasuryStore persists value accounts and the transfer audit log.
type TreasuryStore interface {
	GetValueAccount(ctx context.Context, address string) (treasury.Account, bool, error)
	PutValueAccount(ctx context.Context, acct treasury.Account) error
	AppendTransfer(ctx context.Context, tr treasury.Transfer) error
	ListTransfers(ctx context.Context, address string, limit int) ([]treasury.Transfer, error)
}

// RandomnessStore persists randomness requests.
type RandomnessStore interface {
	CreateRandomRequest(ctx context.Context, req randomness.Request) error
	UpdateRandomRequest(ctx context.Context, req randomness.Request) error
	GetRandomRequest(ctx context.Context, id string) (randomness.Request, bool, error)
	ListPendingRandomRequests(ctx context.Context) ([]randomness.Request, error)
}
