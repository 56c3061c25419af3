// Package memory provides the in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openraffle/lottery-ledger/internal/app/domain/credential"
	"github.com/openraffle/lottery-ledger/internal/app/domain/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/domain/randomness"
	"github.com/openraffle/lottery-ledger/internal/app/domain/treasury"
	"github.com/openraffle/lottery-ledger/internal/app/storage"
)

type participantKey struct {
	round   uint64
	address string
}

type slotKey struct {
	round uint64
	index uint64
}

type balanceKey struct {
	batch   uint64
	address string
}

// Store is the in-memory store.
type Store struct {
	mu sync.RWMutex

	state    *ledger.State
	byAddr   map[participantKey]ledger.Participant
	byIndex  map[slotKey]string
	batches  map[uint64]ledger.RefundBatch
	balances map[balanceKey]int64
	pending  map[string][]uint64

	credentials map[string]credential.Credential
	accounts    map[string]treasury.Account
	transfers   []treasury.Transfer
	requests    map[string]randomness.Request
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.TreasuryStore = (*Store)(nil)
var _ storage.RandomnessStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		byAddr:      make(map[participantKey]ledger.Participant),
		byIndex:     make(map[slotKey]string),
		batches:     make(map[uint64]ledger.RefundBatch),
		balances:    make(map[balanceKey]int64),
		pending:     make(map[string][]uint64),
		credentials: make(map[string]credential.Credential),
		accounts:    make(map[string]treasury.Account),
		requests:    make(map[string]randomness.Request),
	}
}

// LedgerStore implementation ------------------------------------------------

func (s *Store) LoadState(_ context.Context) (ledger.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return ledger.State{}, false, nil
	}
	return cloneState(*s.state), true, nil
}

func (s *Store) SaveState(_ context.Context, state ledger.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneState(state)
	s.state = &clone
	return nil
}

func (s *Store) GetParticipant(_ context.Context, round uint64, address string) (ledger.Participant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byAddr[participantKey{round, address}]
	return p, ok, nil
}

func (s *Store) ParticipantByIndex(_ context.Context, round, index uint64) (ledger.Participant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.byIndex[slotKey{round, index}]
	if !ok {
		return ledger.Participant{}, false, nil
	}
	p, ok := s.byAddr[participantKey{round, addr}]
	return p, ok, nil
}

func (s *Store) PutParticipant(_ context.Context, p ledger.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := participantKey{p.Round, p.Address}
	if prev, ok := s.byAddr[key]; ok && prev.Index != p.Index {
		// Stale slot from before a swap removal.
		if s.byIndex[slotKey{p.Round, prev.Index}] == p.Address {
			delete(s.byIndex, slotKey{p.Round, prev.Index})
		}
	}
	s.byAddr[key] = p
	s.byIndex[slotKey{p.Round, p.Index}] = p.Address
	return nil
}

func (s *Store) DeleteParticipant(_ context.Context, round uint64, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := participantKey{round, address}
	p, ok := s.byAddr[key]
	if !ok {
		return nil
	}
	delete(s.byAddr, key)
	if s.byIndex[slotKey{round, p.Index}] == address {
		delete(s.byIndex, slotKey{round, p.Index})
	}
	return nil
}

func (s *Store) GetRefundBatch(_ context.Context, id uint64) (ledger.RefundBatch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	return b, ok, nil
}

func (s *Store) PutRefundBatch(_ context.Context, batch ledger.RefundBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[batch.ID] = batch
	return nil
}

func (s *Store) RefundBalance(_ context.Context, batchID uint64, address string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[balanceKey{batchID, address}], nil
}

func (s *Store) SetRefundBalance(_ context.Context, batchID uint64, address string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{batchID, address}
	if amount == 0 {
		delete(s.balances, key)
		return nil
	}
	s.balances[key] = amount
	return nil
}

func (s *Store) PendingBatches(_ context.Context, address string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.pending[address]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *Store) SetPendingBatches(_ context.Context, address string, ids []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		delete(s.pending, address)
		return nil
	}
	clone := make([]uint64, len(ids))
	copy(clone, ids)
	s.pending[address] = clone
	return nil
}

// CredentialStore implementation --------------------------------------------

func (s *Store) HasCredential(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.credentials[address]
	return ok, nil
}

func (s *Store) PutCredential(_ context.Context, cred credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[cred.Address]; ok {
		return fmt.Errorf("credential already issued to %s", cred.Address)
	}
	s.credentials[cred.Address] = cred
	return nil
}

func (s *Store) ListCredentials(_ context.Context) ([]credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]credential.Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		out = append(out, cred)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// TreasuryStore implementation ----------------------------------------------

func (s *Store) GetValueAccount(_ context.Context, address string) (treasury.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[address]
	return acct, ok, nil
}

func (s *Store) PutValueAccount(_ context.Context, acct treasury.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.Address] = acct
	return nil
}

func (s *Store) AppendTransfer(_ context.Context, tr treasury.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transfers = append(s.transfers, tr)
	return nil
}

func (s *Store) ListTransfers(_ context.Context, address string, limit int) ([]treasury.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []treasury.Transfer
	for i := len(s.transfers) - 1; i >= 0; i-- {
		tr := s.transfers[i]
		if address != "" && tr.From != address && tr.To != address {
			continue
		}
		out = append(out, tr)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RandomnessStore implementation --------------------------------------------

func (s *Store) CreateRandomRequest(_ context.Context, req randomness.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("random request exists: %s", req.ID)
	}
	s.requests[req.ID] = req
	return nil
}

func (s *Store) UpdateRandomRequest(_ context.Context, req randomness.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		return fmt.Errorf("random request not found: %s", req.ID)
	}
	s.requests[req.ID] = req
	return nil
}

func (s *Store) GetRandomRequest(_ context.Context, id string) (randomness.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	return req, ok, nil
}

func (s *Store) ListPendingRandomRequests(_ context.Context) ([]randomness.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []randomness.Request
	for _, req := range s.requests {
		if req.Status == randomness.StatusPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneState(state ledger.State) ledger.State {
	ops := make(map[string]bool, len(state.Operators))
	for addr, ok := range state.Operators {
		ops[addr] = ok
	}
	state.Operators = ops
	return state
}
