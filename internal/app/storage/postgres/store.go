// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openraffle/lottery-ledger/internal/app/domain/credential"
	"github.com/openraffle/lottery-ledger/internal/app/domain/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/domain/randomness"
	"github.com/openraffle/lottery-ledger/internal/app/domain/treasury"
	"github.com/openraffle/lottery-ledger/internal/app/storage"
)

// Store is the PostgreSQL-backed store.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.TreasuryStore = (*Store)(nil)
var _ storage.RandomnessStore = (*Store)(nil)

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// LedgerStore implementation ------------------------------------------------

func (s *Store) LoadState(ctx context.Context) (ledger.State, bool, error) {
	const query = `
		SELECT round_number, registration_ends_at, total_extension_ns,
		       was_started, waiting_for_reveal, participants_count, total_tickets,
		       ticket_price, organizer_funds, next_refund_batch_id,
		       last_winner, organizer, fallback_recipient, operators
		FROM ledger_state WHERE id = 1`

	var (
		state     ledger.State
		endsAt    sql.NullTime
		extension int64
		operators []byte
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&state.Round.Number, &endsAt, &extension,
		&state.Round.WasStarted, &state.Round.WaitingForReveal,
		&state.Round.ParticipantsCount, &state.Round.TotalTickets,
		&state.TicketPrice, &state.OrganizerFunds, &state.NextRefundBatchID,
		&state.LastWinner, &state.Organizer, &state.FallbackRecipient, &operators,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.State{}, false, nil
	}
	if err != nil {
		return ledger.State{}, false, fmt.Errorf("query state: %w", err)
	}
	if endsAt.Valid {
		state.Round.RegistrationEndsAt = endsAt.Time
	}
	state.Round.TotalExtension = time.Duration(extension)

	var ops []string
	if err := json.Unmarshal(operators, &ops); err != nil {
		return ledger.State{}, false, fmt.Errorf("decode operators: %w", err)
	}
	state.Operators = make(map[string]bool, len(ops))
	for _, op := range ops {
		state.Operators[op] = true
	}
	return state, true, nil
}

func (s *Store) SaveState(ctx context.Context, state ledger.State) error {
	ops := make([]string, 0, len(state.Operators))
	for op := range state.Operators {
		ops = append(ops, op)
	}
	operators, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode operators: %w", err)
	}

	const query = `
		INSERT INTO ledger_state (
			id, round_number, registration_ends_at, total_extension_ns,
			was_started, waiting_for_reveal, participants_count, total_tickets,
			ticket_price, organizer_funds, next_refund_batch_id,
			last_winner, organizer, fallback_recipient, operators, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		ON CONFLICT (id) DO UPDATE SET
			round_number = EXCLUDED.round_number,
			registration_ends_at = EXCLUDED.registration_ends_at,
			total_extension_ns = EXCLUDED.total_extension_ns,
			was_started = EXCLUDED.was_started,
			waiting_for_reveal = EXCLUDED.waiting_for_reveal,
			participants_count = EXCLUDED.participants_count,
			total_tickets = EXCLUDED.total_tickets,
			ticket_price = EXCLUDED.ticket_price,
			organizer_funds = EXCLUDED.organizer_funds,
			next_refund_batch_id = EXCLUDED.next_refund_batch_id,
			last_winner = EXCLUDED.last_winner,
			organizer = EXCLUDED.organizer,
			fallback_recipient = EXCLUDED.fallback_recipient,
			operators = EXCLUDED.operators,
			updated_at = now()`

	_, err = s.db.ExecContext(ctx, query,
		state.Round.Number, toNullTime(state.Round.RegistrationEndsAt),
		int64(state.Round.TotalExtension),
		state.Round.WasStarted, state.Round.WaitingForReveal,
		state.Round.ParticipantsCount, state.Round.TotalTickets,
		state.TicketPrice, state.OrganizerFunds, state.NextRefundBatchID,
		state.LastWinner, state.Organizer, state.FallbackRecipient, operators,
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, round uint64, address string) (ledger.Participant, bool, error) {
	const query = `
		SELECT round, address, tickets, idx, contact
		FROM ledger_participants WHERE round = $1 AND address = $2`
	return s.scanParticipant(s.db.QueryRowContext(ctx, query, round, address))
}

func (s *Store) ParticipantByIndex(ctx context.Context, round, index uint64) (ledger.Participant, bool, error) {
	const query = `
		SELECT round, address, tickets, idx, contact
		FROM ledger_participants WHERE round = $1 AND idx = $2`
	return s.scanParticipant(s.db.QueryRowContext(ctx, query, round, index))
}

func (s *Store) scanParticipant(row *sql.Row) (ledger.Participant, bool, error) {
	var p ledger.Participant
	err := row.Scan(&p.Round, &p.Address, &p.Tickets, &p.Index, &p.Contact)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Participant{}, false, nil
	}
	if err != nil {
		return ledger.Participant{}, false, fmt.Errorf("scan participant: %w", err)
	}
	return p, true, nil
}

func (s *Store) PutParticipant(ctx context.Context, p ledger.Participant) error {
	const query = `
		INSERT INTO ledger_participants (round, address, tickets, idx, contact)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (round, address) DO UPDATE SET
			tickets = EXCLUDED.tickets,
			idx = EXCLUDED.idx,
			contact = EXCLUDED.contact`
	if _, err := s.db.ExecContext(ctx, query, p.Round, p.Address, p.Tickets, p.Index, p.Contact); err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

func (s *Store) DeleteParticipant(ctx context.Context, round uint64, address string) error {
	const query = `DELETE FROM ledger_participants WHERE round = $1 AND address = $2`
	if _, err := s.db.ExecContext(ctx, query, round, address); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

func (s *Store) GetRefundBatch(ctx context.Context, id uint64) (ledger.RefundBatch, bool, error) {
	const query = `
		SELECT id, round, assigned_at, total_unclaimed
		FROM ledger_refund_batches WHERE id = $1`

	var b ledger.RefundBatch
	err := s.db.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.Round, &b.AssignedAt, &b.TotalUnclaimed)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.RefundBatch{}, false, nil
	}
	if err != nil {
		return ledger.RefundBatch{}, false, fmt.Errorf("scan refund batch: %w", err)
	}
	return b, true, nil
}

func (s *Store) PutRefundBatch(ctx context.Context, batch ledger.RefundBatch) error {
	const query = `
		INSERT INTO ledger_refund_batches (id, round, assigned_at, total_unclaimed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET total_unclaimed = EXCLUDED.total_unclaimed`
	if _, err := s.db.ExecContext(ctx, query, batch.ID, batch.Round, batch.AssignedAt, batch.TotalUnclaimed); err != nil {
		return fmt.Errorf("put refund batch: %w", err)
	}
	return nil
}

func (s *Store) RefundBalance(ctx context.Context, batchID uint64, address string) (int64, error) {
	const query = `
		SELECT amount FROM ledger_refund_balances WHERE batch_id = $1 AND address = $2`

	var amount int64
	err := s.db.QueryRowContext(ctx, query, batchID, address).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan refund balance: %w", err)
	}
	return amount, nil
}

func (s *Store) SetRefundBalance(ctx context.Context, batchID uint64, address string, amount int64) error {
	if amount == 0 {
		const del = `DELETE FROM ledger_refund_balances WHERE batch_id = $1 AND address = $2`
		if _, err := s.db.ExecContext(ctx, del, batchID, address); err != nil {
			return fmt.Errorf("delete refund balance: %w", err)
		}
		return nil
	}
	const query = `
		INSERT INTO ledger_refund_balances (batch_id, address, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id, address) DO UPDATE SET amount = EXCLUDED.amount`
	if _, err := s.db.ExecContext(ctx, query, batchID, address, amount); err != nil {
		return fmt.Errorf("set refund balance: %w", err)
	}
	return nil
}

func (s *Store) PendingBatches(ctx context.Context, address string) ([]uint64, error) {
	const query = `SELECT batch_ids FROM ledger_pending_batches WHERE address = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, address).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending batches: %w", err)
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode pending batches: %w", err)
	}
	return ids, nil
}

func (s *Store) SetPendingBatches(ctx context.Context, address string, ids []uint64) error {
	if len(ids) == 0 {
		const del = `DELETE FROM ledger_pending_batches WHERE address = $1`
		if _, err := s.db.ExecContext(ctx, del, address); err != nil {
			return fmt.Errorf("delete pending batches: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode pending batches: %w", err)
	}
	const query = `
		INSERT INTO ledger_pending_batches (address, batch_ids)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET batch_ids = EXCLUDED.batch_ids`
	if _, err := s.db.ExecContext(ctx, query, address, raw); err != nil {
		return fmt.Errorf("set pending batches: %w", err)
	}
	return nil
}

// CredentialStore implementation --------------------------------------------

func (s *Store) HasCredential(ctx context.Context, address string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM credentials WHERE address = $1)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, address).Scan(&exists); err != nil {
		return false, fmt.Errorf("scan credential: %w", err)
	}
	return exists, nil
}

func (s *Store) PutCredential(ctx context.Context, cred credential.Credential) error {
	const query = `
		INSERT INTO credentials (id, address, round, issued_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, cred.ID, cred.Address, cred.Round, cred.IssuedAt); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]credential.Credential, error) {
	const query = `SELECT id, address, round, issued_at FROM credentials ORDER BY issued_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		var cred credential.Credential
		if err := rows.Scan(&cred.ID, &cred.Address, &cred.Round, &cred.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// TreasuryStore implementation ----------------------------------------------

func (s *Store) GetValueAccount(ctx context.Context, address string) (treasury.Account, bool, error) {
	const query = `SELECT address, balance, frozen, updated_at FROM treasury_accounts WHERE address = $1`

	var acct treasury.Account
	err := s.db.QueryRowContext(ctx, query, address).Scan(&acct.Address, &acct.Balance, &acct.Frozen, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return treasury.Account{}, false, nil
	}
	if err != nil {
		return treasury.Account{}, false, fmt.Errorf("scan account: %w", err)
	}
	return acct, true, nil
}

func (s *Store) PutValueAccount(ctx context.Context, acct treasury.Account) error {
	const query = `
		INSERT INTO treasury_accounts (address, balance, frozen, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE SET
			balance = EXCLUDED.balance,
			frozen = EXCLUDED.frozen,
			updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, acct.Address, acct.Balance, acct.Frozen); err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

func (s *Store) AppendTransfer(ctx context.Context, tr treasury.Transfer) error {
	const query = `
		INSERT INTO treasury_transfers (id, from_addr, to_addr, amount, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.ExecContext(ctx, query, tr.ID, tr.From, tr.To, tr.Amount, tr.Kind, tr.CreatedAt); err != nil {
		return fmt.Errorf("append transfer: %w", err)
	}
	return nil
}

func (s *Store) ListTransfers(ctx context.Context, address string, limit int) ([]treasury.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, from_addr, to_addr, amount, kind, created_at
		FROM treasury_transfers
		WHERE $1 = '' OR from_addr = $1 OR to_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []treasury.Transfer
	for rows.Next() {
		var tr treasury.Transfer
		if err := rows.Scan(&tr.ID, &tr.From, &tr.To, &tr.Amount, &tr.Kind, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// RandomnessStore implementation --------------------------------------------

func (s *Store) CreateRandomRequest(ctx context.Context, req randomness.Request) error {
	const query = `
		INSERT INTO random_requests (id, status, word, error, created_at, fulfilled_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, string(req.Status), toNullString(req.Word), toNullString(req.Error),
		req.CreatedAt, toNullTime(req.FulfilledAt))
	if err != nil {
		return fmt.Errorf("create random request: %w", err)
	}
	return nil
}

func (s *Store) UpdateRandomRequest(ctx context.Context, req randomness.Request) error {
	const query = `
		UPDATE random_requests
		SET status = $2, word = $3, error = $4, fulfilled_at = $5
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		req.ID, string(req.Status), toNullString(req.Word), toNullString(req.Error),
		toNullTime(req.FulfilledAt))
	if err != nil {
		return fmt.Errorf("update random request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("random request not found: %s", req.ID)
	}
	return nil
}

func (s *Store) GetRandomRequest(ctx context.Context, id string) (randomness.Request, bool, error) {
	const query = `
		SELECT id, status, word, error, created_at, fulfilled_at
		FROM random_requests WHERE id = $1`
	req, err := scanRandomRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return randomness.Request{}, false, nil
	}
	if err != nil {
		return randomness.Request{}, false, err
	}
	return req, true, nil
}

func (s *Store) ListPendingRandomRequests(ctx context.Context) ([]randomness.Request, error) {
	const query = `
		SELECT id, status, word, error, created_at, fulfilled_at
		FROM random_requests WHERE status = 'pending' ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var out []randomness.Request
	for rows.Next() {
		req, err := scanRandomRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRandomRequest(row rowScanner) (randomness.Request, error) {
	var (
		req         randomness.Request
		status      string
		word        sql.NullString
		errMsg      sql.NullString
		fulfilledAt sql.NullTime
	)
	if err := row.Scan(&req.ID, &status, &word, &errMsg, &req.CreatedAt, &fulfilledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return randomness.Request{}, err
		}
		return randomness.Request{}, fmt.Errorf("scan random request: %w", err)
	}
	req.Status = randomness.Status(status)
	req.Word = word.String
	req.Error = errMsg.String
	if fulfilledAt.Valid {
		req.FulfilledAt = fulfilledAt.Time
	}
	return req, nil
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
