// Package treasury models the value accounts the ledger moves funds
// between: participant wallets, the prize pool and payout recipients.
package treasury

import "time"

// PoolAddress is the account holding funds committed to the ledger:
// ticket proceeds of the running round, unclaimed refunds and organizer
// proceeds not yet withdrawn.
const PoolAddress = "ledger:pool"

// Account is a value account. A frozen account cannot send or receive.
type Account struct {
	Address   string    `json:"address"`
	Balance   int64     `json:"balance"`
	Frozen    bool      `json:"frozen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transfer is one completed value movement, kept for audit.
type Transfer struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Transfer kinds.
const (
	KindDeposit = "deposit"
	KindPayout  = "payout"
	KindCredit  = "credit"
)
