// Package credential models the non-transferable membership credential
// minted to lottery winners.
package credential

import "time"

// Credential records one issued winner credential. At most one credential
// exists per address.
type Credential struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Round    uint64    `json:"round,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}
