// Package randomness models asynchronous random word requests.
package randomness

import "time"

// Status is the lifecycle state of a randomness request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusFailed    Status = "failed"
)

// Request is one randomness request. Word is the hex encoding of the
// 256-bit random word, set when the request is fulfilled. Each accepted
// request is delivered to the consumer exactly once.
type Request struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Word        string    `json:"word,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FulfilledAt time.Time `json:"fulfilled_at,omitempty"`
}

// Stats summarizes request counts.
type Stats struct {
	Total       int64     `json:"total"`
	Pending     int64     `json:"pending"`
	Fulfilled   int64     `json:"fulfilled"`
	Failed      int64     `json:"failed"`
	GeneratedAt time.Time `json:"generated_at"`
}
