// Package randomness issues 256-bit random words asynchronously. A
// request is accepted immediately and fulfilled by a background loop; the
// word is delivered to the consumer exactly once.
package randomness

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/openraffle/lottery-ledger/internal/app/domain/randomness"
	"github.com/openraffle/lottery-ledger/internal/app/metrics"
	"github.com/openraffle/lottery-ledger/internal/app/storage"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

// WordConsumer receives fulfilled random words. Delivery happens after
// the request is marked fulfilled, so a consumer error never causes a
// second delivery.
type WordConsumer interface {
	HandleRandomWord(ctx context.Context, requestID string, word *big.Int) error
}

// Service is the randomness beacon.
type Service struct {
	store    storage.RandomnessStore
	consumer WordConsumer
	log      *logger.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the beacon. The fulfilment loop runs every interval.
func New(store storage.RandomnessStore, interval time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("randomness")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{
		store:    store,
		log:      log,
		interval: interval,
	}
}

// WithConsumer sets the consumer fulfilled words are delivered to.
func (s *Service) WithConsumer(c WordConsumer) { s.consumer = c }

// RequestRandomWord records a pending request and returns its id.
func (s *Service) RequestRandomWord(ctx context.Context) (string, error) {
	req := domain.Request{
		ID:        uuid.NewString(),
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRandomRequest(ctx, req); err != nil {
		return "", fmt.Errorf("create random request: %w", err)
	}
	metrics.RecordRandomRequest(string(domain.StatusPending))
	s.log.WithField("request_id", req.ID).Debug("random word requested")
	return req.ID, nil
}

// Name implements system.Service.
func (s *Service) Name() string { return "randomness-beacon" }

// Start launches the fulfilment loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
	s.log.WithField("interval", s.interval).Info("beacon started")
	return nil
}

// Stop terminates the fulfilment loop and waits for it to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FulfillPending(ctx)
		}
	}
}

// FulfillPending generates words for all pending requests and delivers
// them. Exposed so tests and the development tooling can drive the
// beacon synchronously.
func (s *Service) FulfillPending(ctx context.Context) {
	pending, err := s.store.ListPendingRandomRequests(ctx)
	if err != nil {
		s.log.WithError(err).Error("list pending requests")
		return
	}
	for _, req := range pending {
		s.fulfill(ctx, req)
	}
}

func (s *Service) fulfill(ctx context.Context, req domain.Request) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		req.Status = domain.StatusFailed
		req.Error = err.Error()
		if err := s.store.UpdateRandomRequest(ctx, req); err != nil {
			s.log.WithError(err).WithField("request_id", req.ID).Error("mark request failed")
		}
		metrics.RecordRandomRequest(string(domain.StatusFailed))
		return
	}

	req.Status = domain.StatusFulfilled
	req.Word = hex.EncodeToString(buf)
	req.FulfilledAt = time.Now().UTC()

	// Persist before delivering so a consumer failure cannot trigger a
	// second delivery with a different word.
	if err := s.store.UpdateRandomRequest(ctx, req); err != nil {
		s.log.WithError(err).WithField("request_id", req.ID).Error("mark request fulfilled")
		return
	}
	metrics.RecordRandomRequest(string(domain.StatusFulfilled))

	if s.consumer == nil {
		s.log.WithField("request_id", req.ID).Warn("no consumer configured, word dropped")
		return
	}
	word := new(big.Int).SetBytes(buf)
	if err := s.consumer.HandleRandomWord(ctx, req.ID, word); err != nil {
		s.log.WithError(err).WithField("request_id", req.ID).Warn("consumer rejected random word")
	}
}

// Stats reports the current pending backlog.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	pending, err := s.store.ListPendingRandomRequests(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.Stats{
		Pending:     int64(len(pending)),
		GeneratedAt: time.Now().UTC(),
	}, nil
}
