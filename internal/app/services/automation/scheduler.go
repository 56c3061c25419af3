// Package automation advances the ledger without manual operator action:
// it requests the winner once registration ends, converts invalid rounds
// into refund batches and garbage-collects participant data from old
// rounds.
package automation

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"

	domain "github.com/openraffle/lottery-ledger/internal/app/domain/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/services/ledger"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

// Scheduler runs the periodic ledger jobs under an operator identity.
type Scheduler struct {
	ledger   *ledger.Service
	operator string
	advance  string
	gc       string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	gcRound uint64
	gcIndex uint64
}

// New constructs the scheduler. advanceSpec and gcSpec are cron
// expressions for the round-advance and garbage-collection jobs.
func New(svc *ledger.Service, operator, advanceSpec, gcSpec string, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("automation")
	}
	if advanceSpec == "" {
		advanceSpec = "@every 15s"
	}
	if gcSpec == "" {
		gcSpec = "@every 10m"
	}
	return &Scheduler{
		ledger:   svc,
		operator: operator,
		advance:  advanceSpec,
		gc:       gcSpec,
		log:      log,
		gcRound:  1,
	}
}

// Name implements system.Service.
func (s *Scheduler) Name() string { return "automation-scheduler" }

// Start schedules the jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.advance, s.advanceRound); err != nil {
		return err
	}
	if _, err := c.AddFunc(s.gc, s.collectGarbage); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.WithField("advance", s.advance).WithField("gc", s.gc).Info("scheduler started")
	return nil
}

// Stop halts the jobs and waits for running ones to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advanceRound requests the winner for a finished round and converts an
// invalid round into a refund batch.
func (s *Scheduler) advanceRound() {
	ctx := context.Background()
	phase, err := s.ledger.Status(ctx)
	if err != nil {
		s.log.WithError(err).Error("status check")
		return
	}
	switch phase {
	case domain.PhaseRegistrationEnded:
		if err := s.ledger.RequestWinner(ctx, s.operator); err != nil {
			s.log.WithError(err).Error("request winner")
		}
	case domain.PhaseInvalid:
		if _, err := s.ledger.CloseInvalidRound(ctx, s.operator); err != nil {
			s.log.WithError(err).Error("close invalid round")
		}
	}
}

// collectGarbage clears one chunk of participant data per run, walking
// rounds oldest first. Cleared slots become gaps, so the index cursor
// advances past them within a round. The cursor is in-memory only; after
// a restart the walk re-visits cleared rounds, which just reports
// nothing to clear and moves on.
func (s *Scheduler) collectGarbage() {
	s.mu.Lock()
	round, index := s.gcRound, s.gcIndex
	s.mu.Unlock()

	ctx := context.Background()
	cleared, err := s.ledger.ClearRoundData(ctx, s.operator, round, index)
	switch {
	case err == nil:
		if cleared < s.ledger.Params().ClearBatchSize {
			s.nextGCRound(round)
		} else {
			s.mu.Lock()
			if s.gcRound == round {
				s.gcIndex = index + cleared
			}
			s.mu.Unlock()
		}
	case errors.Is(err, ledger.ErrNothingToClear):
		s.nextGCRound(round)
	case errors.Is(err, ledger.ErrRoundStillFresh):
		// Caught up; try again once more rounds have passed.
	default:
		s.log.WithError(err).WithField("round", round).Error("clear round data")
	}
}

func (s *Scheduler) nextGCRound(done uint64) {
	s.mu.Lock()
	if s.gcRound == done {
		s.gcRound = done + 1
		s.gcIndex = 0
	}
	s.mu.Unlock()
}
