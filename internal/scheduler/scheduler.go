// Package scheduler promotes parked jobs whose scheduled time has arrived
// onto the ready stream for their priority. Exactly one promoter is live
// per deployment, elected through a Redis lock; every other instance stays
// on standby and keeps bidding so a crashed leader is replaced within the
// lock TTL.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/distlock"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/queue"
)

// DefaultTick is the parked-set poll interval.
const DefaultTick = time.Second

const (
	// lockTTL bounds how long a dead promoter blocks re-election.
	lockTTL = 15 * time.Second
	// batchSize caps how many due jobs a single tick promotes.
	batchSize = 100
)

// Scheduler owns the promotion loop for one process.
type Scheduler struct {
	store *queue.Store
	lock  distlock.DistLock
	tick  time.Duration
	now   func() time.Time
}

// New creates a scheduler over the queue store.
func New(store *queue.Store) *Scheduler {
	return &Scheduler{
		store: store,
		lock:  distlock.New(store.Client(), "scheduler", lockTTL),
		tick:  DefaultTick,
		now:   time.Now,
	}
}

// SetTick overrides the poll interval. Set before Run.
func (s *Scheduler) SetTick(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// Run bids for leadership and promotes due jobs until ctx is cancelled.
// A standby instance wakes every tick to bid again.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	leader := false
	defer func() {
		if leader {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.lock.Release(releaseCtx); err != nil {
				logger.Warn("scheduler lock release failed", "error", err)
			}
		}
	}()

	logger.Info("scheduler started", "tick", s.tick.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !leader {
			won, err := s.lock.Acquire(ctx)
			if err != nil {
				logger.Warn("scheduler election bid failed", "error", err)
				continue
			}
			if !won {
				continue
			}
			leader = true
			logger.Info("scheduler elected as promoter")
		} else if err := s.lock.Extend(ctx, lockTTL); err != nil {
			leader = false
			if errors.Is(err, distlock.ErrNotHeld) {
				logger.Warn("scheduler lock lost, demoting to standby")
			} else {
				logger.Warn("scheduler lock extend failed, demoting to standby", "error", err)
			}
			continue
		}

		if n, err := s.PromoteDue(ctx); err != nil {
			logger.Error("promotion pass failed", "error", err)
		} else if n > 0 {
			logger.Info("promoted scheduled emails", "count", n)
		}
	}
}

// PromoteDue moves every parked job whose scheduled time has passed onto
// its ready stream and reports how many moved. Entries that no longer
// decode are dropped so they cannot wedge the set.
func (s *Scheduler) PromoteDue(ctx context.Context) (int, error) {
	payloads, err := s.store.DueParked(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, payload := range payloads {
		j, err := job.Decode([]byte(payload))
		if err != nil {
			logger.Error("dropping undecodable parked entry", "error", err)
			if err := s.store.DropParked(ctx, payload); err != nil {
				logger.Warn("drop parked entry failed", "error", err)
			}
			continue
		}

		moved, err := s.store.Promote(ctx, payload, j.Priority)
		if err != nil {
			logger.Error("promote failed", "job_id", j.ID, "error", err)
			continue
		}
		if !moved {
			// Another promoter won the race for this entry.
			continue
		}
		promoted++
		logger.Debug("scheduled email promoted", "job_id", j.ID, "priority", j.Priority)
	}
	return promoted, nil
}
