package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockKeyPrefix = "newsdesk:schedule:"

// Scheduler submits the daily run on a cron expression evaluated in the
// configured timezone. With a Redis locker, replicas firing at the same
// instant submit a single run.
type Scheduler struct {
	expr    *cronexpr.Expression
	loc     *time.Location
	lockTTL time.Duration
	locker  redis.Cmdable
	submit  *Submitter
	logger  *zap.Logger
	now     func() time.Time
}

// NewScheduler parses cfg.Cron. locker may be nil.
func NewScheduler(cfg config.SchedulerConfig, submit *Submitter, locker redis.Cmdable, logger *zap.Logger) (*Scheduler, error) {
	if submit == nil {
		return nil, errors.New("scheduler: submitter is required")
	}
	expr, err := cronexpr.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("scheduler.cron %q: %w", cfg.Cron, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Scheduler{
		expr:    expr,
		loc:     cfg.Location(),
		lockTTL: ttl,
		locker:  locker,
		submit:  submit,
		logger:  logger.Named("scheduler"),
		now:     time.Now,
	}, nil
}

// Next returns the first fire time strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.expr.Next(t.In(s.loc))
}

// Run blocks until ctx is cancelled, firing at every scheduled instant.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.Next(s.now())
		if next.IsZero() {
			return errors.New("scheduler: cron expression has no future fire time")
		}
		s.logger.Info("next scheduled run", zap.Time("at", next))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.Fire(ctx, next); err != nil {
			s.logger.Error("scheduled run failed", zap.Time("at", next), zap.Error(err))
		}
	}
}

// Fire submits the run for the instant at. It reports false when another
// replica already holds the lock for that instant.
func (s *Scheduler) Fire(ctx context.Context, at time.Time) (bool, error) {
	local := at.In(s.loc)
	if s.locker != nil {
		key := lockKeyPrefix + local.Format("2006-01-02T15:04")
		owner, _ := os.Hostname()
		ok, err := s.locker.SetNX(ctx, key, owner, s.lockTTL).Result()
		if err != nil {
			return false, fmt.Errorf("acquire schedule lock: %w", err)
		}
		if !ok {
			s.logger.Info("scheduled run already taken", zap.String("lock", key))
			return false, nil
		}
	}
	req, err := s.submit.Submit(ctx, streams.RunRequest{
		Date:    local.Format("2006-01-02"),
		Trigger: "schedule",
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("scheduled run submitted", zap.String("session_id", req.RequestID), zap.String("date", req.Date))
	return true, nil
}
