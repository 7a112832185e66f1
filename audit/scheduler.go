/*
scheduler.go - Periodic consistency sweep

PURPOSE:
  Runs the auditor out-of-band on a fixed interval and keeps the latest
  report for the admin endpoint.

DESIGN:
  - One background goroutine driven by a ticker, plus an immediate run on start
  - Optional Locker so a fleet of instances sweeps once per tick
  - Each violation is logged at error level with code CONSISTENCY_VIOLATION
  - Nothing is repaired

CONFIGURATION:
  - Interval: time between sweeps (default: 15 minutes)
  - Enabled: whether Start launches the loop (default: true)

USAGE:
  scheduler := NewScheduler(auditor, logger)
  scheduler.Locker = NewRedisLocker(client, "")
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/mealplan/credit-engine/credits"
	"go.uber.org/zap"
)

const lockKey = "audit-sweep"

// Scheduler runs the auditor periodically.
type Scheduler struct {
	Auditor  *Auditor
	Locker   Locker
	Logger   *zap.Logger
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	latestMu sync.RWMutex
	latest   *Report
}

func NewScheduler(auditor *Auditor, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Auditor:  auditor,
		Logger:   logger.With(zap.String("component", "auditor")),
		Interval: 15 * time.Minute,
		Enabled:  true,
	}
}

// Start begins the sweep loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("scheduler started", zap.Duration("interval", s.Interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("scheduler stopped")
	}
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Interval)
	defer cancel()

	if _, ran, err := s.RunNow(ctx); err != nil {
		s.Logger.Error("sweep failed", zap.Error(err))
	} else if !ran {
		s.Logger.Debug("sweep skipped, lock held elsewhere")
	}
}

// RunNow performs one sweep. ran is false when another instance holds the
// sweep lock.
func (s *Scheduler) RunNow(ctx context.Context) (report Report, ran bool, err error) {
	if s.Locker != nil {
		release, ok, err := s.Locker.Acquire(ctx, lockKey, s.Interval)
		if err != nil {
			return Report{}, false, err
		}
		if !ok {
			return Report{}, false, nil
		}
		defer func() {
			if rerr := release(context.Background()); rerr != nil {
				s.Logger.Warn("sweep lock release failed", zap.Error(rerr))
			}
		}()
	}

	start := time.Now()
	report, err = s.Auditor.Audit(ctx)
	if err != nil {
		return Report{}, true, err
	}

	s.latestMu.Lock()
	s.latest = &report
	s.latestMu.Unlock()

	s.logReport(report, time.Since(start))
	return report, true, nil
}

// Latest returns the last completed report, or nil before the first sweep.
func (s *Scheduler) Latest() *Report {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	if s.latest == nil {
		return nil
	}
	r := *s.latest
	return &r
}

// NextRunTime estimates when the next sweep starts.
func (s *Scheduler) NextRunTime() time.Time {
	latest := s.Latest()
	if latest == nil {
		return time.Now()
	}
	return latest.CheckedAt.Add(s.Interval)
}

func (s *Scheduler) logReport(r Report, took time.Duration) {
	violation := zap.String("code", string(credits.CodeConsistencyViolation))
	for _, n := range r.NegativeBalances {
		s.Logger.Error("negative balance", violation,
			zap.String("user_id", string(n.UserID)),
			zap.String("bucket", string(n.Bucket)),
			zap.String("amount", n.Amount.String()))
	}
	for _, d := range r.DuplicateKeys {
		s.Logger.Error("duplicate idempotency key", violation,
			zap.String("table", d.Table),
			zap.String("key", d.Key),
			zap.Int("count", d.Count))
	}
	for _, m := range r.Mismatches {
		s.Logger.Error("wallet ledger mismatch", violation,
			zap.String("user_id", string(m.UserID)),
			zap.String("bucket", string(m.Bucket)),
			zap.String("wallet", m.Wallet.String()),
			zap.String("ledger_sum", m.LedgerSum.String()))
	}
	s.Logger.Info("sweep completed",
		zap.Bool("consistent", r.IsConsistent),
		zap.Int("wallets", r.WalletsChecked),
		zap.Int("findings", r.Findings()),
		zap.Duration("took", took))
}
