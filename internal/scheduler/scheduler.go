package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"alpaca-trading-bot/internal/events"
	"alpaca-trading-bot/internal/logging"
)

// ErrInvalidInterval is returned for non-positive interval updates
var ErrInvalidInterval = errors.New("interval must be at least one minute")

// CycleRunner executes the per-user trading work. The bot engine
// implements it.
type CycleRunner interface {
	EligibleUsers(ctx context.Context) ([]string, error)
	RunUserCycle(ctx context.Context, userID string) error
}

// Scheduler drives the trading cycle on a fixed interval. One cycle walks
// all eligible users strictly sequentially with pacing delays between them.
// A tick that arrives while a cycle is still in flight is dropped, not
// queued.
type Scheduler struct {
	runner CycleRunner
	bus    *events.Bus
	log    *logging.Logger

	mu       sync.Mutex
	running  bool
	interval time.Duration
	pacing   time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup

	inFlight    atomic.Bool
	lastCycleAt atomic.Int64 // unix seconds; zero until the first cycle
	lastUsers   atomic.Int32
}

// New creates a stopped scheduler
func New(runner CycleRunner, bus *events.Bus, interval, userPacing time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		runner:   runner,
		bus:      bus,
		log:      logging.WithComponent("scheduler"),
		interval: interval,
		pacing:   userPacing,
	}
}

// Start begins the cycle loop. Idempotent; the first cycle runs
// immediately rather than waiting a full interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stopChan := s.stopChan
	interval := s.interval
	s.mu.Unlock()

	s.log.Info("scheduler started", "interval", interval.String())

	s.wg.Add(1)
	go s.run(stopChan, interval)
}

func (s *Scheduler) run(stopChan chan struct{}, interval time.Duration) {
	defer s.wg.Done()

	s.runCycle(stopChan)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			s.runCycle(stopChan)
		}
	}
}

// Stop cancels the next scheduled cycle and waits for the loop goroutine.
// An in-flight cycle finishes its current user work; broker calls already
// issued are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// SetInterval updates the cycle cadence. A running scheduler is restarted
// so the new interval takes effect immediately.
func (s *Scheduler) SetInterval(interval time.Duration) error {
	if interval < time.Minute {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	s.interval = interval
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning {
		s.Stop()
		s.Start()
	}
	s.log.Info("cycle interval updated", "interval", interval.String())
	return nil
}

// ExecuteNow triggers a cycle outside the timer cadence. The overlap guard
// still applies: if a cycle is already in flight this one is dropped. The
// Add happens under the mutex so it cannot race a concurrent Stop's Wait,
// and the forced cycle gets no stop channel: Stop only cancels scheduled
// ticks, never an explicitly requested pass.
func (s *Scheduler) ExecuteNow() {
	s.mu.Lock()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runCycle(nil)
	}()
}

// GetStatus reports scheduler observability fields
func (s *Scheduler) GetStatus() map[string]any {
	s.mu.Lock()
	running := s.running
	interval := s.interval
	s.mu.Unlock()

	status := map[string]any{
		"is_running":       running,
		"interval_minutes": int(interval.Minutes()),
		"cycle_in_flight":  s.inFlight.Load(),
	}
	if last := s.lastCycleAt.Load(); last > 0 {
		status["last_cycle_at"] = time.Unix(last, 0).UTC().Format(time.RFC3339)
		status["last_cycle_users"] = int(s.lastUsers.Load())
	}
	return status
}

// runCycle executes one full pass over all eligible users. At most one
// cycle runs at a time; overlapping ticks are skipped so a slow cycle can
// never stack submissions behind itself.
func (s *Scheduler) runCycle(stopChan chan struct{}) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Warn("cycle_skipped_overlap", "reason", "previous cycle still running")
		if s.bus != nil {
			s.bus.Publish(events.EventCycleSkipped, "", map[string]any{"reason": "overlap"})
		}
		return
	}
	defer s.inFlight.Store(false)

	ctx := context.Background()
	started := time.Now()

	users, err := s.runner.EligibleUsers(ctx)
	if err != nil {
		s.log.Error("failed to enumerate eligible users", "error", err)
		return
	}

	s.log.Info("trading cycle started", "users", len(users))
	if s.bus != nil {
		s.bus.Publish(events.EventCycleStarted, "", map[string]any{"users": len(users)})
	}

	processed := 0
	for i, userID := range users {
		if i > 0 && s.pacing > 0 {
			select {
			case <-stopChanOrNever(stopChan):
				s.log.Info("cycle interrupted by stop", "processed", processed)
				return
			case <-time.After(s.pacing):
			}
		}
		s.runUser(ctx, userID)
		processed++
	}

	s.lastCycleAt.Store(started.Unix())
	s.lastUsers.Store(int32(processed))

	s.log.Info("trading cycle completed",
		"users", processed,
		"duration", time.Since(started).String())
	if s.bus != nil {
		s.bus.Publish(events.EventCycleCompleted, "", map[string]any{
			"users":    processed,
			"duration": time.Since(started).String(),
		})
	}
}

// runUser isolates one user's cycle: an error or panic is logged and the
// loop moves on to the next user.
func (s *Scheduler) runUser(ctx context.Context, userID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in user cycle", "user_id", userID, "panic", fmt.Sprintf("%v", r))
		}
	}()

	if err := s.runner.RunUserCycle(ctx, userID); err != nil {
		s.log.Error("user cycle failed", "user_id", userID, "error", err)
	}
}

// stopChanOrNever lets ExecuteNow cycles run without a stop channel
func stopChanOrNever(stopChan chan struct{}) <-chan struct{} {
	if stopChan == nil {
		return make(chan struct{})
	}
	return stopChan
}
