// Package scheduler fires sync runs from cron expressions and manual triggers,
// allowing at most one run at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/beekhof/calsync/internal/config"
	calsync "github.com/beekhof/calsync/internal/sync"
)

var (
	// ErrRunInProgress rejects a trigger that arrives while a run is executing.
	ErrRunInProgress = errors.New("a sync run is already in progress")
	// ErrEngineDisabled rejects triggers when the engine could not be configured.
	ErrEngineDisabled = errors.New("sync engine is disabled")
	// ErrStopped rejects triggers that arrive after Stop.
	ErrStopped = errors.New("scheduler is stopped")
)

// Runner executes one sync run.
type Runner interface {
	Run(ctx context.Context, trigger calsync.Trigger) (*calsync.RunSummary, error)
}

// RunLock serializes runs across every process sharing the database. The
// store's run lock implements it.
type RunLock interface {
	TryAcquire(ctx context.Context, holder string, lease time.Duration) (bool, error)
	Release(ctx context.Context, holder string) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunLock makes each run hold lock for at most lease. While another
// process holds it, triggers are rejected with ErrRunInProgress.
func WithRunLock(lock RunLock, lease time.Duration) Option {
	return func(s *Scheduler) {
		s.lock = lock
		s.lease = lease
	}
}

// Entry describes a registered cron trigger.
type Entry struct {
	Label      string    `json:"label"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
}

// Scheduler owns the cron triggers and the single-flight guard. A nil runner
// means the engine is disabled: Start registers nothing and every trigger is
// rejected.
type Scheduler struct {
	runner    Runner
	schedules []config.Schedule
	cron      *cron.Cron
	logger    zerolog.Logger
	lock      RunLock
	lease     time.Duration
	holder    string

	mu       sync.Mutex
	running  bool
	idle     chan struct{} // closed when the current run ends
	started  bool
	stopped  bool
	entries  map[cron.EntryID]config.Schedule
	lastDone time.Time
}

// New creates a scheduler. Expressions are evaluated in loc.
func New(runner Runner, schedules []config.Schedule, loc *time.Location, logger zerolog.Logger, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		runner:    runner,
		schedules: schedules,
		cron:      cron.New(cron.WithLocation(loc)),
		logger:    logger,
		holder:    uuid.NewString(),
		entries:   make(map[cron.EntryID]config.Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether runs can execute.
func (s *Scheduler) Enabled() bool {
	return s.runner != nil
}

// Start registers every schedule and starts the cron loop. A schedule that
// does not parse aborts the start and nothing is registered.
func (s *Scheduler) Start() error {
	if !s.Enabled() {
		s.logger.Warn().Msg("sync engine disabled, no triggers registered")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	for _, schedule := range s.schedules {
		trigger := calsync.Trigger{Source: calsync.CronSource(schedule.Label), Label: schedule.Label}
		id, err := s.cron.AddFunc(schedule.Expression, func() {
			// Errors are logged by the engine and the guard.
			_, _ = s.RunOnce(context.Background(), trigger)
		})
		if err != nil {
			for id := range s.entries {
				s.cron.Remove(id)
				delete(s.entries, id)
			}
			return fmt.Errorf("invalid schedule %q (%s): %w", schedule.Label, schedule.Expression, err)
		}
		s.entries[id] = schedule
		s.logger.Info().Str("label", schedule.Label).Str("expression", schedule.Expression).Msg("registered sync trigger")
	}

	s.cron.Start()
	s.started = true
	s.stopped = false
	return nil
}

// Stop removes the triggers, rejects further triggers with ErrStopped and
// waits for an in-flight run, cron-fired or manual, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.stopped = true
	for id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if started {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	running, idle := s.running, s.idle
	s.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists the registered triggers with their next fire time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.cron.Entries() {
		schedule, ok := s.entries[e.ID]
		if !ok {
			continue
		}
		out = append(out, Entry{Label: schedule.Label, Expression: schedule.Expression, Next: e.Next})
	}
	return out
}

// Running reports whether a run is executing.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastFinished is when the most recent run ended, or zero.
func (s *Scheduler) LastFinished() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDone
}

// RunOnce is the single entry point for cron and manual triggers. A trigger
// that arrives while another run executes, in this process or in another one
// holding the run lock, is rejected with ErrRunInProgress. A panic inside the
// run is recovered and returned as an error.
func (s *Scheduler) RunOnce(ctx context.Context, trigger calsync.Trigger) (summary *calsync.RunSummary, err error) {
	logger := s.logger.With().Str("trigger", trigger.Source).Str("label", trigger.Label).Logger()

	if !s.Enabled() {
		logger.Warn().Msg("sync.rejected")
		return nil, ErrEngineDisabled
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		logger.Warn().Str("reason", "stopped").Msg("sync.rejected")
		return nil, ErrStopped
	}
	if s.running {
		s.mu.Unlock()
		logger.Warn().Str("reason", "in_progress").Msg("sync.rejected")
		return nil, ErrRunInProgress
	}
	s.running = true
	s.idle = make(chan struct{})
	s.mu.Unlock()

	ran := false
	defer func() {
		s.mu.Lock()
		s.running = false
		if ran {
			s.lastDone = time.Now()
		}
		close(s.idle)
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync run panicked: %v", r)
			logger.Error().Err(err).Msg("sync.error")
		}
	}()

	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx, s.holder, s.lease)
		if err != nil {
			logger.Error().Err(err).Msg("sync.rejected")
			return nil, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		if !acquired {
			logger.Warn().Str("reason", "locked").Msg("sync.rejected")
			return nil, ErrRunInProgress
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), s.holder); err != nil {
				logger.Warn().Err(err).Msg("failed to release run lock")
			}
		}()
	}

	logger.Info().Msg("sync.trigger")
	ran = true
	return s.runner.Run(ctx, trigger)
}
