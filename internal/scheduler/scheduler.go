// Package scheduler provides cron-based polling sync for accounts
// without an active push subscription.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SyncFunc is the callback invoked when a scheduled poll fires for an
// account.
type SyncFunc func(ctx context.Context, accountID string) error

// GateFunc reports whether a poll should run for the account right now.
// Polls are skipped while the account is busy, paused or offline.
type GateFunc func(accountID string) bool

// AccountStatus is the scheduling state of one account.
type AccountStatus struct {
	AccountID string    `json:"account_id"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler manages periodic polling per account.
type Scheduler struct {
	cron     *cron.Cron
	syncFunc SyncFunc
	gate     GateFunc
	logger   *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID
	schedules map[string]string
	running   map[string]bool
	lastRun   map[string]time.Time
	lastErr   map[string]error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a Scheduler. gate may be nil, in which case every fire
// runs. The parser accepts standard five-field expressions plus
// descriptors like "@every 5m".
func New(syncFunc SyncFunc, gate GateFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if gate == nil {
		gate = func(string) bool { return true }
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		syncFunc:  syncFunc,
		gate:      gate,
		logger:    slog.Default(),
		jobs:      make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		running:   make(map[string]bool),
		lastRun:   make(map[string]time.Time),
		lastErr:   make(map[string]error),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithLogger sets the logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddAccount schedules polling for an account. An existing schedule for
// the same account is replaced.
func (s *Scheduler) AddAccount(accountID, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[accountID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, accountID)
		delete(s.schedules, accountID)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		if !s.gate(accountID) {
			s.logger.Debug("poll skipped", "account", accountID)
			return
		}
		s.mu.Lock()
		if s.stopped || s.running[accountID] {
			s.mu.Unlock()
			return
		}
		s.running[accountID] = true
		s.wg.Add(1)
		s.mu.Unlock()
		s.runSync(accountID)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.jobs[accountID] = entryID
	s.schedules[accountID] = cronExpr
	s.logger.Info("polling scheduled",
		"account", accountID,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)

	return nil
}

// RemoveAccount removes the account's schedule.
func (s *Scheduler) RemoveAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[accountID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, accountID)
		delete(s.schedules, accountID)
		s.logger.Info("polling unscheduled", "account", accountID)
	}
}

// Start begins executing scheduled polls.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// IsRunning reports whether the scheduler has been started and not yet
// stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop halts scheduling, cancels in-flight polls and returns a context
// that is done once all work has drained.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// runSync executes one poll. The caller must have already called
// wg.Add(1) and marked the account running.
func (s *Scheduler) runSync(accountID string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[accountID] = false
		s.mu.Unlock()
	}()

	s.logger.Info("poll started", "account", accountID)
	start := time.Now()

	err := s.syncFunc(s.ctx, accountID)

	s.mu.Lock()
	if err != nil {
		s.lastErr[accountID] = err
		s.logger.Error("poll failed",
			"account", accountID,
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun[accountID] = time.Now()
		s.lastErr[accountID] = nil
		s.logger.Info("poll completed",
			"account", accountID,
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// IsScheduled reports whether the account has a schedule.
func (s *Scheduler) IsScheduled(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.jobs[accountID]
	return exists
}

// TriggerSync fires a poll for an account outside its schedule.
func (s *Scheduler) TriggerSync(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if _, exists := s.jobs[accountID]; !exists {
		return fmt.Errorf("account %s is not scheduled", accountID)
	}
	if s.running[accountID] {
		return fmt.Errorf("poll already running for %s", accountID)
	}

	s.running[accountID] = true
	s.wg.Add(1)
	go s.runSync(accountID)
	return nil
}

// Status returns the scheduling state of every account.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var statuses []AccountStatus
	for accountID, entryID := range s.jobs {
		entry := s.cron.Entry(entryID)
		status := AccountStatus{
			AccountID: accountID,
			Running:   s.running[accountID],
			LastRun:   s.lastRun[accountID],
			NextRun:   entry.Next,
			Schedule:  s.schedules[accountID],
		}
		if err := s.lastErr[accountID]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling it.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
