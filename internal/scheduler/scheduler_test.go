package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if s == nil {
		t.Fatal("New() returned nil")
	}
	if s.cron == nil {
		t.Error("cron is nil")
	}
	if s.jobs == nil {
		t.Error("jobs map is nil")
	}
	if s.gate == nil {
		t.Error("nil gate was not defaulted")
	}
}

func TestAddAccount(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 2 * * *"); err != nil {
		t.Errorf("AddAccount() with valid cron = %v, want nil", err)
	}

	if !s.IsScheduled("personal") {
		t.Error("job was not added to jobs map")
	}
}

func TestAddAccountDescriptor(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "@every 5m"); err != nil {
		t.Errorf("AddAccount() with descriptor = %v, want nil", err)
	}
}

func TestAddAccountInvalidCron(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "invalid cron"); err == nil {
		t.Error("AddAccount() with invalid cron = nil, want error")
	}
}

func TestAddAccountReplacesExisting(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount() = %v", err)
	}

	s.mu.RLock()
	firstID := s.jobs["personal"]
	s.mu.RUnlock()

	if err := s.AddAccount("personal", "0 3 * * *"); err != nil {
		t.Fatalf("AddAccount() replacement = %v", err)
	}

	s.mu.RLock()
	secondID := s.jobs["personal"]
	schedule := s.schedules["personal"]
	s.mu.RUnlock()

	if firstID == secondID {
		t.Error("job ID was not updated after replacement")
	}
	if schedule != "0 3 * * *" {
		t.Errorf("schedule = %q, want replacement", schedule)
	}
}

func TestRemoveAccount(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	s.RemoveAccount("personal")

	if s.IsScheduled("personal") {
		t.Error("job still exists after RemoveAccount()")
	}
}

func TestRemoveAccountNonExistent(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	// Should not panic
	s.RemoveAccount("nonexistent")
}

func TestStartStop(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	s.Start()
	ctx := s.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("Stop() did not complete in time")
	}
}

func TestIsRunning(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if s.IsRunning() {
		t.Error("IsRunning() = true before Start()")
	}

	s.Start()
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}

	ctx := s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("Stop() did not complete in time")
	}
}

func TestStopCancelsRunningPoll(t *testing.T) {
	pollStarted := make(chan struct{})
	s := New(func(ctx context.Context, accountID string) error {
		close(pollStarted)
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	if err := s.AddAccount("personal", "0 0 1 1 *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := s.TriggerSync("personal"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	select {
	case <-pollStarted:
	case <-time.After(time.Second):
		t.Fatal("poll did not start")
	}

	ctx := s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Error("Stop() did not complete after cancelling poll")
	}

	for _, status := range s.Status() {
		if status.AccountID == "personal" {
			if status.LastError == "" {
				t.Error("expected error after cancelled poll")
			}
			return
		}
	}
	t.Error("personal not found in status")
}

func TestTriggerSync(t *testing.T) {
	var called atomic.Int32
	s := New(func(ctx context.Context, accountID string) error {
		called.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 0 1 1 *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	if err := s.TriggerSync("personal"); err != nil {
		t.Errorf("TriggerSync() = %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	// Second trigger should fail (already running)
	if err := s.TriggerSync("personal"); err == nil {
		t.Error("TriggerSync() while running = nil, want error")
	}

	time.Sleep(100 * time.Millisecond)

	if called.Load() != 1 {
		t.Errorf("syncFunc called %d times, want 1", called.Load())
	}
}

func TestTriggerSyncUnscheduledAccount(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.TriggerSync("personal"); err == nil {
		t.Error("TriggerSync() on unscheduled account = nil, want error")
	}
}

func TestPollPreventsDoubleRun(t *testing.T) {
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32

	s := New(func(ctx context.Context, accountID string) error {
		c := concurrent.Add(1)
		if c > maxConcurrent.Load() {
			maxConcurrent.Store(c)
		}
		time.Sleep(50 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 0 1 1 *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = s.TriggerSync("personal")
	}

	time.Sleep(200 * time.Millisecond)

	if maxConcurrent.Load() > 1 {
		t.Errorf("max concurrent = %d, want 1", maxConcurrent.Load())
	}
}

func TestGateSkipsScheduledPoll(t *testing.T) {
	var polled atomic.Int32
	var gated atomic.Int32

	s := New(func(ctx context.Context, accountID string) error {
		polled.Add(1)
		return nil
	}, func(accountID string) bool {
		gated.Add(1)
		return false
	})

	// Fire every second so the gate is consulted within the test window.
	if err := s.AddAccount("personal", "@every 1s"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for gated.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if gated.Load() == 0 {
		t.Fatal("gate was never consulted")
	}
	if polled.Load() != 0 {
		t.Errorf("syncFunc called %d times, want 0 while gated", polled.Load())
	}
}

func TestStatus(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := s.AddAccount("work", "0 3 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	s.Start()
	defer s.Stop()

	statuses := s.Status()
	if len(statuses) != 2 {
		t.Errorf("len(Status()) = %d, want 2", len(statuses))
	}

	var found bool
	for _, status := range statuses {
		if status.AccountID == "personal" {
			found = true
			if status.Running {
				t.Error("status.Running = true, want false")
			}
			if status.NextRun.IsZero() {
				t.Error("status.NextRun is zero")
			}
			if status.Schedule != "0 2 * * *" {
				t.Errorf("status.Schedule = %q", status.Schedule)
			}
			break
		}
	}
	if !found {
		t.Error("personal not found in status")
	}
}

func TestStatusAfterPollSuccess(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 0 1 1 *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := s.TriggerSync("personal"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	for _, status := range s.Status() {
		if status.AccountID == "personal" {
			if status.LastRun.IsZero() {
				t.Error("LastRun should be set after successful poll")
			}
			if status.LastError != "" {
				t.Errorf("LastError = %q, want empty", status.LastError)
			}
			return
		}
	}
	t.Error("personal not found in status")
}

func TestStatusAfterPollError(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return errors.New("sync failed")
	}, nil)

	if err := s.AddAccount("personal", "0 0 1 1 *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := s.TriggerSync("personal"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	for _, status := range s.Status() {
		if status.AccountID == "personal" {
			if status.LastError == "" {
				t.Error("LastError should be set after failed poll")
			}
			return
		}
	}
	t.Error("personal not found in status")
}

func TestTriggerSyncAfterStop(t *testing.T) {
	s := New(func(ctx context.Context, accountID string) error {
		return nil
	}, nil)

	if err := s.AddAccount("personal", "0 0 1 1 *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	ctx := s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop() did not complete in time")
	}

	if err := s.TriggerSync("personal"); err == nil {
		t.Error("TriggerSync() after Stop() = nil, want error")
	}
}

func TestValidateCronExpr(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 2 * * *", false},    // 2am daily
		{"*/15 * * * *", false}, // Every 15 minutes
		{"@every 5m", false},
		{"@hourly", false},
		{"invalid", true},
		{"* * * * * *", true}, // Too many fields
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateCronExpr(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCronExpr(%q) error = %v, wantErr = %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}
