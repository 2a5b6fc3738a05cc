package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelmail/kestrel/internal/provider"
	kestrelsync "github.com/kestrelmail/kestrel/internal/sync"
)

type fakeTimer struct {
	f       func()
	delay   time.Duration
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// fakeClock records timers so tests can inspect delays and fire
// renewals deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f, delay: d}
	c.timers = append(c.timers, t)
	return t
}

// lastTimer returns the most recently armed timer.
func (c *fakeClock) lastTimer(t *testing.T) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		t.Fatal("no timer was armed")
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) timerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeRegistrar struct {
	mu        sync.Mutex
	watchSub  *provider.PushSubscription
	watchErr  error
	stopCalls int
}

func (r *fakeRegistrar) Watch(ctx context.Context) (*provider.PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchErr != nil {
		return nil, r.watchErr
	}
	sub := *r.watchSub
	return &sub, nil
}

func (r *fakeRegistrar) StopWatch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCalls++
	return nil
}

type subRecord struct {
	accountID string
	enabled   bool
	expiresAt time.Time
}

type fakeSyncer struct {
	mu           sync.Mutex
	registrar    *fakeRegistrar
	registrarErr error
	subRecords   []subRecord
	syncCalls    []string
	syncErr      error
	syncBlocked  bool
}

func (s *fakeSyncer) Registrar(accountID string) (provider.PushRegistrar, error) {
	if s.registrarErr != nil {
		return nil, s.registrarErr
	}
	return s.registrar, nil
}

func (s *fakeSyncer) SetPushSubscription(accountID string, enabled bool, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subRecords = append(s.subRecords, subRecord{accountID, enabled, expiresAt})
	return nil
}

func (s *fakeSyncer) SyncAccount(ctx context.Context, accountID string, force bool) (*kestrelsync.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls = append(s.syncCalls, accountID)
	if s.syncErr != nil {
		return nil, s.syncErr
	}
	return &kestrelsync.Result{AccountID: accountID, Success: true}, nil
}

func (s *fakeSyncer) CanSync(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.syncBlocked
}

func (s *fakeSyncer) syncCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.syncCalls)
}

func (s *fakeSyncer) lastSubRecord(t *testing.T) subRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subRecords) == 0 {
		t.Fatal("SetPushSubscription was never called")
	}
	return s.subRecords[len(s.subRecords)-1]
}

func newTestBridge(t *testing.T, expiry time.Time) (*Bridge, *fakeSyncer, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	syncer := &fakeSyncer{
		registrar: &fakeRegistrar{
			watchSub: &provider.PushSubscription{Expiration: expiry, HistoryCursor: "100"},
		},
	}
	b := NewBridge(syncer, clk)
	t.Cleanup(b.Close)
	return b, syncer, clk
}

func TestEnableArmsRenewal(t *testing.T) {
	expiry := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC) // 2h out
	b, syncer, clk := newTestBridge(t, expiry)

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}

	if !b.Enabled("personal") {
		t.Error("Enabled() = false after Enable")
	}

	rec := syncer.lastSubRecord(t)
	if rec.accountID != "personal" || !rec.enabled || !rec.expiresAt.Equal(expiry) {
		t.Errorf("subscription record = %+v", rec)
	}

	timer := clk.lastTimer(t)
	want := 2*time.Hour - renewLead
	if timer.delay != want {
		t.Errorf("renewal delay = %v, want %v", timer.delay, want)
	}
}

func TestEnableWatchFailure(t *testing.T) {
	b, syncer, _ := newTestBridge(t, time.Time{})
	syncer.registrar.watchErr = errors.New("watch rejected")

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err == nil {
		t.Fatal("Enable() = nil, want error")
	}
	if b.Enabled("personal") {
		t.Error("Enabled() = true after failed Enable")
	}
}

func TestEnableNearExpiryFiresImmediately(t *testing.T) {
	// Expiry inside the renewal lead clamps the delay to zero.
	b, _, clk := newTestBridge(t, clkStart().Add(time.Minute))

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}
	if got := clk.lastTimer(t).delay; got != 0 {
		t.Errorf("renewal delay = %v, want 0", got)
	}
}

func clkStart() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestHandleNotificationRoutesByEmail(t *testing.T) {
	b, syncer, _ := newTestBridge(t, clkStart().Add(2*time.Hour))

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}

	b.HandleNotification(context.Background(), Notification{
		EmailAddress:  "alice@example.com",
		HistoryCursor: "105",
	})

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.syncCalls) != 1 || syncer.syncCalls[0] != "personal" {
		t.Errorf("syncCalls = %v, want [personal]", syncer.syncCalls)
	}
}

func TestHandleNotificationUnknownAddress(t *testing.T) {
	b, syncer, _ := newTestBridge(t, clkStart().Add(2*time.Hour))

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}

	b.HandleNotification(context.Background(), Notification{EmailAddress: "stranger@example.com"})

	if got := syncer.syncCallCount(); got != 0 {
		t.Errorf("syncCalls = %d, want 0 for unknown address", got)
	}
}

func TestHandleNotificationSwallowsSyncRejection(t *testing.T) {
	b, syncer, _ := newTestBridge(t, clkStart().Add(2*time.Hour))
	syncer.syncErr = kestrelsync.ErrAlreadySyncing

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}

	// Must not panic or propagate; a busy account just drops the nudge.
	b.HandleNotification(context.Background(), Notification{EmailAddress: "alice@example.com"})
}

func TestHandleNotificationSkipsUnsyncableAccount(t *testing.T) {
	b, syncer, _ := newTestBridge(t, clkStart().Add(2*time.Hour))

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}

	// Offline, paused or errored accounts must not get an automatic
	// push-triggered attempt.
	syncer.mu.Lock()
	syncer.syncBlocked = true
	syncer.mu.Unlock()

	b.HandleNotification(context.Background(), Notification{
		EmailAddress:  "alice@example.com",
		HistoryCursor: "105",
	})

	if got := syncer.syncCallCount(); got != 0 {
		t.Errorf("syncCalls = %d for unsyncable account, want 0", got)
	}
}

func TestRenewalSuccessRearms(t *testing.T) {
	firstExpiry := clkStart().Add(2 * time.Hour)
	b, syncer, clk := newTestBridge(t, firstExpiry)

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}

	// Next Watch returns a fresh window.
	secondExpiry := clkStart().Add(9 * time.Hour)
	syncer.registrar.mu.Lock()
	syncer.registrar.watchSub = &provider.PushSubscription{Expiration: secondExpiry, HistoryCursor: "110"}
	syncer.registrar.mu.Unlock()

	clk.lastTimer(t).f()

	rec := syncer.lastSubRecord(t)
	if !rec.expiresAt.Equal(secondExpiry) || !rec.enabled {
		t.Errorf("renewal record = %+v", rec)
	}

	timer := clk.lastTimer(t)
	want := 9*time.Hour - renewLead
	if timer.delay != want {
		t.Errorf("re-armed delay = %v, want %v", timer.delay, want)
	}
}

func TestRenewalFailureRetriesHalfway(t *testing.T) {
	expiry := clkStart().Add(2 * time.Hour)
	b, syncer, clk := newTestBridge(t, expiry)

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}
	recordsBefore := len(syncer.subRecords)

	syncer.registrar.mu.Lock()
	syncer.registrar.watchErr = errors.New("topic unavailable")
	syncer.registrar.mu.Unlock()

	clk.lastTimer(t).f()

	// Subscription survives the failure and a retry is armed halfway to
	// the remaining window.
	if !b.Enabled("personal") {
		t.Error("subscription dropped on renewal failure")
	}
	if len(syncer.subRecords) != recordsBefore {
		t.Error("failed renewal must not record a new subscription state")
	}

	timer := clk.lastTimer(t)
	if timer.delay != time.Hour {
		t.Errorf("retry delay = %v, want half the remaining window", timer.delay)
	}
}

func TestRenewalFailureRetryFloor(t *testing.T) {
	// With almost no window left, the retry still waits at least a minute.
	b, syncer, clk := newTestBridge(t, clkStart().Add(30*time.Second))

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}

	syncer.registrar.mu.Lock()
	syncer.registrar.watchErr = errors.New("topic unavailable")
	syncer.registrar.mu.Unlock()

	clk.lastTimer(t).f()

	if got := clk.lastTimer(t).delay; got != time.Minute {
		t.Errorf("retry delay = %v, want 1m floor", got)
	}
}

func TestDisable(t *testing.T) {
	b, syncer, clk := newTestBridge(t, clkStart().Add(2*time.Hour))

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}
	timer := clk.lastTimer(t)

	if err := b.Disable(context.Background(), "personal"); err != nil {
		t.Fatalf("Disable() = %v", err)
	}

	if b.Enabled("personal") {
		t.Error("Enabled() = true after Disable")
	}
	if !timer.stopped {
		t.Error("renewal timer left running after Disable")
	}
	if syncer.registrar.stopCalls != 1 {
		t.Errorf("StopWatch calls = %d, want 1", syncer.registrar.stopCalls)
	}
	rec := syncer.lastSubRecord(t)
	if rec.enabled || !rec.expiresAt.IsZero() {
		t.Errorf("record after disable = %+v", rec)
	}

	// Notifications for the address no longer route.
	b.HandleNotification(context.Background(), Notification{EmailAddress: "alice@example.com"})
	if got := syncer.syncCallCount(); got != 0 {
		t.Errorf("syncCalls = %d after Disable, want 0", got)
	}
}

func TestCloseStopsTimers(t *testing.T) {
	b, _, clk := newTestBridge(t, clkStart().Add(2*time.Hour))

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err != nil {
		t.Fatalf("Enable() = %v", err)
	}
	timer := clk.lastTimer(t)

	b.Close()

	if !timer.stopped {
		t.Error("timer left running after Close")
	}
	if b.Enabled("personal") {
		t.Error("Enabled() = true after Close")
	}

	// A late renewal fire after Close must not arm anything new.
	count := clk.timerCount()
	timer.f()
	if clk.timerCount() != count {
		t.Error("renewal after Close armed a new timer")
	}

	if err := b.Enable(context.Background(), "personal", "alice@example.com"); err == nil {
		t.Error("Enable() after Close = nil, want error")
	}
}
