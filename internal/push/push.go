// Package push bridges provider push notifications into incremental
// syncs and keeps per-account push subscriptions renewed before they
// expire.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelmail/kestrel/internal/provider"
	kestrelsync "github.com/kestrelmail/kestrel/internal/sync"
)

// Clock abstracts timer creation so renewal scheduling is testable.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the stoppable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Syncer is the orchestrator surface the bridge drives.
type Syncer interface {
	Registrar(accountID string) (provider.PushRegistrar, error)
	SetPushSubscription(accountID string, enabled bool, expiresAt time.Time) error
	SyncAccount(ctx context.Context, accountID string, force bool) (*kestrelsync.Result, error)
	CanSync(accountID string) bool
}

// Notification is a decoded provider push message.
type Notification struct {
	EmailAddress  string `json:"emailAddress"`
	HistoryCursor string `json:"historyId"`
}

// renewLead is how far before expiry a renewal fires.
const renewLead = 10 * time.Minute

type subscription struct {
	expiresAt time.Time
	timer     Timer
}

// Bridge manages push subscriptions for registered accounts and turns
// incoming notifications into incremental syncs.
type Bridge struct {
	syncer Syncer
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]*subscription
	byEmail map[string]string // email -> accountID for notification routing
	closed  bool
}

// NewBridge creates a push bridge. A nil clock uses the wall clock.
func NewBridge(syncer Syncer, clock Clock) *Bridge {
	if clock == nil {
		clock = realClock{}
	}
	return &Bridge{
		syncer:  syncer,
		clock:   clock,
		logger:  slog.Default(),
		subs:    make(map[string]*subscription),
		byEmail: make(map[string]string),
	}
}

// WithLogger sets the logger.
func (b *Bridge) WithLogger(logger *slog.Logger) *Bridge {
	b.logger = logger
	return b
}

// Enable registers a push subscription for the account and arms its
// renewal timer.
func (b *Bridge) Enable(ctx context.Context, accountID, email string) error {
	registrar, err := b.syncer.Registrar(accountID)
	if err != nil {
		return err
	}

	sub, err := registrar.Watch(ctx)
	if err != nil {
		return fmt.Errorf("register push for %s: %w", accountID, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("push bridge is closed")
	}
	if old, ok := b.subs[accountID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	b.subs[accountID] = &subscription{expiresAt: sub.Expiration}
	b.byEmail[email] = accountID
	b.armRenewalLocked(accountID)
	b.mu.Unlock()

	if err := b.syncer.SetPushSubscription(accountID, true, sub.Expiration); err != nil {
		return err
	}
	b.logger.Info("push enabled", "account", accountID, "expires", sub.Expiration)
	return nil
}

// Disable tears down the account's push subscription. Polling takes
// over on the next scheduler fire.
func (b *Bridge) Disable(ctx context.Context, accountID string) error {
	b.mu.Lock()
	if sub, ok := b.subs[accountID]; ok {
		if sub.timer != nil {
			sub.timer.Stop()
		}
		delete(b.subs, accountID)
	}
	for email, id := range b.byEmail {
		if id == accountID {
			delete(b.byEmail, email)
		}
	}
	b.mu.Unlock()

	registrar, err := b.syncer.Registrar(accountID)
	if err != nil {
		return err
	}
	if err := registrar.StopWatch(ctx); err != nil {
		b.logger.Warn("stopping push subscription", "account", accountID, "error", err)
	}

	if err := b.syncer.SetPushSubscription(accountID, false, time.Time{}); err != nil {
		return err
	}
	b.logger.Info("push disabled", "account", accountID)
	return nil
}

// Enabled reports whether the account has an active subscription.
func (b *Bridge) Enabled(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[accountID]
	return ok
}

// HandleNotification routes a decoded push notification to the owning
// account and triggers an incremental sync. Unknown addresses are
// ignored, not errors: subscriptions may outlive account removal.
func (b *Bridge) HandleNotification(ctx context.Context, n Notification) {
	b.mu.Lock()
	accountID, ok := b.byEmail[n.EmailAddress]
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("push notification for unknown address", "email", n.EmailAddress)
		return
	}

	b.logger.Info("push notification received",
		"account", accountID, "cursor", n.HistoryCursor)

	// Same gate the poll scheduler applies: offline, paused, errored or
	// already-syncing accounts do not get a push-triggered attempt.
	if !b.syncer.CanSync(accountID) {
		b.logger.Debug("push-triggered sync skipped", "account", accountID)
		return
	}

	if _, err := b.syncer.SyncAccount(ctx, accountID, false); err != nil {
		b.logger.Debug("push-triggered sync skipped", "account", accountID, "error", err)
	}
}

// armRenewalLocked schedules the renewal ahead of expiry. Caller holds
// b.mu.
func (b *Bridge) armRenewalLocked(accountID string) {
	sub := b.subs[accountID]
	delay := sub.expiresAt.Add(-renewLead).Sub(b.clock.Now())
	if delay < 0 {
		delay = 0
	}
	sub.timer = b.clock.AfterFunc(delay, func() {
		b.renew(accountID)
	})
}

// renew re-registers the subscription. A renewal failure keeps the old
// subscription until expiry and retries midway to the remaining window;
// polling still covers the account if push lapses entirely.
func (b *Bridge) renew(accountID string) {
	b.mu.Lock()
	sub, ok := b.subs[accountID]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	expiresAt := sub.expiresAt
	b.mu.Unlock()

	registrar, err := b.syncer.Registrar(accountID)
	if err != nil {
		b.logger.Warn("push renewal dropped", "account", accountID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	newSub, err := registrar.Watch(ctx)
	if err != nil {
		b.logger.Warn("push renewal failed", "account", accountID, "error", err)

		b.mu.Lock()
		if sub, ok := b.subs[accountID]; ok && !b.closed {
			retry := b.clock.Now().Add(expiresAt.Sub(b.clock.Now()) / 2)
			delay := retry.Sub(b.clock.Now())
			if delay < time.Minute {
				delay = time.Minute
			}
			sub.timer = b.clock.AfterFunc(delay, func() { b.renew(accountID) })
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	if sub, ok := b.subs[accountID]; ok && !b.closed {
		sub.expiresAt = newSub.Expiration
		b.armRenewalLocked(accountID)
	}
	b.mu.Unlock()

	if err := b.syncer.SetPushSubscription(accountID, true, newSub.Expiration); err != nil {
		b.logger.Warn("recording push renewal", "account", accountID, "error", err)
	}
	b.logger.Info("push renewed", "account", accountID, "expires", newSub.Expiration)
}

// Close stops all renewal timers. Subscriptions are left to expire on
// the provider side.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		if sub.timer != nil {
			sub.timer.Stop()
		}
	}
	b.subs = make(map[string]*subscription)
	b.byEmail = make(map[string]string)
}
