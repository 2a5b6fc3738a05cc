package sync

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadySyncing is returned when a non-force sync is requested while
// one is already in flight for the account.
var ErrAlreadySyncing = errors.New("sync already in progress")

// ErrAccountPaused is returned when sync is requested for a paused account.
var ErrAccountPaused = errors.New("account is paused")

// ErrUnknownAccount is returned for operations on unregistered accounts.
var ErrUnknownAccount = errors.New("unknown account")

// Status is an account's sync status.
type Status int

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusError
	StatusOffline
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusError:
		return "error"
	case StatusOffline:
		return "offline"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// PushState is the account's push subscription bookkeeping.
type PushState struct {
	Enabled   bool
	ExpiresAt time.Time
}

// AccountState is the per-account sync state machine. It is mutated only
// by the orchestrator and connectivity handlers.
type AccountState struct {
	mu sync.Mutex

	accountID string
	email     string

	status        Status
	lastError     string
	historyCursor string
	retryCount    int
	push          PushState
	lastSyncEnd   time.Time
}

// Snapshot is a read-only copy of an AccountState.
type Snapshot struct {
	AccountID     string    `json:"account_id"`
	Email         string    `json:"email"`
	Status        string    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	HistoryCursor string    `json:"history_cursor,omitempty"`
	RetryCount    int       `json:"retry_count"`
	Push          PushState `json:"push"`
	LastSyncEnd   time.Time `json:"last_sync_end,omitempty"`
}

// NewAccountState creates an idle state for the account.
func NewAccountState(accountID, email string) *AccountState {
	return &AccountState{accountID: accountID, email: email}
}

// AccountID returns the owning account's id.
func (s *AccountState) AccountID() string { return s.accountID }

// Snapshot returns a consistent copy of the state.
func (s *AccountState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		AccountID:     s.accountID,
		Email:         s.email,
		Status:        s.status.String(),
		LastError:     s.lastError,
		HistoryCursor: s.historyCursor,
		RetryCount:    s.retryCount,
		Push:          s.push,
		LastSyncEnd:   s.lastSyncEnd,
	}
}

// Status returns the current status.
func (s *AccountState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HistoryCursor returns the last stored history cursor, empty if none.
func (s *AccountState) HistoryCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyCursor
}

// SetHistoryCursor stores the newest history cursor.
func (s *AccountState) SetHistoryCursor(cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor != "" {
		s.historyCursor = cursor
	}
}

// BeginSync transitions to syncing. Without force the transition is
// rejected while another sync is in flight; paused accounts reject
// regardless of force.
func (s *AccountState) BeginSync(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusPaused:
		return ErrAccountPaused
	case StatusSyncing:
		if !force {
			return ErrAlreadySyncing
		}
	}

	s.status = StatusSyncing
	return nil
}

// FinishSync leaves the syncing state. On success the account returns to
// idle and the retry counter resets. On failure the account enters error
// with the message recorded; the returned attempt number (0-based) feeds
// the backoff policy, incrementing on each consecutive failure.
func (s *AccountState) FinishSync(errMsg string) (attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSyncEnd = time.Now()

	if errMsg == "" {
		s.status = StatusIdle
		s.lastError = ""
		s.retryCount = 0
		return 0
	}

	s.status = StatusError
	s.lastError = errMsg
	attempt = s.retryCount
	s.retryCount++
	return attempt
}

// RetryCount returns the consecutive failure count.
func (s *AccountState) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// SetOffline marks the account offline. Idle and error accounts move to
// offline; paused accounts stay paused and an in-flight sync is left to
// fail on its own.
func (s *AccountState) SetOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusIdle || s.status == StatusError {
		s.status = StatusOffline
	}
}

// SetOnline reverses an offline transition. Returns true when the account
// was offline and should be resynced.
func (s *AccountState) SetOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusOffline {
		s.status = StatusIdle
		return true
	}
	return false
}

// Pause pauses the account. Only idle, error or offline accounts can be
// paused; an in-flight sync finishes first.
func (s *AccountState) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusSyncing {
		return false
	}
	s.status = StatusPaused
	return true
}

// Resume returns a paused account to idle.
func (s *AccountState) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPaused {
		return false
	}
	s.status = StatusIdle
	return true
}

// SetPush records push subscription state.
func (s *AccountState) SetPush(enabled bool, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push = PushState{Enabled: enabled, ExpiresAt: expiresAt}
}

// Push returns the push subscription state.
func (s *AccountState) Push() PushState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push
}
