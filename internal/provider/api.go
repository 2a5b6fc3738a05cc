// Package provider implements the remote mail provider REST client with
// rate limiting and retry logic.
package provider

import (
	"context"
	"time"
)

// AccountReader provides read access to account-level data.
type AccountReader interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListLabels returns all labels for the account.
	ListLabels(ctx context.Context) ([]*Label, error)
}

// MessageReader provides read access to messages and change history.
type MessageReader interface {
	// ListMessages returns message references matching the query.
	// Use pageToken for pagination; pageSize bounds each page.
	ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageList, error)

	// GetMessage fetches a single message with raw MIME data.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// GetMessagesBatch fetches multiple messages in parallel with rate limiting.
	// Results are in the same order as input IDs. Failed fetches return nil.
	GetMessagesBatch(ctx context.Context, messageIDs []string) ([]*Message, error)

	// ListHistory returns changes since the given history cursor.
	// Returns a NotFoundError when the cursor is expired or unknown to the
	// provider; callers are expected to fall back to a full sync.
	ListHistory(ctx context.Context, sinceCursor, pageToken string) (*HistoryPage, error)
}

// MessageWriter provides mutating operations on messages.
type MessageWriter interface {
	// ModifyMessages applies label deltas to a batch of messages.
	ModifyMessages(ctx context.Context, messageIDs []string, addLabelIDs, removeLabelIDs []string) error

	// TrashMessage moves a message to trash.
	TrashMessage(ctx context.Context, messageID string) error
}

// PushRegistrar manages time-limited push subscriptions.
type PushRegistrar interface {
	// Watch registers a push subscription for the account.
	Watch(ctx context.Context) (*PushSubscription, error)

	// StopWatch unregisters the account's push subscription.
	StopWatch(ctx context.Context) error
}

// API defines the full remote provider surface.
// The interface enables mocking for tests without hitting the real API.
type API interface {
	AccountReader
	MessageReader
	MessageWriter
	PushRegistrar

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents the remote account profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryCursor string
}

// Label represents a mailbox label.
type Label struct {
	ID             string
	Name           string
	Type           string // "system" or "user"
	MessagesTotal  int64
	MessagesUnread int64
}

// MessageList contains one page of message references.
type MessageList struct {
	Messages           []MessageRef
	NextPageToken      string
	ResultSizeEstimate int64
}

// MessageRef identifies a message from list and history operations.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Message contains the raw MIME data and provider metadata for a message.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Raw          []byte // Decoded from base64url
}

// HistoryPage contains changes since a history cursor.
type HistoryPage struct {
	Records       []HistoryRecord
	NextPageToken string
	HistoryCursor string // newest cursor, stored after the page is applied
}

// HistoryRecord represents one entry in the change log.
type HistoryRecord struct {
	ID              uint64
	MessagesAdded   []MessageRef
	MessagesDeleted []MessageRef
	LabelsAdded     []LabelChange
	LabelsRemoved   []LabelChange
}

// LabelChange represents a label delta on a message in history.
type LabelChange struct {
	Message  MessageRef
	LabelIDs []string
}

// PushSubscription is a time-limited push registration with the provider.
type PushSubscription struct {
	Expiration    time.Time
	HistoryCursor string // cursor at registration time
}
