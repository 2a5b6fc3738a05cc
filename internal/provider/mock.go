package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory implementation of the provider API for testing.
type Mock struct {
	mu sync.Mutex

	// Profile to return.
	Profile *Profile

	// Labels to return.
	Labels []*Label

	// Messages indexed by ID.
	Messages map[string]*Message

	// Message list pages; each page is a list of message IDs. When empty,
	// ListMessages returns everything in one page.
	MessagePages [][]string

	// History pages; each page is a set of records. When empty, ListHistory
	// returns a single empty page.
	HistoryPages  [][]HistoryRecord
	HistoryCursor string

	// Subscription returned by Watch.
	Subscription *PushSubscription

	// Error injection.
	ProfileError      error
	LabelsError       error
	ListMessagesError error
	GetMessageError   map[string]error // per-message errors
	HistoryError      error
	ModifyError       error
	TrashError        error
	WatchError        error

	// Call tracking for assertions.
	ProfileCalls      int
	LabelsCalls       int
	ListMessagesCalls int
	LastQuery         string
	LastPageSize      int
	GetMessageCalls   []string
	HistoryCalls      []string // sinceCursor values
	ModifyCalls       []ModifyCall
	TrashCalls        []string
	WatchCalls        int
	StopWatchCalls    int
}

// ModifyCall records one ModifyMessages invocation.
type ModifyCall struct {
	IDs    []string
	Add    []string
	Remove []string
}

// NewMock creates a mock provider with empty state.
func NewMock() *Mock {
	return &Mock{
		Messages:        make(map[string]*Message),
		GetMessageError: make(map[string]error),
	}
}

// GetProfile returns the mock profile.
func (m *Mock) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++

	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile == nil {
		return &Profile{
			EmailAddress:  "test@example.com",
			MessagesTotal: int64(len(m.Messages)),
			HistoryCursor: m.HistoryCursor,
		}, nil
	}
	return m.Profile, nil
}

// ListLabels returns the mock labels.
func (m *Mock) ListLabels(ctx context.Context) ([]*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LabelsCalls++

	if m.LabelsError != nil {
		return nil, m.LabelsError
	}
	if m.Labels == nil {
		return []*Label{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "STARRED", Name: "STARRED", Type: "system"},
		}, nil
	}
	return m.Labels, nil
}

// ListMessages returns mock message references with pagination.
func (m *Mock) ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListMessagesCalls++
	m.LastQuery = query
	m.LastPageSize = pageSize

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	pageNum := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "page_%d", &pageNum); err != nil {
			return nil, &ValidationError{Status: 400, Message: "invalid page token: " + pageToken}
		}
	}

	if len(m.MessagePages) == 0 {
		var refs []MessageRef
		for id, msg := range m.Messages {
			refs = append(refs, MessageRef{ID: id, ThreadID: msg.ThreadID})
		}
		return &MessageList{
			Messages:           refs,
			ResultSizeEstimate: int64(len(refs)),
		}, nil
	}

	if pageNum >= len(m.MessagePages) {
		return &MessageList{}, nil
	}

	page := m.MessagePages[pageNum]
	refs := make([]MessageRef, len(page))
	for i, id := range page {
		threadID := "thread_" + id
		if msg, ok := m.Messages[id]; ok && msg.ThreadID != "" {
			threadID = msg.ThreadID
		}
		refs[i] = MessageRef{ID: id, ThreadID: threadID}
	}

	var next string
	if pageNum+1 < len(m.MessagePages) {
		next = fmt.Sprintf("page_%d", pageNum+1)
	}

	total := int64(0)
	for _, p := range m.MessagePages {
		total += int64(len(p))
	}

	return &MessageList{
		Messages:           refs,
		NextPageToken:      next,
		ResultSizeEstimate: total,
	}, nil
}

// GetMessage returns a mock message.
func (m *Mock) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)

	if err, ok := m.GetMessageError[messageID]; ok && err != nil {
		return nil, err
	}

	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + messageID}
	}
	return msg, nil
}

// GetMessagesBatch fetches multiple messages. Mirrors the real client:
// individual fetch errors leave a nil entry rather than failing the batch.
func (m *Mock) GetMessagesBatch(ctx context.Context, messageIDs []string) ([]*Message, error) {
	results := make([]*Message, len(messageIDs))
	for i, id := range messageIDs {
		msg, err := m.GetMessage(ctx, id)
		if err != nil {
			continue
		}
		results[i] = msg
	}
	return results, nil
}

// ListHistory returns mock history records with pagination.
func (m *Mock) ListHistory(ctx context.Context, sinceCursor, pageToken string) (*HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistoryCalls = append(m.HistoryCalls, sinceCursor)

	if m.HistoryError != nil {
		return nil, m.HistoryError
	}

	pageNum := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "hpage_%d", &pageNum); err != nil {
			return nil, &ValidationError{Status: 400, Message: "invalid page token: " + pageToken}
		}
	}

	if len(m.HistoryPages) == 0 || pageNum >= len(m.HistoryPages) {
		return &HistoryPage{HistoryCursor: m.HistoryCursor}, nil
	}

	var next string
	if pageNum+1 < len(m.HistoryPages) {
		next = fmt.Sprintf("hpage_%d", pageNum+1)
	}

	return &HistoryPage{
		Records:       m.HistoryPages[pageNum],
		NextPageToken: next,
		HistoryCursor: m.HistoryCursor,
	}, nil
}

// ModifyMessages records a batch modify call.
func (m *Mock) ModifyMessages(ctx context.Context, messageIDs []string, addLabelIDs, removeLabelIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ModifyError != nil {
		return m.ModifyError
	}
	m.ModifyCalls = append(m.ModifyCalls, ModifyCall{IDs: messageIDs, Add: addLabelIDs, Remove: removeLabelIDs})
	return nil
}

// TrashMessage records a trash call.
func (m *Mock) TrashMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TrashError != nil {
		return m.TrashError
	}
	m.TrashCalls = append(m.TrashCalls, messageID)
	return nil
}

// Watch returns the configured subscription.
func (m *Mock) Watch(ctx context.Context) (*PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchCalls++

	if m.WatchError != nil {
		return nil, m.WatchError
	}
	if m.Subscription == nil {
		return &PushSubscription{
			Expiration:    time.Now().Add(time.Hour).UTC(),
			HistoryCursor: m.HistoryCursor,
		}, nil
	}
	return m.Subscription, nil
}

// StopWatch records an unregister call.
func (m *Mock) StopWatch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopWatchCalls++
	return nil
}

// Close is a no-op for the mock.
func (m *Mock) Close() error {
	return nil
}

// AddMessage adds a message to the mock store.
func (m *Mock) AddMessage(id string, raw []byte, labelIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages[id] = &Message{
		ID:           id,
		ThreadID:     "thread_" + id,
		LabelIDs:     labelIDs,
		Raw:          raw,
		SizeEstimate: int64(len(raw)),
		InternalDate: 1704067200000, // 2024-01-01 00:00:00 UTC
	}
}

// SetProfileError swaps the injected profile error under the lock, safe
// to call while sync goroutines are running.
func (m *Mock) SetProfileError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileError = err
}

// SetListMessagesError swaps the injected list error under the lock.
func (m *Mock) SetListMessagesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListMessagesError = err
}

// ModifyCallCount returns the number of recorded ModifyMessages calls.
func (m *Mock) ModifyCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ModifyCalls)
}

// Reset clears all state and call tracking.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages = make(map[string]*Message)
	m.MessagePages = nil
	m.HistoryPages = nil
	m.GetMessageError = make(map[string]error)

	m.ProfileCalls = 0
	m.LabelsCalls = 0
	m.ListMessagesCalls = 0
	m.LastQuery = ""
	m.LastPageSize = 0
	m.GetMessageCalls = nil
	m.HistoryCalls = nil
	m.ModifyCalls = nil
	m.TrashCalls = nil
	m.WatchCalls = 0
	m.StopWatchCalls = 0
}

// Ensure Mock implements the API interface.
var _ API = (*Mock)(nil)
