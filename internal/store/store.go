// Package store holds the in-memory per-account mail state the
// presentation layer reads: messages, threads and labels. It owns no
// persistence; everything is rebuilt by sync on startup.
package store

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// Message is the locally cached view of a remote message.
type Message struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Subject        string    `json:"subject"`
	Snippet        string    `json:"snippet"`
	From           string    `json:"from"`
	To             []string  `json:"to,omitempty"`
	Date           time.Time `json:"date"`
	LabelIDs       []string  `json:"label_ids,omitempty"`
	Unread         bool      `json:"unread"`
	Starred        bool      `json:"starred"`
	BodyText       string    `json:"body_text,omitempty"`
	BodyHTML       string    `json:"body_html,omitempty"`
	HasAttachments bool      `json:"has_attachments"`
	SizeEstimate   int64     `json:"size_estimate"`
}

// Thread groups messages by conversation.
type Thread struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	MessageIDs []string  `json:"message_ids"`
	LastDate   time.Time `json:"last_date"`
}

// Label is the locally cached view of a remote label.
type Label struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	MessagesTotal  int64  `json:"messages_total"`
	MessagesUnread int64  `json:"messages_unread"`
}

type accountData struct {
	messages map[string]*Message
	labels   map[string]*Label
}

// Store is the aggregate observable mail state container. All mutation
// arrives through the sync orchestrator's output or through user actions
// dispatched via the same per-account sequencing, so a single RWMutex is
// enough.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*accountData
	logger   *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		accounts: make(map[string]*accountData),
		logger:   logger,
	}
}

// AddAccount creates an empty slice for the account. Idempotent.
func (s *Store) AddAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		s.accounts[accountID] = &accountData{
			messages: make(map[string]*Message),
			labels:   make(map[string]*Label),
		}
	}
}

// RemoveAccount drops all cached state for the account.
func (s *Store) RemoveAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
}

// UpsertMessages inserts or replaces messages for the account. Returns
// the ids that were new versus updated.
func (s *Store) UpsertMessages(accountID string, msgs []*Message) (newIDs, updatedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		s.logger.Warn("upsert for unknown account", "account", accountID)
		return nil, nil
	}

	for _, msg := range msgs {
		if msg == nil || msg.ID == "" {
			continue
		}
		if _, exists := acc.messages[msg.ID]; exists {
			updatedIDs = append(updatedIDs, msg.ID)
		} else {
			newIDs = append(newIDs, msg.ID)
		}
		cp := *msg
		deriveFlags(&cp)
		acc.messages[msg.ID] = &cp
	}
	return newIDs, updatedIDs
}

// RemoveMessages deletes messages by id. Unknown ids are ignored (a
// message can be deleted remotely before it was ever synced locally).
func (s *Store) RemoveMessages(accountID string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return 0
	}

	removed := 0
	for _, id := range ids {
		if _, exists := acc.messages[id]; exists {
			delete(acc.messages, id)
			removed++
		}
	}
	return removed
}

// ApplyLabelDelta adds and removes label ids on the given messages, used
// both by incremental sync label changes and by optimistic local updates
// for queued user operations. Unknown messages are skipped.
func (s *Store) ApplyLabelDelta(accountID string, messageIDs, add, remove []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return
	}

	for _, id := range messageIDs {
		msg, exists := acc.messages[id]
		if !exists {
			continue
		}
		for _, l := range add {
			if !slices.Contains(msg.LabelIDs, l) {
				msg.LabelIDs = append(msg.LabelIDs, l)
			}
		}
		for _, l := range remove {
			if i := slices.Index(msg.LabelIDs, l); i >= 0 {
				msg.LabelIDs = slices.Delete(msg.LabelIDs, i, i+1)
			}
		}
		deriveFlags(msg)
	}
}

// SetLabels replaces the account's label list. Returns ids of labels that
// are new versus changed.
func (s *Store) SetLabels(accountID string, labels []*Label) (newIDs, updatedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}

	next := make(map[string]*Label, len(labels))
	for _, l := range labels {
		if l == nil || l.ID == "" {
			continue
		}
		cp := *l
		next[l.ID] = &cp

		if prev, exists := acc.labels[l.ID]; !exists {
			newIDs = append(newIDs, l.ID)
		} else if *prev != cp {
			updatedIDs = append(updatedIDs, l.ID)
		}
	}
	acc.labels = next
	return newIDs, updatedIDs
}

// Messages returns the account's messages sorted newest first.
func (s *Store) Messages(accountID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil
	}

	out := make([]Message, 0, len(acc.messages))
	for _, msg := range acc.messages {
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Message returns one message by id.
func (s *Store) Message(accountID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return Message{}, false
	}
	msg, ok := acc.messages[messageID]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Labels returns the account's labels sorted by name.
func (s *Store) Labels(accountID string) []Label {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil
	}

	out := make([]Label, 0, len(acc.labels))
	for _, l := range acc.labels {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Threads derives the account's conversations from its messages, newest
// first.
func (s *Store) Threads(accountID string) []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil
	}

	byThread := make(map[string]*Thread)
	for _, msg := range acc.messages {
		threadID := msg.ThreadID
		if threadID == "" {
			threadID = msg.ID
		}
		th, exists := byThread[threadID]
		if !exists {
			th = &Thread{ID: threadID, Subject: msg.Subject}
			byThread[threadID] = th
		}
		th.MessageIDs = append(th.MessageIDs, msg.ID)
		if msg.Date.After(th.LastDate) {
			th.LastDate = msg.Date
			th.Subject = msg.Subject
		}
	}

	out := make([]Thread, 0, len(byThread))
	for _, th := range byThread {
		sort.Strings(th.MessageIDs)
		out = append(out, *th)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastDate.Equal(out[j].LastDate) {
			return out[i].LastDate.After(out[j].LastDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ExistingIDs reports which of the given message ids are already cached,
// letting sync skip refetching bodies it has.
func (s *Store) ExistingIDs(accountID string, ids []string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool)
	acc, ok := s.accounts[accountID]
	if !ok {
		return out
	}
	for _, id := range ids {
		if _, exists := acc.messages[id]; exists {
			out[id] = true
		}
	}
	return out
}

// MessageCount returns the number of cached messages for the account.
func (s *Store) MessageCount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return 0
	}
	return len(acc.messages)
}

// deriveFlags keeps the unread/starred flags consistent with label state.
func deriveFlags(msg *Message) {
	msg.Unread = slices.Contains(msg.LabelIDs, "UNREAD")
	msg.Starred = slices.Contains(msg.LabelIDs, "STARRED")
}
