package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelmail/kestrel/internal/push"
	"github.com/kestrelmail/kestrel/internal/scheduler"
	"github.com/kestrelmail/kestrel/internal/store"
	kestrelsync "github.com/kestrelmail/kestrel/internal/sync"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	kestrelsync.Snapshot
	PushActive  bool `json:"push_active"`
	QueuedOps   int  `json:"queued_ops"`
	DroppedOps  int  `json:"dropped_ops"`
	CachedCount int  `json:"cached_messages"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running  bool                      `json:"running"`
	Accounts []scheduler.AccountStatus `json:"accounts"`
}

// OperationRequest is the body of POST /accounts/{account}/operations.
type OperationRequest struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
	LabelID    string   `json:"label_id,omitempty"`
}

// PageTokenRequest is the body of POST /accounts/{account}/pages/goto.
// Token is the token the target page was fetched with, empty for page
// one.
type PageTokenRequest struct {
	Token string `json:"token"`
}

// ConnectionRequest is the body of POST /connection.
type ConnectionRequest struct {
	Online bool `json:"online"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// accountParam extracts and validates the {account} URL parameter.
func accountParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := chi.URLParam(r, "account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing_account", "Account id is required")
		return "", false
	}
	return account, true
}

// writeSyncError maps orchestrator precondition errors onto HTTP codes.
func writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kestrelsync.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, "unknown_account", err.Error())
	case errors.Is(err, kestrelsync.ErrAlreadySyncing):
		writeError(w, http.StatusConflict, "already_syncing", err.Error())
	case errors.Is(err, kestrelsync.ErrAccountPaused):
		writeError(w, http.StatusConflict, "account_paused", err.Error())
	case errors.Is(err, kestrelsync.ErrFirstPage):
		writeError(w, http.StatusConflict, "first_page", err.Error())
	case errors.Is(err, kestrelsync.ErrLastPage):
		writeError(w, http.StatusConflict, "last_page", err.Error())
	case errors.Is(err, kestrelsync.ErrUnknownPage):
		writeError(w, http.StatusBadRequest, "unknown_page", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// handleListAccounts returns every account's state plus queue and cache
// counters.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	var accounts []AccountInfo
	for _, snap := range s.syncer.States() {
		accounts = append(accounts, AccountInfo{
			Snapshot:    snap,
			PushActive:  s.bridge.Enabled(snap.AccountID),
			QueuedOps:   len(s.queue.Pending(snap.AccountID)),
			DroppedOps:  s.queue.DroppedCount(snap.AccountID),
			CachedCount: s.store.MessageCount(snap.AccountID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"online":   s.syncer.Online(),
		"accounts": accounts,
	})
}

// handleAccountState returns one account's state snapshot.
func (s *Server) handleAccountState(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	snap, err := s.syncer.State(account)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSyncAccount triggers a sync for one account. ?force=true
// preempts an in-flight sync.
func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	result, err := s.syncer.SyncAccount(r.Context(), account, force)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSyncAll triggers a concurrent sync of every account.
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	results := s.syncer.SyncAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handlePause pauses an account.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	if err := s.syncer.Pause(account); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleResume resumes a paused account.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	if err := s.syncer.Resume(account); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

// handleEnqueueOperation records a mutating user action. The local view
// updates immediately; remote execution goes through the offline queue.
func (s *Server) handleEnqueueOperation(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	op := kestrelsync.NewOperation(kestrelsync.OpType(req.Type), req.MessageIDs, req.LabelID)
	if err := s.syncer.EnqueueOperation(r.Context(), account, op); err != nil {
		if errors.Is(err, kestrelsync.ErrUnknownAccount) {
			writeSyncError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_operation", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, op)
}

// handleQueueStatus returns the account's pending operations.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.queue.Pending(account),
		"dropped": s.queue.DroppedCount(account),
	})
}

// handleListMessages returns the account's cached messages, newest
// first.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	msgs := s.store.Messages(account)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(msgs),
		"messages": msgs,
	})
}

// handleGetMessage returns one cached message with its body.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	msg, found := s.store.Message(account, id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "Message not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleListThreads returns the account's conversations.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threads": s.store.Threads(account),
	})
}

// handleListLabels returns the account's labels.
func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"labels": s.store.Labels(account),
	})
}

// handleNextPage loads the next page of the account's message view.
func (s *Server) handleNextPage(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	page, err := s.syncer.NextPage(r.Context(), account)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	s.writePage(w, account, page)
}

// handlePrevPage navigates back one page.
func (s *Server) handlePrevPage(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	page, err := s.syncer.PrevPage(r.Context(), account)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	s.writePage(w, account, page)
}

// handleGoToPage jumps to a previously loaded page by its fetch token.
func (s *Server) handleGoToPage(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}

	var req PageTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	page, err := s.syncer.GoToPage(r.Context(), account, req.Token)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	s.writePage(w, account, page)
}

// handleResetPages clears the account's pagination state.
func (s *Server) handleResetPages(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	if err := s.syncer.ResetPages(account); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handlePageState returns the account's pagination snapshot.
func (s *Server) handlePageState(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	state, err := s.syncer.PageState(account)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) writePage(w http.ResponseWriter, account string, page []store.Message) {
	state, err := s.syncer.PageState(account)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":     state.Depth,
		"loaded":   state.Loaded,
		"messages": page,
	})
}

// handleGetConnection reports online/offline.
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.syncer.Online()})
}

// handleSetConnection sets online/offline, as reported by the host's
// network monitor.
func (s *Server) handleSetConnection(w http.ResponseWriter, r *http.Request) {
	var req ConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	s.syncer.SetOnline(req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

// handleSchedulerStatus returns the polling scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running:  s.scheduler.IsRunning(),
		Accounts: s.scheduler.Status(),
	})
}

// handleEvents streams sync events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming")
		return
	}

	ch, cancel := s.events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encoding event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// handlePushNotification is the webhook the push relay posts decoded
// provider notifications to.
func (s *Server) handlePushNotification(w http.ResponseWriter, r *http.Request) {
	var n push.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	// Ack immediately; the triggered sync runs in the background so the
	// relay never waits on a full pass.
	go s.bridge.HandleNotification(context.Background(), n)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
