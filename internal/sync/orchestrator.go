// Package sync drives full and incremental mailbox synchronization per
// account, coordinating the account state machines, the offline
// operation queue and the mail state store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kestrelmail/kestrel/internal/mime"
	"github.com/kestrelmail/kestrel/internal/provider"
	"github.com/kestrelmail/kestrel/internal/store"
)

// ErrCursorExpired indicates the provider no longer retains the stored
// history cursor. The orchestrator handles it internally by falling back
// to a full sync; it leaks to callers only from direct history queries.
var ErrCursorExpired = errors.New("history cursor expired")

// ErrFirstPage is returned by PrevPage when already on page one.
var ErrFirstPage = errors.New("already at first page")

// ErrLastPage is returned by NextPage when the provider reported no
// further pages.
var ErrLastPage = errors.New("no further pages")

// ErrUnknownPage is returned by GoToPage for a token that no loaded
// page was fetched with.
var ErrUnknownPage = errors.New("page not visited")

// Options configures sync behavior.
type Options struct {
	// PageSize is the fixed message-list page size.
	PageSize int

	// BatchSize bounds how many full message bodies are fetched per batch.
	BatchSize int

	// Incremental enables the history-based sync path.
	Incremental bool

	// Policy drives retry classification and backoff.
	Policy RetryPolicy
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		PageSize:    50,
		BatchSize:   10,
		Incremental: true,
		Policy:      DefaultRetryPolicy(),
	}
}

// ProviderFactory builds the provider client for an account.
type ProviderFactory func(accountID string) (provider.API, error)

type accountEntry struct {
	state *AccountState
	api   provider.API

	// Paged message view: pager tracks visited tokens, nextToken is the
	// forward token for the next fetch. Guarded by pageMu as one unit.
	pageMu    sync.Mutex
	pager     *PageCursor
	nextToken string

	retryMu    sync.Mutex
	retryTimer *time.Timer
}

// Orchestrator drives sync for all registered accounts.
type Orchestrator struct {
	mu       sync.RWMutex
	accounts map[string]*accountEntry

	factory ProviderFactory
	store   *store.Store
	queue   *Queue
	events  *Bus
	opts    *Options
	logger  *slog.Logger
	online  atomic.Bool
}

// NewOrchestrator creates an orchestrator. A nil opts uses defaults.
func NewOrchestrator(factory ProviderFactory, st *store.Store, queue *Queue, events *Bus, opts *Options) *Orchestrator {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := &Orchestrator{
		accounts: make(map[string]*accountEntry),
		factory:  factory,
		store:    st,
		queue:    queue,
		events:   events,
		opts:     opts,
		logger:   slog.Default(),
	}
	o.online.Store(true)
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// AddAccount registers an account and builds its provider client.
func (o *Orchestrator) AddAccount(accountID, email string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.accounts[accountID]; exists {
		return fmt.Errorf("account %s already registered", accountID)
	}

	api, err := o.factory(accountID)
	if err != nil {
		return fmt.Errorf("create provider client for %s: %w", accountID, err)
	}

	o.accounts[accountID] = &accountEntry{
		state: NewAccountState(accountID, email),
		api:   api,
		pager: NewPageCursor(o.opts.PageSize),
	}
	o.store.AddAccount(accountID)
	o.logger.Info("account registered", "account", accountID, "email", email)
	return nil
}

// RemoveAccount unregisters an account, cascading its sync state, queued
// operations and cached mail data.
func (o *Orchestrator) RemoveAccount(accountID string) error {
	o.mu.Lock()
	e, ok := o.accounts[accountID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownAccount
	}
	delete(o.accounts, accountID)
	o.mu.Unlock()

	e.stopRetry()
	if err := e.api.Close(); err != nil {
		o.logger.Warn("closing provider client", "account", accountID, "error", err)
	}
	o.queue.Clear(accountID)
	o.store.RemoveAccount(accountID)
	o.logger.Info("account removed", "account", accountID)
	return nil
}

// entry returns the registered account entry.
func (o *Orchestrator) entry(accountID string) (*accountEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return e, nil
}

// AccountIDs returns the registered account ids.
func (o *Orchestrator) AccountIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.accounts))
	for id := range o.accounts {
		ids = append(ids, id)
	}
	return ids
}

// State returns the account's state snapshot.
func (o *Orchestrator) State(accountID string) (Snapshot, error) {
	e, err := o.entry(accountID)
	if err != nil {
		return Snapshot{}, err
	}
	return e.state.Snapshot(), nil
}

// States returns snapshots for all accounts.
func (o *Orchestrator) States() []Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Snapshot, 0, len(o.accounts))
	for _, e := range o.accounts {
		out = append(out, e.state.Snapshot())
	}
	return out
}

// Pause pauses automatic and manual sync for the account.
func (o *Orchestrator) Pause(accountID string) error {
	e, err := o.entry(accountID)
	if err != nil {
		return err
	}
	if !e.state.Pause() {
		return ErrAlreadySyncing
	}
	e.stopRetry()
	o.publishAccountUpdated(accountID)
	return nil
}

// Resume returns a paused account to idle.
func (o *Orchestrator) Resume(accountID string) error {
	e, err := o.entry(accountID)
	if err != nil {
		return err
	}
	if e.state.Resume() {
		o.publishAccountUpdated(accountID)
	}
	return nil
}

// Online reports the global connectivity flag.
func (o *Orchestrator) Online() bool {
	return o.online.Load()
}

// SetOnline broadcasts a connectivity transition to all account state
// machines. Going online triggers an automatic resync of every account
// that was offline.
func (o *Orchestrator) SetOnline(online bool) {
	prev := o.online.Swap(online)
	if prev == online {
		return
	}

	o.logger.Info("connectivity changed", "online", online)
	o.events.Publish(Event{Type: EventConnectionChanged, Online: online})

	o.mu.RLock()
	entries := make(map[string]*accountEntry, len(o.accounts))
	for id, e := range o.accounts {
		entries[id] = e
	}
	o.mu.RUnlock()

	for id, e := range entries {
		if !online {
			e.state.SetOffline()
			o.publishAccountUpdated(id)
			continue
		}
		if e.state.SetOnline() {
			o.publishAccountUpdated(id)
			go func(accountID string) {
				if _, err := o.SyncAccount(context.Background(), accountID, false); err != nil {
					o.logger.Debug("reconnect resync skipped", "account", accountID, "error", err)
				}
			}(id)
		}
	}
}

// CanSync reports whether a scheduled sync should fire for the account:
// only when it is idle and the client is online.
func (o *Orchestrator) CanSync(accountID string) bool {
	e, err := o.entry(accountID)
	if err != nil {
		return false
	}
	return o.online.Load() && e.state.Status() == StatusIdle
}

// SyncAccount synchronizes one account. The incremental path is taken
// when enabled, a history cursor exists and force is false; otherwise a
// full sync runs. A failed pass is reported through the returned Result
// (success=false), never as a panic; the error return is reserved for
// precondition violations (unknown account, already syncing, paused).
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string, force bool) (*Result, error) {
	e, err := o.entry(accountID)
	if err != nil {
		return nil, err
	}

	if !o.online.Load() {
		e.state.SetOffline()
		res := &Result{AccountID: accountID, Kind: SyncFull, StartTime: time.Now()}
		return res.fail(KindTransient, errors.New("client is offline")), nil
	}

	if err := e.state.BeginSync(force); err != nil {
		return nil, err
	}
	e.stopRetry()

	o.events.Publish(Event{Type: EventSyncStarted, AccountID: accountID})
	o.logger.Info("sync started", "account", accountID, "force", force)

	res, cause := o.runSync(ctx, e, force)

	if res.Success {
		e.state.FinishSync("")
		o.logger.Info("sync completed",
			"account", accountID,
			"kind", res.Kind,
			"new", len(res.NewMessageIDs),
			"updated", len(res.UpdatedMessageIDs),
			"deleted", len(res.DeletedMessageIDs),
			"duration", res.Duration)
		o.events.Publish(Event{Type: EventSyncCompleted, AccountID: accountID, Result: res})
		if n := len(res.NewMessageIDs); n > 0 {
			o.events.Publish(Event{Type: EventNewMessages, AccountID: accountID, NewMessageCount: n})
		}
		o.publishAccountUpdated(accountID)
		return res, nil
	}

	attempt := e.state.FinishSync(res.Error)
	kind := Classify(cause)
	o.logger.Warn("sync failed",
		"account", accountID,
		"kind", kind.String(),
		"attempt", attempt,
		"error", res.Error)
	o.events.Publish(Event{
		Type:      EventSyncError,
		AccountID: accountID,
		Result:    res,
		Error:     res.Error,
		ErrorKind: kind.String(),
	})
	o.publishAccountUpdated(accountID)

	// Transient failures retry with exponential backoff while retries
	// remain and the client is online; authentication-expired waits for
	// re-auth, everything else waits for the next scheduled or manual
	// attempt.
	if kind.Retryable() && attempt < o.opts.Policy.MaxRetries && o.online.Load() {
		delay := o.opts.Policy.Delay(attempt, RetryAfter(cause))
		o.logger.Info("sync retry scheduled", "account", accountID, "delay", delay)
		e.scheduleRetry(delay, func() {
			if _, err := o.SyncAccount(context.Background(), accountID, false); err != nil {
				o.logger.Debug("scheduled retry skipped", "account", accountID, "error", err)
			}
		})
	}

	return res, nil
}

// runSync executes one sync pass, choosing the path and handling the
// expired-cursor fallback. Panics are recovered and reported as a failed
// result.
func (o *Orchestrator) runSync(ctx context.Context, e *accountEntry, force bool) (res *Result, cause error) {
	accountID := e.state.AccountID()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sync panic recovered",
				"account", accountID, "panic", r, "stack", string(debug.Stack()))
			cause = fmt.Errorf("sync panicked: %v", r)
			res = (&Result{AccountID: accountID, StartTime: time.Now()}).fail(KindUnknown, cause)
		}
	}()

	cursor := e.state.HistoryCursor()
	if o.opts.Incremental && cursor != "" && !force {
		res, cause = o.incrementalSync(ctx, e, cursor)
		if errors.Is(cause, ErrCursorExpired) {
			// Mandatory transparent fallback: cursors are not retained
			// indefinitely by the provider.
			o.logger.Warn("history cursor expired, falling back to full sync", "account", accountID)
			res, cause = o.fullSync(ctx, e)
			res.FellBack = true
		}
	} else {
		res, cause = o.fullSync(ctx, e)
	}

	// Replay buffered user operations once the pass is done and the
	// account is known healthy.
	if res.Success && o.online.Load() {
		stats := o.queue.Drain(ctx, accountID, e.api)
		if stats.Executed > 0 || stats.Dropped > 0 {
			o.logger.Info("queue drained",
				"account", accountID,
				"executed", stats.Executed,
				"requeued", stats.Requeued,
				"dropped", stats.Dropped)
		}
	}

	return res, cause
}

// fullSync fetches labels and every message page, accumulating new
// messages into the result, then stores the provider's newest cursor.
func (o *Orchestrator) fullSync(ctx context.Context, e *accountEntry) (*Result, error) {
	accountID := e.state.AccountID()
	res := &Result{AccountID: accountID, Kind: SyncFull, StartTime: time.Now()}

	profile, err := e.api.GetProfile(ctx)
	if err != nil {
		return res.fail(Classify(err), fmt.Errorf("get profile: %w", err)), err
	}

	if err := o.syncLabels(ctx, e, res); err != nil {
		return res.fail(Classify(err), fmt.Errorf("sync labels: %w", err)), err
	}

	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return res.fail(Classify(err), err), err
		}

		list, err := e.api.ListMessages(ctx, "", pageToken, o.opts.PageSize)
		if err != nil {
			return res.fail(Classify(err), fmt.Errorf("list messages: %w", err)), err
		}
		if len(list.Messages) == 0 {
			break
		}

		ids := make([]string, len(list.Messages))
		for i, ref := range list.Messages {
			ids[i] = ref.ID
		}
		existing := o.store.ExistingIDs(accountID, ids)

		var fetchIDs []string
		for _, id := range ids {
			if !existing[id] {
				fetchIDs = append(fetchIDs, id)
			}
		}

		newIDs, _, err := o.fetchAndStore(ctx, e, fetchIDs)
		if err != nil {
			return res.fail(Classify(err), fmt.Errorf("fetch messages: %w", err)), err
		}
		res.NewMessageIDs = append(res.NewMessageIDs, newIDs...)

		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}

	e.state.SetHistoryCursor(profile.HistoryCursor)
	res.Success = true
	return res.finish(), nil
}

// incrementalSync applies the provider change log since cursor. An
// expired cursor surfaces as ErrCursorExpired for the caller to fall back.
func (o *Orchestrator) incrementalSync(ctx context.Context, e *accountEntry, cursor string) (*Result, error) {
	accountID := e.state.AccountID()
	res := &Result{AccountID: accountID, Kind: SyncIncremental, StartTime: time.Now()}

	if err := o.syncLabels(ctx, e, res); err != nil {
		return res.fail(Classify(err), fmt.Errorf("sync labels: %w", err)), err
	}

	newestCursor := cursor
	pageToken := ""

	for {
		if err := ctx.Err(); err != nil {
			return res.fail(Classify(err), err), err
		}

		page, err := e.api.ListHistory(ctx, cursor, pageToken)
		if err != nil {
			var notFound *provider.NotFoundError
			if errors.As(err, &notFound) {
				wrapped := fmt.Errorf("%w: %v", ErrCursorExpired, err)
				return res.fail(KindNotFound, wrapped), wrapped
			}
			return res.fail(Classify(err), fmt.Errorf("list history: %w", err)), err
		}

		added := make(map[string]bool)
		changed := make(map[string]bool)
		deleted := make(map[string]bool)

		for _, record := range page.Records {
			for _, ref := range record.MessagesAdded {
				added[ref.ID] = true
			}
			for _, ref := range record.MessagesDeleted {
				deleted[ref.ID] = true
			}
			for _, lc := range record.LabelsAdded {
				changed[lc.Message.ID] = true
			}
			for _, lc := range record.LabelsRemoved {
				changed[lc.Message.ID] = true
			}
		}

		// A message both added and deleted within the window nets out to
		// a deletion; label changes on deleted messages are moot.
		var addIDs, changeIDs, deleteIDs []string
		for id := range added {
			if !deleted[id] {
				addIDs = append(addIDs, id)
			}
			delete(changed, id) // fresh fetch covers its labels
		}
		for id := range changed {
			if !deleted[id] {
				changeIDs = append(changeIDs, id)
			}
		}
		for id := range deleted {
			deleteIDs = append(deleteIDs, id)
		}

		// Added and label-changed messages are refetched in full; deleted
		// ones are recorded by id only.
		newIDs, _, err := o.fetchAndStore(ctx, e, addIDs)
		if err != nil {
			return res.fail(Classify(err), fmt.Errorf("fetch added: %w", err)), err
		}
		res.NewMessageIDs = append(res.NewMessageIDs, newIDs...)

		_, storedChanged, err := o.fetchAndStore(ctx, e, changeIDs)
		if err != nil {
			return res.fail(Classify(err), fmt.Errorf("fetch changed: %w", err)), err
		}
		res.UpdatedMessageIDs = append(res.UpdatedMessageIDs, storedChanged...)

		if len(deleteIDs) > 0 {
			o.store.RemoveMessages(accountID, deleteIDs)
			res.DeletedMessageIDs = append(res.DeletedMessageIDs, deleteIDs...)
		}

		if page.HistoryCursor != "" {
			newestCursor = page.HistoryCursor
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	e.state.SetHistoryCursor(newestCursor)
	res.Success = true
	return res.finish(), nil
}

// syncLabels refreshes the account's label list and records deltas.
func (o *Orchestrator) syncLabels(ctx context.Context, e *accountEntry, res *Result) error {
	labels, err := e.api.ListLabels(ctx)
	if err != nil {
		return err
	}

	stored := make([]*store.Label, len(labels))
	for i, l := range labels {
		stored[i] = &store.Label{
			ID:             l.ID,
			Name:           l.Name,
			Type:           l.Type,
			MessagesTotal:  l.MessagesTotal,
			MessagesUnread: l.MessagesUnread,
		}
	}

	newIDs, updatedIDs := o.store.SetLabels(e.state.AccountID(), stored)
	res.NewLabelIDs = append(res.NewLabelIDs, newIDs...)
	res.UpdatedLabelIDs = append(res.UpdatedLabelIDs, updatedIDs...)
	return nil
}

// fetchAndStore fetches full messages in bounded batches and upserts them
// into the store. Returns the ids stored as new and as updated. Messages
// that fail to fetch individually are skipped; they will be recovered by
// a later pass.
func (o *Orchestrator) fetchAndStore(ctx context.Context, e *accountEntry, ids []string) (newIDs, updatedIDs []string, err error) {
	accountID := e.state.AccountID()

	for start := 0; start < len(ids); start += o.opts.BatchSize {
		end := start + o.opts.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		batch, err := e.api.GetMessagesBatch(ctx, ids[start:end])
		if err != nil {
			return newIDs, updatedIDs, err
		}

		msgs := make([]*store.Message, 0, len(batch))
		for _, raw := range batch {
			if raw == nil {
				continue
			}
			msgs = append(msgs, buildStoreMessage(raw, o.logger))
		}

		n, u := o.store.UpsertMessages(accountID, msgs)
		newIDs = append(newIDs, n...)
		updatedIDs = append(updatedIDs, u...)
	}
	return newIDs, updatedIDs, nil
}

// buildStoreMessage parses the raw MIME body into the store's message
// shape. Parse failures degrade to a placeholder body so the message
// still appears in the list.
func buildStoreMessage(raw *provider.Message, logger *slog.Logger) *store.Message {
	msg := &store.Message{
		ID:           raw.ID,
		ThreadID:     raw.ThreadID,
		Snippet:      mime.EnsureUTF8(raw.Snippet),
		LabelIDs:     append([]string(nil), raw.LabelIDs...),
		SizeEstimate: raw.SizeEstimate,
	}
	if raw.InternalDate > 0 {
		msg.Date = time.UnixMilli(raw.InternalDate).UTC()
	}

	parsed, err := mime.Parse(raw.Raw)
	if err != nil {
		logger.Warn("MIME parse failed, storing placeholder", "id", raw.ID, "error", err)
		msg.Subject = "(unparseable message)"
		msg.BodyText = fmt.Sprintf("[MIME parsing failed: %v]", err)
		return msg
	}

	msg.Subject = parsed.Subject
	msg.BodyText = parsed.BodyText
	msg.BodyHTML = parsed.BodyHTML
	msg.HasAttachments = len(parsed.Attachments) > 0
	if len(parsed.From) > 0 {
		msg.From = parsed.From[0].Email
	}
	for _, to := range parsed.To {
		msg.To = append(msg.To, to.Email)
	}
	if !parsed.Date.IsZero() {
		msg.Date = parsed.Date
	}
	return msg
}

// SyncAll syncs every account concurrently. One account's failure never
// cancels the others; the returned slice has one result per account.
func (o *Orchestrator) SyncAll(ctx context.Context) []*Result {
	ids := o.AccountIDs()

	results := make([]*Result, len(ids))
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(i int, accountID string) {
			defer wg.Done()
			res, err := o.SyncAccount(ctx, accountID, false)
			if err != nil {
				res = (&Result{AccountID: accountID, StartTime: time.Now()}).fail(KindUnknown, err)
			}
			results[i] = res
		}(i, id)
	}

	wg.Wait()
	return results
}

// EnqueueOperation records a mutating user action. The local view updates
// optimistically; the remote call happens through the queue, immediately
// when online, or on the next drain otherwise.
func (o *Orchestrator) EnqueueOperation(ctx context.Context, accountID string, op *Operation) error {
	e, err := o.entry(accountID)
	if err != nil {
		return err
	}

	if err := o.queue.Enqueue(accountID, op); err != nil {
		return err
	}
	o.applyLocal(accountID, op)

	if o.online.Load() && e.state.Status() != StatusPaused {
		stats := o.queue.Drain(ctx, accountID, e.api)
		o.logger.Debug("operation drain",
			"account", accountID,
			"executed", stats.Executed,
			"requeued", stats.Requeued,
			"dropped", stats.Dropped)
	}

	o.publishAccountUpdated(accountID)
	return nil
}

// applyLocal mirrors the operation onto the local store so the UI updates
// before the remote call completes.
func (o *Orchestrator) applyLocal(accountID string, op *Operation) {
	switch op.Type {
	case OpMarkRead:
		o.store.ApplyLabelDelta(accountID, op.MessageIDs, nil, []string{labelUnread})
	case OpMarkUnread:
		o.store.ApplyLabelDelta(accountID, op.MessageIDs, []string{labelUnread}, nil)
	case OpStar:
		o.store.ApplyLabelDelta(accountID, op.MessageIDs, []string{labelStarred}, nil)
	case OpUnstar:
		o.store.ApplyLabelDelta(accountID, op.MessageIDs, nil, []string{labelStarred})
	case OpArchive:
		o.store.ApplyLabelDelta(accountID, op.MessageIDs, nil, []string{labelInbox})
	case OpMoveLabel:
		o.store.ApplyLabelDelta(accountID, op.MessageIDs, []string{op.LabelID}, []string{labelInbox})
	case OpDelete:
		o.store.RemoveMessages(accountID, op.MessageIDs)
	}
}

// NextPage loads the next page of the account's message view, returning
// the page's messages.
func (o *Orchestrator) NextPage(ctx context.Context, accountID string) ([]store.Message, error) {
	e, err := o.entry(accountID)
	if err != nil {
		return nil, err
	}

	e.pageMu.Lock()
	defer e.pageMu.Unlock()

	token := e.nextToken
	if e.pager.State().Depth > 0 && token == "" {
		return nil, ErrLastPage
	}

	page, err := o.loadPage(ctx, e, token)
	if err != nil {
		return nil, err
	}

	e.pager.Advance(token)
	return page, nil
}

// PrevPage navigates back one page by refetching the previous page's
// token; the page is rebuilt from the provider rather than trimmed from
// local state.
func (o *Orchestrator) PrevPage(ctx context.Context, accountID string) ([]store.Message, error) {
	e, err := o.entry(accountID)
	if err != nil {
		return nil, err
	}

	e.pageMu.Lock()
	defer e.pageMu.Unlock()

	token, ok := e.pager.PeekPrev()
	if !ok {
		return nil, ErrFirstPage
	}

	// Refetch before popping so a failed fetch leaves the cursor on the
	// page the caller is still looking at.
	page, err := o.loadPage(ctx, e, token)
	if err != nil {
		return nil, err
	}
	e.pager.Retreat()
	return page, nil
}

// GoToPage jumps directly to a previously loaded page, identified by the
// token it was fetched with (empty for page one). The page is refetched
// and the cursor truncated to that position.
func (o *Orchestrator) GoToPage(ctx context.Context, accountID, token string) ([]store.Message, error) {
	e, err := o.entry(accountID)
	if err != nil {
		return nil, err
	}

	e.pageMu.Lock()
	defer e.pageMu.Unlock()

	if !e.pager.Visited(token) {
		return nil, ErrUnknownPage
	}

	page, err := o.loadPage(ctx, e, token)
	if err != nil {
		return nil, err
	}
	e.pager.Seek(token)
	return page, nil
}

// ResetPages clears pagination state on a view or query change.
func (o *Orchestrator) ResetPages(accountID string) error {
	e, err := o.entry(accountID)
	if err != nil {
		return err
	}

	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	e.pager.Reset()
	e.nextToken = ""
	return nil
}

// PageState returns the account's pagination snapshot.
func (o *Orchestrator) PageState(accountID string) (PageState, error) {
	e, err := o.entry(accountID)
	if err != nil {
		return PageState{}, err
	}
	return e.pager.State(), nil
}

// loadPage fetches one message-list page with full bodies and caches it.
// Caller holds pageMu.
func (o *Orchestrator) loadPage(ctx context.Context, e *accountEntry, token string) ([]store.Message, error) {
	accountID := e.state.AccountID()

	list, err := e.api.ListMessages(ctx, "", token, o.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	ids := make([]string, len(list.Messages))
	for i, ref := range list.Messages {
		ids[i] = ref.ID
	}

	existing := o.store.ExistingIDs(accountID, ids)
	var fetchIDs []string
	for _, id := range ids {
		if !existing[id] {
			fetchIDs = append(fetchIDs, id)
		}
	}
	if _, _, err := o.fetchAndStore(ctx, e, fetchIDs); err != nil {
		return nil, err
	}

	e.nextToken = list.NextPageToken

	page := make([]store.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := o.store.Message(accountID, id); ok {
			page = append(page, msg)
		}
	}
	return page, nil
}

// Registrar exposes the account's push registration surface to the push
// bridge.
func (o *Orchestrator) Registrar(accountID string) (provider.PushRegistrar, error) {
	e, err := o.entry(accountID)
	if err != nil {
		return nil, err
	}
	return e.api, nil
}

// SetPushSubscription records push subscription bookkeeping on the
// account state.
func (o *Orchestrator) SetPushSubscription(accountID string, enabled bool, expiresAt time.Time) error {
	e, err := o.entry(accountID)
	if err != nil {
		return err
	}
	e.state.SetPush(enabled, expiresAt)
	o.publishAccountUpdated(accountID)
	return nil
}

// Close stops retry timers and closes provider clients.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs *multierror.Error
	for id, e := range o.accounts {
		e.stopRetry()
		if err := e.api.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing client for %s: %w", id, err))
		}
	}
	return errs.ErrorOrNil()
}

func (o *Orchestrator) publishAccountUpdated(accountID string) {
	o.events.Publish(Event{Type: EventAccountUpdated, AccountID: accountID})
}

// scheduleRetry arms the entry's retry timer, replacing any pending one.
func (e *accountEntry) scheduleRetry(delay time.Duration, fn func()) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, fn)
}

// stopRetry cancels a pending retry, if any.
func (e *accountEntry) stopRetry() {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}
