package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://mail.googleapis.com/mail/v1"

	// transportRetries bounds retries for transient failures inside a
	// single request. Sync-level retry policy lives with the caller, so
	// this only smooths over short network blips.
	transportRetries = 4

	maxTransportBackoff = 30 * time.Second
	defaultTimeout      = 30 * time.Second
)

// Client implements the provider API over HTTP.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	userID      string // "me" for the authenticated user
	concurrency int    // max parallel requests for batch operations
	pushTopic   string // destination topic for push subscriptions
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBaseURL overrides the provider endpoint, mainly for tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithConcurrency sets the max concurrent requests for batch operations.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithPushTopic sets the topic push notifications are delivered to.
func WithPushTopic(topic string) ClientOption {
	return func(c *Client) {
		c.pushTopic = topic
	}
}

// NewClient creates a provider client authenticated by the token source.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  oauth2.NewClient(context.Background(), tokenSource),
		baseURL:     defaultBaseURL,
		userID:      "me",
		concurrency: 10,
		logger:      slog.Default(),
	}
	c.httpClient.Timeout = defaultTimeout

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(defaultQPS)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// request makes an HTTP request with rate limiting and bounded transient
// retry. bodyBytes can be nil for requests without a body.
func (c *Client) request(ctx context.Context, op Operation, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			backoff := transportBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		// New reader per attempt so the body can be re-sent on retry.
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &TransportError{Err: err}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &TransportError{Err: err}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			c.logger.Debug("rate limited", "path", path, "attempt", attempt, "retry_after", retryAfter)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = &RateLimitError{RetryAfter: retryAfter}
			continue

		case http.StatusForbidden:
			// The provider reports quota exhaustion as 403 with a
			// rate-limit reason; anything else is a hard permission error.
			if isQuotaBody(respBody) {
				c.logger.Debug("quota exceeded", "path", path, "attempt", attempt)
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = &RateLimitError{}
				continue
			}
			return nil, &AuthError{Status: resp.StatusCode}

		case http.StatusUnauthorized:
			// oauth2.Client auto-refreshes; a 401 here means the refresh
			// itself failed, so re-authentication is required.
			return nil, &AuthError{Status: resp.StatusCode}

		case http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return nil, &ValidationError{Status: resp.StatusCode, Message: firstLine(string(respBody))}

		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = &ServerError{Status: resp.StatusCode}
			continue

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, firstLine(string(respBody)))
		}
	}

	return nil, lastErr
}

// transportBackoff returns a jittered exponential backoff for the attempt.
func transportBackoff(attempt int) time.Duration {
	base := time.Duration(uint(1)<<uint(attempt)) * time.Second
	if base > maxTransportBackoff {
		base = maxTransportBackoff
	}
	// Full jitter between 0 and base.
	return time.Duration(rand.Float64() * float64(base))
}

// parseRetryAfter parses a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// isQuotaBody reports whether a 403 body is actually a quota error.
func isQuotaBody(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded")) ||
		bytes.Contains(body, []byte("Quota exceeded"))
}

// Wire types (unexported, used only for JSON unmarshaling).

type profileJSON struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
	ThreadsTotal  int64  `json:"threadsTotal"`
	HistoryID     string `json:"historyId"`
}

type labelJSON struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	MessagesTotal  int64  `json:"messagesTotal"`
	MessagesUnread int64  `json:"messagesUnread"`
}

type listLabelsJSON struct {
	Labels []labelJSON `json:"labels"`
}

type messageRefJSON struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type listMessagesJSON struct {
	Messages           []messageRefJSON `json:"messages"`
	NextPageToken      string           `json:"nextPageToken"`
	ResultSizeEstimate int64            `json:"resultSizeEstimate"`
}

type messageJSON struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	SizeEstimate int64    `json:"sizeEstimate"`
	Raw          string   `json:"raw"` // base64url, typically unpadded
}

type historyMessageJSON struct {
	Message messageRefJSON `json:"message"`
}

type historyLabelJSON struct {
	Message  messageRefJSON `json:"message"`
	LabelIDs []string       `json:"labelIds"`
}

type historyEntryJSON struct {
	ID              string               `json:"id"`
	MessagesAdded   []historyMessageJSON `json:"messagesAdded"`
	MessagesDeleted []historyMessageJSON `json:"messagesDeleted"`
	LabelsAdded     []historyLabelJSON   `json:"labelsAdded"`
	LabelsRemoved   []historyLabelJSON   `json:"labelsRemoved"`
}

type listHistoryJSON struct {
	History       []historyEntryJSON `json:"history"`
	NextPageToken string             `json:"nextPageToken"`
	HistoryID     string             `json:"historyId"`
}

type watchJSON struct {
	HistoryID  string `json:"historyId"`
	Expiration string `json:"expiration"` // Unix milliseconds
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	path := fmt.Sprintf("/users/%s/profile", c.userID)
	data, err := c.request(ctx, OpProfile, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp profileJSON
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
		HistoryCursor: resp.HistoryID,
	}, nil
}

// ListLabels returns all labels for the account.
func (c *Client) ListLabels(ctx context.Context) ([]*Label, error) {
	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, err := c.request(ctx, OpLabelsList, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp listLabelsJSON
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}

	labels := make([]*Label, len(resp.Labels))
	for i, l := range resp.Labels {
		labels[i] = &Label{
			ID:             l.ID,
			Name:           l.Name,
			Type:           l.Type,
			MessagesTotal:  l.MessagesTotal,
			MessagesUnread: l.MessagesUnread,
		}
	}
	return labels, nil
}

// ListMessages returns message references matching the query.
func (c *Client) ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageList, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(pageSize))
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
	data, err := c.request(ctx, OpMessagesList, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp listMessagesJSON
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	refs := make([]MessageRef, len(resp.Messages))
	for i, m := range resp.Messages {
		refs[i] = MessageRef(m)
	}

	return &MessageList{
		Messages:           refs,
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}, nil
}

// GetMessage fetches a single message with raw MIME data.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, messageID)
	data, err := c.request(ctx, OpMessagesGet, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp messageJSON
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	rawBytes, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw MIME: %w", err)
	}

	internalDate, _ := strconv.ParseInt(resp.InternalDate, 10, 64)

	return &Message{
		ID:           resp.ID,
		ThreadID:     resp.ThreadID,
		LabelIDs:     resp.LabelIDs,
		Snippet:      resp.Snippet,
		InternalDate: internalDate,
		SizeEstimate: resp.SizeEstimate,
		Raw:          rawBytes,
	}, nil
}

// GetMessagesBatch fetches multiple messages in parallel with rate limiting.
func (c *Client) GetMessagesBatch(ctx context.Context, messageIDs []string) ([]*Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	results := make([]*Message, len(messageIDs))
	sem := make(chan struct{}, c.concurrency)

	g, ctx := errgroup.WithContext(ctx)

	for i, id := range messageIDs {
		i, id := i, id
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return ctx.Err()
			}

			msg, err := c.GetMessage(ctx, id)
			if err != nil {
				// Leave a nil entry so one bad message doesn't fail the
				// whole batch; callers skip nils.
				c.logger.Warn("failed to fetch message", "id", id, "error", err)
				return nil
			}

			results[i] = msg
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// ListHistory returns changes since the given history cursor.
func (c *Client) ListHistory(ctx context.Context, sinceCursor, pageToken string) (*HistoryPage, error) {
	params := url.Values{}
	params.Set("startHistoryId", sinceCursor)
	for _, ht := range []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"} {
		params.Add("historyTypes", ht)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	path := fmt.Sprintf("/users/%s/history?%s", c.userID, params.Encode())
	data, err := c.request(ctx, OpHistoryList, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp listHistoryJSON
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}

	return &HistoryPage{
		Records:       mapHistoryEntries(resp.History),
		NextPageToken: resp.NextPageToken,
		HistoryCursor: resp.HistoryID,
	}, nil
}

func mapHistoryEntries(entries []historyEntryJSON) []HistoryRecord {
	records := make([]HistoryRecord, len(entries))
	for i, h := range entries {
		id, _ := strconv.ParseUint(h.ID, 10, 64)
		records[i] = HistoryRecord{
			ID:              id,
			MessagesAdded:   mapMessageRefs(h.MessagesAdded),
			MessagesDeleted: mapMessageRefs(h.MessagesDeleted),
			LabelsAdded:     mapLabelChanges(h.LabelsAdded),
			LabelsRemoved:   mapLabelChanges(h.LabelsRemoved),
		}
	}
	return records
}

func mapMessageRefs(changes []historyMessageJSON) []MessageRef {
	out := make([]MessageRef, len(changes))
	for i, ch := range changes {
		out[i] = MessageRef(ch.Message)
	}
	return out
}

func mapLabelChanges(changes []historyLabelJSON) []LabelChange {
	out := make([]LabelChange, len(changes))
	for i, ch := range changes {
		out[i] = LabelChange{
			Message:  MessageRef(ch.Message),
			LabelIDs: ch.LabelIDs,
		}
	}
	return out
}

// ModifyMessages applies label deltas to a batch of messages.
func (c *Client) ModifyMessages(ctx context.Context, messageIDs []string, addLabelIDs, removeLabelIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) > 1000 {
		return &ValidationError{Status: http.StatusBadRequest,
			Message: fmt.Sprintf("batch modify limited to 1000 messages, got %d", len(messageIDs))}
	}

	body := struct {
		IDs            []string `json:"ids"`
		AddLabelIDs    []string `json:"addLabelIds,omitempty"`
		RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
	}{IDs: messageIDs, AddLabelIDs: addLabelIDs, RemoveLabelIDs: removeLabelIDs}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	path := fmt.Sprintf("/users/%s/messages/batchModify", c.userID)
	_, err = c.request(ctx, OpMessagesModify, http.MethodPost, path, bodyBytes)
	return err
}

// TrashMessage moves a message to trash.
func (c *Client) TrashMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s/trash", c.userID, messageID)
	_, err := c.request(ctx, OpMessagesTrash, http.MethodPost, path, nil)
	return err
}

// Watch registers a push subscription for the account.
func (c *Client) Watch(ctx context.Context) (*PushSubscription, error) {
	body := struct {
		TopicName string `json:"topicName"`
	}{TopicName: c.pushTopic}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	path := fmt.Sprintf("/users/%s/watch", c.userID)
	data, err := c.request(ctx, OpWatch, http.MethodPost, path, bodyBytes)
	if err != nil {
		return nil, err
	}

	var resp watchJSON
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse watch response: %w", err)
	}

	expMillis, _ := strconv.ParseInt(resp.Expiration, 10, 64)

	return &PushSubscription{
		Expiration:    time.UnixMilli(expMillis).UTC(),
		HistoryCursor: resp.HistoryID,
	}, nil
}

// StopWatch unregisters the account's push subscription.
func (c *Client) StopWatch(ctx context.Context) error {
	path := fmt.Sprintf("/users/%s/stop", c.userID)
	_, err := c.request(ctx, OpWatch, http.MethodPost, path, nil)
	return err
}

// decodeBase64URL decodes base64url data, tolerating optional padding.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// firstLine returns the first line of a string, for compact error messages.
func firstLine(s string) string {
	if idx := strings.Index(s, "\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Ensure Client implements the API interface.
var _ API = (*Client)(nil)
