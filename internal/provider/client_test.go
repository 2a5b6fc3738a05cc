package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: "test-token",
		Expiry:      time.Now().Add(time.Hour),
	})

	opts = append([]ClientOption{WithBaseURL(srv.URL)}, opts...)
	c := NewClient(ts, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestGetProfile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/profile" {
			t.Errorf("path = %q, want /users/me/profile", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(t, w, profileJSON{
			EmailAddress:  "alice@example.com",
			MessagesTotal: 1200,
			ThreadsTotal:  340,
			HistoryID:     "88421",
		})
	}))

	p, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile() = %v", err)
	}
	if p.EmailAddress != "alice@example.com" {
		t.Errorf("EmailAddress = %q", p.EmailAddress)
	}
	if p.MessagesTotal != 1200 || p.ThreadsTotal != 340 {
		t.Errorf("totals = %d/%d, want 1200/340", p.MessagesTotal, p.ThreadsTotal)
	}
	if p.HistoryCursor != "88421" {
		t.Errorf("HistoryCursor = %q, want 88421", p.HistoryCursor)
	}
}

func TestListLabels(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/labels" {
			t.Errorf("path = %q", r.URL.Path)
		}
		writeJSON(t, w, listLabelsJSON{Labels: []labelJSON{
			{ID: "INBOX", Name: "INBOX", Type: "system", MessagesTotal: 40, MessagesUnread: 3},
			{ID: "Label_7", Name: "receipts", Type: "user"},
		}})
	}))

	labels, err := c.ListLabels(context.Background())
	if err != nil {
		t.Fatalf("ListLabels() = %v", err)
	}
	if len(labels) != 2 {
		t.Fatalf("got %d labels, want 2", len(labels))
	}
	if labels[0].ID != "INBOX" || labels[0].MessagesUnread != 3 {
		t.Errorf("labels[0] = %+v", labels[0])
	}
	if labels[1].Name != "receipts" || labels[1].Type != "user" {
		t.Errorf("labels[1] = %+v", labels[1])
	}
}

func TestListMessagesQueryParams(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("maxResults"); got != "25" {
			t.Errorf("maxResults = %q, want 25", got)
		}
		if got := q.Get("q"); got != "in:inbox" {
			t.Errorf("q = %q", got)
		}
		if got := q.Get("pageToken"); got != "tok-2" {
			t.Errorf("pageToken = %q", got)
		}
		writeJSON(t, w, listMessagesJSON{
			Messages: []messageRefJSON{
				{ID: "m1", ThreadID: "t1"},
				{ID: "m2", ThreadID: "t1"},
			},
			NextPageToken:      "tok-3",
			ResultSizeEstimate: 90,
		})
	}))

	list, err := c.ListMessages(context.Background(), "in:inbox", "tok-2", 25)
	if err != nil {
		t.Fatalf("ListMessages() = %v", err)
	}
	if len(list.Messages) != 2 || list.Messages[0].ID != "m1" {
		t.Errorf("Messages = %+v", list.Messages)
	}
	if list.NextPageToken != "tok-3" {
		t.Errorf("NextPageToken = %q", list.NextPageToken)
	}
	if list.ResultSizeEstimate != 90 {
		t.Errorf("ResultSizeEstimate = %d", list.ResultSizeEstimate)
	}
}

func TestListMessagesDefaultPageSize(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("maxResults"); got != "100" {
			t.Errorf("maxResults = %q, want 100", got)
		}
		writeJSON(t, w, listMessagesJSON{})
	}))

	if _, err := c.ListMessages(context.Background(), "", "", 0); err != nil {
		t.Fatalf("ListMessages() = %v", err)
	}
}

func TestGetMessageDecodesRaw(t *testing.T) {
	raw := []byte("From: bob@example.com\r\nSubject: hi\r\n\r\nbody")

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/m1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "raw" {
			t.Errorf("format = %q, want raw", got)
		}
		writeJSON(t, w, messageJSON{
			ID:           "m1",
			ThreadID:     "t1",
			LabelIDs:     []string{"INBOX", "UNREAD"},
			InternalDate: "1735000000000",
			SizeEstimate: 4096,
			Raw:          base64.RawURLEncoding.EncodeToString(raw),
		})
	}))

	msg, err := c.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage() = %v", err)
	}
	if string(msg.Raw) != string(raw) {
		t.Errorf("Raw = %q", msg.Raw)
	}
	if msg.InternalDate != 1735000000000 {
		t.Errorf("InternalDate = %d", msg.InternalDate)
	}
	if len(msg.LabelIDs) != 2 {
		t.Errorf("LabelIDs = %v", msg.LabelIDs)
	}
}

func TestGetMessageAcceptsPaddedRaw(t *testing.T) {
	raw := []byte("x") // encodes with padding in standard base64url

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, messageJSON{ID: "m1", Raw: base64.URLEncoding.EncodeToString(raw)})
	}))

	msg, err := c.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage() = %v", err)
	}
	if string(msg.Raw) != "x" {
		t.Errorf("Raw = %q", msg.Raw)
	}
}

func TestGetMessagesBatchSkipsFailedEntries(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/me/messages/missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(t, w, messageJSON{
			ID:  r.URL.Path[len("/users/me/messages/"):],
			Raw: base64.RawURLEncoding.EncodeToString([]byte("Subject: ok\r\n\r\n.")),
		})
	}))

	msgs, err := c.GetMessagesBatch(context.Background(), []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("GetMessagesBatch() = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d entries, want 3", len(msgs))
	}
	if msgs[0] == nil || msgs[0].ID != "a" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1] != nil {
		t.Errorf("msgs[1] = %+v, want nil for the failed fetch", msgs[1])
	}
	if msgs[2] == nil || msgs[2].ID != "b" {
		t.Errorf("msgs[2] = %+v", msgs[2])
	}
}

func TestGetMessagesBatchEmpty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request for empty batch")
	}))

	msgs, err := c.GetMessagesBatch(context.Background(), nil)
	if err != nil || msgs != nil {
		t.Errorf("GetMessagesBatch(nil) = %v, %v", msgs, err)
	}
}

func TestListHistory(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("startHistoryId"); got != "88421" {
			t.Errorf("startHistoryId = %q", got)
		}
		if got := q["historyTypes"]; len(got) != 4 {
			t.Errorf("historyTypes = %v, want 4 entries", got)
		}
		writeJSON(t, w, listHistoryJSON{
			History: []historyEntryJSON{{
				ID:              "88430",
				MessagesAdded:   []historyMessageJSON{{Message: messageRefJSON{ID: "m9", ThreadID: "t9"}}},
				MessagesDeleted: []historyMessageJSON{{Message: messageRefJSON{ID: "m3"}}},
				LabelsAdded: []historyLabelJSON{{
					Message:  messageRefJSON{ID: "m4"},
					LabelIDs: []string{"STARRED"},
				}},
			}},
			HistoryID: "88430",
		})
	}))

	page, err := c.ListHistory(context.Background(), "88421", "")
	if err != nil {
		t.Fatalf("ListHistory() = %v", err)
	}
	if page.HistoryCursor != "88430" {
		t.Errorf("HistoryCursor = %q", page.HistoryCursor)
	}
	if len(page.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(page.Records))
	}
	rec := page.Records[0]
	if rec.ID != 88430 {
		t.Errorf("record ID = %d", rec.ID)
	}
	if len(rec.MessagesAdded) != 1 || rec.MessagesAdded[0].ID != "m9" {
		t.Errorf("MessagesAdded = %+v", rec.MessagesAdded)
	}
	if len(rec.MessagesDeleted) != 1 || rec.MessagesDeleted[0].ID != "m3" {
		t.Errorf("MessagesDeleted = %+v", rec.MessagesDeleted)
	}
	if len(rec.LabelsAdded) != 1 || rec.LabelsAdded[0].LabelIDs[0] != "STARRED" {
		t.Errorf("LabelsAdded = %+v", rec.LabelsAdded)
	}
}

func TestListHistoryExpiredCursor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "historyId expired", http.StatusNotFound)
	}))

	_, err := c.ListHistory(context.Background(), "1", "")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("ListHistory() = %v, want NotFoundError", err)
	}
}

func TestModifyMessagesBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/messages/batchModify" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body struct {
			IDs            []string `json:"ids"`
			AddLabelIDs    []string `json:"addLabelIds"`
			RemoveLabelIDs []string `json:"removeLabelIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(body.IDs) != 2 || body.IDs[0] != "m1" {
			t.Errorf("ids = %v", body.IDs)
		}
		if len(body.AddLabelIDs) != 1 || body.AddLabelIDs[0] != "STARRED" {
			t.Errorf("addLabelIds = %v", body.AddLabelIDs)
		}
		if len(body.RemoveLabelIDs) != 1 || body.RemoveLabelIDs[0] != "UNREAD" {
			t.Errorf("removeLabelIds = %v", body.RemoveLabelIDs)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.ModifyMessages(context.Background(), []string{"m1", "m2"}, []string{"STARRED"}, []string{"UNREAD"})
	if err != nil {
		t.Fatalf("ModifyMessages() = %v", err)
	}
}

func TestModifyMessagesBatchLimit(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversized batch must be rejected before any request")
	}))

	ids := make([]string, 1001)
	for i := range ids {
		ids[i] = "m"
	}
	err := c.ModifyMessages(context.Background(), ids, []string{"STARRED"}, nil)
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("ModifyMessages() = %v, want ValidationError", err)
	}
}

func TestModifyMessagesEmptyIsNoop(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request for empty batch")
	}))

	if err := c.ModifyMessages(context.Background(), nil, []string{"STARRED"}, nil); err != nil {
		t.Errorf("ModifyMessages(nil) = %v", err)
	}
}

func TestTrashMessage(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		writeJSON(t, w, struct{}{})
	}))

	if err := c.TrashMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("TrashMessage() = %v", err)
	}
	if gotPath != "POST /users/me/messages/m1/trash" {
		t.Errorf("request = %q", gotPath)
	}
}

func TestWatch(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/watch" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body struct {
			TopicName string `json:"topicName"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.TopicName != "projects/p/topics/mail" {
			t.Errorf("topicName = %q", body.TopicName)
		}
		writeJSON(t, w, watchJSON{
			HistoryID:  "90001",
			Expiration: strconv.FormatInt(exp.UnixMilli(), 10),
		})
	}), WithPushTopic("projects/p/topics/mail"))

	sub, err := c.Watch(context.Background())
	if err != nil {
		t.Fatalf("Watch() = %v", err)
	}
	if sub.HistoryCursor != "90001" {
		t.Errorf("HistoryCursor = %q", sub.HistoryCursor)
	}
	if !sub.Expiration.Equal(exp) {
		t.Errorf("Expiration = %v, want %v", sub.Expiration, exp)
	}
}

func TestStopWatch(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(t, w, struct{}{})
	}))

	if err := c.StopWatch(context.Background()); err != nil {
		t.Fatalf("StopWatch() = %v", err)
	}
	if gotPath != "/users/me/stop" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var e *AuthError
				if !errors.As(err, &e) || e.Status != http.StatusUnauthorized {
					t.Errorf("err = %v, want AuthError(401)", err)
				}
			},
		},
		{
			name:   "forbidden without quota reason",
			status: http.StatusForbidden,
			body:   `{"error": {"message": "insufficient scope"}}`,
			check: func(t *testing.T, err error) {
				var e *AuthError
				if !errors.As(err, &e) || e.Status != http.StatusForbidden {
					t.Errorf("err = %v, want AuthError(403)", err)
				}
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var e *NotFoundError
				if !errors.As(err, &e) {
					t.Errorf("err = %v, want NotFoundError", err)
				}
			},
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   "invalid query\nsecond line",
			check: func(t *testing.T, err error) {
				var e *ValidationError
				if !errors.As(err, &e) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
				if e.Message != "invalid query" {
					t.Errorf("Message = %q, want first line only", e.Message)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := c.GetProfile(context.Background())
			if err == nil {
				t.Fatal("GetProfile() = nil, want error")
			}
			tt.check(t, err)
		})
	}
}

func TestRateLimitResponseThrottlesAndRetries(t *testing.T) {
	var calls atomic.Int32
	rl := NewRateLimiter(5.0)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, profileJSON{EmailAddress: "alice@example.com"})
	}), WithRateLimiter(rl))

	p, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile() after 429 = %v", err)
	}
	if p.EmailAddress != "alice@example.com" {
		t.Errorf("EmailAddress = %q", p.EmailAddress)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
	if avail := rl.Available(); avail != 0 {
		t.Errorf("limiter Available = %v after 429, want 0 during throttle", avail)
	}
}

func TestQuotaForbiddenRetries(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error": {"errors": [{"reason": "rateLimitExceeded"}]}}`))
			return
		}
		writeJSON(t, w, profileJSON{EmailAddress: "alice@example.com"})
	}), WithRateLimiter(NewRateLimiter(5.0)))

	if _, err := c.GetProfile(context.Background()); err != nil {
		t.Fatalf("GetProfile() after quota 403 = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestServerErrorRetriesOnce(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, profileJSON{EmailAddress: "alice@example.com"})
	}))

	if _, err := c.GetProfile(context.Background()); err != nil {
		t.Fatalf("GetProfile() after 503 = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
