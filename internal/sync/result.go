package sync

import "time"

// SyncKind names the sync path a result came from.
type SyncKind string

const (
	SyncFull        SyncKind = "full"
	SyncIncremental SyncKind = "incremental"
)

// Result is the immutable record of one sync attempt. It is produced once
// per attempt, consumed by the mail state store and emitted as an event;
// it is never persisted.
type Result struct {
	AccountID string   `json:"account_id"`
	Kind      SyncKind `json:"kind"`

	NewMessageIDs     []string `json:"new_message_ids,omitempty"`
	UpdatedMessageIDs []string `json:"updated_message_ids,omitempty"`
	DeletedMessageIDs []string `json:"deleted_message_ids,omitempty"`
	NewLabelIDs       []string `json:"new_label_ids,omitempty"`
	UpdatedLabelIDs   []string `json:"updated_label_ids,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	// FellBack is set when an incremental sync's cursor was rejected and
	// the pass completed as a full sync.
	FellBack bool `json:"fell_back,omitempty"`
}

// finish stamps the end time and duration.
func (r *Result) finish() *Result {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	return r
}

// fail records a classified failure on the result.
func (r *Result) fail(kind Kind, err error) *Result {
	r.Success = false
	r.ErrorKind = kind.String()
	if err != nil {
		r.Error = err.Error()
	}
	return r.finish()
}
