package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelmail/kestrel/internal/provider"
)

// OpType identifies a queued mutating operation.
type OpType string

const (
	OpMarkRead   OpType = "mark_read"
	OpMarkUnread OpType = "mark_unread"
	OpStar       OpType = "star"
	OpUnstar     OpType = "unstar"
	OpDelete     OpType = "delete"
	OpArchive    OpType = "archive"
	OpMoveLabel  OpType = "move_label"
)

// System label IDs used to express read/star/archive as label deltas.
const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelInbox   = "INBOX"
)

// Operation is a mutating user action queued for remote execution.
type Operation struct {
	ID         string    `json:"id"`
	Type       OpType    `json:"type"`
	MessageIDs []string  `json:"message_ids"`
	LabelID    string    `json:"label_id,omitempty"` // move_label only
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
}

// NewOperation creates an operation with a fresh id and timestamp.
func NewOperation(opType OpType, messageIDs []string, labelID string) *Operation {
	return &Operation{
		ID:         uuid.NewString(),
		Type:       opType,
		MessageIDs: messageIDs,
		LabelID:    labelID,
		CreatedAt:  time.Now(),
	}
}

// Validate checks the operation shape before it enters the queue.
func (o *Operation) Validate() error {
	if len(o.MessageIDs) == 0 {
		return fmt.Errorf("operation %s: no target messages", o.Type)
	}
	switch o.Type {
	case OpMarkRead, OpMarkUnread, OpStar, OpUnstar, OpDelete, OpArchive:
		return nil
	case OpMoveLabel:
		if o.LabelID == "" {
			return fmt.Errorf("operation %s: label id required", o.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation type %q", o.Type)
	}
}

// DrainStats summarizes one queue drain.
type DrainStats struct {
	Executed  int
	Requeued  int
	Dropped   int
	AuthAbort bool
}

// Queue buffers mutating operations per account while they cannot be sent
// and replays them FIFO once the account is healthy again.
type Queue struct {
	mu         sync.Mutex
	pending    map[string][]*Operation
	maxRetries int
	dropped    map[string]int
	logger     *slog.Logger
}

// NewQueue creates a queue dropping operations after maxRetries failures.
func NewQueue(maxRetries int, logger *slog.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pending:    make(map[string][]*Operation),
		maxRetries: maxRetries,
		dropped:    make(map[string]int),
		logger:     logger,
	}
}

// Enqueue appends the operation to the account's pending list.
func (q *Queue) Enqueue(accountID string, op *Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[accountID] = append(q.pending[accountID], op)
	return nil
}

// Pending returns a copy of the account's pending operations, in order.
func (q *Queue) Pending(accountID string) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := q.pending[accountID]
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

// DroppedCount returns how many operations were dropped for the account
// after exhausting retries. Diagnostics only.
func (q *Queue) DroppedCount(accountID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped[accountID]
}

// Clear removes all pending operations for an account (account removal).
func (q *Queue) Clear(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, accountID)
	delete(q.dropped, accountID)
}

// Drain snapshots the account's pending operations, clears the live list
// and executes each against the provider in FIFO order. Retryable
// failures are re-enqueued with an incremented retry count; operations
// past maxRetries are dropped and reported as non-fatal. On an expired
// token the remaining snapshot is restored untouched so it replays after
// re-authentication.
func (q *Queue) Drain(ctx context.Context, accountID string, writer provider.MessageWriter) DrainStats {
	q.mu.Lock()
	snapshot := q.pending[accountID]
	q.pending[accountID] = nil
	q.mu.Unlock()

	var stats DrainStats

	for i, op := range snapshot {
		if err := ctx.Err(); err != nil {
			q.requeue(accountID, snapshot[i:])
			stats.Requeued += len(snapshot) - i
			return stats
		}

		err := q.execute(ctx, op, writer)
		if err == nil {
			stats.Executed++
			continue
		}

		kind := Classify(err)
		if kind == KindAuthExpired {
			// Keep everything from here on for replay after re-auth,
			// without charging a retry.
			q.requeue(accountID, snapshot[i:])
			stats.Requeued += len(snapshot) - i
			stats.AuthAbort = true
			q.logger.Warn("queue drain halted: re-authentication required",
				"account", accountID, "pending", len(snapshot)-i)
			return stats
		}

		if kind.Retryable() && op.RetryCount < q.maxRetries {
			op.RetryCount++
			q.requeue(accountID, []*Operation{op})
			stats.Requeued++
			q.logger.Debug("operation re-enqueued",
				"account", accountID, "op", op.ID, "type", op.Type,
				"retry", op.RetryCount, "error", err)
			continue
		}

		// Terminal failure or retries exhausted: drop, never re-queue.
		stats.Dropped++
		q.mu.Lock()
		q.dropped[accountID]++
		q.mu.Unlock()
		q.logger.Warn("operation dropped",
			"account", accountID, "op", op.ID, "type", op.Type,
			"kind", kind.String(), "retries", op.RetryCount, "error", err)
	}

	return stats
}

// requeue appends operations preserving their relative order.
func (q *Queue) requeue(accountID string, ops []*Operation) {
	if len(ops) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[accountID] = append(q.pending[accountID], ops...)
}

// execute performs one operation against the provider.
func (q *Queue) execute(ctx context.Context, op *Operation, writer provider.MessageWriter) error {
	switch op.Type {
	case OpMarkRead:
		return writer.ModifyMessages(ctx, op.MessageIDs, nil, []string{labelUnread})
	case OpMarkUnread:
		return writer.ModifyMessages(ctx, op.MessageIDs, []string{labelUnread}, nil)
	case OpStar:
		return writer.ModifyMessages(ctx, op.MessageIDs, []string{labelStarred}, nil)
	case OpUnstar:
		return writer.ModifyMessages(ctx, op.MessageIDs, nil, []string{labelStarred})
	case OpArchive:
		return writer.ModifyMessages(ctx, op.MessageIDs, nil, []string{labelInbox})
	case OpMoveLabel:
		return writer.ModifyMessages(ctx, op.MessageIDs, []string{op.LabelID}, []string{labelInbox})
	case OpDelete:
		for _, id := range op.MessageIDs {
			if err := writer.TrashMessage(ctx, id); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}
