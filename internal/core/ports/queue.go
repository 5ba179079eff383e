package ports

import (
	"context"
	"time"

	"github.com/satsvault/custodiad/internal/core/domain"
)

// QueueMessage is a leased delivery of a TransactionCommand. The lease
// expires after the visibility timeout passed to Receive; an unacked message
// becomes visible again with its dequeue count already incremented.
type QueueMessage struct {
	Id      string
	Queue   string
	Command domain.TransactionCommand
}

// CommandQueue is an at-least-once delivery queue with a visibility-timeout
// lease, dequeue-count tracking, and a poison sibling queue per logical
// queue name. The queue has no random access: poison recovery is a linear
// drain-and-requeue.
type CommandQueue interface {
	Enqueue(ctx context.Context, queue string, cmd domain.TransactionCommand) error
	// Receive leases the oldest visible message, or returns nil when the
	// queue is empty. Each successful lease increments DequeueCount.
	Receive(ctx context.Context, queue string, visibility time.Duration) (*QueueMessage, error)
	// Ack deletes a processed message.
	Ack(ctx context.Context, msg *QueueMessage) error
	// Fail records the error on the message. When the dequeue count reached
	// maxDequeueCount the message is moved to the poison sibling, otherwise
	// it becomes visible again for redelivery. Returns true when poisoned.
	Fail(ctx context.Context, msg *QueueMessage, reason string, maxDequeueCount int) (bool, error)
	// Poison moves the message to the poison sibling immediately, regardless
	// of its dequeue count.
	Poison(ctx context.Context, msg *QueueMessage, reason string) error
	Count(ctx context.Context, queue string) (int, error)
	PoisonCount(ctx context.Context, queue string) (int, error)
	// RequeueFromPoison scans the poison sibling for the given transaction
	// id, resets its dequeue count and last error and reinjects it into the
	// live queue. Every other poison message is drained and re-appended.
	// Returns false when no message matched.
	RequeueFromPoison(ctx context.Context, queue, transactionId string) (bool, error)
	Close()
}
