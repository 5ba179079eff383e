package badgerqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	badgerqueue "github.com/satsvault/custodiad/internal/infrastructure/queue/badger"
)

const queueName = "transaction-commands"

func newTestQueue(t *testing.T) ports.CommandQueue {
	t.Helper()
	queue, err := badgerqueue.NewCommandQueue("", nil)
	require.NoError(t, err)
	require.NotNil(t, queue)
	t.Cleanup(queue.Close)
	return queue
}

func newCommand(transactionId string) domain.TransactionCommand {
	return domain.TransactionCommand{
		TransactionId: transactionId,
		Type:          domain.CommandTypeTransfer,
		Payload:       []byte(`{"fromAddress":"a","toAddress":"b","amount":1000}`),
	}
}

func TestEnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.Enqueue(ctx, queueName, newCommand("tx-1")))
	require.NoError(t, queue.Enqueue(ctx, queueName, newCommand("tx-2")))

	count, err := queue.Count(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	msg, err := queue.Receive(ctx, queueName, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "tx-1", msg.Command.TransactionId)
	require.Equal(t, domain.CommandTypeTransfer, msg.Command.Type)
	require.Equal(t, 1, msg.Command.DequeueCount)

	// tx-1 is leased, the next receive skips it.
	msg2, err := queue.Receive(ctx, queueName, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg2)
	require.Equal(t, "tx-2", msg2.Command.TransactionId)

	empty, err := queue.Receive(ctx, queueName, time.Minute)
	require.NoError(t, err)
	require.Nil(t, empty)

	require.NoError(t, queue.Ack(ctx, msg))
	require.NoError(t, queue.Ack(ctx, msg2))

	count, err = queue.Count(ctx, queueName)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.Enqueue(ctx, queueName, newCommand("tx-1")))

	msg, err := queue.Receive(ctx, queueName, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, 1, msg.Command.DequeueCount)

	// Inside the visibility window the message is hidden.
	hidden, err := queue.Receive(ctx, queueName, time.Second)
	require.NoError(t, err)
	require.Nil(t, hidden)

	// Visibility is tracked at second granularity.
	time.Sleep(2 * time.Second)

	redelivered, err := queue.Receive(ctx, queueName, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, "tx-1", redelivered.Command.TransactionId)
	require.Equal(t, 2, redelivered.Command.DequeueCount)
}

func TestFailRetriesThenPoisons(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	const maxDequeueCount = 3
	require.NoError(t, queue.Enqueue(ctx, queueName, newCommand("tx-1")))

	for attempt := 1; attempt < maxDequeueCount; attempt++ {
		msg, err := queue.Receive(ctx, queueName, time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Equal(t, attempt, msg.Command.DequeueCount)

		poisoned, err := queue.Fail(ctx, msg, "rpc unavailable", maxDequeueCount)
		require.NoError(t, err)
		require.False(t, poisoned)

		// A failed command is not redelivered before its lease lapses.
		hidden, err := queue.Receive(ctx, queueName, time.Second)
		require.NoError(t, err)
		require.Nil(t, hidden)
		time.Sleep(2 * time.Second)
	}

	msg, err := queue.Receive(ctx, queueName, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, maxDequeueCount, msg.Command.DequeueCount)
	require.Equal(t, "rpc unavailable", msg.Command.LastError)

	poisoned, err := queue.Fail(ctx, msg, "rpc unavailable", maxDequeueCount)
	require.NoError(t, err)
	require.True(t, poisoned)

	count, err := queue.Count(ctx, queueName)
	require.NoError(t, err)
	require.Zero(t, count)

	poisonCount, err := queue.PoisonCount(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, 1, poisonCount)
}

func TestPoisonSkipsRetries(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.Enqueue(ctx, queueName, newCommand("tx-1")))

	msg, err := queue.Receive(ctx, queueName, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, queue.Poison(ctx, msg, "malformed payload"))

	count, err := queue.Count(ctx, queueName)
	require.NoError(t, err)
	require.Zero(t, count)

	poisonCount, err := queue.PoisonCount(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, 1, poisonCount)
}

func TestRequeueFromPoison(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		require.NoError(t, queue.Enqueue(ctx, queueName, newCommand(id)))
		msg, err := queue.Receive(ctx, queueName, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.NoError(t, queue.Poison(ctx, msg, "bad signature"))
	}

	poisonCount, err := queue.PoisonCount(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, 3, poisonCount)

	t.Run("no match leaves poison untouched", func(t *testing.T) {
		requeued, err := queue.RequeueFromPoison(ctx, queueName, "tx-unknown")
		require.NoError(t, err)
		require.False(t, requeued)

		poisonCount, err := queue.PoisonCount(ctx, queueName)
		require.NoError(t, err)
		require.Equal(t, 3, poisonCount)
	})

	t.Run("match is reset and reinjected", func(t *testing.T) {
		requeued, err := queue.RequeueFromPoison(ctx, queueName, "tx-2")
		require.NoError(t, err)
		require.True(t, requeued)

		poisonCount, err := queue.PoisonCount(ctx, queueName)
		require.NoError(t, err)
		require.Equal(t, 2, poisonCount)

		count, err := queue.Count(ctx, queueName)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		msg, err := queue.Receive(ctx, queueName, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Equal(t, "tx-2", msg.Command.TransactionId)
		// The retry starts with a clean slate.
		require.Equal(t, 1, msg.Command.DequeueCount)
		require.Empty(t, msg.Command.LastError)
	})
}
