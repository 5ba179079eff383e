package badgerqueue

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/timshannon/badgerhold/v4"
)

const (
	queueStoreDir = "command-queue"

	// PoisonSuffix names the poison sibling of a logical queue.
	PoisonSuffix = "-poison"
)

type commandQueue struct {
	store *badgerhold.Store
}

type queueMessageDTO struct {
	ID            uint64 `badgerhold:"key"`
	MsgId         string `badgerholdIndex:"MsgId"`
	Queue         string `badgerholdIndex:"Queue"`
	TransactionId string
	Type          domain.CommandType
	Payload       []byte
	DequeueCount  int
	LastError     string
	VisibleAt     int64
	EnqueuedAt    int64
}

func (d queueMessageDTO) toMessage() *ports.QueueMessage {
	return &ports.QueueMessage{
		Id:    d.MsgId,
		Queue: d.Queue,
		Command: domain.TransactionCommand{
			TransactionId: d.TransactionId,
			Type:          d.Type,
			Payload:       d.Payload,
			DequeueCount:  d.DequeueCount,
			LastError:     d.LastError,
		},
	}
}

func NewCommandQueue(config ...interface{}) (ports.CommandQueue, error) {
	if len(config) != 2 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}
	var logger badger.Logger
	if config[1] != nil {
		logger, ok = config[1].(badger.Logger)
		if !ok {
			return nil, fmt.Errorf("invalid logger")
		}
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, queueStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open command queue store: %s", err)
	}

	return &commandQueue{store}, nil
}

func (q *commandQueue) Enqueue(
	ctx context.Context, queue string, cmd domain.TransactionCommand,
) error {
	now := time.Now()
	dto := queueMessageDTO{
		MsgId:         uuid.NewString(),
		Queue:         queue,
		TransactionId: cmd.TransactionId,
		Type:          cmd.Type,
		Payload:       cmd.Payload,
		DequeueCount:  cmd.DequeueCount,
		LastError:     cmd.LastError,
		VisibleAt:     now.Unix(),
		EnqueuedAt:    now.UnixNano(),
	}
	if err := q.store.Insert(badgerhold.NextSequence(), &dto); err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

// Receive leases the oldest visible message of the queue. The lease and the
// dequeue-count increment are one badger transaction: two workers cannot
// lease the same delivery.
func (q *commandQueue) Receive(
	ctx context.Context, queue string, visibility time.Duration,
) (*ports.QueueMessage, error) {
	var leased *ports.QueueMessage
	receive := func() error {
		return q.store.Badger().Update(func(tx *badger.Txn) error {
			now := time.Now().Unix()
			dtos := make([]queueMessageDTO, 0)
			query := badgerhold.Where("Queue").Eq(queue).And("VisibleAt").Le(now)
			if err := q.store.TxFind(tx, &dtos, query); err != nil {
				return err
			}
			if len(dtos) == 0 {
				return badgerhold.ErrNotFound
			}
			sort.Slice(dtos, func(i, j int) bool { return dtos[i].ID < dtos[j].ID })
			dto := dtos[0]
			dto.DequeueCount++
			dto.VisibleAt = time.Now().Add(visibility).Unix()
			if err := q.store.TxUpdate(tx, dto.ID, &dto); err != nil {
				return err
			}
			leased = dto.toMessage()
			return nil
		})
	}
	err := receive()
	for attempts := 1; stderrors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(50 * time.Millisecond)
		err = receive()
	}
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive command: %w", err)
	}
	return leased, nil
}

func (q *commandQueue) Ack(ctx context.Context, msg *ports.QueueMessage) error {
	err := q.store.DeleteMatching(
		queueMessageDTO{}, badgerhold.Where("MsgId").Eq(msg.Id),
	)
	if err != nil && !stderrors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to ack command: %w", err)
	}
	return nil
}

func (q *commandQueue) Fail(
	ctx context.Context, msg *ports.QueueMessage, reason string, maxDequeueCount int,
) (bool, error) {
	if msg.Command.DequeueCount >= maxDequeueCount {
		if err := q.Poison(ctx, msg, reason); err != nil {
			return false, err
		}
		return true, nil
	}

	// Redelivery waits for the lease taken at Receive to lapse, so failed
	// commands are retried at the pace of the visibility timeout.
	err := q.mutateByMsgId(msg.Id, func(dto *queueMessageDTO) {
		dto.LastError = reason
	})
	if err != nil {
		return false, fmt.Errorf("failed to release command for redelivery: %w", err)
	}
	return false, nil
}

func (q *commandQueue) Poison(
	ctx context.Context, msg *ports.QueueMessage, reason string,
) error {
	err := q.mutateByMsgId(msg.Id, func(dto *queueMessageDTO) {
		dto.Queue = dto.Queue + PoisonSuffix
		dto.LastError = reason
		dto.VisibleAt = time.Now().Unix()
	})
	if err != nil {
		return fmt.Errorf("failed to poison command: %w", err)
	}
	return nil
}

func (q *commandQueue) Count(ctx context.Context, queue string) (int, error) {
	count, err := q.store.Count(queueMessageDTO{}, badgerhold.Where("Queue").Eq(queue))
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return int(count), nil
}

func (q *commandQueue) PoisonCount(ctx context.Context, queue string) (int, error) {
	return q.Count(ctx, queue+PoisonSuffix)
}

// RequeueFromPoison drains the poison sibling linearly: the underlying queue
// has no random access, so every message is dequeued, non-matching ones are
// re-appended, and the match is reset and reinjected into the live queue.
func (q *commandQueue) RequeueFromPoison(
	ctx context.Context, queue, transactionId string,
) (bool, error) {
	matched := false
	err := q.store.Badger().Update(func(tx *badger.Txn) error {
		matched = false
		poisonQueue := queue + PoisonSuffix
		dtos := make([]queueMessageDTO, 0)
		query := badgerhold.Where("Queue").Eq(poisonQueue)
		if err := q.store.TxFind(tx, &dtos, query); err != nil {
			return err
		}
		sort.Slice(dtos, func(i, j int) bool { return dtos[i].ID < dtos[j].ID })

		now := time.Now()
		for _, dto := range dtos {
			if err := q.store.TxDelete(tx, dto.ID, queueMessageDTO{}); err != nil {
				return err
			}
			requeued := dto
			requeued.ID = 0
			if !matched && dto.TransactionId == transactionId {
				matched = true
				requeued.Queue = queue
				requeued.DequeueCount = 0
				requeued.LastError = ""
				requeued.VisibleAt = now.Unix()
				requeued.EnqueuedAt = now.UnixNano()
			}
			if err := q.store.TxInsert(tx, badgerhold.NextSequence(), &requeued); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to requeue from poison: %w", err)
	}
	return matched, nil
}

func (q *commandQueue) Close() {
	// nolint:all
	q.store.Close()
}

func (q *commandQueue) mutateByMsgId(msgId string, mutate func(*queueMessageDTO)) error {
	update := func() error {
		return q.store.Badger().Update(func(tx *badger.Txn) error {
			dtos := make([]queueMessageDTO, 0, 1)
			query := badgerhold.Where("MsgId").Eq(msgId).Limit(1)
			if err := q.store.TxFind(tx, &dtos, query); err != nil {
				return err
			}
			if len(dtos) == 0 {
				return badgerhold.ErrNotFound
			}
			dto := dtos[0]
			mutate(&dto)
			return q.store.TxUpdate(tx, dto.ID, &dto)
		})
	}
	err := update()
	for attempts := 1; stderrors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(50 * time.Millisecond)
		err = update()
	}
	return err
}
