package badgerdb

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/pkg/errors"
	"github.com/timshannon/badgerhold/v4"
)

const (
	broadcastedTxStoreDir       = "broadcasted-txs"
	commitmentBroadcastStoreDir = "commitment-broadcasts"
)

type broadcastedTxRepository struct {
	store *badgerhold.Store
}

func NewBroadcastedTxRepository(
	config ...interface{},
) (domain.BroadcastedTransactionRepository, error) {
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
		dir = filepath.Join(baseDir, broadcastedTxStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open broadcasted tx store: %s", err)
	}

	return &broadcastedTxRepository{store}, nil
}

func (r *broadcastedTxRepository) Add(
	ctx context.Context, tx domain.BroadcastedTransaction,
) error {
	if err := r.store.Insert(tx.TransactionId, &tx); err != nil {
		if stderrors.Is(err, badgerhold.ErrKeyExists) {
			return errors.DUPLICATE_TRANSACTION_ID.
				New("transaction %s already broadcasted", tx.TransactionId).
				WithMetadata(errors.TransactionIdMetadata{TransactionId: tx.TransactionId})
		}
		return fmt.Errorf("failed to add broadcasted tx: %w", err)
	}
	return nil
}

func (r *broadcastedTxRepository) Get(
	ctx context.Context, transactionId string,
) (*domain.BroadcastedTransaction, error) {
	var tx domain.BroadcastedTransaction
	err := r.store.Get(transactionId, &tx)
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcasted tx: %w", err)
	}
	return &tx, nil
}

func (r *broadcastedTxRepository) GetByTxHash(
	ctx context.Context, txHash string,
) (*domain.BroadcastedTransaction, error) {
	txs := make([]domain.BroadcastedTransaction, 0, 1)
	query := badgerhold.Where("TxHash").Eq(txHash).Limit(1)
	if err := r.store.Find(&txs, query); err != nil {
		return nil, fmt.Errorf("failed to find broadcasted tx: %w", err)
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (r *broadcastedTxRepository) Close() {
	// nolint:all
	r.store.Close()
}

type commitmentBroadcastRepository struct {
	store *badgerhold.Store
}

func NewCommitmentBroadcastRepository(
	config ...interface{},
) (domain.CommitmentBroadcastRepository, error) {
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
		dir = filepath.Join(baseDir, commitmentBroadcastStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open commitment broadcast store: %s", err)
	}

	return &commitmentBroadcastRepository{store}, nil
}

func (r *commitmentBroadcastRepository) Add(
	ctx context.Context, broadcast domain.CommitmentBroadcast,
) error {
	if err := r.store.Insert(broadcast.TxHash, &broadcast); err != nil {
		if stderrors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("commitment broadcast %s already recorded", broadcast.TxHash)
		}
		return fmt.Errorf("failed to add commitment broadcast: %w", err)
	}
	return nil
}

func (r *commitmentBroadcastRepository) GetByTxHash(
	ctx context.Context, txHash string,
) (*domain.CommitmentBroadcast, error) {
	var broadcast domain.CommitmentBroadcast
	err := r.store.Get(txHash, &broadcast)
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment broadcast: %w", err)
	}
	return &broadcast, nil
}

func (r *commitmentBroadcastRepository) ListByCommitment(
	ctx context.Context, commitmentId string,
) ([]domain.CommitmentBroadcast, error) {
	broadcasts := make([]domain.CommitmentBroadcast, 0)
	query := badgerhold.Where("CommitmentId").Eq(commitmentId)
	if err := r.store.Find(&broadcasts, query); err != nil {
		return nil, fmt.Errorf("failed to list commitment broadcasts: %w", err)
	}
	return broadcasts, nil
}

func (r *commitmentBroadcastRepository) Close() {
	// nolint:all
	r.store.Close()
}
