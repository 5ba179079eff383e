package badgerdb

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/pkg/errors"
	"github.com/timshannon/badgerhold/v4"
)

const spentOutputStoreDir = "spent-outputs"

type spentOutputRepository struct {
	store *badgerhold.Store
}

func NewSpentOutputRepository(config ...interface{}) (domain.SpentOutputRepository, error) {
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
		dir = filepath.Join(baseDir, spentOutputStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open spent output store: %s", err)
	}

	return &spentOutputRepository{store}, nil
}

// Insert records every outpoint in one badger transaction keyed by the
// outpoint string. A key collision aborts the whole batch: exactly one of
// two racing inserts for the same outpoint can succeed.
func (r *spentOutputRepository) Insert(
	ctx context.Context, transactionId string, outpoints []domain.Outpoint,
) error {
	now := time.Now().Unix()
	insert := func() error {
		return r.store.Badger().Update(func(tx *badger.Txn) error {
			for _, outpoint := range outpoints {
				record := domain.SpentOutput{
					Outpoint:      outpoint,
					TransactionId: transactionId,
					SpentAt:       now,
				}
				if err := r.store.TxInsert(tx, outpoint.String(), &record); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := insert()
	for attempts := 1; stderrors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(100 * time.Millisecond)
		err = insert()
	}
	if stderrors.Is(err, badgerhold.ErrKeyExists) {
		outs := make([]string, 0, len(outpoints))
		for _, outpoint := range outpoints {
			outs = append(outs, outpoint.String())
		}
		return errors.CONCURRENT_INPUTS.
			New("one or more outputs already spent").
			WithMetadata(errors.OutpointsMetadata{
				TransactionId: transactionId,
				Outpoints:     outs,
			})
	}
	if err != nil {
		return fmt.Errorf("failed to insert spent outputs: %w", err)
	}
	return nil
}

func (r *spentOutputRepository) FilterUnspent(
	ctx context.Context, candidates []domain.Outpoint,
) ([]domain.Outpoint, error) {
	unspent := make([]domain.Outpoint, 0, len(candidates))
	for _, outpoint := range candidates {
		var record domain.SpentOutput
		err := r.store.Get(outpoint.String(), &record)
		if stderrors.Is(err, badgerhold.ErrNotFound) {
			unspent = append(unspent, outpoint)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read spent output: %w", err)
		}
	}
	return unspent, nil
}

func (r *spentOutputRepository) Remove(
	ctx context.Context, outpoints []domain.Outpoint,
) error {
	return r.store.Badger().Update(func(tx *badger.Txn) error {
		for _, outpoint := range outpoints {
			err := r.store.TxDelete(tx, outpoint.String(), domain.SpentOutput{})
			if err != nil && !stderrors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

func (r *spentOutputRepository) Get(
	ctx context.Context, outpoint domain.Outpoint,
) (*domain.SpentOutput, error) {
	var record domain.SpentOutput
	err := r.store.Get(outpoint.String(), &record)
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spent output: %w", err)
	}
	return &record, nil
}

func (r *spentOutputRepository) Close() {
	// nolint:all
	r.store.Close()
}
