package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const coinPoolStoreDir = "coin-pool"

type coinPoolRepository struct {
	store *badgerhold.Store
}

type poolEntryDTO struct {
	ID uint64 `badgerhold:"key"`
	domain.Coin
	AssetKey   string `badgerholdIndex:"AssetKey"`
	EnqueuedAt int64
}

func NewCoinPoolRepository(config ...interface{}) (domain.CoinPoolRepository, error) {
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
		dir = filepath.Join(baseDir, coinPoolStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open coin pool store: %s", err)
	}

	return &coinPoolRepository{store}, nil
}

// Dequeue removes and returns the oldest coin of the pool in a single badger
// transaction: no other caller can observe the coin once it is returned.
func (r *coinPoolRepository) Dequeue(
	ctx context.Context, assetId string,
) (*domain.Coin, error) {
	var coin *domain.Coin
	dequeue := func() error {
		return r.store.Badger().Update(func(tx *badger.Txn) error {
			entries := make([]poolEntryDTO, 0, 1)
			query := badgerhold.Where("AssetKey").Eq(assetId).SortBy("ID").Limit(1)
			if err := r.store.TxFind(tx, &entries, query); err != nil {
				return err
			}
			if len(entries) == 0 {
				return badgerhold.ErrNotFound
			}
			entry := entries[0]
			if err := r.store.TxDelete(tx, entry.ID, poolEntryDTO{}); err != nil {
				return err
			}
			coin = &entry.Coin
			return nil
		})
	}
	err := dequeue()
	for attempts := 1; errors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(100 * time.Millisecond)
		err = dequeue()
	}
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue coin: %w", err)
	}
	return coin, nil
}

// Enqueue appends coins to the pool of the given asset. A coin whose
// outpoint is already present in any pool is skipped: a coin lives in at
// most one pool at a time.
func (r *coinPoolRepository) Enqueue(
	ctx context.Context, assetId string, coins ...domain.Coin,
) error {
	now := time.Now().UnixNano()
	return r.store.Badger().Update(func(tx *badger.Txn) error {
		for _, coin := range coins {
			query := badgerhold.Where("TxHash").Eq(coin.TxHash).And("N").Eq(coin.N)
			existing := make([]poolEntryDTO, 0, 1)
			if err := r.store.TxFind(tx, &existing, query.Limit(1)); err != nil {
				return err
			}
			if len(existing) > 0 {
				continue
			}
			entry := poolEntryDTO{
				Coin:       coin,
				AssetKey:   assetId,
				EnqueuedAt: now,
			}
			if err := r.store.TxInsert(tx, badgerhold.NextSequence(), &entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *coinPoolRepository) Count(ctx context.Context, assetId string) (int, error) {
	count, err := r.store.Count(poolEntryDTO{}, badgerhold.Where("AssetKey").Eq(assetId))
	if err != nil {
		return 0, fmt.Errorf("failed to count pool entries: %w", err)
	}
	return int(count), nil
}

func (r *coinPoolRepository) Close() {
	// nolint:all
	r.store.Close()
}
