package badgerdb

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const revokeKeyStoreDir = "revoke-keys"

type revokeKeyRepository struct {
	store *badgerhold.Store
}

func NewRevokeKeyRepository(config ...interface{}) (domain.RevokeKeyRepository, error) {
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
		dir = filepath.Join(baseDir, revokeKeyStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open revoke key store: %s", err)
	}

	return &revokeKeyRepository{store}, nil
}

func (r *revokeKeyRepository) Add(ctx context.Context, key domain.RevokeKey) error {
	if err := r.store.Insert(key.PubKey, &key); err != nil {
		if stderrors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("revoke key %s already exists", key.PubKey)
		}
		return fmt.Errorf("failed to add revoke key: %w", err)
	}
	return nil
}

func (r *revokeKeyRepository) Get(
	ctx context.Context, pubKey string,
) (*domain.RevokeKey, error) {
	var key domain.RevokeKey
	err := r.store.Get(pubKey, &key)
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revoke key: %w", err)
	}
	return &key, nil
}

func (r *revokeKeyRepository) Reveal(ctx context.Context, pubKey, privateKey string) error {
	update := func() error {
		return r.store.Badger().Update(func(tx *badger.Txn) error {
			var key domain.RevokeKey
			if err := r.store.TxGet(tx, pubKey, &key); err != nil {
				return err
			}
			key.PrivateKey = privateKey
			return r.store.TxUpdate(tx, pubKey, &key)
		})
	}
	err := update()
	for attempts := 1; stderrors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(100 * time.Millisecond)
		err = update()
	}
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("revoke key %s not found", pubKey)
	}
	if err != nil {
		return fmt.Errorf("failed to reveal revoke key: %w", err)
	}
	return nil
}

func (r *revokeKeyRepository) Close() {
	// nolint:all
	r.store.Close()
}
