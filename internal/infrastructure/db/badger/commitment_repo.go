package badgerdb

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const commitmentStoreDir = "commitments"

type commitmentRepository struct {
	store *badgerhold.Store
}

type commitmentDTO struct {
	domain.Commitment
	UpdatedAt int64
}

func NewCommitmentRepository(config ...interface{}) (domain.CommitmentRepository, error) {
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
		dir = filepath.Join(baseDir, commitmentStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open commitment store: %s", err)
	}

	return &commitmentRepository{store}, nil
}

func (r *commitmentRepository) Add(ctx context.Context, commitment domain.Commitment) error {
	dto := commitmentDTO{Commitment: commitment, UpdatedAt: time.Now().Unix()}
	if err := r.store.Insert(commitment.Id, &dto); err != nil {
		if stderrors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("commitment %s already exists", commitment.Id)
		}
		return fmt.Errorf("failed to add commitment: %w", err)
	}
	return nil
}

func (r *commitmentRepository) Update(ctx context.Context, commitment domain.Commitment) error {
	dto := commitmentDTO{Commitment: commitment, UpdatedAt: time.Now().Unix()}
	err := r.store.Update(commitment.Id, &dto)
	for attempts := 1; stderrors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(100 * time.Millisecond)
		err = r.store.Update(commitment.Id, &dto)
	}
	if err != nil {
		return fmt.Errorf("failed to update commitment: %w", err)
	}
	return nil
}

func (r *commitmentRepository) Get(
	ctx context.Context, commitmentId string,
) (*domain.Commitment, error) {
	var dto commitmentDTO
	err := r.store.Get(commitmentId, &dto)
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	commitment := dto.Commitment
	return &commitment, nil
}

func (r *commitmentRepository) GetLast(
	ctx context.Context, multisigAddress, assetId string, commitmentType domain.CommitmentType,
) (*domain.Commitment, error) {
	query := badgerhold.
		Where("MultisigAddress").Eq(multisigAddress).
		And("AssetId").Eq(assetId).
		And("Type").Eq(commitmentType)
	return r.findLast(query)
}

func (r *commitmentRepository) GetLastSigned(
	ctx context.Context, multisigAddress, assetId string, commitmentType domain.CommitmentType,
) (*domain.Commitment, error) {
	query := badgerhold.
		Where("MultisigAddress").Eq(multisigAddress).
		And("AssetId").Eq(assetId).
		And("Type").Eq(commitmentType).
		And("SignedTxHex").Ne("")
	return r.findLast(query)
}

func (r *commitmentRepository) findLast(query *badgerhold.Query) (*domain.Commitment, error) {
	dtos := make([]commitmentDTO, 0)
	if err := r.store.Find(&dtos, query); err != nil {
		return nil, fmt.Errorf("failed to find commitments: %w", err)
	}
	if len(dtos) == 0 {
		return nil, nil
	}
	sort.Slice(dtos, func(i, j int) bool {
		return dtos[i].CreatedAt > dtos[j].CreatedAt
	})
	commitment := dtos[0].Commitment
	return &commitment, nil
}

func (r *commitmentRepository) GetByRevokePubKey(
	ctx context.Context, revokePubKey string,
) (*domain.Commitment, error) {
	var dto commitmentDTO
	query := badgerhold.Where("RevokePubKey").Eq(revokePubKey)
	err := r.store.FindOne(&dto, query)
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find commitment by revoke key: %w", err)
	}
	commitment := dto.Commitment
	return &commitment, nil
}

func (r *commitmentRepository) ListByChannel(
	ctx context.Context, channelId string,
) ([]domain.Commitment, error) {
	dtos := make([]commitmentDTO, 0)
	if err := r.store.Find(&dtos, badgerhold.Where("ChannelId").Eq(channelId)); err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	commitments := make([]domain.Commitment, 0, len(dtos))
	for _, dto := range dtos {
		commitments = append(commitments, dto.Commitment)
	}
	sort.Slice(commitments, func(i, j int) bool {
		return commitments[i].CreatedAt < commitments[j].CreatedAt
	})
	return commitments, nil
}

func (r *commitmentRepository) ListSigned(ctx context.Context) ([]domain.Commitment, error) {
	dtos := make([]commitmentDTO, 0)
	query := badgerhold.Where("SignedTxHex").Ne("").And("Closed").Eq(false)
	if err := r.store.Find(&dtos, query); err != nil {
		return nil, fmt.Errorf("failed to list signed commitments: %w", err)
	}
	commitments := make([]domain.Commitment, 0, len(dtos))
	for _, dto := range dtos {
		commitments = append(commitments, dto.Commitment)
	}
	return commitments, nil
}

func (r *commitmentRepository) RemoveByChannel(ctx context.Context, channelId string) error {
	err := r.store.DeleteMatching(
		commitmentDTO{}, badgerhold.Where("ChannelId").Eq(channelId),
	)
	if err != nil && !stderrors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to remove commitments: %w", err)
	}
	return nil
}

func (r *commitmentRepository) CloseByChannel(ctx context.Context, channelId string) error {
	err := r.store.UpdateMatching(
		commitmentDTO{}, badgerhold.Where("ChannelId").Eq(channelId),
		func(record interface{}) error {
			dto, ok := record.(*commitmentDTO)
			if !ok {
				return fmt.Errorf("unexpected record type %T", record)
			}
			dto.Closed = true
			dto.UpdatedAt = time.Now().Unix()
			return nil
		},
	)
	if err != nil && !stderrors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to close commitments: %w", err)
	}
	return nil
}

func (r *commitmentRepository) Close() {
	// nolint:all
	r.store.Close()
}
