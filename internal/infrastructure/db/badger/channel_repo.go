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

const channelStoreDir = "channels"

type channelRepository struct {
	store *badgerhold.Store
}

type channelDTO struct {
	domain.Channel
	UpdatedAt int64
}

func NewChannelRepository(config ...interface{}) (domain.ChannelRepository, error) {
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
		dir = filepath.Join(baseDir, channelStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel store: %s", err)
	}

	return &channelRepository{store}, nil
}

func (r *channelRepository) Add(ctx context.Context, channel domain.Channel) error {
	dto := channelDTO{Channel: channel, UpdatedAt: time.Now().Unix()}
	if err := r.store.Insert(channel.Id, &dto); err != nil {
		if stderrors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("channel %s already exists", channel.Id)
		}
		return fmt.Errorf("failed to add channel: %w", err)
	}
	return nil
}

func (r *channelRepository) Update(ctx context.Context, channel domain.Channel) error {
	dto := channelDTO{Channel: channel, UpdatedAt: time.Now().Unix()}
	err := r.store.Update(channel.Id, &dto)
	for attempts := 1; stderrors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(100 * time.Millisecond)
		err = r.store.Update(channel.Id, &dto)
	}
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return nil
}

// Get returns the open or closing channel for the key, falling back to the
// most recently created one when all are closed.
func (r *channelRepository) Get(
	ctx context.Context, multisigAddress, assetId string,
) (*domain.Channel, error) {
	query := badgerhold.
		Where("MultisigAddress").Eq(multisigAddress).
		And("AssetId").Eq(assetId)
	channels := make([]channelDTO, 0)
	if err := r.store.Find(&channels, query); err != nil {
		return nil, fmt.Errorf("failed to find channel: %w", err)
	}
	if len(channels) == 0 {
		return nil, nil
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].CreatedAt > channels[j].CreatedAt
	})
	for _, dto := range channels {
		if !dto.IsClosed() {
			channel := dto.Channel
			return &channel, nil
		}
	}
	channel := channels[0].Channel
	return &channel, nil
}

func (r *channelRepository) GetById(
	ctx context.Context, channelId string,
) (*domain.Channel, error) {
	var dto channelDTO
	err := r.store.Get(channelId, &dto)
	if stderrors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	channel := dto.Channel
	return &channel, nil
}

func (r *channelRepository) ListByState(
	ctx context.Context, state domain.ChannelState,
) ([]domain.Channel, error) {
	dtos := make([]channelDTO, 0)
	if err := r.store.Find(&dtos, badgerhold.Where("State").Eq(state)); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	channels := make([]domain.Channel, 0, len(dtos))
	for _, dto := range dtos {
		channels = append(channels, dto.Channel)
	}
	return channels, nil
}

func (r *channelRepository) Close() {
	// nolint:all
	r.store.Close()
}
