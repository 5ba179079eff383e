package db

import (
	"fmt"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	badgerdb "github.com/satsvault/custodiad/internal/infrastructure/db/badger"
)

var (
	coinPoolStoreTypes = map[string]func(...interface{}) (domain.CoinPoolRepository, error){
		"badger": badgerdb.NewCoinPoolRepository,
	}
	spentOutputStoreTypes = map[string]func(...interface{}) (domain.SpentOutputRepository, error){
		"badger": badgerdb.NewSpentOutputRepository,
	}
	channelStoreTypes = map[string]func(...interface{}) (domain.ChannelRepository, error){
		"badger": badgerdb.NewChannelRepository,
	}
	commitmentStoreTypes = map[string]func(...interface{}) (domain.CommitmentRepository, error){
		"badger": badgerdb.NewCommitmentRepository,
	}
	revokeKeyStoreTypes = map[string]func(...interface{}) (domain.RevokeKeyRepository, error){
		"badger": badgerdb.NewRevokeKeyRepository,
	}
	broadcastedTxStoreTypes = map[string]func(...interface{}) (domain.BroadcastedTransactionRepository, error){
		"badger": badgerdb.NewBroadcastedTxRepository,
	}
	commitmentBroadcastStoreTypes = map[string]func(...interface{}) (domain.CommitmentBroadcastRepository, error){
		"badger": badgerdb.NewCommitmentBroadcastRepository,
	}
	settingsStoreTypes = map[string]func(...interface{}) (domain.SettingsRepository, error){
		"badger": badgerdb.NewSettingsRepository,
	}
)

type ServiceConfig struct {
	DataStoreType   string
	DataStoreConfig []interface{}
}

type service struct {
	coinPoolStore            domain.CoinPoolRepository
	spentOutputStore         domain.SpentOutputRepository
	channelStore             domain.ChannelRepository
	commitmentStore          domain.CommitmentRepository
	revokeKeyStore           domain.RevokeKeyRepository
	broadcastedTxStore       domain.BroadcastedTransactionRepository
	commitmentBroadcastStore domain.CommitmentBroadcastRepository
	settingsStore            domain.SettingsRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	coinPoolFactory, ok := coinPoolStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	spentOutputFactory, ok := spentOutputStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	channelFactory, ok := channelStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	commitmentFactory, ok := commitmentStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	revokeKeyFactory, ok := revokeKeyStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	broadcastedTxFactory, ok := broadcastedTxStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	commitmentBroadcastFactory, ok := commitmentBroadcastStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	settingsFactory, ok := settingsStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}

	coinPoolStore, err := coinPoolFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create coin pool store: %w", err)
	}
	spentOutputStore, err := spentOutputFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create spent output store: %w", err)
	}
	channelStore, err := channelFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel store: %w", err)
	}
	commitmentStore, err := commitmentFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create commitment store: %w", err)
	}
	revokeKeyStore, err := revokeKeyFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create revoke key store: %w", err)
	}
	broadcastedTxStore, err := broadcastedTxFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcasted tx store: %w", err)
	}
	commitmentBroadcastStore, err := commitmentBroadcastFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create commitment broadcast store: %w", err)
	}
	settingsStore, err := settingsFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings store: %w", err)
	}

	return &service{
		coinPoolStore:            coinPoolStore,
		spentOutputStore:         spentOutputStore,
		channelStore:             channelStore,
		commitmentStore:          commitmentStore,
		revokeKeyStore:           revokeKeyStore,
		broadcastedTxStore:       broadcastedTxStore,
		commitmentBroadcastStore: commitmentBroadcastStore,
		settingsStore:            settingsStore,
	}, nil
}

func (s *service) CoinPool() domain.CoinPoolRepository {
	return s.coinPoolStore
}

func (s *service) SpentOutputs() domain.SpentOutputRepository {
	return s.spentOutputStore
}

func (s *service) Channels() domain.ChannelRepository {
	return s.channelStore
}

func (s *service) Commitments() domain.CommitmentRepository {
	return s.commitmentStore
}

func (s *service) RevokeKeys() domain.RevokeKeyRepository {
	return s.revokeKeyStore
}

func (s *service) BroadcastedTxs() domain.BroadcastedTransactionRepository {
	return s.broadcastedTxStore
}

func (s *service) CommitmentBroadcasts() domain.CommitmentBroadcastRepository {
	return s.commitmentBroadcastStore
}

func (s *service) Settings() domain.SettingsRepository {
	return s.settingsStore
}

func (s *service) Close() {
	s.coinPoolStore.Close()
	s.spentOutputStore.Close()
	s.channelStore.Close()
	s.commitmentStore.Close()
	s.revokeKeyStore.Close()
	s.broadcastedTxStore.Close()
	s.commitmentBroadcastStore.Close()
	s.settingsStore.Close()
}
