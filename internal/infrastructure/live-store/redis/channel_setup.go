package redislivestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/satsvault/custodiad/internal/core/ports"
)

const channelSetupKeyPrefix = "channelSetup:"

type liveStore struct {
	rdb               *redis.Client
	channelSetupStore ports.ChannelSetupStore
}

func NewLiveStore(redisURL string) (ports.LiveStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &liveStore{
		rdb:               rdb,
		channelSetupStore: NewChannelSetupStore(rdb),
	}, nil
}

func (s *liveStore) ChannelSetups() ports.ChannelSetupStore {
	return s.channelSetupStore
}

type channelSetupStore struct {
	rdb *redis.Client
}

func NewChannelSetupStore(rdb *redis.Client) ports.ChannelSetupStore {
	return &channelSetupStore{rdb: rdb}
}

func (s *channelSetupStore) Acquire(
	ctx context.Context, multisigAddress string, ttl time.Duration,
) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, channelSetupKeyPrefix+multisigAddress, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire channel setup lease: %w", err)
	}
	return ok, nil
}

func (s *channelSetupStore) Release(ctx context.Context, multisigAddress string) error {
	if err := s.rdb.Del(ctx, channelSetupKeyPrefix+multisigAddress).Err(); err != nil {
		return fmt.Errorf("failed to release channel setup lease: %w", err)
	}
	return nil
}

func (s *channelSetupStore) Pending(ctx context.Context, multisigAddress string) (bool, error) {
	n, err := s.rdb.Exists(ctx, channelSetupKeyPrefix+multisigAddress).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check channel setup lease: %w", err)
	}
	return n > 0, nil
}
