package inmemorylivestore

import (
	"context"
	"sync"
	"time"

	"github.com/satsvault/custodiad/internal/core/ports"
)

type liveStore struct {
	channelSetupStore ports.ChannelSetupStore
}

func NewLiveStore() ports.LiveStore {
	return &liveStore{
		channelSetupStore: NewChannelSetupStore(),
	}
}

func (s *liveStore) ChannelSetups() ports.ChannelSetupStore {
	return s.channelSetupStore
}

type channelSetupStore struct {
	lock   sync.Mutex
	leases map[string]time.Time
}

func NewChannelSetupStore() ports.ChannelSetupStore {
	return &channelSetupStore{
		leases: make(map[string]time.Time),
	}
}

func (s *channelSetupStore) Acquire(
	_ context.Context, multisigAddress string, ttl time.Duration,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := time.Now()
	if expiry, ok := s.leases[multisigAddress]; ok && expiry.After(now) {
		return false, nil
	}
	s.leases[multisigAddress] = now.Add(ttl)
	return true, nil
}

func (s *channelSetupStore) Release(_ context.Context, multisigAddress string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.leases, multisigAddress)
	return nil
}

func (s *channelSetupStore) Pending(_ context.Context, multisigAddress string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	expiry, ok := s.leases[multisigAddress]
	return ok && expiry.After(time.Now()), nil
}
