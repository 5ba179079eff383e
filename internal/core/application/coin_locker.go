package application

import (
	"sync"
	"time"

	"github.com/satsvault/custodiad/internal/core/domain"
)

type coinLease struct {
	coin    domain.Coin
	assetId string
	until   time.Time
}

// coinLocker tracks coins leased out of the pool. A dequeued coin is not
// guaranteed spent: a builder that aborts must release it, and a builder
// that crashes leaves an expired lease behind for the reconcile job to
// re-enqueue. Without this a crashed builder would leak the coin forever.
type coinLocker struct {
	leaseExpiry time.Duration
	leases      map[domain.Outpoint]coinLease
	locker      sync.Mutex
}

func newCoinLocker(leaseFor time.Duration) *coinLocker {
	return &coinLocker{
		leaseExpiry: leaseFor,
		leases:      make(map[domain.Outpoint]coinLease),
		locker:      sync.Mutex{},
	}
}

func (l *coinLocker) lease(assetId string, coin domain.Coin) {
	l.locker.Lock()
	defer l.locker.Unlock()

	l.leases[coin.Outpoint] = coinLease{
		coin:    coin,
		assetId: assetId,
		until:   time.Now().Add(l.leaseExpiry),
	}
}

// discharge forgets the lease, either because the coin was spent or because
// the caller re-enqueued it itself.
func (l *coinLocker) discharge(outpoints ...domain.Outpoint) {
	l.locker.Lock()
	defer l.locker.Unlock()

	for _, outpoint := range outpoints {
		delete(l.leases, outpoint)
	}
}

func (l *coinLocker) get(outpoint domain.Outpoint) (*coinLease, bool) {
	l.locker.Lock()
	defer l.locker.Unlock()

	lease, ok := l.leases[outpoint]
	if !ok {
		return nil, false
	}
	return &lease, true
}

// popExpired removes and returns the leases whose TTL elapsed.
func (l *coinLocker) popExpired() []coinLease {
	l.locker.Lock()
	defer l.locker.Unlock()

	now := time.Now()
	expired := make([]coinLease, 0)
	for outpoint, lease := range l.leases {
		if now.After(lease.until) {
			expired = append(expired, lease)
			delete(l.leases, outpoint)
		}
	}
	return expired
}

// pending returns the outpoints currently under a live lease.
func (l *coinLocker) pending() map[domain.Outpoint]struct{} {
	l.locker.Lock()
	defer l.locker.Unlock()

	now := time.Now()
	outpoints := make(map[domain.Outpoint]struct{})
	for outpoint, lease := range l.leases {
		if now.After(lease.until) {
			continue
		}
		outpoints[outpoint] = struct{}{}
	}
	return outpoints
}
