package ports

import (
	"context"
	"time"
)

type LiveStore interface {
	ChannelSetups() ChannelSetupStore
}

// ChannelSetupStore serializes commitment rounds per multisig address. A
// setup lease is held from the start of a commitment exchange until the new
// pair is fully signed; a second acquire for the same multisig fails until
// the first is released or its TTL expires. This is the guard behind the
// one-pending-setup-per-channel rule, not a lock around the whole transfer.
type ChannelSetupStore interface {
	Acquire(ctx context.Context, multisigAddress string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, multisigAddress string) error
	Pending(ctx context.Context, multisigAddress string) (bool, error)
}
