package domain

import "context"

// ChannelRepository is keyed by (multisigAddress, assetId). At most one
// non-closed channel exists per key.
type ChannelRepository interface {
	Add(ctx context.Context, channel Channel) error
	Update(ctx context.Context, channel Channel) error
	Get(ctx context.Context, multisigAddress, assetId string) (*Channel, error)
	GetById(ctx context.Context, channelId string) (*Channel, error)
	ListByState(ctx context.Context, state ChannelState) ([]Channel, error)
	Close()
}
