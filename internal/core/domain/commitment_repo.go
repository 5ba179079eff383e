package domain

import "context"

type CommitmentRepository interface {
	Add(ctx context.Context, commitment Commitment) error
	Update(ctx context.Context, commitment Commitment) error
	Get(ctx context.Context, commitmentId string) (*Commitment, error)
	// GetLast returns the latest commitment by CreatedAt for the given
	// (multisig, assetId, type), or nil when none exists.
	GetLast(
		ctx context.Context, multisigAddress, assetId string, commitmentType CommitmentType,
	) (*Commitment, error)
	// GetLastSigned is GetLast restricted to fully signed commitments. A
	// proposed round that never gathered both signatures does not supersede
	// the channel state.
	GetLastSigned(
		ctx context.Context, multisigAddress, assetId string, commitmentType CommitmentType,
	) (*Commitment, error)
	GetByRevokePubKey(ctx context.Context, revokePubKey string) (*Commitment, error)
	ListByChannel(ctx context.Context, channelId string) ([]Commitment, error)
	ListSigned(ctx context.Context) ([]Commitment, error)
	RemoveByChannel(ctx context.Context, channelId string) error
	CloseByChannel(ctx context.Context, channelId string) error
	Close()
}

type RevokeKeyRepository interface {
	Add(ctx context.Context, key RevokeKey) error
	Get(ctx context.Context, pubKey string) (*RevokeKey, error)
	// Reveal populates the private half of the key. It fails if the key is
	// unknown; callers enforce the reveal-timing precondition.
	Reveal(ctx context.Context, pubKey, privateKey string) error
	Close()
}
