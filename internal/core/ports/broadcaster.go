package ports

import (
	"context"

	"github.com/satsvault/custodiad/internal/core/domain"
)

// ChainBroadcaster is the RPC collaborator pushing raw transactions to the
// network and reading back chain state.
type ChainBroadcaster interface {
	// Broadcast submits the raw transaction and returns its txid. Submitting
	// a transaction already known to the node must not fail.
	Broadcast(ctx context.Context, txHex string) (string, error)
	// GetRawTransaction returns the raw hex of a transaction known to the
	// node, or empty string when unknown.
	GetRawTransaction(ctx context.Context, txHash string) (string, error)
	IsConfirmed(ctx context.Context, txHash string) (bool, error)
	// ListUnspent returns the unspent outputs of an address, the blockchain
	// source of truth used by pool reconciliation and wallet-scan builds.
	ListUnspent(ctx context.Context, address string) ([]domain.Coin, error)
}

// ExternalSigner is one signing party; 2-of-2 flows hold two of these.
type ExternalSigner interface {
	SignTransaction(ctx context.Context, txHex string) (string, error)
}
