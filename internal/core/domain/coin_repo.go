package domain

import "context"

// FeePoolKey is the asset key of the native-BTC pool holding pre-generated
// fee outputs.
const FeePoolKey = ""

// CoinPoolRepository is a durable per-asset FIFO of pre-generated unspent
// coins. Dequeue removes the coin as part of the same operation: a dequeued
// coin is leased to the caller and no other caller can observe it.
type CoinPoolRepository interface {
	Dequeue(ctx context.Context, assetId string) (*Coin, error)
	Enqueue(ctx context.Context, assetId string, coins ...Coin) error
	Count(ctx context.Context, assetId string) (int, error)
	Close()
}
