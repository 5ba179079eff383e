package domain

import "context"

// SpentOutputRepository is an append-only, key-unique store over (txHash, n).
// Insert is atomic over the whole batch: if any outpoint is already recorded,
// by any caller, the insert fails with a concurrency-conflict error and no
// outpoint of the batch is recorded.
type SpentOutputRepository interface {
	Insert(ctx context.Context, transactionId string, outpoints []Outpoint) error
	// FilterUnspent returns the subset of candidates not yet recorded.
	FilterUnspent(ctx context.Context, candidates []Outpoint) ([]Outpoint, error)
	// Remove is the compensating action on a failed or aborted build.
	Remove(ctx context.Context, outpoints []Outpoint) error
	Get(ctx context.Context, outpoint Outpoint) (*SpentOutput, error)
	Close()
}
