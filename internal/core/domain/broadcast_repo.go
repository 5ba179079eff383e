package domain

import "context"

type BroadcastedTransactionRepository interface {
	Add(ctx context.Context, tx BroadcastedTransaction) error
	Get(ctx context.Context, transactionId string) (*BroadcastedTransaction, error)
	GetByTxHash(ctx context.Context, txHash string) (*BroadcastedTransaction, error)
	Close()
}

type CommitmentBroadcastRepository interface {
	Add(ctx context.Context, broadcast CommitmentBroadcast) error
	GetByTxHash(ctx context.Context, txHash string) (*CommitmentBroadcast, error)
	ListByCommitment(ctx context.Context, commitmentId string) ([]CommitmentBroadcast, error)
	Close()
}
