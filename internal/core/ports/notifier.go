package ports

import "context"

const (
	TransactionBroadcasted Topic = "Transaction Broadcasted"
	CommandPoisoned        Topic = "Command Poisoned"
	RevokedCommitment      Topic = "Revoked Commitment Detected"
	PoolLow                Topic = "Output Pool Low"
)

type Topic string

type TransactionBroadcastedAlert struct {
	TransactionId string
	TxHash        string
	SpentCount    int
}

type CommandPoisonedAlert struct {
	TransactionId string
	CommandType   string
	DequeueCount  int
	LastError     string
}

type RevokedCommitmentAlert struct {
	CommitmentId  string
	ChannelId     string
	TxHash        string
	PenaltyTxHash string
}

type PoolLowAlert struct {
	AssetId string
	Count   int
}

// NotificationSink is a best-effort fire-and-forget warning/error channel.
// Failures here must never fail the core operation: callers log and move on.
type NotificationSink interface {
	Publish(ctx context.Context, topic Topic, message any) error
}
