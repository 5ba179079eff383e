package domain

type EventType string

const (
	EventTypeTransactionBroadcasted EventType = "transaction_broadcasted"
	EventTypeCommitmentDetected     EventType = "commitment_detected"
)

type Event interface {
	GetType() EventType
}

// TransactionBroadcasted is published by the pipeline after a successful
// broadcast; the watcher consumes it to seed monitoring entries.
type TransactionBroadcasted struct {
	Type          EventType
	TransactionId string
	TxHash        string
	SpentCount    int
}

func (e TransactionBroadcasted) GetType() EventType { return e.Type }

// CommitmentDetected is published by the watcher when a commitment-shaped
// transaction is seen on-chain, already classified Valid or Revoked.
type CommitmentDetected struct {
	Type      EventType
	Broadcast CommitmentBroadcast
}

func (e CommitmentDetected) GetType() EventType { return e.Type }
