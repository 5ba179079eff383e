package domain

type BroadcastType uint8

const (
	BroadcastTypeValid BroadcastType = iota
	BroadcastTypeRevoked
)

func (t BroadcastType) String() string {
	return []string{"Valid", "Revoked"}[t]
}

// BroadcastedTransaction is the idempotency record of the pipeline: a command
// whose TransactionId already has a row here has been broadcast and must not
// be rebuilt on redelivery.
type BroadcastedTransaction struct {
	TransactionId string
	TxHash        string
	TxHex         string
	BroadcastedAt int64
}

// CommitmentBroadcast is a monitoring fact recorded when a commitment-shaped
// transaction appears on-chain. Real amounts are the split actually claimable
// after classification: on a revoked broadcast the penalty path moves the
// whole locked output to the honest party.
type CommitmentBroadcast struct {
	CommitmentId     string
	TxHash           string
	Type             BroadcastType
	ClientAmount     uint64
	HubAmount        uint64
	RealClientAmount uint64
	RealHubAmount    uint64
	PenaltyTxHash    string
	DetectedAt       int64
}
