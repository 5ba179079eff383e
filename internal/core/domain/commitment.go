package domain

import "encoding/json"

type CommitmentType uint8

const (
	CommitmentTypeClient CommitmentType = iota
	CommitmentTypeHub
)

func (t CommitmentType) String() string {
	return []string{"Client", "Hub"}[t]
}

// Other returns the counterparty side.
func (t CommitmentType) Other() CommitmentType {
	if t == CommitmentTypeClient {
		return CommitmentTypeHub
	}
	return CommitmentTypeClient
}

// Commitment encodes one balance split of a channel. Commitments are never
// mutated: each channel state change creates a new row. For a given
// (multisig, assetId, type) there is a total order by CreatedAt; only the
// latest fully signed one is current, all earlier ones are implicitly
// revoked once a newer one is fully signed.
type Commitment struct {
	Id              string
	ChannelId       string
	Type            CommitmentType
	MultisigAddress string
	AssetId         string
	InitialTxHex    string
	SignedTxHex     string
	RevokePubKey    string
	ClientAmount    uint64
	HubAmount       uint64
	LockedAddress   string
	LockedScript    string
	CreatedAt       int64
	Closed          bool
}

func (c Commitment) String() string {
	// nolint
	b, _ := json.MarshalIndent(c, "", "  ")
	return string(b)
}

func (c Commitment) IsSigned() bool {
	return c.SignedTxHex != ""
}

// RevokeKey is the revocation keypair paired with a commitment. PrivateKey
// stays empty until the commitment is superseded; a premature reveal breaks
// the penalty mechanism.
type RevokeKey struct {
	PubKey     string
	PrivateKey string
	Owner      CommitmentType
	CreatedAt  int64
}

func (k RevokeKey) IsRevealed() bool {
	return k.PrivateKey != ""
}
