package domain

import "encoding/json"

type ChannelState uint8

const (
	ChannelStateOpen ChannelState = iota
	ChannelStateClosing
	ChannelStateClosed
)

func (s ChannelState) String() string {
	return []string{"Open", "Closing", "Closed"}[s]
}

// Channel is a bilateral off-chain payment channel anchored by a 2-of-2
// multisig funding output. Amounts are authoritative only once FundingTxHex
// is fully signed (Finalized is set).
type Channel struct {
	Id              string
	MultisigAddress string
	AssetId         string
	ClientPubKey    string
	HubPubKey       string
	ClientAmount    uint64
	HubAmount       uint64
	State           ChannelState
	FundingTxHex    string
	Finalized       bool
	CreatedAt       int64
}

func (c Channel) String() string {
	// nolint
	b, _ := json.MarshalIndent(c, "", "  ")
	return string(b)
}

func (c Channel) Total() uint64 {
	return c.ClientAmount + c.HubAmount
}

func (c Channel) IsClosed() bool {
	return c.State == ChannelStateClosed
}
