package domain

import "encoding/json"

type CommandType string

const (
	CommandTypeIssue              CommandType = "issue"
	CommandTypeTransfer           CommandType = "transfer"
	CommandTypeDestroy            CommandType = "destroy"
	CommandTypeGenerateFeeOutputs CommandType = "generate-fee-outputs"
)

// TransactionCommand is the unit of work of the pipeline. TransactionId is
// the idempotency key of the whole build/sign/broadcast/monitor cycle.
type TransactionCommand struct {
	TransactionId string
	Type          CommandType
	Payload       json.RawMessage
	DequeueCount  int
	LastError     string
}

type IssueCommand struct {
	AssetId string `json:"assetId"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type TransferCommand struct {
	AssetId     string `json:"assetId,omitempty"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Amount      uint64 `json:"amount"`
}

type DestroyCommand struct {
	AssetId string `json:"assetId"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type GenerateFeeOutputsCommand struct {
	FromAddress string `json:"fromAddress"`
	Count       int    `json:"count"`
	AmountEach  uint64 `json:"amountEach"`
}
