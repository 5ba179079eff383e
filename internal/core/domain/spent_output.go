package domain

// SpentOutput records the consumption of an outpoint by a transaction.
// The outpoint is globally unique across the ledger: inserting a duplicate
// must fail, never silently succeed.
type SpentOutput struct {
	Outpoint
	TransactionId string
	SpentAt       int64
}
