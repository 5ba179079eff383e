package domain

import "time"

// DefaultFeePerByte is the floor fee rate applied when no rate has been
// persisted yet.
const DefaultFeePerByte = 80

type Settings struct {
	FeePerByte    int64
	FeeMultiplier float64
	UpdatedAt     time.Time
}

func NewSettings(feePerByte int64, feeMultiplier float64) *Settings {
	return &Settings{
		FeePerByte:    feePerByte,
		FeeMultiplier: feeMultiplier,
		UpdatedAt:     time.Now(),
	}
}
