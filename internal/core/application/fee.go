package application

import (
	"context"
	"math"

	"github.com/btcsuite/btcd/wire"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
)

// FeeEstimator converts a persisted fee rate per byte into a fee for a
// transaction of a given size. Deterministic for a fixed persisted rate.
type FeeEstimator interface {
	CalcFee(ctx context.Context, sizeBytes int) (uint64, error)
	CalcFeeForTx(ctx context.Context, tx *wire.MsgTx) (uint64, error)
	GetFeeRate(ctx context.Context) (int64, error)
	SetFeeRate(ctx context.Context, satPerByte int64) error
}

type feeEstimator struct {
	repoManager ports.RepoManager
}

func NewFeeEstimator(repoManager ports.RepoManager) FeeEstimator {
	return &feeEstimator{repoManager}
}

func (e *feeEstimator) CalcFee(ctx context.Context, sizeBytes int) (uint64, error) {
	rate, multiplier, err := e.rate(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(math.Ceil(float64(rate) * multiplier * float64(sizeBytes))), nil
}

func (e *feeEstimator) CalcFeeForTx(ctx context.Context, tx *wire.MsgTx) (uint64, error) {
	// Inputs are unsigned at estimation time: account for a worst-case
	// scriptSig of ~110 bytes per input (DER sig + compressed pubkey).
	size := tx.SerializeSize() + len(tx.TxIn)*110
	return e.CalcFee(ctx, size)
}

func (e *feeEstimator) GetFeeRate(ctx context.Context) (int64, error) {
	rate, _, err := e.rate(ctx)
	return rate, err
}

func (e *feeEstimator) SetFeeRate(ctx context.Context, satPerByte int64) error {
	settings, err := e.repoManager.Settings().Get(ctx)
	if err != nil {
		return err
	}
	if settings == nil {
		settings = domain.NewSettings(satPerByte, 1)
	} else {
		settings.FeePerByte = satPerByte
	}
	return e.repoManager.Settings().Upsert(ctx, *settings)
}

func (e *feeEstimator) rate(ctx context.Context) (int64, float64, error) {
	settings, err := e.repoManager.Settings().Get(ctx)
	if err != nil {
		return 0, 0, err
	}

	rate := int64(domain.DefaultFeePerByte)
	multiplier := 1.0
	if settings != nil {
		if settings.FeePerByte > 0 {
			rate = settings.FeePerByte
		}
		if settings.FeeMultiplier > 0 {
			multiplier = settings.FeeMultiplier
		}
	}
	return rate, multiplier, nil
}
