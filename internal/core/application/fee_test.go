package application_test

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/satsvault/custodiad/internal/core/application"
	"github.com/satsvault/custodiad/internal/core/domain"
)

func TestFeeEstimator(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepoManager(t)
	estimator := application.NewFeeEstimator(repo)

	t.Run("default rate applies without persisted settings", func(t *testing.T) {
		rate, err := estimator.GetFeeRate(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(domain.DefaultFeePerByte), rate)

		fee, err := estimator.CalcFee(ctx, 250)
		require.NoError(t, err)
		require.Equal(t, uint64(250*domain.DefaultFeePerByte), fee)
	})

	t.Run("fee grows with size", func(t *testing.T) {
		small, err := estimator.CalcFee(ctx, 200)
		require.NoError(t, err)
		large, err := estimator.CalcFee(ctx, 400)
		require.NoError(t, err)
		require.Greater(t, large, small)
	})

	t.Run("set fee rate persists", func(t *testing.T) {
		require.NoError(t, estimator.SetFeeRate(ctx, 200))

		rate, err := estimator.GetFeeRate(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(200), rate)

		fee, err := estimator.CalcFee(ctx, 100)
		require.NoError(t, err)
		require.Equal(t, uint64(20000), fee)
	})

	t.Run("multiplier scales the rate", func(t *testing.T) {
		require.NoError(t, repo.Settings().Upsert(ctx, *domain.NewSettings(100, 1.5)))

		fee, err := estimator.CalcFee(ctx, 100)
		require.NoError(t, err)
		require.Equal(t, uint64(15000), fee)

		require.NoError(t, repo.Settings().Clear(ctx))
	})

	t.Run("unsigned inputs are padded at estimation time", func(t *testing.T) {
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxOut(wire.NewTxOut(10000, make([]byte, 25)))
		bare, err := estimator.CalcFeeForTx(ctx, tx)
		require.NoError(t, err)

		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))
		oneInput, err := estimator.CalcFeeForTx(ctx, tx)
		require.NoError(t, err)

		// An extra input costs its serialized size plus the worst-case
		// scriptSig padding at the current rate.
		require.GreaterOrEqual(t, oneInput-bare, uint64(110*domain.DefaultFeePerByte))
	})
}
