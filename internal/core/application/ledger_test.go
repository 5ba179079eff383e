package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/satsvault/custodiad/internal/core/application"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/pkg/errors"
)

func TestSpentLedger(t *testing.T) {
	ctx := context.Background()
	ledger := application.NewSpentLedger(newTestRepoManager(t))

	outpoints := []domain.Outpoint{
		{TxHash: poolTxida, N: 0},
		{TxHash: poolTxida, N: 1},
	}

	t.Run("first claim wins, second conflicts", func(t *testing.T) {
		require.NoError(t, ledger.InsertSpentOutputs(ctx, "tx-1", outpoints))

		err := ledger.InsertSpentOutputs(ctx, "tx-2", outpoints[:1])
		require.Error(t, err)
		require.True(t, errors.HasCode(err, errors.CONCURRENT_INPUTS))
		require.True(t, errors.IsTransient(err))
	})

	t.Run("claimed outpoints disappear from the unspent view", func(t *testing.T) {
		fresh := domain.Outpoint{TxHash: poolTxidb, N: 3}
		unspent, err := ledger.GetUnspentOutputs(
			ctx, []domain.Outpoint{outpoints[0], fresh},
		)
		require.NoError(t, err)
		require.Equal(t, []domain.Outpoint{fresh}, unspent)
	})

	t.Run("remove reopens the outpoints", func(t *testing.T) {
		require.NoError(t, ledger.RemoveSpentOutputs(ctx, outpoints))

		unspent, err := ledger.GetUnspentOutputs(ctx, outpoints)
		require.NoError(t, err)
		require.Len(t, unspent, 2)

		require.NoError(t, ledger.InsertSpentOutputs(ctx, "tx-2", outpoints))
	})
}
