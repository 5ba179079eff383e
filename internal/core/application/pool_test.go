package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satsvault/custodiad/internal/core/application"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/pkg/errors"
)

const (
	poolTxida = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	poolTxidb = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestOutputPool(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepoManager(t)
	broadcaster := newMockBroadcaster()
	notifier := &mockNotifier{}
	pool := application.NewOutputPool(repo, broadcaster, notifier, time.Minute, 2)

	coin := domain.Coin{
		Outpoint: domain.Outpoint{TxHash: poolTxida, N: 0},
		Amount:   100000,
	}

	t.Run("empty pool", func(t *testing.T) {
		_, err := pool.DequeueCoin(ctx, domain.FeePoolKey)
		require.Error(t, err)
		require.True(t, errors.HasCode(err, errors.POOL_EMPTY))
		require.False(t, errors.IsTransient(err))
	})

	t.Run("dequeue removes the coin from the durable pool", func(t *testing.T) {
		require.NoError(t, pool.EnqueueOutputs(ctx, domain.FeePoolKey, coin))

		got, err := pool.DequeueCoin(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, coin.Outpoint, got.Outpoint)

		count, err := pool.Count(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("release returns the coin", func(t *testing.T) {
		require.NoError(t, pool.ReleaseCoin(ctx, domain.FeePoolKey, coin))

		count, err := pool.Count(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		got, err := pool.DequeueCoin(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Equal(t, coin.Outpoint, got.Outpoint)
		pool.ConfirmSpent(coin.Outpoint)
	})

	t.Run("low watermark raises an alert", func(t *testing.T) {
		alerts := notifier.byTopic(ports.PoolLow)
		require.NotEmpty(t, alerts)
		alert, ok := alerts[0].message.(ports.PoolLowAlert)
		require.True(t, ok)
		require.Equal(t, domain.FeePoolKey, alert.AssetId)
		require.Less(t, alert.Count, 2)
	})
}

func TestOutputPoolReconcile(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepoManager(t)
	broadcaster := newMockBroadcaster()
	notifier := &mockNotifier{}

	poolParty := newTestParty(t)

	t.Run("chain outputs not pooled are enqueued", func(t *testing.T) {
		pool := application.NewOutputPool(repo, broadcaster, notifier, time.Minute, 0)
		fresh := walletCoin(t, poolParty, poolTxida, 1, 50000)
		broadcaster.setUnspent(poolParty.address, fresh)

		require.NoError(t, pool.Reconcile(ctx, domain.FeePoolKey, poolParty.address))

		count, err := pool.Count(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		// A second pass is idempotent.
		require.NoError(t, pool.Reconcile(ctx, domain.FeePoolKey, poolParty.address))
		count, err = pool.Count(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("outputs recorded spent are not re-enqueued", func(t *testing.T) {
		pool := application.NewOutputPool(repo, broadcaster, notifier, time.Minute, 0)
		spent := walletCoin(t, poolParty, poolTxidb, 0, 60000)
		broadcaster.setUnspent(poolParty.address, spent)
		require.NoError(t, repo.SpentOutputs().Insert(
			ctx, "tx-spent", []domain.Outpoint{spent.Outpoint},
		))

		require.NoError(t, pool.Reconcile(ctx, domain.FeePoolKey, poolParty.address))

		count, err := pool.Count(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("expired lease without a recorded spend is recovered", func(t *testing.T) {
		// Zero TTL: the lease expires the moment it is taken.
		pool := application.NewOutputPool(repo, broadcaster, notifier, -time.Second, 0)
		broadcaster.setUnspent(poolParty.address)

		leaked := domain.Coin{
			Outpoint: domain.Outpoint{TxHash: poolTxidb, N: 7},
			Amount:   40000,
		}
		require.NoError(t, pool.EnqueueOutputs(ctx, "recover", leaked))

		got, err := pool.DequeueCoin(ctx, "recover")
		require.NoError(t, err)
		require.Equal(t, leaked.Outpoint, got.Outpoint)
		// The builder holding the lease crashes here: no confirm, no release.

		require.NoError(t, pool.Reconcile(ctx, "recover", poolParty.address))

		count, err := pool.Count(ctx, "recover")
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("confirmed spend is not recovered", func(t *testing.T) {
		pool := application.NewOutputPool(repo, broadcaster, notifier, -time.Second, 0)
		broadcaster.setUnspent(poolParty.address)

		spentCoin := domain.Coin{
			Outpoint: domain.Outpoint{TxHash: poolTxidb, N: 8},
			Amount:   40000,
		}
		require.NoError(t, pool.EnqueueOutputs(ctx, "spent", spentCoin))

		got, err := pool.DequeueCoin(ctx, "spent")
		require.NoError(t, err)
		require.NoError(t, repo.SpentOutputs().Insert(
			ctx, "tx-used", []domain.Outpoint{got.Outpoint},
		))

		require.NoError(t, pool.Reconcile(ctx, "spent", poolParty.address))

		count, err := pool.Count(ctx, "spent")
		require.NoError(t, err)
		require.Zero(t, count)
	})
}
