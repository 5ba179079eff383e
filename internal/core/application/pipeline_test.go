package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satsvault/custodiad/internal/core/application"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	badgerqueue "github.com/satsvault/custodiad/internal/infrastructure/queue/badger"
	"github.com/satsvault/custodiad/pkg/errors"
)

type pipelineFixture struct {
	repo        ports.RepoManager
	queue       ports.CommandQueue
	broadcaster *mockBroadcaster
	notifier    *mockNotifier
	bus         *mockEventBus
	pool        application.OutputPool
	ledger      application.SpentLedger
	pipeline    application.Pipeline

	wallet    testParty
	poolParty testParty
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	repo := newTestRepoManager(t)
	queue, err := badgerqueue.NewCommandQueue("", nil)
	require.NoError(t, err)
	t.Cleanup(queue.Close)

	broadcaster := newMockBroadcaster()
	notifier := &mockNotifier{}
	bus := newMockEventBus()
	pool := application.NewOutputPool(repo, broadcaster, notifier, time.Minute, 0)
	ledger := application.NewSpentLedger(repo)
	fee := application.NewFeeEstimator(repo)
	verifier := application.NewSignatureVerifier(broadcaster)

	wallet := newTestParty(t)
	poolParty := newTestParty(t)
	signer := &mockSigner{sign: func(txHex string) (string, error) {
		return fakeSignTx(t, txHex), nil
	}}

	pipeline := application.NewPipeline(
		queue, repo, pool, ledger, fee, verifier,
		[]ports.ExternalSigner{signer}, broadcaster, bus, notifier, testNet,
		application.PipelineConfig{
			// Failed commands wait out their lease before redelivery, so
			// keep it short to bound retry tests.
			Visibility:      time.Second,
			MaxDequeueCount: 2,
			PollInterval:    10 * time.Millisecond,
			WalletAddress:   wallet.address,
			PoolAddress:     poolParty.address,
			IssuerAddress:   wallet.address,
		},
	)
	pipeline.Start()
	t.Cleanup(pipeline.Stop)

	return &pipelineFixture{
		repo:        repo,
		queue:       queue,
		broadcaster: broadcaster,
		notifier:    notifier,
		bus:         bus,
		pool:        pool,
		ledger:      ledger,
		pipeline:    pipeline,
		wallet:      wallet,
		poolParty:   poolParty,
	}
}

func (f *pipelineFixture) waitBroadcast(
	t *testing.T, ctx context.Context, transactionId string,
) *domain.BroadcastedTransaction {
	t.Helper()
	var record *domain.BroadcastedTransaction
	require.Eventually(t, func() bool {
		var err error
		record, err = f.repo.BroadcastedTxs().Get(ctx, transactionId)
		return err == nil && record != nil
	}, 5*time.Second, 25*time.Millisecond)
	return record
}

func (f *pipelineFixture) waitPoisoned(t *testing.T, ctx context.Context, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count, err := f.queue.PoisonCount(ctx, application.TransactionsQueue)
		return err == nil && count == want
	}, 10*time.Second, 25*time.Millisecond)
}

func TestPipelineTransfer(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	utxo := walletCoin(t, f.wallet, walletTxid, 0, 1_000_000)
	f.broadcaster.setUnspent(f.wallet.address, utxo)

	to := newTestParty(t)
	require.NoError(t, f.pipeline.AddCommand(
		ctx, "order-1", domain.CommandTypeTransfer, domain.TransferCommand{
			FromAddress: f.wallet.address,
			ToAddress:   to.address,
			Amount:      200_000,
		},
	))

	record := f.waitBroadcast(t, ctx, "order-1")
	require.NotEmpty(t, record.TxHash)
	require.Equal(t, 1, f.broadcaster.broadcastCount())

	t.Run("inputs are claimed in the ledger", func(t *testing.T) {
		unspent, err := f.ledger.GetUnspentOutputs(ctx, []domain.Outpoint{utxo.Outpoint})
		require.NoError(t, err)
		require.Empty(t, unspent)
	})

	t.Run("broadcast event and alert are published", func(t *testing.T) {
		events := f.bus.published(ports.TransactionsTopic)
		require.Len(t, events, 1)
		event, ok := events[0].(domain.TransactionBroadcasted)
		require.True(t, ok)
		require.Equal(t, "order-1", event.TransactionId)
		require.Equal(t, record.TxHash, event.TxHash)

		alerts := f.notifier.byTopic(ports.TransactionBroadcasted)
		require.Len(t, alerts, 1)
	})

	t.Run("the transaction id cannot be reused", func(t *testing.T) {
		err := f.pipeline.AddCommand(
			ctx, "order-1", domain.CommandTypeTransfer, domain.TransferCommand{
				FromAddress: f.wallet.address,
				ToAddress:   to.address,
				Amount:      100_000,
			},
		)
		require.Error(t, err)
		require.True(t, errors.HasCode(err, errors.DUPLICATE_TRANSACTION_ID))
	})
}

func TestPipelinePoisonsInvalidCommand(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	// Zero amount never passes validation: not worth retrying.
	require.NoError(t, f.pipeline.AddCommand(
		ctx, "order-bad", domain.CommandTypeTransfer, domain.TransferCommand{
			FromAddress: f.wallet.address,
			ToAddress:   f.wallet.address,
			Amount:      0,
		},
	))

	f.waitPoisoned(t, ctx, 1)

	count, err := f.queue.Count(ctx, application.TransactionsQueue)
	require.NoError(t, err)
	require.Zero(t, count)

	t.Run("poison raises an alert", func(t *testing.T) {
		alerts := f.notifier.byTopic(ports.CommandPoisoned)
		require.NotEmpty(t, alerts)
		alert, ok := alerts[0].message.(ports.CommandPoisonedAlert)
		require.True(t, ok)
		require.Equal(t, "order-bad", alert.TransactionId)
	})

	t.Run("operator retry reinjects the command", func(t *testing.T) {
		requeued, err := f.pipeline.RetryFailedTransaction(ctx, "order-bad")
		require.NoError(t, err)
		require.True(t, requeued)

		// Still invalid: it lands in poison again.
		f.waitPoisoned(t, ctx, 1)

		requeued, err = f.pipeline.RetryFailedTransaction(ctx, "order-unknown")
		require.NoError(t, err)
		require.False(t, requeued)
	})
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	utxo := walletCoin(t, f.wallet, walletTxid, 1, 1_000_000)
	f.broadcaster.setUnspent(f.wallet.address, utxo)
	f.broadcaster.broadcastErr = errors.INTERNAL_ERROR.New("bitcoind unavailable")

	require.NoError(t, f.pipeline.AddCommand(
		ctx, "order-retry", domain.CommandTypeTransfer, domain.TransferCommand{
			FromAddress: f.wallet.address,
			ToAddress:   f.wallet.address,
			Amount:      200_000,
		},
	))

	// Two dequeues (the retry budget), then poison.
	f.waitPoisoned(t, ctx, 1)

	t.Run("ledger claim was rolled back", func(t *testing.T) {
		unspent, err := f.ledger.GetUnspentOutputs(ctx, []domain.Outpoint{utxo.Outpoint})
		require.NoError(t, err)
		require.Equal(t, []domain.Outpoint{utxo.Outpoint}, unspent)
	})

	require.Zero(t, f.broadcaster.broadcastCount())
}

func TestPipelineGenerateFeeOutputs(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.broadcaster.setUnspent(
		f.wallet.address, walletCoin(t, f.wallet, walletTxid, 2, 10_000_000),
	)

	require.NoError(t, f.pipeline.AddCommand(
		ctx, "order-gen", domain.CommandTypeGenerateFeeOutputs,
		domain.GenerateFeeOutputsCommand{Count: 3, AmountEach: 200_000},
	))

	record := f.waitBroadcast(t, ctx, "order-gen")

	require.Eventually(t, func() bool {
		count, err := f.pool.Count(ctx, domain.FeePoolKey)
		return err == nil && count == 3
	}, 5*time.Second, 25*time.Millisecond)

	t.Run("pooled coins point at the broadcast", func(t *testing.T) {
		coin, err := f.pool.DequeueCoin(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Equal(t, record.TxHash, coin.TxHash)
		require.Equal(t, uint64(200_000), coin.Amount)
		require.NoError(t, f.pool.ReleaseCoin(ctx, domain.FeePoolKey, *coin))
	})

	t.Run("issuance is funded from the pool", func(t *testing.T) {
		holder := newTestParty(t)
		require.NoError(t, f.pipeline.AddCommand(
			ctx, "order-issue", domain.CommandTypeIssue, domain.IssueCommand{
				AssetId: "gold",
				Address: holder.address,
				Amount:  500,
			},
		))
		f.waitBroadcast(t, ctx, "order-issue")

		count, err := f.pool.Count(ctx, domain.FeePoolKey)
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})
}
