package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/satsvault/custodiad/internal/core/application"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
)

type mockScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (m *mockScheduler) Start() {}

func (m *mockScheduler) Stop() {}

func (m *mockScheduler) ScheduleTaskWithInterval(interval time.Duration, task func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

// tick runs every scheduled task once, standing in for the timer.
func (m *mockScheduler) tick() {
	m.mu.Lock()
	tasks := append([]func(){}, m.tasks...)
	m.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

type watcherFixture struct {
	*channelFixture
	notifier  *mockNotifier
	scheduler *mockScheduler
	watcher   application.CommitmentWatcher
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	channels := newChannelFixture(t)
	notifier := &mockNotifier{}
	scheduler := &mockScheduler{}
	watcher := application.NewCommitmentWatcher(
		channels.repo, channels.broadcaster, channels.bus, notifier, scheduler,
		application.NewFeeEstimator(channels.repo), testNet, 144, time.Minute,
	)
	return &watcherFixture{
		channelFixture: channels,
		notifier:       notifier,
		scheduler:      scheduler,
		watcher:        watcher,
	}
}

func (f *watcherFixture) signedTxHex(t *testing.T, ctx context.Context, commitmentId string) string {
	t.Helper()
	commitment, err := f.repo.Commitments().Get(ctx, commitmentId)
	require.NoError(t, err)
	require.NotNil(t, commitment)
	require.True(t, commitment.IsSigned())
	return commitment.SignedTxHex
}

func TestCommitmentWatcher(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t)

	channel := f.openAndFinalize(t, ctx, 40_000_000, 60_000_000)

	first, err := f.engine.Transfer(
		ctx, channel.Id, 10_000_000, application.TransferDirectionClientToHub,
	)
	require.NoError(t, err)
	f.completeRound(t, ctx, first)

	second, err := f.engine.Transfer(
		ctx, channel.Id, 5_000_000, application.TransferDirectionHubToClient,
	)
	require.NoError(t, err)
	f.completeRound(t, ctx, second)

	// The first round is superseded, so its revocation keys may circulate.
	// Only the hub key is handed over here; the client one stays secret to
	// exercise the unpunishable branch.
	require.NoError(t, f.engine.RevealRevokeKey(
		ctx, first.HubCommitment.RevokePubKey, first.HubRevokePrivKey,
	))

	t.Run("nothing on chain, nothing recorded", func(t *testing.T) {
		require.NoError(t, f.watcher.CheckCommitments(ctx))
		require.Empty(t, f.bus.published(ports.CommitmentBroadcastsTopic))
	})

	t.Run("latest commitment on chain is valid", func(t *testing.T) {
		txHex := f.signedTxHex(t, ctx, second.HubCommitment.Id)
		txHash := f.broadcaster.seeOnchain(t, txHex)

		require.NoError(t, f.watcher.CheckCommitments(ctx))

		broadcast, err := f.repo.CommitmentBroadcasts().GetByTxHash(ctx, txHash)
		require.NoError(t, err)
		require.NotNil(t, broadcast)
		require.Equal(t, domain.BroadcastTypeValid, broadcast.Type)
		require.Equal(t, uint64(35_000_000), broadcast.RealClientAmount)
		require.Equal(t, uint64(65_000_000), broadcast.RealHubAmount)
		require.Empty(t, broadcast.PenaltyTxHash)
	})

	t.Run("stale hub commitment is punished", func(t *testing.T) {
		txHex := f.signedTxHex(t, ctx, first.HubCommitment.Id)
		txHash := f.broadcaster.seeOnchain(t, txHex)

		require.NoError(t, f.watcher.CheckCommitments(ctx))

		broadcast, err := f.repo.CommitmentBroadcasts().GetByTxHash(ctx, txHash)
		require.NoError(t, err)
		require.NotNil(t, broadcast)
		require.Equal(t, domain.BroadcastTypeRevoked, broadcast.Type)
		require.NotEmpty(t, broadcast.PenaltyTxHash)
		// The cheated client claims the whole channel value.
		require.Equal(t, uint64(100_000_000), broadcast.RealClientAmount)
		require.Zero(t, broadcast.RealHubAmount)

		penaltyHex, err := f.broadcaster.GetRawTransaction(ctx, broadcast.PenaltyTxHash)
		require.NoError(t, err)
		require.NotEmpty(t, penaltyHex)
		penalty := decodeTx(t, penaltyHex)
		require.Len(t, penalty.TxIn, 1)
		require.Equal(t, txHash, penalty.TxIn[0].PreviousOutPoint.Hash.String())

		alerts := f.notifier.byTopic(ports.RevokedCommitment)
		require.Len(t, alerts, 1)
		alert, ok := alerts[0].message.(ports.RevokedCommitmentAlert)
		require.True(t, ok)
		require.Equal(t, first.HubCommitment.Id, alert.CommitmentId)
		require.Equal(t, broadcast.PenaltyTxHash, alert.PenaltyTxHash)
	})

	t.Run("unrevealed key leaves the fraud recorded but unpunished", func(t *testing.T) {
		txHex := f.signedTxHex(t, ctx, first.ClientCommitment.Id)
		txHash := f.broadcaster.seeOnchain(t, txHex)

		require.NoError(t, f.watcher.CheckCommitments(ctx))

		broadcast, err := f.repo.CommitmentBroadcasts().GetByTxHash(ctx, txHash)
		require.NoError(t, err)
		require.NotNil(t, broadcast)
		require.Equal(t, domain.BroadcastTypeRevoked, broadcast.Type)
		require.Empty(t, broadcast.PenaltyTxHash)
		// Cheater is the client, the hub would claim everything.
		require.Zero(t, broadcast.RealClientAmount)
		require.Equal(t, uint64(100_000_000), broadcast.RealHubAmount)
	})

	t.Run("rescan does not duplicate records", func(t *testing.T) {
		events := len(f.bus.published(ports.CommitmentBroadcastsTopic))
		require.NoError(t, f.watcher.CheckCommitments(ctx))
		require.Len(t, f.bus.published(ports.CommitmentBroadcastsTopic), events)
	})
}

func TestWatcherIgnoresPendingUnsignedRound(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t)

	channel := f.openAndFinalize(t, ctx, 40_000_000, 60_000_000)

	signed, err := f.engine.Transfer(
		ctx, channel.Id, 10_000_000, application.TransferDirectionClientToHub,
	)
	require.NoError(t, err)
	f.completeRound(t, ctx, signed)

	// A newer round is proposed but never gathers signatures. The signed
	// round stays the channel state and broadcasting it is legitimate.
	_, err = f.engine.Transfer(
		ctx, channel.Id, 5_000_000, application.TransferDirectionHubToClient,
	)
	require.NoError(t, err)

	txHex := f.signedTxHex(t, ctx, signed.HubCommitment.Id)
	txHash := f.broadcaster.seeOnchain(t, txHex)

	require.NoError(t, f.watcher.CheckCommitments(ctx))

	broadcast, err := f.repo.CommitmentBroadcasts().GetByTxHash(ctx, txHash)
	require.NoError(t, err)
	require.NotNil(t, broadcast)
	require.Equal(t, domain.BroadcastTypeValid, broadcast.Type)
	require.Empty(t, broadcast.PenaltyTxHash)
	require.Equal(t, uint64(30_000_000), broadcast.RealClientAmount)
	require.Equal(t, uint64(70_000_000), broadcast.RealHubAmount)
	require.Empty(t, f.notifier.byTopic(ports.RevokedCommitment))
}

func TestWatcherHandlesOrphanCommitment(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t)

	party := newTestParty(t)
	commitmentTx := func(n uint32) string {
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: n}, nil, nil))
		tx.AddTxOut(wire.NewTxOut(1000, party.pkScript(t)))
		return encodeTx(t, tx)
	}

	// Two signed commitments whose channel row is gone.
	stale := domain.Commitment{
		Id:              "stale",
		ChannelId:       "removed-channel",
		Type:            domain.CommitmentTypeHub,
		MultisigAddress: party.address,
		AssetId:         "BTC",
		SignedTxHex:     commitmentTx(0),
		RevokePubKey:    party.pubKeyHex(),
		ClientAmount:    40_000_000,
		HubAmount:       60_000_000,
		CreatedAt:       1,
	}
	current := stale
	current.Id = "current"
	current.SignedTxHex = commitmentTx(1)
	current.CreatedAt = 2
	require.NoError(t, f.repo.Commitments().Add(ctx, stale))
	require.NoError(t, f.repo.Commitments().Add(ctx, current))

	txHash := f.broadcaster.seeOnchain(t, stale.SignedTxHex)
	require.NoError(t, f.watcher.CheckCommitments(ctx))

	// The fraud is recorded even though the penalty cannot be built.
	broadcast, err := f.repo.CommitmentBroadcasts().GetByTxHash(ctx, txHash)
	require.NoError(t, err)
	require.NotNil(t, broadcast)
	require.Equal(t, domain.BroadcastTypeRevoked, broadcast.Type)
	require.Empty(t, broadcast.PenaltyTxHash)
	require.Zero(t, broadcast.RealClientAmount)
	require.Zero(t, broadcast.RealHubAmount)
}

func TestWatcherClosesConfirmedChannels(t *testing.T) {
	ctx := context.Background()
	f := newWatcherFixture(t)

	channel := f.openAndFinalize(t, ctx, 40_000_000, 60_000_000)
	proposal, err := f.engine.Transfer(
		ctx, channel.Id, 10_000_000, application.TransferDirectionClientToHub,
	)
	require.NoError(t, err)
	f.completeRound(t, ctx, proposal)

	cashoutTxHash, err := f.engine.HubCashout(ctx, channel.Id)
	require.NoError(t, err)

	require.NoError(t, f.watcher.Start())
	defer f.watcher.Stop()

	t.Run("unconfirmed cashout keeps the channel closing", func(t *testing.T) {
		f.scheduler.tick()

		current, err := f.repo.Channels().GetById(ctx, channel.Id)
		require.NoError(t, err)
		require.Equal(t, domain.ChannelStateClosing, current.State)
	})

	t.Run("confirmed cashout closes the channel", func(t *testing.T) {
		f.broadcaster.setConfirmed(cashoutTxHash)
		f.scheduler.tick()

		current, err := f.repo.Channels().GetById(ctx, channel.Id)
		require.NoError(t, err)
		require.Equal(t, domain.ChannelStateClosed, current.State)

		commitments, err := f.repo.Commitments().ListByChannel(ctx, channel.Id)
		require.NoError(t, err)
		require.NotEmpty(t, commitments)
		for _, commitment := range commitments {
			require.True(t, commitment.Closed)
		}
	})
}
