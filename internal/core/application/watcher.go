package application

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/pkg/errors"
)

// penaltyTxSize is the worst-case size of a one-input one-output penalty
// transaction spending the locked output through the revocation branch.
const penaltyTxSize = 400

// CommitmentWatcher is the fraud monitor: it compares every on-chain
// commitment-shaped transaction against the latest commitment of its channel
// and punishes a stale (revoked) broadcast with a penalty transaction.
type CommitmentWatcher interface {
	Start() error
	Stop()
	// CheckCommitments runs one scan over all signed, non-closed
	// commitments. It is invoked by the scheduler and by broadcast events.
	CheckCommitments(ctx context.Context) error
}

type commitmentWatcher struct {
	repoManager ports.RepoManager
	broadcaster ports.ChainBroadcaster
	eventBus    ports.EventBus
	notifier    ports.NotificationSink
	scheduler   ports.SchedulerService

	commitments *commitmentBuilder
	fee         FeeEstimator

	interval time.Duration
	stop     func()
	ctx      context.Context
}

func NewCommitmentWatcher(
	repoManager ports.RepoManager,
	broadcaster ports.ChainBroadcaster,
	eventBus ports.EventBus,
	notifier ports.NotificationSink,
	scheduler ports.SchedulerService,
	fee FeeEstimator,
	net *chaincfg.Params,
	csvDelay int64,
	interval time.Duration,
) CommitmentWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &commitmentWatcher{
		repoManager: repoManager,
		broadcaster: broadcaster,
		eventBus:    eventBus,
		notifier:    notifier,
		scheduler:   scheduler,
		commitments: newCommitmentBuilder(net, csvDelay),
		fee:         fee,
		interval:    interval,
		stop:        cancel,
		ctx:         ctx,
	}
}

func (w *commitmentWatcher) Start() error {
	if err := w.eventBus.Subscribe(
		w.ctx, ports.TransactionsTopic, func(event domain.Event) {
			if event.GetType() != domain.EventTypeTransactionBroadcasted {
				return
			}
			if err := w.CheckCommitments(w.ctx); err != nil {
				log.WithError(err).Error("commitment check failed")
			}
		},
	); err != nil {
		return err
	}

	return w.scheduler.ScheduleTaskWithInterval(w.interval, func() {
		if err := w.CheckCommitments(w.ctx); err != nil {
			log.WithError(err).Error("commitment check failed")
		}
		if err := w.confirmClosingChannels(w.ctx); err != nil {
			log.WithError(err).Error("closing channel check failed")
		}
	})
}

func (w *commitmentWatcher) Stop() {
	w.stop()
}

func (w *commitmentWatcher) CheckCommitments(ctx context.Context) error {
	commitments, err := w.repoManager.Commitments().ListSigned(ctx)
	if err != nil {
		return err
	}

	for _, commitment := range commitments {
		txHash, err := txHashFromHex(commitment.SignedTxHex)
		if err != nil {
			log.WithError(err).WithField("commitment", commitment.Id).
				Warn("skipping commitment with malformed signed tx")
			continue
		}

		seen, err := w.repoManager.CommitmentBroadcasts().GetByTxHash(ctx, txHash)
		if err != nil {
			return err
		}
		if seen != nil {
			continue
		}

		onchain, err := w.broadcaster.GetRawTransaction(ctx, txHash)
		if err != nil {
			log.WithError(err).Warn("failed to query chain for commitment tx")
			continue
		}
		if onchain == "" {
			continue
		}

		if err := w.handleBroadcastedCommitment(ctx, commitment, txHash); err != nil {
			log.WithError(err).WithField("commitment", commitment.Id).
				Error("failed to handle broadcasted commitment")
		}
	}
	return nil
}

func (w *commitmentWatcher) handleBroadcastedCommitment(
	ctx context.Context, commitment domain.Commitment, txHash string,
) error {
	// A proposed round that never gathered both signatures is not channel
	// state: only signed commitments count when classifying a broadcast.
	last, err := w.repoManager.Commitments().GetLastSigned(
		ctx, commitment.MultisigAddress, commitment.AssetId, commitment.Type,
	)
	if err != nil {
		return err
	}

	broadcast := domain.CommitmentBroadcast{
		CommitmentId: commitment.Id,
		TxHash:       txHash,
		ClientAmount: commitment.ClientAmount,
		HubAmount:    commitment.HubAmount,
		DetectedAt:   time.Now().Unix(),
	}

	if last != nil && last.Id == commitment.Id {
		broadcast.Type = domain.BroadcastTypeValid
		broadcast.RealClientAmount = commitment.ClientAmount
		broadcast.RealHubAmount = commitment.HubAmount
	} else {
		broadcast.Type = domain.BroadcastTypeRevoked
		penaltyTxHash, realClient, realHub, err := w.punish(ctx, commitment)
		if err != nil {
			log.WithError(err).WithField("commitment", commitment.Id).
				Error("failed to build penalty transaction")
		} else {
			broadcast.PenaltyTxHash = penaltyTxHash
		}
		broadcast.RealClientAmount = realClient
		broadcast.RealHubAmount = realHub

		if err := w.notifier.Publish(ctx, ports.RevokedCommitment, ports.RevokedCommitmentAlert{
			CommitmentId:  commitment.Id,
			ChannelId:     commitment.ChannelId,
			TxHash:        txHash,
			PenaltyTxHash: broadcast.PenaltyTxHash,
		}); err != nil {
			log.WithError(err).Warn("failed to publish revoked commitment alert")
		}
	}

	if err := w.repoManager.CommitmentBroadcasts().Add(ctx, broadcast); err != nil {
		return err
	}

	event := domain.CommitmentDetected{
		Type:      domain.EventTypeCommitmentDetected,
		Broadcast: broadcast,
	}
	if err := w.eventBus.Publish(ctx, ports.CommitmentBroadcastsTopic, event); err != nil {
		log.WithError(err).Warn("failed to publish commitment detected event")
	}

	log.WithFields(log.Fields{
		"commitment": commitment.Id,
		"txid":       txHash,
		"type":       broadcast.Type.String(),
	}).Info("commitment broadcast detected")
	return nil
}

// punish claims the whole locked output of a revoked commitment for the
// honest party with the revealed revocation key.
func (w *commitmentWatcher) punish(
	ctx context.Context, commitment domain.Commitment,
) (penaltyTxHash string, realClient, realHub uint64, err error) {
	channel, err := w.repoManager.Channels().GetById(ctx, commitment.ChannelId)
	if err != nil {
		return "", 0, 0, err
	}
	if channel == nil {
		return "", 0, 0, errors.CHANNEL_NOT_FOUND.New(
			"unknown channel %s", commitment.ChannelId,
		)
	}

	// The whole channel value goes to the party the cheater tried to rob.
	honestPubKeyHex := channel.ClientPubKey
	realClient, realHub = channel.Total(), uint64(0)
	if commitment.Type == domain.CommitmentTypeClient {
		honestPubKeyHex = channel.HubPubKey
		realClient, realHub = 0, channel.Total()
	}

	key, err := w.repoManager.RevokeKeys().Get(ctx, commitment.RevokePubKey)
	if err != nil {
		return "", realClient, realHub, err
	}
	if key == nil || !key.IsRevealed() {
		return "", realClient, realHub, errors.REVOKE_KEY_NOT_REVEALED.New(
			"cannot punish: revoke key private half is unknown",
		).WithMetadata(errors.CommitmentMetadata{CommitmentId: commitment.Id})
	}

	privBytes, err := hex.DecodeString(key.PrivateKey)
	if err != nil {
		return "", realClient, realHub, err
	}
	revokePriv, _ := btcec.PrivKeyFromBytes(privBytes)

	honestPubKey, err := pubKeyFromHex(honestPubKeyHex)
	if err != nil {
		return "", realClient, realHub, err
	}

	fee, err := w.fee.CalcFee(ctx, penaltyTxSize)
	if err != nil {
		return "", realClient, realHub, err
	}

	penaltyTxHex, err := w.commitments.buildPenaltyTx(
		commitment.SignedTxHex, commitment.LockedScript, revokePriv, honestPubKey, fee,
	)
	if err != nil {
		return "", realClient, realHub, err
	}

	penaltyTxHash, err = w.broadcaster.Broadcast(ctx, penaltyTxHex)
	if err != nil {
		return "", realClient, realHub, err
	}
	return penaltyTxHash, realClient, realHub, nil
}

func (w *commitmentWatcher) confirmClosingChannels(ctx context.Context) error {
	channels, err := w.repoManager.Channels().ListByState(ctx, domain.ChannelStateClosing)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		confirmed, err := w.closingTxConfirmed(ctx, channel)
		if err != nil {
			log.WithError(err).WithField("channel", channel.Id).
				Warn("failed to check closing tx confirmation")
			continue
		}
		if !confirmed {
			continue
		}
		channel.State = domain.ChannelStateClosed
		if err := w.repoManager.Channels().Update(ctx, channel); err != nil {
			return err
		}
		if err := w.repoManager.Commitments().CloseByChannel(ctx, channel.Id); err != nil {
			return err
		}
		log.WithField("channel", channel.Id).Info("channel closed")
	}
	return nil
}

func (w *commitmentWatcher) closingTxConfirmed(
	ctx context.Context, channel domain.Channel,
) (bool, error) {
	tx, err := w.repoManager.BroadcastedTxs().Get(ctx, "close:"+channel.Id)
	if err != nil {
		return false, err
	}
	if tx != nil {
		return w.broadcaster.IsConfirmed(ctx, tx.TxHash)
	}

	// Commitment cashouts are keyed by commitment id.
	commitments, err := w.repoManager.Commitments().ListByChannel(ctx, channel.Id)
	if err != nil {
		return false, err
	}
	for _, commitment := range commitments {
		tx, err := w.repoManager.BroadcastedTxs().Get(ctx, "cashout:"+commitment.Id)
		if err != nil {
			return false, err
		}
		if tx == nil {
			continue
		}
		return w.broadcaster.IsConfirmed(ctx, tx.TxHash)
	}
	return false, nil
}
