package application

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/pkg/errors"
)

type TransferDirection uint8

const (
	TransferDirectionClientToHub TransferDirection = iota
	TransferDirectionHubToClient
)

type OpenChannelRequest struct {
	ClientPubKey string
	HubPubKey    string
	AssetId      string
	ClientAmount uint64
	HubAmount    uint64
}

// TransferProposal is one commitment exchange round: a new pair of
// commitments with an updated split, each guarded by a fresh revocation key.
// The private halves are returned once, for out-of-band exchange after the
// round is fully signed; they are not persisted.
type TransferProposal struct {
	ClientCommitment    domain.Commitment
	HubCommitment       domain.Commitment
	ClientRevokePrivKey string
	HubRevokePrivKey    string
}

// ChannelEngine is the off-chain channel state machine:
// open -> finalize -> [transfer]* -> close/cashout, with revocation-based
// fraud punishment handled by the watcher.
type ChannelEngine interface {
	OpenChannel(ctx context.Context, req OpenChannelRequest) (*domain.Channel, error)
	FinalizeChannel(ctx context.Context, channelId, signedFundingTxHex string) error
	CreateClientCommitment(
		ctx context.Context, channelId string,
		clientAmount, hubAmount uint64, revokePubKey string,
	) (*domain.Commitment, error)
	CreateHubCommitment(
		ctx context.Context, channelId string,
		clientAmount, hubAmount uint64, revokePubKey string,
	) (*domain.Commitment, error)
	CompleteCommitment(ctx context.Context, commitmentId, signedTxHex string) error
	Transfer(
		ctx context.Context, channelId string, amount uint64, direction TransferDirection,
	) (*TransferProposal, error)
	RevealRevokeKey(ctx context.Context, pubKey, privateKey string) error
	CloseChannel(ctx context.Context, channelId, closingTxHex string) (string, error)
	Cashout(ctx context.Context, commitmentId string) (string, error)
	HubCashout(ctx context.Context, channelId string) (string, error)
	GetLastCommitment(
		ctx context.Context, multisigAddress, assetId string,
		commitmentType domain.CommitmentType,
	) (*domain.Commitment, error)
	RemoveCommitmentsOfChannel(ctx context.Context, channelId string) error
	CloseCommitmentsOfChannel(ctx context.Context, channelId string) error
}

type channelEngine struct {
	repoManager ports.RepoManager
	liveStore   ports.LiveStore
	broadcaster ports.ChainBroadcaster
	eventBus    ports.EventBus

	commitments *commitmentBuilder
	builder     *txBuilder
	fee         FeeEstimator
	verifier    SignatureVerifier

	hubWalletAddress string
	hubWalletPubKey  string
	setupTTL         time.Duration
}

func NewChannelEngine(
	repoManager ports.RepoManager,
	liveStore ports.LiveStore,
	broadcaster ports.ChainBroadcaster,
	eventBus ports.EventBus,
	pool OutputPool,
	ledger SpentLedger,
	fee FeeEstimator,
	verifier SignatureVerifier,
	net *chaincfg.Params,
	csvDelay int64,
	hubWalletAddress, hubWalletPubKey string,
	setupTTL time.Duration,
) ChannelEngine {
	return &channelEngine{
		repoManager:      repoManager,
		liveStore:        liveStore,
		broadcaster:      broadcaster,
		eventBus:         eventBus,
		commitments:      newCommitmentBuilder(net, csvDelay),
		builder:          newTxBuilder(net, pool, ledger, fee, broadcaster),
		fee:              fee,
		verifier:         verifier,
		hubWalletAddress: hubWalletAddress,
		hubWalletPubKey:  hubWalletPubKey,
		setupTTL:         setupTTL,
	}
}

func (e *channelEngine) OpenChannel(
	ctx context.Context, req OpenChannelRequest,
) (*domain.Channel, error) {
	clientPubKey, err := pubKeyFromHex(req.ClientPubKey)
	if err != nil {
		return nil, err
	}
	hubPubKey, err := pubKeyFromHex(req.HubPubKey)
	if err != nil {
		return nil, err
	}
	total := req.ClientAmount + req.HubAmount
	if total == 0 {
		return nil, errors.BAD_INPUT_PARAMETER.New("channel amounts are zero")
	}

	multisigAddress, err := e.commitments.multisigAddress(clientPubKey, hubPubKey)
	if err != nil {
		return nil, err
	}

	existing, err := e.repoManager.Channels().Get(ctx, multisigAddress, req.AssetId)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.IsClosed() {
		return nil, errors.ANOTHER_CHANNEL_SETUP_EXISTS.New(
			"a channel already exists for this multisig",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: multisigAddress, AssetId: req.AssetId,
		})
	}

	multisigScript, err := e.commitments.payToAddressScript(multisigAddress)
	if err != nil {
		return nil, err
	}
	fundingTx, _, err := e.builder.buildFundedTx(
		ctx, e.hubWalletAddress, []*wire.TxOut{wire.NewTxOut(int64(total), multisigScript)},
	)
	if err != nil {
		return nil, err
	}
	fundingTxHex, err := serializeTx(fundingTx)
	if err != nil {
		return nil, err
	}

	channel := domain.Channel{
		Id:              uuid.NewString(),
		MultisigAddress: multisigAddress,
		AssetId:         req.AssetId,
		ClientPubKey:    req.ClientPubKey,
		HubPubKey:       req.HubPubKey,
		ClientAmount:    req.ClientAmount,
		HubAmount:       req.HubAmount,
		State:           domain.ChannelStateOpen,
		FundingTxHex:    fundingTxHex,
		CreatedAt:       time.Now().Unix(),
	}
	if err := e.repoManager.Channels().Add(ctx, channel); err != nil {
		return nil, err
	}

	// The opening round carries an initial hub commitment so the hub can
	// always force-close at the opening split.
	if _, _, err := e.createCommitment(
		ctx, channel, domain.CommitmentTypeHub, req.ClientAmount, req.HubAmount, nil,
	); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"channel":  channel.Id,
		"multisig": multisigAddress,
	}).Info("channel opened")
	return &channel, nil
}

func (e *channelEngine) FinalizeChannel(
	ctx context.Context, channelId, signedFundingTxHex string,
) error {
	channel, err := e.getChannel(ctx, channelId)
	if err != nil {
		return err
	}
	if channel.Finalized {
		return nil
	}
	if !e.verifier.VerifyScriptSigs(signedFundingTxHex) {
		return errors.BAD_FULL_SIGN_TRANSACTION.New(
			"funding tx is not fully signed",
		).WithMetadata(errors.TxMetadata{Tx: signedFundingTxHex})
	}
	if !e.verifier.Verify(ctx, signedFundingTxHex, e.hubWalletPubKey, txscript.SigHashAll) {
		return errors.BAD_FULL_SIGN_TRANSACTION.New(
			"funding tx signatures do not verify against the wallet key",
		).WithMetadata(errors.TxMetadata{Tx: signedFundingTxHex})
	}

	clientPubKey, err := pubKeyFromHex(channel.ClientPubKey)
	if err != nil {
		return err
	}
	hubPubKey, err := pubKeyFromHex(channel.HubPubKey)
	if err != nil {
		return err
	}
	_, fundingValue, err := e.commitments.fundingOutpoint(
		signedFundingTxHex, clientPubKey, hubPubKey,
	)
	if err != nil {
		return err
	}
	if uint64(fundingValue) != channel.Total() {
		return errors.BAD_TRANSACTION.New(
			"funding output value %d does not match channel total %d",
			fundingValue, channel.Total(),
		).WithMetadata(errors.TxMetadata{Tx: signedFundingTxHex})
	}

	if _, err := e.broadcastChannelTx(
		ctx, "funding:"+channel.Id, signedFundingTxHex,
	); err != nil {
		return err
	}

	channel.FundingTxHex = signedFundingTxHex
	channel.Finalized = true
	if err := e.repoManager.Channels().Update(ctx, *channel); err != nil {
		return err
	}

	// Signing changed the funding txid: unsigned commitments built against
	// the proposal now spend a stale outpoint and must be rebuilt.
	return e.rebuildUnsignedCommitments(ctx, *channel)
}

func (e *channelEngine) CreateClientCommitment(
	ctx context.Context, channelId string,
	clientAmount, hubAmount uint64, revokePubKey string,
) (*domain.Commitment, error) {
	return e.createSingleCommitment(
		ctx, channelId, domain.CommitmentTypeClient, clientAmount, hubAmount, revokePubKey,
	)
}

func (e *channelEngine) CreateHubCommitment(
	ctx context.Context, channelId string,
	clientAmount, hubAmount uint64, revokePubKey string,
) (*domain.Commitment, error) {
	return e.createSingleCommitment(
		ctx, channelId, domain.CommitmentTypeHub, clientAmount, hubAmount, revokePubKey,
	)
}

func (e *channelEngine) createSingleCommitment(
	ctx context.Context, channelId string, commitmentType domain.CommitmentType,
	clientAmount, hubAmount uint64, revokePubKey string,
) (*domain.Commitment, error) {
	channel, err := e.getChannel(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if !channel.Finalized {
		return nil, errors.CHANNEL_NOT_FINALIZED.New(
			"channel funding is not fully signed",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: channel.MultisigAddress, AssetId: channel.AssetId,
		})
	}
	if clientAmount+hubAmount != channel.Total() {
		return nil, errors.BAD_CHANNEL_AMOUNT.New(
			"amounts %d+%d do not conserve channel total %d",
			clientAmount, hubAmount, channel.Total(),
		).WithMetadata(errors.ChannelAmountMetadata{
			ClientAmount: clientAmount, HubAmount: hubAmount, ChannelTotal: channel.Total(),
		})
	}
	pending, err := e.liveStore.ChannelSetups().Pending(ctx, channel.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, errors.ANOTHER_CHANNEL_SETUP_EXISTS.New(
			"a commitment round is already pending for this multisig",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: channel.MultisigAddress, AssetId: channel.AssetId,
		})
	}

	revokePub, err := pubKeyFromHex(revokePubKey)
	if err != nil {
		return nil, err
	}
	commitment, _, err := e.createCommitment(
		ctx, *channel, commitmentType, clientAmount, hubAmount, revokePub,
	)
	return commitment, err
}

func (e *channelEngine) Transfer(
	ctx context.Context, channelId string, amount uint64, direction TransferDirection,
) (*TransferProposal, error) {
	channel, err := e.getChannel(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if !channel.Finalized {
		return nil, errors.CHANNEL_NOT_FINALIZED.New(
			"channel funding is not fully signed",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: channel.MultisigAddress, AssetId: channel.AssetId,
		})
	}
	if amount == 0 {
		return nil, errors.BAD_INPUT_PARAMETER.New("transfer amount is zero")
	}

	clientAmount, hubAmount := channel.ClientAmount, channel.HubAmount
	switch direction {
	case TransferDirectionClientToHub:
		if clientAmount < amount {
			return nil, errors.BAD_CHANNEL_AMOUNT.New(
				"client balance %d cannot cover transfer of %d", clientAmount, amount,
			).WithMetadata(errors.ChannelAmountMetadata{
				ClientAmount: clientAmount, HubAmount: hubAmount,
				ChannelTotal: channel.Total(),
			})
		}
		clientAmount -= amount
		hubAmount += amount
	case TransferDirectionHubToClient:
		if hubAmount < amount {
			return nil, errors.BAD_CHANNEL_AMOUNT.New(
				"hub balance %d cannot cover transfer of %d", hubAmount, amount,
			).WithMetadata(errors.ChannelAmountMetadata{
				ClientAmount: clientAmount, HubAmount: hubAmount,
				ChannelTotal: channel.Total(),
			})
		}
		hubAmount -= amount
		clientAmount += amount
	default:
		return nil, errors.BAD_INPUT_PARAMETER.New("unknown transfer direction %d", direction)
	}

	acquired, err := e.liveStore.ChannelSetups().Acquire(
		ctx, channel.MultisigAddress, e.setupTTL,
	)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errors.ANOTHER_CHANNEL_SETUP_EXISTS.New(
			"a commitment round is already pending for this multisig",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: channel.MultisigAddress, AssetId: channel.AssetId,
		})
	}

	clientCommitment, clientPriv, err := e.createCommitment(
		ctx, *channel, domain.CommitmentTypeClient, clientAmount, hubAmount, nil,
	)
	if err != nil {
		e.releaseSetup(ctx, channel.MultisigAddress)
		return nil, err
	}
	hubCommitment, hubPriv, err := e.createCommitment(
		ctx, *channel, domain.CommitmentTypeHub, clientAmount, hubAmount, nil,
	)
	if err != nil {
		e.releaseSetup(ctx, channel.MultisigAddress)
		return nil, err
	}

	return &TransferProposal{
		ClientCommitment:    *clientCommitment,
		HubCommitment:       *hubCommitment,
		ClientRevokePrivKey: clientPriv,
		HubRevokePrivKey:    hubPriv,
	}, nil
}

func (e *channelEngine) CompleteCommitment(
	ctx context.Context, commitmentId, signedTxHex string,
) error {
	commitment, err := e.repoManager.Commitments().Get(ctx, commitmentId)
	if err != nil {
		return err
	}
	if commitment == nil {
		return errors.COMMITMENT_NOT_FOUND.New("unknown commitment").
			WithMetadata(errors.CommitmentMetadata{CommitmentId: commitmentId})
	}

	last, err := e.repoManager.Commitments().GetLast(
		ctx, commitment.MultisigAddress, commitment.AssetId, commitment.Type,
	)
	if err != nil {
		return err
	}
	if last == nil || last.Id != commitment.Id {
		return errors.COMMITMENT_EXPIRED.New(
			"a newer commitment supersedes this one",
		).WithMetadata(errors.CommitmentMetadata{CommitmentId: commitmentId})
	}

	channel, err := e.getChannel(ctx, commitment.ChannelId)
	if err != nil {
		return err
	}
	if !e.verifier.VerifyScriptSigs(signedTxHex) {
		return errors.BAD_FULL_SIGN_TRANSACTION.New(
			"commitment tx is not fully signed",
		).WithMetadata(errors.TxMetadata{Tx: signedTxHex})
	}
	if !e.verifier.Verify(ctx, signedTxHex, channel.ClientPubKey, txscript.SigHashAll) ||
		!e.verifier.Verify(ctx, signedTxHex, channel.HubPubKey, txscript.SigHashAll) {
		return errors.BAD_FULL_SIGN_TRANSACTION.New(
			"commitment tx signatures do not verify against the channel keys",
		).WithMetadata(errors.TxMetadata{Tx: signedTxHex})
	}

	commitment.SignedTxHex = signedTxHex
	if err := e.repoManager.Commitments().Update(ctx, *commitment); err != nil {
		return err
	}

	// The round is done once both sides of the latest pair are signed: the
	// channel split moves and the setup lease opens for the next round.
	other, err := e.repoManager.Commitments().GetLast(
		ctx, commitment.MultisigAddress, commitment.AssetId, commitment.Type.Other(),
	)
	if err != nil {
		return err
	}
	roundDone := other == nil || (other.IsSigned() &&
		other.ClientAmount == commitment.ClientAmount &&
		other.HubAmount == commitment.HubAmount)
	if roundDone {
		channel.ClientAmount = commitment.ClientAmount
		channel.HubAmount = commitment.HubAmount
		if err := e.repoManager.Channels().Update(ctx, *channel); err != nil {
			return err
		}
		e.releaseSetup(ctx, channel.MultisigAddress)
	}
	return nil
}

func (e *channelEngine) RevealRevokeKey(ctx context.Context, pubKey, privateKey string) error {
	key, err := e.repoManager.RevokeKeys().Get(ctx, pubKey)
	if err != nil {
		return err
	}
	if key == nil {
		return errors.BAD_INPUT_PARAMETER.New("unknown revoke key %s", pubKey)
	}
	if key.IsRevealed() {
		return nil
	}

	privBytes, err := hex.DecodeString(privateKey)
	if err != nil {
		return errors.BAD_INPUT_PARAMETER.New("invalid private key hex: %s", err)
	}
	_, pub := btcec.PrivKeyFromBytes(privBytes)
	if hex.EncodeToString(pub.SerializeCompressed()) != pubKey {
		return errors.BAD_INPUT_PARAMETER.New("private key does not match revoke key")
	}

	commitment, err := e.repoManager.Commitments().GetByRevokePubKey(ctx, pubKey)
	if err != nil {
		return err
	}
	if commitment == nil {
		return errors.BAD_INPUT_PARAMETER.New("revoke key is not bound to a commitment")
	}

	// Revealing before a fully signed successor exists would let the
	// counterparty claim under the old commitment with impunity.
	last, err := e.repoManager.Commitments().GetLast(
		ctx, commitment.MultisigAddress, commitment.AssetId, commitment.Type,
	)
	if err != nil {
		return err
	}
	if last == nil || last.Id == commitment.Id || !last.IsSigned() {
		return errors.PREMATURE_REVOKE_KEY_REVEAL.New(
			"commitment has no fully signed successor",
		).WithMetadata(errors.CommitmentMetadata{CommitmentId: commitment.Id})
	}

	return e.repoManager.RevokeKeys().Reveal(ctx, pubKey, privateKey)
}

func (e *channelEngine) CloseChannel(
	ctx context.Context, channelId, closingTxHex string,
) (string, error) {
	channel, err := e.getChannel(ctx, channelId)
	if err != nil {
		return "", err
	}

	if closingTxHex != "" {
		if !e.verifier.VerifyScriptSigs(closingTxHex) {
			return "", errors.BAD_FULL_SIGN_TRANSACTION.New(
				"closing tx is not fully signed",
			).WithMetadata(errors.TxMetadata{Tx: closingTxHex})
		}
		txHash, err := e.broadcastChannelTx(ctx, "close:"+channel.Id, closingTxHex)
		if err != nil {
			return "", err
		}
		return txHash, e.markClosing(ctx, *channel)
	}

	return e.HubCashout(ctx, channelId)
}

func (e *channelEngine) Cashout(ctx context.Context, commitmentId string) (string, error) {
	commitment, err := e.repoManager.Commitments().Get(ctx, commitmentId)
	if err != nil {
		return "", err
	}
	if commitment == nil {
		return "", errors.COMMITMENT_NOT_FOUND.New("unknown commitment").
			WithMetadata(errors.CommitmentMetadata{CommitmentId: commitmentId})
	}
	if !commitment.IsSigned() {
		return "", errors.CHANNEL_NOT_FINALIZED.New(
			"commitment is not fully signed",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: commitment.MultisigAddress, AssetId: commitment.AssetId,
		})
	}
	last, err := e.repoManager.Commitments().GetLastSigned(
		ctx, commitment.MultisigAddress, commitment.AssetId, commitment.Type,
	)
	if err != nil {
		return "", err
	}
	if last == nil || last.Id != commitment.Id {
		return "", errors.COMMITMENT_EXPIRED.New(
			"a newer commitment supersedes this one",
		).WithMetadata(errors.CommitmentMetadata{CommitmentId: commitmentId})
	}
	return e.cashoutCommitment(ctx, *commitment)
}

func (e *channelEngine) HubCashout(ctx context.Context, channelId string) (string, error) {
	channel, err := e.getChannel(ctx, channelId)
	if err != nil {
		return "", err
	}
	last, err := e.repoManager.Commitments().GetLastSigned(
		ctx, channel.MultisigAddress, channel.AssetId, domain.CommitmentTypeHub,
	)
	if err != nil {
		return "", err
	}
	if last == nil {
		return "", errors.CHANNEL_NOT_FINALIZED.New(
			"channel has no commitment to cash out",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: channel.MultisigAddress, AssetId: channel.AssetId,
		})
	}
	return e.cashoutCommitment(ctx, *last)
}

func (e *channelEngine) cashoutCommitment(
	ctx context.Context, commitment domain.Commitment,
) (string, error) {
	if !commitment.IsSigned() {
		return "", errors.CHANNEL_NOT_FINALIZED.New(
			"commitment is not fully signed",
		).WithMetadata(errors.ChannelMetadata{
			MultisigAddress: commitment.MultisigAddress, AssetId: commitment.AssetId,
		})
	}
	channel, err := e.getChannel(ctx, commitment.ChannelId)
	if err != nil {
		return "", err
	}

	txHash, err := e.broadcastChannelTx(
		ctx, "cashout:"+commitment.Id, commitment.SignedTxHex,
	)
	if err != nil {
		return "", err
	}
	return txHash, e.markClosing(ctx, *channel)
}

func (e *channelEngine) GetLastCommitment(
	ctx context.Context, multisigAddress, assetId string,
	commitmentType domain.CommitmentType,
) (*domain.Commitment, error) {
	return e.repoManager.Commitments().GetLast(ctx, multisigAddress, assetId, commitmentType)
}

func (e *channelEngine) RemoveCommitmentsOfChannel(ctx context.Context, channelId string) error {
	commitments, err := e.repoManager.Commitments().ListByChannel(ctx, channelId)
	if err != nil {
		return err
	}
	for _, commitment := range commitments {
		broadcasts, err := e.repoManager.CommitmentBroadcasts().ListByCommitment(
			ctx, commitment.Id,
		)
		if err != nil {
			return err
		}
		if len(broadcasts) > 0 {
			return errors.BAD_INPUT_PARAMETER.New(
				"commitment %s is referenced by a monitoring entry", commitment.Id,
			)
		}
	}
	return e.repoManager.Commitments().RemoveByChannel(ctx, channelId)
}

func (e *channelEngine) CloseCommitmentsOfChannel(ctx context.Context, channelId string) error {
	return e.repoManager.Commitments().CloseByChannel(ctx, channelId)
}

func (e *channelEngine) getChannel(ctx context.Context, channelId string) (*domain.Channel, error) {
	channel, err := e.repoManager.Channels().GetById(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if channel == nil || channel.IsClosed() {
		return nil, errors.CHANNEL_NOT_FOUND.New("unknown channel %s", channelId)
	}
	return channel, nil
}

// createCommitment builds and persists one commitment. When revokePub is nil
// a fresh revocation keypair is generated and its private half returned.
func (e *channelEngine) createCommitment(
	ctx context.Context, channel domain.Channel, owner domain.CommitmentType,
	clientAmount, hubAmount uint64, revokePub *btcec.PublicKey,
) (*domain.Commitment, string, error) {
	revokePriv := ""
	if revokePub == nil {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, "", err
		}
		revokePub = priv.PubKey()
		revokePriv = hex.EncodeToString(priv.Serialize())

		if err := e.repoManager.RevokeKeys().Add(ctx, domain.RevokeKey{
			PubKey:    hex.EncodeToString(revokePub.SerializeCompressed()),
			Owner:     owner,
			CreatedAt: time.Now().Unix(),
		}); err != nil {
			return nil, "", err
		}
	}

	// Two passes: the first build fixes the size the fee depends on.
	draftHex, _, _, err := e.commitments.buildCommitmentTx(
		channel, owner, clientAmount, hubAmount, revokePub, 0,
	)
	if err != nil {
		return nil, "", err
	}
	draft, err := parseTx(draftHex)
	if err != nil {
		return nil, "", err
	}
	fee, err := e.fee.CalcFeeForTx(ctx, draft)
	if err != nil {
		return nil, "", err
	}
	txHex, lockedAddress, lockedScript, err := e.commitments.buildCommitmentTx(
		channel, owner, clientAmount, hubAmount, revokePub, fee,
	)
	if err != nil {
		return nil, "", err
	}

	commitment := domain.Commitment{
		Id:              uuid.NewString(),
		ChannelId:       channel.Id,
		Type:            owner,
		MultisigAddress: channel.MultisigAddress,
		AssetId:         channel.AssetId,
		InitialTxHex:    txHex,
		RevokePubKey:    hex.EncodeToString(revokePub.SerializeCompressed()),
		ClientAmount:    clientAmount,
		HubAmount:       hubAmount,
		LockedAddress:   lockedAddress,
		LockedScript:    lockedScript,
		CreatedAt:       time.Now().UnixNano(),
	}
	if err := e.repoManager.Commitments().Add(ctx, commitment); err != nil {
		return nil, "", err
	}
	return &commitment, revokePriv, nil
}

func (e *channelEngine) rebuildUnsignedCommitments(
	ctx context.Context, channel domain.Channel,
) error {
	commitments, err := e.repoManager.Commitments().ListByChannel(ctx, channel.Id)
	if err != nil {
		return err
	}
	for _, commitment := range commitments {
		if commitment.IsSigned() {
			continue
		}
		revokePub, err := pubKeyFromHex(commitment.RevokePubKey)
		if err != nil {
			return err
		}
		txHex, lockedAddress, lockedScript, err := e.commitments.buildCommitmentTx(
			channel, commitment.Type, commitment.ClientAmount, commitment.HubAmount,
			revokePub, 0,
		)
		if err != nil {
			return err
		}
		draft, err := parseTx(txHex)
		if err != nil {
			return err
		}
		fee, err := e.fee.CalcFeeForTx(ctx, draft)
		if err != nil {
			return err
		}
		txHex, lockedAddress, lockedScript, err = e.commitments.buildCommitmentTx(
			channel, commitment.Type, commitment.ClientAmount, commitment.HubAmount,
			revokePub, fee,
		)
		if err != nil {
			return err
		}
		commitment.InitialTxHex = txHex
		commitment.LockedAddress = lockedAddress
		commitment.LockedScript = lockedScript
		if err := e.repoManager.Commitments().Update(ctx, commitment); err != nil {
			return err
		}
	}
	return nil
}

// broadcastChannelTx claims the tx inputs in the ledger, broadcasts and
// records the broadcast. The ledger insert happens first: losing the race
// for the funding outpoint must fail before anything hits the network.
func (e *channelEngine) broadcastChannelTx(
	ctx context.Context, transactionId, txHex string,
) (string, error) {
	tx, err := parseTx(txHex)
	if err != nil {
		return "", err
	}
	outpoints := make([]domain.Outpoint, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		outpoints = append(outpoints, domain.Outpoint{
			TxHash: in.PreviousOutPoint.Hash.String(),
			N:      in.PreviousOutPoint.Index,
		})
	}
	if err := e.repoManager.SpentOutputs().Insert(ctx, transactionId, outpoints); err != nil {
		return "", err
	}

	txHash, err := e.broadcaster.Broadcast(ctx, txHex)
	if err != nil {
		if removeErr := e.repoManager.SpentOutputs().Remove(ctx, outpoints); removeErr != nil {
			log.WithError(removeErr).Error("failed to roll back spent outputs")
		}
		return "", err
	}

	if err := e.repoManager.BroadcastedTxs().Add(ctx, domain.BroadcastedTransaction{
		TransactionId: transactionId,
		TxHash:        txHash,
		TxHex:         txHex,
		BroadcastedAt: time.Now().Unix(),
	}); err != nil && !errors.HasCode(err, errors.DUPLICATE_TRANSACTION_ID) {
		return "", err
	}

	event := domain.TransactionBroadcasted{
		Type:          domain.EventTypeTransactionBroadcasted,
		TransactionId: transactionId,
		TxHash:        txHash,
		SpentCount:    len(outpoints),
	}
	if err := e.eventBus.Publish(ctx, ports.TransactionsTopic, event); err != nil {
		log.WithError(err).Warn("failed to publish broadcast event")
	}
	return txHash, nil
}

func (e *channelEngine) markClosing(ctx context.Context, channel domain.Channel) error {
	channel.State = domain.ChannelStateClosing
	return e.repoManager.Channels().Update(ctx, channel)
}

func (e *channelEngine) releaseSetup(ctx context.Context, multisigAddress string) {
	if err := e.liveStore.ChannelSetups().Release(ctx, multisigAddress); err != nil {
		log.WithError(err).Warn("failed to release channel setup lease")
	}
}
