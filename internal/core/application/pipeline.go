package application

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/pkg/errors"
)

const TransactionsQueue = "transaction-commands"

// PipelineConfig replaces scattered queue constants with one explicit
// configuration block handed to the constructor.
type PipelineConfig struct {
	QueueName       string
	Visibility      time.Duration
	MaxDequeueCount int
	PollInterval    time.Duration
	WorkerCount     int

	// WalletAddress is the hub's default funding address, PoolAddress the
	// address fee outputs are pre-generated to, IssuerAddress the address
	// colored-coin issuance is funded from.
	WalletAddress string
	PoolAddress   string
	IssuerAddress string
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.QueueName == "" {
		c.QueueName = TransactionsQueue
	}
	if c.Visibility <= 0 {
		c.Visibility = 10 * time.Minute
	}
	if c.MaxDequeueCount <= 0 {
		c.MaxDequeueCount = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	return c
}

// buildResult is what a command builder hands back to the shared
// sign/broadcast tail of the pipeline.
type buildResult struct {
	tx          *wire.MsgTx
	pooledCoins []domain.Coin
	// afterBroadcast runs once the tx hit the network, e.g. to enqueue
	// freshly generated fee outputs into the pool.
	afterBroadcast func(ctx context.Context, txHash string) error
}

type commandBuilderFunc func(
	ctx context.Context, cmd domain.TransactionCommand,
) (*buildResult, error)

// Pipeline is the durable command loop: dequeue, build, sign, broadcast,
// record, monitor, with visibility-timeout retry and a poison fallback.
type Pipeline interface {
	AddCommand(
		ctx context.Context, transactionId string,
		cmdType domain.CommandType, payload any,
	) error
	RetryFailedTransaction(ctx context.Context, transactionId string) (bool, error)
	Start()
	Stop()
}

type pipeline struct {
	queue       ports.CommandQueue
	repoManager ports.RepoManager
	pool        OutputPool
	ledger      SpentLedger
	builder     *txBuilder
	verifier    SignatureVerifier
	signers     []ports.ExternalSigner
	broadcaster ports.ChainBroadcaster
	eventBus    ports.EventBus
	notifier    ports.NotificationSink

	handlers map[domain.CommandType]commandBuilderFunc
	config   PipelineConfig

	stop func()
	ctx  context.Context
	wg   *sync.WaitGroup
}

func NewPipeline(
	queue ports.CommandQueue,
	repoManager ports.RepoManager,
	pool OutputPool,
	ledger SpentLedger,
	fee FeeEstimator,
	verifier SignatureVerifier,
	signers []ports.ExternalSigner,
	broadcaster ports.ChainBroadcaster,
	eventBus ports.EventBus,
	notifier ports.NotificationSink,
	net *chaincfg.Params,
	config PipelineConfig,
) Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		queue:       queue,
		repoManager: repoManager,
		pool:        pool,
		ledger:      ledger,
		builder:     newTxBuilder(net, pool, ledger, fee, broadcaster),
		verifier:    verifier,
		signers:     signers,
		broadcaster: broadcaster,
		eventBus:    eventBus,
		notifier:    notifier,
		config:      config.withDefaults(),
		stop:        cancel,
		ctx:         ctx,
		wg:          &sync.WaitGroup{},
	}
	// Explicit registration table, one builder per command type.
	p.handlers = map[domain.CommandType]commandBuilderFunc{
		domain.CommandTypeIssue:              p.buildIssue,
		domain.CommandTypeTransfer:           p.buildTransfer,
		domain.CommandTypeDestroy:            p.buildDestroy,
		domain.CommandTypeGenerateFeeOutputs: p.buildGenerateFeeOutputs,
	}
	return p
}

func (p *pipeline) AddCommand(
	ctx context.Context, transactionId string, cmdType domain.CommandType, payload any,
) error {
	existing, err := p.repoManager.BroadcastedTxs().Get(ctx, transactionId)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.DUPLICATE_TRANSACTION_ID.New(
			"transaction %s was already broadcast", transactionId,
		).WithMetadata(errors.TransactionIdMetadata{TransactionId: transactionId})
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return errors.BAD_INPUT_PARAMETER.New("cannot encode command payload: %s", err)
	}
	return p.queue.Enqueue(ctx, p.config.QueueName, domain.TransactionCommand{
		TransactionId: transactionId,
		Type:          cmdType,
		Payload:       buf,
	})
}

func (p *pipeline) RetryFailedTransaction(
	ctx context.Context, transactionId string,
) (bool, error) {
	return p.queue.RequeueFromPoison(ctx, p.config.QueueName, transactionId)
}

func (p *pipeline) Start() {
	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *pipeline) Stop() {
	p.stop()
	p.wg.Wait()
}

func (p *pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		msg, err := p.queue.Receive(p.ctx, p.config.QueueName, p.config.Visibility)
		if err != nil {
			log.WithError(err).Error("failed to receive command")
			time.Sleep(p.config.PollInterval)
			continue
		}
		if msg == nil {
			time.Sleep(p.config.PollInterval)
			continue
		}

		if err := p.process(p.ctx, msg.Command); err != nil {
			p.handleFailure(p.ctx, msg, err)
			continue
		}
		if err := p.queue.Ack(p.ctx, msg); err != nil {
			log.WithError(err).Error("failed to ack command")
		}
	}
}

func (p *pipeline) handleFailure(ctx context.Context, msg *ports.QueueMessage, cmdErr error) {
	logger := log.WithError(cmdErr).WithFields(log.Fields{
		"transaction_id": msg.Command.TransactionId,
		"type":           msg.Command.Type,
		"dequeue_count":  msg.Command.DequeueCount,
	})

	poisoned := false
	if errors.IsTransient(cmdErr) {
		var err error
		poisoned, err = p.queue.Fail(ctx, msg, cmdErr.Error(), p.config.MaxDequeueCount)
		if err != nil {
			logger.WithError(err).Error("failed to record command failure")
			return
		}
		logger.Warn("command failed, will retry")
	} else {
		if err := p.queue.Poison(ctx, msg, cmdErr.Error()); err != nil {
			logger.WithError(err).Error("failed to poison command")
			return
		}
		poisoned = true
		logger.Error("command rejected")
	}

	if poisoned {
		if err := p.notifier.Publish(ctx, ports.CommandPoisoned, ports.CommandPoisonedAlert{
			TransactionId: msg.Command.TransactionId,
			CommandType:   string(msg.Command.Type),
			DequeueCount:  msg.Command.DequeueCount,
			LastError:     cmdErr.Error(),
		}); err != nil {
			logger.WithError(err).Warn("failed to publish poison alert")
		}
	}
}

func (p *pipeline) process(ctx context.Context, cmd domain.TransactionCommand) error {
	// Redelivery after a crash between broadcast and ack lands here: the
	// broadcast record short-circuits the rebuild.
	broadcasted, err := p.repoManager.BroadcastedTxs().Get(ctx, cmd.TransactionId)
	if err != nil {
		return err
	}
	if broadcasted != nil {
		return p.ensureBroadcast(ctx, broadcasted)
	}

	builder, ok := p.handlers[cmd.Type]
	if !ok {
		return errors.BAD_INPUT_PARAMETER.New("no handler for command type %q", cmd.Type)
	}
	result, err := builder(ctx, cmd)
	if err != nil {
		return err
	}

	outpoints := make([]domain.Outpoint, 0, len(result.tx.TxIn))
	for _, in := range result.tx.TxIn {
		outpoints = append(outpoints, domain.Outpoint{
			TxHash: in.PreviousOutPoint.Hash.String(),
			N:      in.PreviousOutPoint.Index,
		})
	}

	// Claim inputs before anything irreversible happens. Exactly one of any
	// set of racing builds gets past this line for a given outpoint.
	if err := p.ledger.InsertSpentOutputs(ctx, cmd.TransactionId, outpoints); err != nil {
		p.releasePooledCoins(ctx, result.pooledCoins)
		return err
	}

	txHex, err := serializeTx(result.tx)
	if err != nil {
		return p.abort(ctx, outpoints, result.pooledCoins, err)
	}
	for _, signer := range p.signers {
		txHex, err = signer.SignTransaction(ctx, txHex)
		if err != nil {
			return p.abort(ctx, outpoints, result.pooledCoins, err)
		}
	}
	if !p.verifier.VerifyScriptSigs(txHex) {
		return p.abort(ctx, outpoints, result.pooledCoins,
			errors.BAD_FULL_SIGN_TRANSACTION.New("signer returned an incomplete transaction").
				WithMetadata(errors.TxMetadata{Tx: txHex}))
	}

	txHash, err := p.broadcaster.Broadcast(ctx, txHex)
	if err != nil {
		return p.abort(ctx, outpoints, result.pooledCoins, err)
	}

	pooledOutpoints := make([]domain.Outpoint, 0, len(result.pooledCoins))
	for _, coin := range result.pooledCoins {
		pooledOutpoints = append(pooledOutpoints, coin.Outpoint)
	}
	p.pool.ConfirmSpent(pooledOutpoints...)

	if err := p.repoManager.BroadcastedTxs().Add(ctx, domain.BroadcastedTransaction{
		TransactionId: cmd.TransactionId,
		TxHash:        txHash,
		TxHex:         txHex,
		BroadcastedAt: time.Now().Unix(),
	}); err != nil && !errors.HasCode(err, errors.DUPLICATE_TRANSACTION_ID) {
		return err
	}

	if result.afterBroadcast != nil {
		if err := result.afterBroadcast(ctx, txHash); err != nil {
			log.WithError(err).Error("post-broadcast step failed")
		}
	}

	event := domain.TransactionBroadcasted{
		Type:          domain.EventTypeTransactionBroadcasted,
		TransactionId: cmd.TransactionId,
		TxHash:        txHash,
		SpentCount:    len(outpoints),
	}
	if err := p.eventBus.Publish(ctx, ports.TransactionsTopic, event); err != nil {
		log.WithError(err).Warn("failed to publish broadcast event")
	}
	if err := p.notifier.Publish(
		ctx, ports.TransactionBroadcasted, ports.TransactionBroadcastedAlert{
			TransactionId: cmd.TransactionId,
			TxHash:        txHash,
			SpentCount:    len(outpoints),
		},
	); err != nil {
		log.WithError(err).Warn("failed to publish broadcast alert")
	}

	log.WithFields(log.Fields{
		"transaction_id": cmd.TransactionId,
		"txid":           txHash,
	}).Info("transaction broadcasted")
	return nil
}

// ensureBroadcast makes a redelivered, already-recorded command a no-op
// apart from rebroadcasting in case the first submission never propagated.
func (p *pipeline) ensureBroadcast(
	ctx context.Context, broadcasted *domain.BroadcastedTransaction,
) error {
	onchain, err := p.broadcaster.GetRawTransaction(ctx, broadcasted.TxHash)
	if err != nil {
		return err
	}
	if onchain != "" {
		return nil
	}
	_, err = p.broadcaster.Broadcast(ctx, broadcasted.TxHex)
	return err
}

func (p *pipeline) abort(
	ctx context.Context, outpoints []domain.Outpoint, pooledCoins []domain.Coin, cause error,
) error {
	if err := p.ledger.RemoveSpentOutputs(ctx, outpoints); err != nil {
		log.WithError(err).Error("failed to roll back spent outputs")
	}
	p.releasePooledCoins(ctx, pooledCoins)
	return cause
}

func (p *pipeline) releasePooledCoins(ctx context.Context, coins []domain.Coin) {
	for _, coin := range coins {
		assetId := domain.FeePoolKey
		if coin.IsColored() {
			assetId = coin.AssetId
		}
		if err := p.pool.ReleaseCoin(ctx, assetId, coin); err != nil {
			log.WithError(err).WithField("outpoint", coin.Outpoint.String()).
				Error("failed to release pooled coin")
		}
	}
}

// fundFromPool tries to cover the outputs plus fee with a single
// pre-generated pool coin, falling back to a wallet scan when the pool is
// empty or the coin is too small.
func (p *pipeline) fundFromPool(
	ctx context.Context, fromAddress string, outputs []*wire.TxOut,
) (*buildResult, error) {
	outTotal := uint64(0)
	for _, out := range outputs {
		outTotal += uint64(out.Value)
	}

	coin, err := p.pool.DequeueCoin(ctx, domain.FeePoolKey)
	if err != nil {
		if !errors.HasCode(err, errors.POOL_EMPTY) {
			return nil, err
		}
	} else {
		tx, buildErr := p.builder.assembleTx([]domain.Coin{*coin}, outputs, fromAddress, 0)
		if buildErr != nil {
			p.releasePooledCoins(ctx, []domain.Coin{*coin})
			return nil, buildErr
		}
		fee, feeErr := p.builder.fee.CalcFeeForTx(ctx, tx)
		if feeErr != nil {
			p.releasePooledCoins(ctx, []domain.Coin{*coin})
			return nil, feeErr
		}
		if coin.Amount >= outTotal+fee {
			change := coin.Amount - outTotal - fee
			tx, buildErr = p.builder.assembleTx(
				[]domain.Coin{*coin}, outputs, fromAddress, change,
			)
			if buildErr != nil {
				p.releasePooledCoins(ctx, []domain.Coin{*coin})
				return nil, buildErr
			}
			return &buildResult{tx: tx, pooledCoins: []domain.Coin{*coin}}, nil
		}
		p.releasePooledCoins(ctx, []domain.Coin{*coin})
	}

	tx, _, err := p.builder.buildFundedTx(ctx, fromAddress, outputs)
	if err != nil {
		return nil, err
	}
	return &buildResult{tx: tx}, nil
}

func (p *pipeline) buildIssue(
	ctx context.Context, cmd domain.TransactionCommand,
) (*buildResult, error) {
	var payload domain.IssueCommand
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, errors.BAD_INPUT_PARAMETER.New("malformed issue payload: %s", err)
	}
	if payload.AssetId == "" || payload.Amount == 0 {
		return nil, errors.BAD_INPUT_PARAMETER.New("issue needs an asset id and amount")
	}

	carrier, err := p.builder.coloredOutput(payload.Address)
	if err != nil {
		return nil, err
	}
	marker, err := markerOutput("issue", payload.AssetId, payload.Amount)
	if err != nil {
		return nil, err
	}
	return p.fundFromPool(ctx, p.config.IssuerAddress, []*wire.TxOut{carrier, marker})
}

func (p *pipeline) buildTransfer(
	ctx context.Context, cmd domain.TransactionCommand,
) (*buildResult, error) {
	var payload domain.TransferCommand
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, errors.BAD_INPUT_PARAMETER.New("malformed transfer payload: %s", err)
	}
	if payload.Amount == 0 {
		return nil, errors.BAD_INPUT_PARAMETER.New("transfer amount is zero")
	}

	if payload.AssetId == "" {
		script, err := p.builder.payToAddressScript(payload.ToAddress)
		if err != nil {
			return nil, err
		}
		tx, _, err := p.builder.buildFundedTx(
			ctx, payload.FromAddress,
			[]*wire.TxOut{wire.NewTxOut(int64(payload.Amount), script)},
		)
		if err != nil {
			return nil, err
		}
		return &buildResult{tx: tx}, nil
	}

	carrier, err := p.builder.coloredOutput(payload.ToAddress)
	if err != nil {
		return nil, err
	}
	marker, err := markerOutput("transfer", payload.AssetId, payload.Amount)
	if err != nil {
		return nil, err
	}
	tx, _, err := p.builder.buildFundedTx(
		ctx, payload.FromAddress, []*wire.TxOut{carrier, marker},
	)
	if err != nil {
		return nil, err
	}
	return &buildResult{tx: tx}, nil
}

func (p *pipeline) buildDestroy(
	ctx context.Context, cmd domain.TransactionCommand,
) (*buildResult, error) {
	var payload domain.DestroyCommand
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, errors.BAD_INPUT_PARAMETER.New("malformed destroy payload: %s", err)
	}
	if payload.AssetId == "" || payload.Amount == 0 {
		return nil, errors.BAD_INPUT_PARAMETER.New("destroy needs an asset id and amount")
	}

	marker, err := markerOutput("destroy", payload.AssetId, payload.Amount)
	if err != nil {
		return nil, err
	}
	tx, _, err := p.builder.buildFundedTx(ctx, payload.Address, []*wire.TxOut{marker})
	if err != nil {
		return nil, err
	}
	return &buildResult{tx: tx}, nil
}

func (p *pipeline) buildGenerateFeeOutputs(
	ctx context.Context, cmd domain.TransactionCommand,
) (*buildResult, error) {
	var payload domain.GenerateFeeOutputsCommand
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, errors.BAD_INPUT_PARAMETER.New(
			"malformed generate-fee-outputs payload: %s", err,
		)
	}
	if payload.Count <= 0 || payload.AmountEach < dustLimit {
		return nil, errors.BAD_INPUT_PARAMETER.New(
			"generate-fee-outputs needs a positive count and a non-dust amount",
		)
	}
	fromAddress := payload.FromAddress
	if fromAddress == "" {
		fromAddress = p.config.WalletAddress
	}

	poolScript, err := p.builder.payToAddressScript(p.config.PoolAddress)
	if err != nil {
		return nil, err
	}
	outputs := make([]*wire.TxOut, 0, payload.Count)
	for i := 0; i < payload.Count; i++ {
		outputs = append(outputs, wire.NewTxOut(int64(payload.AmountEach), poolScript))
	}

	tx, _, err := p.builder.buildFundedTx(ctx, fromAddress, outputs)
	if err != nil {
		return nil, err
	}

	return &buildResult{
		tx: tx,
		afterBroadcast: func(ctx context.Context, txHash string) error {
			coins := make([]domain.Coin, 0, payload.Count)
			for i := 0; i < payload.Count; i++ {
				coins = append(coins, domain.Coin{
					Outpoint:     domain.Outpoint{TxHash: txHash, N: uint32(i)},
					ScriptPubKey: hex.EncodeToString(poolScript),
					Amount:       payload.AmountEach,
				})
			}
			return p.pool.EnqueueOutputs(ctx, domain.FeePoolKey, coins...)
		},
	}, nil
}
