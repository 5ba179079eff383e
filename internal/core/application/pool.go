package application

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/pkg/errors"
)

// OutputPool hands out pre-generated unspent coins without racing other
// builders. A dequeue removes the coin from the durable pool and opens an
// in-memory lease; the caller either confirms the spend, releases the coin
// back, or lets the lease expire for Reconcile to recover.
type OutputPool interface {
	DequeueCoin(ctx context.Context, assetId string) (*domain.Coin, error)
	ReleaseCoin(ctx context.Context, assetId string, coin domain.Coin) error
	ConfirmSpent(outpoints ...domain.Outpoint)
	EnqueueOutputs(ctx context.Context, assetId string, coins ...domain.Coin) error
	Count(ctx context.Context, assetId string) (int, error)
	// Reconcile walks the pool working set and enqueues any unspent output
	// of the pool address not already pooled, leased or recorded spent. It
	// also re-enqueues coins whose lease expired without a confirmed spend.
	Reconcile(ctx context.Context, assetId, poolAddress string) error
}

type outputPool struct {
	repoManager ports.RepoManager
	broadcaster ports.ChainBroadcaster
	notifier    ports.NotificationSink
	locker      *coinLocker

	lowWatermark int
}

func NewOutputPool(
	repoManager ports.RepoManager,
	broadcaster ports.ChainBroadcaster,
	notifier ports.NotificationSink,
	leaseFor time.Duration,
	lowWatermark int,
) OutputPool {
	return &outputPool{
		repoManager:  repoManager,
		broadcaster:  broadcaster,
		notifier:     notifier,
		locker:       newCoinLocker(leaseFor),
		lowWatermark: lowWatermark,
	}
}

func (p *outputPool) DequeueCoin(ctx context.Context, assetId string) (*domain.Coin, error) {
	coin, err := p.repoManager.CoinPool().Dequeue(ctx, assetId)
	if err != nil {
		return nil, err
	}
	if coin == nil {
		return nil, errors.POOL_EMPTY.New("no pre-generated output available").
			WithMetadata(errors.PoolMetadata{AssetId: assetId})
	}

	p.locker.lease(assetId, *coin)

	count, err := p.repoManager.CoinPool().Count(ctx, assetId)
	if err == nil && count < p.lowWatermark {
		if err := p.notifier.Publish(ctx, ports.PoolLow, ports.PoolLowAlert{
			AssetId: assetId, Count: count,
		}); err != nil {
			log.WithError(err).Warn("failed to publish pool low alert")
		}
	}

	return coin, nil
}

func (p *outputPool) ReleaseCoin(ctx context.Context, assetId string, coin domain.Coin) error {
	if err := p.repoManager.CoinPool().Enqueue(ctx, assetId, coin); err != nil {
		return err
	}
	p.locker.discharge(coin.Outpoint)
	return nil
}

func (p *outputPool) ConfirmSpent(outpoints ...domain.Outpoint) {
	p.locker.discharge(outpoints...)
}

func (p *outputPool) EnqueueOutputs(
	ctx context.Context, assetId string, coins ...domain.Coin,
) error {
	return p.repoManager.CoinPool().Enqueue(ctx, assetId, coins...)
}

func (p *outputPool) Count(ctx context.Context, assetId string) (int, error) {
	return p.repoManager.CoinPool().Count(ctx, assetId)
}

func (p *outputPool) Reconcile(ctx context.Context, assetId, poolAddress string) error {
	// Recover coins whose builder disappeared without confirming the spend.
	for _, lease := range p.locker.popExpired() {
		spent, err := p.repoManager.SpentOutputs().Get(ctx, lease.coin.Outpoint)
		if err != nil {
			return err
		}
		if spent != nil {
			continue
		}
		log.WithField("outpoint", lease.coin.Outpoint.String()).
			Warn("re-enqueueing coin with expired lease")
		if err := p.repoManager.CoinPool().Enqueue(ctx, lease.assetId, lease.coin); err != nil {
			return err
		}
	}

	// Walk the present working set: dequeue every coin, remember its
	// outpoint, immediately re-enqueue the same coin. This tolerates
	// concurrent drains, dequeues of unrelated coins are never blocked.
	workingSet := make(map[domain.Outpoint]struct{})
	count, err := p.repoManager.CoinPool().Count(ctx, assetId)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		coin, err := p.repoManager.CoinPool().Dequeue(ctx, assetId)
		if err != nil {
			return err
		}
		if coin == nil {
			break
		}
		workingSet[coin.Outpoint] = struct{}{}
		if err := p.repoManager.CoinPool().Enqueue(ctx, assetId, *coin); err != nil {
			return err
		}
	}
	for outpoint := range p.locker.pending() {
		workingSet[outpoint] = struct{}{}
	}

	utxos, err := p.broadcaster.ListUnspent(ctx, poolAddress)
	if err != nil {
		return err
	}

	candidates := make([]domain.Coin, 0, len(utxos))
	outpoints := make([]domain.Outpoint, 0, len(utxos))
	for _, utxo := range utxos {
		if _, seen := workingSet[utxo.Outpoint]; seen {
			continue
		}
		candidates = append(candidates, utxo)
		outpoints = append(outpoints, utxo.Outpoint)
	}
	if len(candidates) == 0 {
		return nil
	}

	// The chain may still report an output a concurrent build just spent.
	unspent, err := p.repoManager.SpentOutputs().FilterUnspent(ctx, outpoints)
	if err != nil {
		return err
	}
	unspentSet := make(map[domain.Outpoint]struct{}, len(unspent))
	for _, outpoint := range unspent {
		unspentSet[outpoint] = struct{}{}
	}

	enqueued := 0
	for _, coin := range candidates {
		if _, ok := unspentSet[coin.Outpoint]; !ok {
			continue
		}
		if err := p.repoManager.CoinPool().Enqueue(ctx, assetId, coin); err != nil {
			return err
		}
		enqueued++
	}
	if enqueued > 0 {
		log.WithField("asset", assetId).Debugf("pool refilled with %d outputs", enqueued)
	}
	return nil
}
