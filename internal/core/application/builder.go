package application

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/coinset"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/pkg/errors"
)

const (
	// dustLimit is the smallest output the builder will create, also the
	// value carried by colored-coin outputs.
	dustLimit = 546

	maxSelectedInputs = 50

	markerPrefix = "CC1"
)

// txBuilder turns a payment intent into an unsigned transaction: it selects
// inputs from a wallet address filtered through the spent ledger, or takes
// pre-leased coins from the pool, and computes change and fee.
type txBuilder struct {
	net         *chaincfg.Params
	pool        OutputPool
	ledger      SpentLedger
	fee         FeeEstimator
	broadcaster ports.ChainBroadcaster
}

func newTxBuilder(
	net *chaincfg.Params,
	pool OutputPool,
	ledger SpentLedger,
	fee FeeEstimator,
	broadcaster ports.ChainBroadcaster,
) *txBuilder {
	return &txBuilder{net, pool, ledger, fee, broadcaster}
}

// selectCoins picks unspent coins of the address covering target satoshi.
// The chain view is filtered through the ledger first so coins claimed by a
// concurrent build are never even attempted.
func (b *txBuilder) selectCoins(
	ctx context.Context, address string, target uint64,
) ([]domain.Coin, uint64, error) {
	utxos, err := b.broadcaster.ListUnspent(ctx, address)
	if err != nil {
		return nil, 0, err
	}

	outpoints := make([]domain.Outpoint, 0, len(utxos))
	for _, utxo := range utxos {
		outpoints = append(outpoints, utxo.Outpoint)
	}
	unspent, err := b.ledger.GetUnspentOutputs(ctx, outpoints)
	if err != nil {
		return nil, 0, err
	}
	unspentSet := make(map[domain.Outpoint]struct{}, len(unspent))
	for _, outpoint := range unspent {
		unspentSet[outpoint] = struct{}{}
	}

	candidates := make([]coinset.Coin, 0, len(utxos))
	byOutpoint := make(map[domain.Outpoint]domain.Coin)
	available := uint64(0)
	for _, utxo := range utxos {
		if _, ok := unspentSet[utxo.Outpoint]; !ok {
			continue
		}
		selectable, err := newSelectableCoin(utxo)
		if err != nil {
			return nil, 0, err
		}
		candidates = append(candidates, selectable)
		byOutpoint[utxo.Outpoint] = utxo
		available += utxo.Amount
	}

	selector := &coinset.MinNumberCoinSelector{
		MaxInputs:       maxSelectedInputs,
		MinChangeAmount: dustLimit,
	}
	selected, err := selector.CoinSelect(btcutil.Amount(target), candidates)
	if err != nil {
		return nil, 0, errors.NOT_ENOUGH_BITCOIN.New(
			"cannot cover %d satoshi from address %s", target, address,
		).WithMetadata(errors.AmountMetadata{Required: target, Available: available})
	}

	coins := make([]domain.Coin, 0)
	total := uint64(0)
	for _, c := range selected.Coins() {
		outpoint := domain.Outpoint{TxHash: c.Hash().String(), N: c.Index()}
		coin := byOutpoint[outpoint]
		coins = append(coins, coin)
		total += coin.Amount
	}
	return coins, total, nil
}

// buildFundedTx assembles an unsigned transaction paying the given outputs
// from the address, with fee and change. Fee estimation is two-pass: a
// candidate selection fixes the size, the final selection covers the fee.
func (b *txBuilder) buildFundedTx(
	ctx context.Context, fromAddress string, outputs []*wire.TxOut,
) (*wire.MsgTx, []domain.Coin, error) {
	outTotal := uint64(0)
	for _, out := range outputs {
		outTotal += uint64(out.Value)
	}

	coins, total, err := b.selectCoins(ctx, fromAddress, outTotal)
	if err != nil {
		return nil, nil, err
	}
	candidate, err := b.assembleTx(coins, outputs, fromAddress, total-outTotal)
	if err != nil {
		return nil, nil, err
	}
	fee, err := b.fee.CalcFeeForTx(ctx, candidate)
	if err != nil {
		return nil, nil, err
	}

	if total < outTotal+fee {
		coins, total, err = b.selectCoins(ctx, fromAddress, outTotal+fee)
		if err != nil {
			return nil, nil, err
		}
	}

	change := total - outTotal - fee
	tx, err := b.assembleTx(coins, outputs, fromAddress, change)
	if err != nil {
		return nil, nil, err
	}
	return tx, coins, nil
}

func (b *txBuilder) assembleTx(
	coins []domain.Coin, outputs []*wire.TxOut, changeAddress string, change uint64,
) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, coin := range coins {
		hash, err := chainhash.NewHashFromStr(coin.TxHash)
		if err != nil {
			return nil, fmt.Errorf("invalid coin tx hash: %s", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, coin.N), nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if change >= dustLimit {
		changeScript, err := b.payToAddressScript(changeAddress)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}
	return tx, nil
}

func (b *txBuilder) payToAddressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.net)
	if err != nil {
		return nil, errors.INVALID_ADDRESS.Wrap(err).
			WithMetadata(errors.AddressMetadata{Address: address})
	}
	return txscript.PayToAddrScript(addr)
}

// coloredOutput is a dust-value carrier output tagging an overlay asset.
func (b *txBuilder) coloredOutput(address string) (*wire.TxOut, error) {
	script, err := b.payToAddressScript(address)
	if err != nil {
		return nil, err
	}
	return wire.NewTxOut(dustLimit, script), nil
}

// markerOutput is the OP_RETURN output encoding the overlay protocol action.
func markerOutput(action, assetId string, quantity uint64) (*wire.TxOut, error) {
	payload := fmt.Sprintf("%s|%s|%s|%d", markerPrefix, action, assetId, quantity)
	script, err := txscript.NullDataScript([]byte(payload))
	if err != nil {
		return nil, err
	}
	return wire.NewTxOut(0, script), nil
}

type selectableCoin struct {
	coin domain.Coin
	hash *chainhash.Hash
}

func newSelectableCoin(coin domain.Coin) (*selectableCoin, error) {
	hash, err := chainhash.NewHashFromStr(coin.TxHash)
	if err != nil {
		return nil, fmt.Errorf("invalid coin tx hash: %s", err)
	}
	return &selectableCoin{coin, hash}, nil
}

func (c *selectableCoin) Hash() *chainhash.Hash { return c.hash }

func (c *selectableCoin) Index() uint32 { return c.coin.N }

func (c *selectableCoin) Value() btcutil.Amount { return btcutil.Amount(c.coin.Amount) }

func (c *selectableCoin) PkScript() []byte {
	script, _ := c.coin.Script()
	return script
}

func (c *selectableCoin) NumConfs() int64 { return 1 }

func (c *selectableCoin) ValueAge() int64 { return int64(c.coin.Amount) }
