package bitcoindbroadcaster

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
)

type service struct {
	client *rpcclient.Client
	net    *chaincfg.Params
}

func NewChainBroadcaster(
	host, user, pass string, net *chaincfg.Params,
) (ports.ChainBroadcaster, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		HTTPPostMode: true,
		DisableTLS:   true,
		Host:         host,
		User:         user,
		Pass:         pass,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bitcoind RPC client: %s", err)
	}

	return &service{client, net}, nil
}

func (s *service) Broadcast(_ context.Context, txHex string) (string, error) {
	var tx wire.MsgTx
	buf, err := hex.DecodeString(txHex)
	if err != nil {
		return "", fmt.Errorf("invalid tx hex: %s", err)
	}
	if err := tx.Deserialize(bytes.NewReader(buf)); err != nil {
		return "", fmt.Errorf("failed to deserialize tx: %s", err)
	}

	txHash, err := s.client.SendRawTransaction(&tx, false)
	if err != nil {
		// Rebroadcasting a known transaction is not an error.
		if isAlreadyKnownErr(err) {
			hash := tx.TxHash()
			return hash.String(), nil
		}
		return "", err
	}
	return txHash.String(), nil
}

func (s *service) GetRawTransaction(_ context.Context, txHash string) (string, error) {
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return "", fmt.Errorf("invalid tx hash: %s", err)
	}

	tx, err := s.client.GetRawTransaction(hash)
	if err != nil {
		if isUnknownTxErr(err) {
			return "", nil
		}
		return "", err
	}

	var buf bytes.Buffer
	if err := tx.MsgTx().Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func (s *service) IsConfirmed(_ context.Context, txHash string) (bool, error) {
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return false, fmt.Errorf("invalid tx hash: %s", err)
	}

	tx, err := s.client.GetRawTransactionVerbose(hash)
	if err != nil {
		if isUnknownTxErr(err) {
			return false, nil
		}
		return false, err
	}
	return tx.Confirmations > 0, nil
}

func (s *service) ListUnspent(_ context.Context, address string) ([]domain.Coin, error) {
	addr, err := btcutil.DecodeAddress(address, s.net)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %s", err)
	}

	utxos, err := s.client.ListUnspentMinMaxAddresses(1, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, err
	}

	coins := make([]domain.Coin, 0, len(utxos))
	for _, utxo := range utxos {
		amount, err := btcutil.NewAmount(utxo.Amount)
		if err != nil {
			return nil, err
		}
		coins = append(coins, domain.Coin{
			Outpoint: domain.Outpoint{
				TxHash: utxo.TxID,
				N:      utxo.Vout,
			},
			ScriptPubKey: utxo.ScriptPubKey,
			Amount:       uint64(amount),
		})
	}
	return coins, nil
}

func isAlreadyKnownErr(err error) bool {
	if rpcErr, ok := err.(*btcjson.RPCError); ok {
		if rpcErr.Code == btcjson.ErrRPCVerifyAlreadyInChain {
			return true
		}
	}
	return strings.Contains(err.Error(), "already in block chain") ||
		strings.Contains(err.Error(), "txn-already-known") ||
		strings.Contains(err.Error(), "txn-already-in-mempool")
}

func isUnknownTxErr(err error) bool {
	if rpcErr, ok := err.(*btcjson.RPCError); ok {
		return rpcErr.Code == btcjson.ErrRPCNoTxInfo
	}
	return strings.Contains(err.Error(), "No such mempool or blockchain transaction")
}
