package application

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/pkg/errors"
)

// commitmentBuilder holds the script templates of the channel protocol:
// the 2-of-2 multisig funding output and the revocable locked output every
// commitment pays its owner's balance to. Legacy P2SH path throughout.
type commitmentBuilder struct {
	net      *chaincfg.Params
	csvDelay int64
}

func newCommitmentBuilder(net *chaincfg.Params, csvDelay int64) *commitmentBuilder {
	return &commitmentBuilder{net, csvDelay}
}

func (b *commitmentBuilder) multisigScript(
	clientPubKey, hubPubKey *btcec.PublicKey,
) ([]byte, error) {
	clientAddr, err := btcutil.NewAddressPubKey(clientPubKey.SerializeCompressed(), b.net)
	if err != nil {
		return nil, err
	}
	hubAddr, err := btcutil.NewAddressPubKey(hubPubKey.SerializeCompressed(), b.net)
	if err != nil {
		return nil, err
	}
	return txscript.MultiSigScript([]*btcutil.AddressPubKey{clientAddr, hubAddr}, 2)
}

func (b *commitmentBuilder) multisigAddress(
	clientPubKey, hubPubKey *btcec.PublicKey,
) (string, error) {
	script, err := b.multisigScript(clientPubKey, hubPubKey)
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressScriptHash(script, b.net)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// lockedOutputScript is the revocable branch of a commitment. The owner can
// claim after csvDelay blocks; the counterparty can claim at any time with
// the revocation private key once it has been revealed.
//
//	IF <delay> CHECKSEQUENCEVERIFY DROP <ownerPub> CHECKSIG
//	ELSE <revokePub> CHECKSIG ENDIF
func (b *commitmentBuilder) lockedOutputScript(
	ownerPubKey, revokePubKey *btcec.PublicKey,
) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddInt64(b.csvDelay).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(ownerPubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ELSE).
		AddData(revokePubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

func (b *commitmentBuilder) p2shAddress(script []byte) (string, error) {
	addr, err := btcutil.NewAddressScriptHash(script, b.net)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (b *commitmentBuilder) p2pkhScript(pubKey *btcec.PublicKey) ([]byte, error) {
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), b.net,
	)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (b *commitmentBuilder) payToAddressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.net)
	if err != nil {
		return nil, errors.INVALID_ADDRESS.Wrap(err).
			WithMetadata(errors.AddressMetadata{Address: address})
	}
	return txscript.PayToAddrScript(addr)
}

// fundingOutpoint locates the multisig output inside the funding tx.
func (b *commitmentBuilder) fundingOutpoint(
	fundingTxHex string, clientPubKey, hubPubKey *btcec.PublicKey,
) (*wire.OutPoint, int64, error) {
	fundingTx, err := parseTx(fundingTxHex)
	if err != nil {
		return nil, 0, err
	}

	multisigAddr, err := b.multisigAddress(clientPubKey, hubPubKey)
	if err != nil {
		return nil, 0, err
	}
	multisigScript, err := b.payToAddressScript(multisigAddr)
	if err != nil {
		return nil, 0, err
	}

	for i, out := range fundingTx.TxOut {
		if bytes.Equal(out.PkScript, multisigScript) {
			hash := fundingTx.TxHash()
			return wire.NewOutPoint(&hash, uint32(i)), out.Value, nil
		}
	}
	return nil, 0, errors.BAD_TRANSACTION.New(
		"funding tx has no output paying the channel multisig",
	).WithMetadata(errors.TxMetadata{Tx: fundingTxHex})
}

// buildCommitmentTx spends the funding output into the owner's revocable
// locked output and the counterparty's direct P2PKH output. The fee comes
// out of the owner's side: whoever broadcasts pays.
func (b *commitmentBuilder) buildCommitmentTx(
	channel domain.Channel,
	owner domain.CommitmentType,
	clientAmount, hubAmount uint64,
	revokePubKey *btcec.PublicKey,
	fee uint64,
) (txHex, lockedAddress, lockedScriptHex string, err error) {
	clientPubKey, err := pubKeyFromHex(channel.ClientPubKey)
	if err != nil {
		return "", "", "", err
	}
	hubPubKey, err := pubKeyFromHex(channel.HubPubKey)
	if err != nil {
		return "", "", "", err
	}

	outpoint, _, err := b.fundingOutpoint(channel.FundingTxHex, clientPubKey, hubPubKey)
	if err != nil {
		return "", "", "", err
	}

	ownerPubKey, otherPubKey := clientPubKey, hubPubKey
	ownerAmount, otherAmount := clientAmount, hubAmount
	if owner == domain.CommitmentTypeHub {
		ownerPubKey, otherPubKey = hubPubKey, clientPubKey
		ownerAmount, otherAmount = hubAmount, clientAmount
	}
	if ownerAmount <= fee {
		return "", "", "", errors.BAD_CHANNEL_AMOUNT.New(
			"owner balance %d does not cover the commitment fee %d", ownerAmount, fee,
		).WithMetadata(errors.ChannelAmountMetadata{
			ClientAmount: clientAmount, HubAmount: hubAmount, ChannelTotal: channel.Total(),
		})
	}

	lockedScript, err := b.lockedOutputScript(ownerPubKey, revokePubKey)
	if err != nil {
		return "", "", "", err
	}
	lockedAddr, err := b.p2shAddress(lockedScript)
	if err != nil {
		return "", "", "", err
	}
	lockedPkScript, err := b.payToAddressScript(lockedAddr)
	if err != nil {
		return "", "", "", err
	}
	otherPkScript, err := b.p2pkhScript(otherPubKey)
	if err != nil {
		return "", "", "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(ownerAmount-fee), lockedPkScript))
	if otherAmount > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(otherAmount), otherPkScript))
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return "", "", "", err
	}
	return raw, lockedAddr, hex.EncodeToString(lockedScript), nil
}

// buildPenaltyTx claims the whole locked output for the honest party using
// the revealed revocation private key, via the non-delayed ELSE branch.
func (b *commitmentBuilder) buildPenaltyTx(
	commitmentTxHex, lockedScriptHex string,
	revokePrivKey *btcec.PrivateKey,
	honestPubKey *btcec.PublicKey,
	fee uint64,
) (string, error) {
	commitmentTx, err := parseTx(commitmentTxHex)
	if err != nil {
		return "", err
	}
	lockedScript, err := hex.DecodeString(lockedScriptHex)
	if err != nil {
		return "", fmt.Errorf("invalid locked script hex: %s", err)
	}
	lockedAddr, err := btcutil.NewAddressScriptHash(lockedScript, b.net)
	if err != nil {
		return "", err
	}
	lockedPkScript, err := txscript.PayToAddrScript(lockedAddr)
	if err != nil {
		return "", err
	}

	lockedIndex := -1
	var lockedValue int64
	for i, out := range commitmentTx.TxOut {
		if bytes.Equal(out.PkScript, lockedPkScript) {
			lockedIndex = i
			lockedValue = out.Value
			break
		}
	}
	if lockedIndex < 0 {
		return "", errors.BAD_TRANSACTION.New(
			"commitment tx has no locked output",
		).WithMetadata(errors.TxMetadata{Tx: commitmentTxHex})
	}
	if lockedValue <= int64(fee) {
		return "", errors.NOT_ENOUGH_BITCOIN.New(
			"locked output does not cover the penalty fee",
		).WithMetadata(errors.AmountMetadata{
			Required: fee, Available: uint64(lockedValue),
		})
	}

	honestPkScript, err := b.p2pkhScript(honestPubKey)
	if err != nil {
		return "", err
	}

	hash := commitmentTx.TxHash()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, uint32(lockedIndex)), nil, nil))
	tx.AddTxOut(wire.NewTxOut(lockedValue-int64(fee), honestPkScript))

	sig, err := txscript.RawTxInSignature(
		tx, 0, lockedScript, txscript.SigHashAll, revokePrivKey,
	)
	if err != nil {
		return "", err
	}
	// OP_FALSE selects the revocation (ELSE) branch.
	scriptSig, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddOp(txscript.OP_FALSE).
		AddData(lockedScript).
		Script()
	if err != nil {
		return "", err
	}
	tx.TxIn[0].SignatureScript = scriptSig

	return serializeTx(tx)
}

func pubKeyFromHex(pubKeyHex string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, errors.BAD_INPUT_PARAMETER.New("invalid public key hex: %s", err)
	}
	pubKey, err := btcec.ParsePubKey(buf)
	if err != nil {
		return nil, errors.BAD_INPUT_PARAMETER.New("invalid public key: %s", err)
	}
	return pubKey, nil
}

func parseTx(txHex string) (*wire.MsgTx, error) {
	buf, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, errors.BAD_TRANSACTION.New("invalid tx hex: %s", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(buf)); err != nil {
		return nil, errors.BAD_TRANSACTION.Wrap(err).
			WithMetadata(errors.TxMetadata{Tx: txHex})
	}
	return &tx, nil
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func txHashFromHex(txHex string) (string, error) {
	tx, err := parseTx(txHex)
	if err != nil {
		return "", err
	}
	hash := tx.TxHash()
	return hash.String(), nil
}
