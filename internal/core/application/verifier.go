package application

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/satsvault/custodiad/internal/core/ports"
)

// SignatureVerifier validates multisig/P2PKH script signatures against an
// expected public key before a peer-supplied signed transaction is accepted.
// Both methods answer false, never an error, on malformed input.
type SignatureVerifier interface {
	// Verify checks that every input of the transaction carries a valid
	// signature for the given public key.
	Verify(ctx context.Context, txHex, pubKeyHex string, hashType txscript.SigHashType) bool
	// VerifyScriptSigs is the structural check that no push in any multisig
	// scriptSig is empty, the usual symptom of an incomplete co-signing.
	VerifyScriptSigs(txHex string) bool
}

type signatureVerifier struct {
	broadcaster ports.ChainBroadcaster
}

func NewSignatureVerifier(broadcaster ports.ChainBroadcaster) SignatureVerifier {
	return &signatureVerifier{broadcaster}
}

func (v *signatureVerifier) Verify(
	ctx context.Context, txHex, pubKeyHex string, hashType txscript.SigHashType,
) bool {
	tx, err := parseTx(txHex)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	if len(tx.TxIn) == 0 {
		return false
	}

	for i, in := range tx.TxIn {
		script, err := v.sigHashScript(ctx, tx, i)
		if err != nil || script == nil {
			return false
		}
		sigHash, err := txscript.CalcSignatureHash(script, hashType, tx, i)
		if err != nil {
			return false
		}
		if !verifyAnyPush(in.SignatureScript, sigHash, pubKey) {
			return false
		}
	}
	return true
}

func (v *signatureVerifier) VerifyScriptSigs(txHex string) bool {
	tx, err := parseTx(txHex)
	if err != nil {
		return false
	}
	for _, in := range tx.TxIn {
		pushes, err := txscript.PushedData(in.SignatureScript)
		if err != nil {
			return false
		}
		if len(pushes) == 0 {
			return false
		}
		// A last push that does not even parse as a script cannot be a
		// multisig redeem script.
		redeemScript := pushes[len(pushes)-1]
		if isMultisig, _ := txscript.IsMultisigScript(redeemScript); !isMultisig {
			continue
		}
		for _, push := range pushes[:len(pushes)-1] {
			if len(push) == 0 {
				return false
			}
		}
	}
	return true
}

// sigHashScript resolves the script the input signature commits to: the
// redeem script carried as the last push of a P2SH scriptSig, or the
// previous output's script for a direct spend.
func (v *signatureVerifier) sigHashScript(
	ctx context.Context, tx *wire.MsgTx, index int,
) ([]byte, error) {
	pushes, err := txscript.PushedData(tx.TxIn[index].SignatureScript)
	if err != nil {
		return nil, err
	}
	if len(pushes) > 0 {
		redeemScript := pushes[len(pushes)-1]
		isMultisig, _ := txscript.IsMultisigScript(redeemScript)
		if isMultisig || isLockedOutputScript(redeemScript) {
			return redeemScript, nil
		}
	}

	prevHash := tx.TxIn[index].PreviousOutPoint.Hash.String()
	prevTxHex, err := v.broadcaster.GetRawTransaction(ctx, prevHash)
	if err != nil {
		log.WithError(err).Debug("failed to fetch previous tx for signature check")
		return nil, err
	}
	if prevTxHex == "" {
		return nil, nil
	}
	prevTx, err := parseTx(prevTxHex)
	if err != nil {
		return nil, err
	}
	vout := tx.TxIn[index].PreviousOutPoint.Index
	if int(vout) >= len(prevTx.TxOut) {
		return nil, nil
	}
	return prevTx.TxOut[vout].PkScript, nil
}

// verifyAnyPush checks whether any push of the scriptSig is a valid DER
// signature by pubKey over sigHash. Multisig scriptSigs interleave both
// parties' signatures, only one has to match.
func verifyAnyPush(scriptSig, sigHash []byte, pubKey *btcec.PublicKey) bool {
	pushes, err := txscript.PushedData(scriptSig)
	if err != nil {
		return false
	}
	for _, push := range pushes {
		if len(push) < 9 {
			continue
		}
		// trailing byte is the hash type
		sig, err := ecdsa.ParseDERSignature(push[:len(push)-1])
		if err != nil {
			continue
		}
		if sig.Verify(sigHash, pubKey) {
			return true
		}
	}
	return false
}

// isLockedOutputScript recognizes the revocable commitment output template.
func isLockedOutputScript(script []byte) bool {
	if len(script) == 0 || script[0] != txscript.OP_IF {
		return false
	}
	return script[len(script)-1] == txscript.OP_ENDIF
}
