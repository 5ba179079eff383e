package application_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/internal/infrastructure/db"
)

var testNet = &chaincfg.RegressionNetParams

func newTestRepoManager(t *testing.T) ports.RepoManager {
	t.Helper()
	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   "badger",
		DataStoreConfig: []interface{}{"", nil},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

// testParty bundles a keypair with its P2PKH address on the test network.
type testParty struct {
	priv    *btcec.PrivateKey
	pub     *btcec.PublicKey
	address string
}

func newTestParty(t *testing.T) testParty {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), testNet,
	)
	require.NoError(t, err)
	return testParty{priv: priv, pub: pub, address: addr.EncodeAddress()}
}

func (p testParty) pubKeyHex() string {
	return hex.EncodeToString(p.pub.SerializeCompressed())
}

func (p testParty) pkScript(t *testing.T) []byte {
	t.Helper()
	addr, err := btcutil.DecodeAddress(p.address, testNet)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

// walletCoin fabricates an unspent output of the party's address.
func walletCoin(t *testing.T, party testParty, txHash string, n uint32, amount uint64) domain.Coin {
	t.Helper()
	return domain.Coin{
		Outpoint:     domain.Outpoint{TxHash: txHash, N: n},
		ScriptPubKey: hex.EncodeToString(party.pkScript(t)),
		Amount:       amount,
	}
}

// fundingSource fabricates an on-chain transaction paying the party, so a
// coin spending it can be signed and verified against the party's key.
func fundingSource(
	t *testing.T, broadcaster *mockBroadcaster, party testParty, amount uint64,
) domain.Coin {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), party.pkScript(t)))
	hash := broadcaster.seeOnchain(t, encodeTx(t, tx))
	return domain.Coin{
		Outpoint:     domain.Outpoint{TxHash: hash, N: 0},
		ScriptPubKey: hex.EncodeToString(party.pkScript(t)),
		Amount:       amount,
	}
}

// signP2PKHTx signs every input with the party's key, assuming all inputs
// spend outputs paying the party's address.
func signP2PKHTx(t *testing.T, txHex string, party testParty) string {
	t.Helper()
	tx := decodeTx(t, txHex)
	pkScript := party.pkScript(t)
	for i := range tx.TxIn {
		sig, err := txscript.RawTxInSignature(
			tx, i, pkScript, txscript.SigHashAll, party.priv,
		)
		require.NoError(t, err)
		scriptSig, err := txscript.NewScriptBuilder().
			AddData(sig).AddData(party.pub.SerializeCompressed()).Script()
		require.NoError(t, err)
		tx.TxIn[i].SignatureScript = scriptSig
	}
	return encodeTx(t, tx)
}

func multisigRedeemScript(t *testing.T, client, hub testParty) []byte {
	t.Helper()
	clientAddr, err := btcutil.NewAddressPubKey(client.pub.SerializeCompressed(), testNet)
	require.NoError(t, err)
	hubAddr, err := btcutil.NewAddressPubKey(hub.pub.SerializeCompressed(), testNet)
	require.NoError(t, err)
	script, err := txscript.MultiSigScript(
		[]*btcutil.AddressPubKey{clientAddr, hubAddr}, 2,
	)
	require.NoError(t, err)
	return script
}

// signMultisigTx co-signs every input with both channel keys, assuming all
// inputs spend the channel's 2-of-2 funding output.
func signMultisigTx(t *testing.T, txHex string, client, hub testParty) string {
	t.Helper()
	tx := decodeTx(t, txHex)
	redeem := multisigRedeemScript(t, client, hub)
	for i := range tx.TxIn {
		clientSig, err := txscript.RawTxInSignature(
			tx, i, redeem, txscript.SigHashAll, client.priv,
		)
		require.NoError(t, err)
		hubSig, err := txscript.RawTxInSignature(
			tx, i, redeem, txscript.SigHashAll, hub.priv,
		)
		require.NoError(t, err)
		scriptSig, err := txscript.NewScriptBuilder().
			AddData(clientSig).AddData(hubSig).AddData(redeem).Script()
		require.NoError(t, err)
		tx.TxIn[i].SignatureScript = scriptSig
	}
	return encodeTx(t, tx)
}

func encodeTx(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

// fakeSignTx attaches a structurally valid scriptSig to every input so the
// fully-signed check passes without real co-signing.
func fakeSignTx(t *testing.T, txHex string) string {
	t.Helper()
	buf, err := hex.DecodeString(txHex)
	require.NoError(t, err)
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(buf)))

	sig := bytes.Repeat([]byte{0x30}, 72)
	pubKey := bytes.Repeat([]byte{0x02}, 33)
	scriptSig, err := txscript.NewScriptBuilder().AddData(sig).AddData(pubKey).Script()
	require.NoError(t, err)
	for _, in := range tx.TxIn {
		in.SignatureScript = scriptSig
	}

	var out bytes.Buffer
	require.NoError(t, tx.Serialize(&out))
	return hex.EncodeToString(out.Bytes())
}

func decodeTx(t *testing.T, txHex string) *wire.MsgTx {
	t.Helper()
	buf, err := hex.DecodeString(txHex)
	require.NoError(t, err)
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(buf)))
	return &tx
}

func txHashOf(t *testing.T, txHex string) string {
	t.Helper()
	buf, err := hex.DecodeString(txHex)
	require.NoError(t, err)
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(buf)))
	hash := tx.TxHash()
	return hash.String()
}

type mockBroadcaster struct {
	mu sync.Mutex

	utxos        map[string][]domain.Coin
	rawTxs       map[string]string
	confirmedTxs map[string]bool
	broadcasts   []string
	broadcastErr error
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		utxos:        make(map[string][]domain.Coin),
		rawTxs:       make(map[string]string),
		confirmedTxs: make(map[string]bool),
	}
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, txHex string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcastErr != nil {
		return "", m.broadcastErr
	}
	buf, err := hex.DecodeString(txHex)
	if err != nil {
		return "", err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(buf)); err != nil {
		return "", err
	}
	hash := tx.TxHash().String()
	m.rawTxs[hash] = txHex
	m.broadcasts = append(m.broadcasts, hash)
	return hash, nil
}

func (m *mockBroadcaster) GetRawTransaction(ctx context.Context, txHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rawTxs[txHash], nil
}

func (m *mockBroadcaster) IsConfirmed(ctx context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmedTxs[txHash], nil
}

func (m *mockBroadcaster) ListUnspent(ctx context.Context, address string) ([]domain.Coin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utxos[address], nil
}

// seeOnchain makes the transaction visible to chain queries without going
// through Broadcast, as if a third party had submitted it.
func (m *mockBroadcaster) seeOnchain(t *testing.T, txHex string) string {
	t.Helper()
	hash := txHashOf(t, txHex)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawTxs[hash] = txHex
	return hash
}

func (m *mockBroadcaster) setConfirmed(txHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmedTxs[txHash] = true
}

func (m *mockBroadcaster) setUnspent(address string, coins ...domain.Coin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxos[address] = coins
}

func (m *mockBroadcaster) broadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.broadcasts)
}

type sentAlert struct {
	topic   ports.Topic
	message any
}

type mockNotifier struct {
	mu     sync.Mutex
	alerts []sentAlert
}

func (m *mockNotifier) Publish(ctx context.Context, topic ports.Topic, message any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, sentAlert{topic, message})
	return nil
}

func (m *mockNotifier) byTopic(topic ports.Topic) []sentAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]sentAlert, 0)
	for _, alert := range m.alerts {
		if alert.topic == topic {
			matched = append(matched, alert)
		}
	}
	return matched
}

type mockEventBus struct {
	mu       sync.Mutex
	events   map[string][]domain.Event
	handlers map[string][]func(domain.Event)
}

func newMockEventBus() *mockEventBus {
	return &mockEventBus{
		events:   make(map[string][]domain.Event),
		handlers: make(map[string][]func(domain.Event)),
	}
}

func (m *mockEventBus) Publish(ctx context.Context, topic string, events ...domain.Event) error {
	m.mu.Lock()
	m.events[topic] = append(m.events[topic], events...)
	handlers := m.handlers[topic]
	m.mu.Unlock()
	for _, event := range events {
		for _, handler := range handlers {
			handler(event)
		}
	}
	return nil
}

func (m *mockEventBus) Subscribe(
	ctx context.Context, topic string, handler func(domain.Event),
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = append(m.handlers[topic], handler)
	return nil
}

func (m *mockEventBus) Close() {}

func (m *mockEventBus) published(topic string) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events[topic]...)
}

type mockSigner struct {
	sign func(txHex string) (string, error)
}

func (m *mockSigner) SignTransaction(ctx context.Context, txHex string) (string, error) {
	if m.sign == nil {
		return txHex, nil
	}
	return m.sign(txHex)
}
