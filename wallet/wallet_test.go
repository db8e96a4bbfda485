package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/keychainlabs/multiwallet/chainview"
	"github.com/keychainlabs/multiwallet/descriptor"
	"github.com/keychainlabs/multiwallet/keyring"
	"github.com/keychainlabs/multiwallet/txgraph"
)

// testDescriptor parses a deterministic regtest descriptor with the given
// branch component.
func testDescriptor(t *testing.T, seedByte byte,
	branch string) descriptor.Descriptor {

	t.Helper()

	seed := bytes.Repeat([]byte{seedByte}, 32)
	master, err := hdkeychain.NewMaster(
		seed, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	pub, err := master.Neuter()
	require.NoError(t, err)

	desc, err := descriptor.Parse(
		fmt.Sprintf("wpkh(%s/%s/*)", pub.String(), branch),
	)
	require.NoError(t, err)

	return desc
}

// testWallet builds a fresh regtest wallet with keychains "a" and "b".
func testWallet(t *testing.T) *Wallet {
	t.Helper()

	kr := keyring.New(&chaincfg.RegressionNetParams)
	require.NoError(t, kr.AddDescriptor("a", testDescriptor(t, 0x01, "0")))
	require.NoError(t, kr.AddDescriptor("b", testDescriptor(t, 0x01, "1")))

	w, err := New(kr)
	require.NoError(t, err)

	return w
}

// fundWallet reveals one address per amount on the given keychain and
// absorbs a funding transaction paying each, returning the funding
// outpoints.
func fundWallet(t *testing.T, w *Wallet, keychain keyring.ID,
	amounts ...btcutil.Amount) []wire.OutPoint {

	t.Helper()

	outpoints := make([]wire.OutPoint, 0, len(amounts))
	for i, amount := range amounts {
		info, err := w.RevealNextAddress(keychain)
		require.NoError(t, err)

		script, err := txscript.PayToAddrScript(info.Address)
		require.NoError(t, err)

		// A distinct salt input keeps each funding txid unique.
		var prev chainhash.Hash
		prev[0] = byte(keychain[0])
		prev[31] = byte(i + 1)

		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev}, nil, nil))
		tx.AddTxOut(wire.NewTxOut(int64(amount), script))

		require.NoError(t, w.ApplyUpdate(Update{
			Tx: txgraph.Update{Txs: []*wire.MsgTx{tx}},
		}))

		outpoints = append(outpoints, wire.OutPoint{
			Hash: tx.TxHash(), Index: 0,
		})
	}

	return outpoints
}

// memStore is an in-memory Store aggregating persisted changesets.
type memStore struct {
	state   ChangeSet
	hasData bool
	failErr error

	persistCalls int
}

func (m *memStore) Initialize() (fn.Option[ChangeSet], error) {
	if !m.hasData {
		return fn.None[ChangeSet](), nil
	}

	return fn.Some(m.state), nil
}

func (m *memStore) Persist(cs *ChangeSet) error {
	if m.failErr != nil {
		return m.failErr
	}

	m.persistCalls++
	m.state.Merge(*cs)
	m.hasData = true

	return nil
}

// TestNewWalletStagesSnapshot asserts a fresh wallet stages its full initial
// state: the registry snapshot plus the genesis block.
func TestNewWalletStagesSnapshot(t *testing.T) {
	t.Parallel()

	w := testWallet(t)

	staged := w.Staged()
	require.True(t, staged.IsSome())

	cs := staged.UnwrapOr(nil)
	require.Equal(t, &chaincfg.RegressionNetParams, cs.Keyring.Network)
	require.Len(t, cs.Keyring.Descriptors, 2)

	genesis := *chaincfg.RegressionNetParams.GenesisHash
	require.Equal(t, map[int32]chainhash.Hash{0: genesis},
		cs.Chain.Blocks)

	require.Equal(t, chainview.BlockID{Height: 0, Hash: genesis},
		w.ChainView().Tip())
	require.Equal(t, []keyring.ID{"a", "b"}, w.Keychains())
}

// TestFromChangeSetEmpty asserts an empty changeset cannot produce a wallet.
func TestFromChangeSetEmpty(t *testing.T) {
	t.Parallel()

	_, err := FromChangeSet(ChangeSet{})
	require.ErrorIs(t, err, ErrEmptyChangeSet)
}

// TestRevealNextAddress asserts reveals are monotonic per keychain and stage
// their index delta.
func TestRevealNextAddress(t *testing.T) {
	t.Parallel()

	w := testWallet(t)

	first, err := w.RevealNextAddress("a")
	require.NoError(t, err)
	require.Equal(t, keyring.ID("a"), first.Keychain)
	require.Equal(t, uint32(0), first.Index)

	second, err := w.RevealNextAddress("a")
	require.NoError(t, err)
	require.Equal(t, uint32(1), second.Index)
	require.NotEqual(t, first.Address.String(), second.Address.String())

	// Keychains advance independently.
	other, err := w.RevealNextAddress("b")
	require.NoError(t, err)
	require.Equal(t, uint32(0), other.Index)

	cs := w.Staged().UnwrapOr(nil)
	require.Equal(t, map[keyring.ID]uint32{"a": 1, "b": 0},
		cs.Indexer.LastRevealed)

	_, err = w.RevealNextAddress("missing")
	require.ErrorIs(t, err, txgraph.ErrKeychainNotFound)

	// The exported method wraps the failure with its operation exactly
	// once; the internal path returns the bare kind so callers building
	// on it wrap under their own operation instead of nesting wrappers.
	var walletErr *Error
	require.ErrorAs(t, err, &walletErr)
	require.Equal(t, "reveal_next_address", walletErr.Op)
	var nested *Error
	require.False(t, errors.As(walletErr.Err, &nested))

	_, err = w.revealNextAddress("missing")
	require.ErrorIs(t, err, txgraph.ErrKeychainNotFound)
	require.False(t, errors.As(err, &walletErr))
}

// TestApplyUpdate asserts an update is absorbed atomically in chain, reveal,
// graph order and staged as one delta.
func TestApplyUpdate(t *testing.T) {
	t.Parallel()

	w := testWallet(t)

	// A disconnected chain update fails before anything is staged.
	var stray chainhash.Hash
	stray[0] = 9
	err := w.ApplyUpdate(Update{
		Chain: []chainview.BlockID{{Height: 5, Hash: stray}},
	})
	require.ErrorIs(t, err, chainview.ErrChainDisconnected)
	require.True(t, w.Staged().UnwrapOr(nil).TxGraph.IsEmpty())

	// A connected update extends the chain, reveals to the observed
	// targets and absorbs the transactions.
	desc, _ := w.KeyRing().Descriptor("a")
	script, err := desc.ScriptAt(2)
	require.NoError(t, err)

	var blockHash chainhash.Hash
	blockHash[0] = 1

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(80_000, script))

	err = w.ApplyUpdate(Update{
		Chain: []chainview.BlockID{
			w.ChainView().Tip(),
			{Height: 1, Hash: blockHash},
		},
		Tx: txgraph.Update{
			Txs: []*wire.MsgTx{tx},
			Anchors: map[chainhash.Hash]chainview.BlockID{
				tx.TxHash(): {Height: 1, Hash: blockHash},
			},
		},
		LastActive: map[keyring.ID]uint32{"a": 2},
	})
	require.NoError(t, err)

	require.Equal(t, int32(1), w.ChainView().Tip().Height)

	last, ok := w.Graph().Index().LastRevealed("a")
	require.True(t, ok)
	require.Equal(t, uint32(2), last)

	// The output pays to a revealed script, so it shows up confirmed.
	balance := w.Balance()
	require.Equal(t, btcutil.Amount(80_000), balance.Confirmed)
	require.Equal(t, btcutil.Amount(0), balance.Unconfirmed)

	cs := w.Staged().UnwrapOr(nil)
	require.Len(t, cs.Chain.Blocks, 2)
	require.Len(t, cs.TxGraph.Txs, 1)
	require.Len(t, cs.TxGraph.Anchors, 1)
	require.Equal(t, map[keyring.ID]uint32{"a": 2},
		cs.Indexer.LastRevealed)
}

// TestPersistRoundTrip asserts the persist/load cycle: the stage drains on
// success, survives failure intact, and a loaded wallet reproduces the
// original state.
func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()

	store := &memStore{}

	// Loading from an empty store yields no wallet.
	loaded, err := Load(store)
	require.NoError(t, err)
	require.True(t, loaded.IsNone())

	w := testWallet(t)
	fundWallet(t, w, "a", 100_000)

	// A failed persist leaves the stage intact for retry.
	store.failErr = errors.New("disk full")
	_, err = w.Persist(store)
	require.Error(t, err)
	require.True(t, w.Staged().IsSome())

	store.failErr = nil
	committed, err := w.Persist(store)
	require.NoError(t, err)
	require.True(t, committed.IsSome())
	require.True(t, w.Staged().IsNone())

	// An empty stage persists nothing.
	again, err := w.Persist(store)
	require.NoError(t, err)
	require.True(t, again.IsNone())
	require.Equal(t, 1, store.persistCalls)

	// The reloaded wallet reproduces keychains, revealed indices, chain
	// tip and balance, with an empty stage.
	loaded, err = Load(store)
	require.NoError(t, err)
	require.True(t, loaded.IsSome())

	restored := loaded.UnwrapOr(nil)
	require.Equal(t, w.Keychains(), restored.Keychains())
	require.Equal(t, w.ChainView().Tip(), restored.ChainView().Tip())
	require.Equal(t, w.Balance(), restored.Balance())
	require.True(t, restored.Staged().IsNone())

	last, ok := restored.Graph().Index().LastRevealed("a")
	require.True(t, ok)
	require.Equal(t, uint32(0), last)

	// Reveals continue monotonically after reload.
	info, err := restored.RevealNextAddress("a")
	require.NoError(t, err)
	require.Equal(t, uint32(1), info.Index)
}

// TestChangeSetMerge asserts the aggregate delta merges field-wise and
// reports emptiness as the conjunction of its parts.
func TestChangeSetMerge(t *testing.T) {
	t.Parallel()

	var cs ChangeSet
	require.True(t, cs.IsEmpty())

	cs.Merge(ChangeSet{
		Keyring: keyring.ChangeSet{
			Network: &chaincfg.RegressionNetParams,
		},
	})
	require.False(t, cs.IsEmpty())

	cs.Merge(ChangeSet{
		Indexer: txgraph.IndexChangeSet{
			LastRevealed: map[keyring.ID]uint32{"a": 3},
		},
	})
	cs.Merge(ChangeSet{
		Indexer: txgraph.IndexChangeSet{
			LastRevealed: map[keyring.ID]uint32{"a": 1},
		},
	})

	require.Equal(t, &chaincfg.RegressionNetParams, cs.Keyring.Network)
	require.Equal(t, map[keyring.ID]uint32{"a": 3},
		cs.Indexer.LastRevealed)
}

// TestChangeSetMergeAssociative asserts that merging three independently
// produced, non-overlapping deltas yields the same aggregate regardless of
// grouping order.
func TestChangeSetMergeAssociative(t *testing.T) {
	t.Parallel()

	desc := testDescriptor(t, 0x05, "0")

	deltas := func() [3]ChangeSet {
		return [3]ChangeSet{
			{
				Keyring: keyring.ChangeSet{
					Network: &chaincfg.RegressionNetParams,
					Descriptors: map[keyring.ID]descriptor.Descriptor{
						"a": desc,
					},
				},
				Chain: chainview.ChangeSet{
					Blocks: map[int32]chainhash.Hash{
						0: {0x01},
					},
				},
			},
			{
				Chain: chainview.ChangeSet{
					Blocks: map[int32]chainhash.Hash{
						1: {0x02},
					},
				},
				Indexer: txgraph.IndexChangeSet{
					LastRevealed: map[keyring.ID]uint32{
						"a": 2,
					},
				},
			},
			{
				Chain: chainview.ChangeSet{
					Blocks: map[int32]chainhash.Hash{
						2: {0x03},
					},
				},
				Indexer: txgraph.IndexChangeSet{
					LastRevealed: map[keyring.ID]uint32{
						"b": 7,
					},
				},
			},
		}
	}

	// ((a ⊕ b) ⊕ c).
	left := deltas()
	leftAcc := left[0]
	leftAcc.Merge(left[1])
	leftAcc.Merge(left[2])

	// (a ⊕ (b ⊕ c)).
	right := deltas()
	rightTail := right[1]
	rightTail.Merge(right[2])
	rightAcc := right[0]
	rightAcc.Merge(rightTail)

	require.Equal(t, leftAcc.Keyring.Network, rightAcc.Keyring.Network)
	require.Equal(t, leftAcc.Keyring.Descriptors,
		rightAcc.Keyring.Descriptors)
	require.Equal(t, leftAcc.Chain.Blocks, rightAcc.Chain.Blocks)
	require.Equal(t, leftAcc.Indexer.LastRevealed,
		rightAcc.Indexer.LastRevealed)

	require.Equal(t, map[int32]chainhash.Hash{
		0: {0x01}, 1: {0x02}, 2: {0x03},
	}, leftAcc.Chain.Blocks)
	require.Equal(t, map[keyring.ID]uint32{"a": 2, "b": 7},
		leftAcc.Indexer.LastRevealed)
}
