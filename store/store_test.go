package store

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/keychainlabs/multiwallet/chainview"
	"github.com/keychainlabs/multiwallet/descriptor"
	"github.com/keychainlabs/multiwallet/keyring"
	"github.com/keychainlabs/multiwallet/txgraph"
	"github.com/keychainlabs/multiwallet/wallet"
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

// openTestStore creates a store in a temp directory, closed on cleanup.
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	s, err := Open(dbPath)
	require.NoError(t, err)

	return s, dbPath
}

// testChangeSet builds an aggregate changeset exercising every bucket.
func testChangeSet(t *testing.T) wallet.ChangeSet {
	t.Helper()

	desc := testDescriptor(t, 0x01, "0")
	script, err := desc.ScriptAt(0)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(100_000, script))
	txid := tx.TxHash()

	var blockHash chainhash.Hash
	blockHash[0] = 1

	var floatingTxid chainhash.Hash
	floatingTxid[0] = 0xaa
	floatingOp := wire.OutPoint{Hash: floatingTxid, Index: 2}

	genesis := *chaincfg.RegressionNetParams.GenesisHash

	return wallet.ChangeSet{
		Keyring: keyring.ChangeSet{
			Network: &chaincfg.RegressionNetParams,
			Descriptors: map[keyring.ID]descriptor.Descriptor{
				"external": desc,
				"internal": testDescriptor(t, 0x01, "1"),
			},
		},
		Chain: chainview.ChangeSet{
			Blocks: map[int32]chainhash.Hash{
				0: genesis,
				1: blockHash,
			},
		},
		TxGraph: txgraph.ChangeSet{
			Txs: map[chainhash.Hash]*wire.MsgTx{txid: tx},
			Anchors: map[chainhash.Hash]chainview.BlockID{
				txid: {Height: 1, Hash: blockHash},
			},
			TxOuts: map[wire.OutPoint]*wire.TxOut{
				floatingOp: wire.NewTxOut(42_000, script),
			},
		},
		Indexer: txgraph.IndexChangeSet{
			LastRevealed: map[keyring.ID]uint32{"external": 4},
		},
	}
}

// TestInitializeEmpty asserts an empty store reports no state.
func TestInitializeEmpty(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	defer s.Close()

	cs, err := s.Initialize()
	require.NoError(t, err)
	require.True(t, cs.IsNone())
}

// TestPersistRoundTrip asserts a persisted changeset is read back intact,
// including across a close and reopen.
func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()

	s, dbPath := openTestStore(t)
	want := testChangeSet(t)

	_, err := s.Initialize()
	require.NoError(t, err)
	require.NoError(t, s.Persist(&want))

	assertChangeSet := func(s *Store) {
		loaded, err := s.Initialize()
		require.NoError(t, err)
		require.True(t, loaded.IsSome())

		got := loaded.UnwrapOr(wallet.ChangeSet{})

		require.Equal(t, want.Keyring.Network, got.Keyring.Network)
		require.Len(t, got.Keyring.Descriptors, 2)
		for keychain, desc := range want.Keyring.Descriptors {
			require.Equal(t, desc.Canonical(),
				got.Keyring.Descriptors[keychain].Canonical())
		}

		require.Equal(t, want.Chain.Blocks, got.Chain.Blocks)
		require.Equal(t, want.Indexer.LastRevealed,
			got.Indexer.LastRevealed)
		require.Equal(t, want.TxGraph.Anchors, got.TxGraph.Anchors)
		require.Equal(t, want.TxGraph.TxOuts, got.TxGraph.TxOuts)

		require.Len(t, got.TxGraph.Txs, 1)
		for txid := range want.TxGraph.Txs {
			require.Equal(t, txid, got.TxGraph.Txs[txid].TxHash())
		}
	}

	assertChangeSet(s)

	// The state survives a close and reopen.
	require.NoError(t, s.Close())
	reopened, err := Open(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	assertChangeSet(reopened)
}

// TestPersistSemantics asserts the per-bucket write rules: re-persisting is
// a no-op, descriptors are first-write-wins, revealed indices are max-wins
// and chain blocks are last-wins.
func TestPersistSemantics(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	defer s.Close()

	base := testChangeSet(t)

	_, err := s.Initialize()
	require.NoError(t, err)
	require.NoError(t, s.Persist(&base))

	// Re-persisting the identical changeset changes nothing.
	require.NoError(t, s.Persist(&base))

	var reorgHash chainhash.Hash
	reorgHash[0] = 0x22

	delta := wallet.ChangeSet{
		Keyring: keyring.ChangeSet{
			// A different descriptor under an existing keychain
			// must not overwrite the recorded one.
			Descriptors: map[keyring.ID]descriptor.Descriptor{
				"external": testDescriptor(t, 0x02, "0"),
			},
		},
		Chain: chainview.ChangeSet{
			// A reorg replaces the block at height 1.
			Blocks: map[int32]chainhash.Hash{1: reorgHash},
		},
		Indexer: txgraph.IndexChangeSet{
			// A stale lower index must not regress the record.
			LastRevealed: map[keyring.ID]uint32{
				"external": 2,
				"internal": 1,
			},
		},
	}
	require.NoError(t, s.Persist(&delta))

	loaded, err := s.Initialize()
	require.NoError(t, err)
	got := loaded.UnwrapOr(wallet.ChangeSet{})

	wantDesc := base.Keyring.Descriptors["external"]
	require.Equal(t, wantDesc.Canonical(),
		got.Keyring.Descriptors["external"].Canonical())

	require.Equal(t, reorgHash, got.Chain.Blocks[1])

	require.Equal(t, map[keyring.ID]uint32{
		"external": 4,
		"internal": 1,
	}, got.Indexer.LastRevealed)
}

// TestWalletIntegration asserts the store satisfies the wallet persistence
// contract end to end: create, stage, persist, reload.
func TestWalletIntegration(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	defer s.Close()

	loaded, err := wallet.Load(s)
	require.NoError(t, err)
	require.True(t, loaded.IsNone())

	kr := keyring.New(&chaincfg.RegressionNetParams)
	require.NoError(t, kr.AddDescriptor(
		"external", testDescriptor(t, 0x01, "0"),
	))

	w, err := wallet.New(kr)
	require.NoError(t, err)

	info, err := w.RevealNextAddress("external")
	require.NoError(t, err)
	require.Equal(t, uint32(0), info.Index)

	committed, err := w.Persist(s)
	require.NoError(t, err)
	require.True(t, committed.IsSome())

	loaded, err = wallet.Load(s)
	require.NoError(t, err)
	require.True(t, loaded.IsSome())

	restored := loaded.UnwrapOr(nil)
	require.Equal(t, w.Keychains(), restored.Keychains())
	require.Equal(t, w.ChainView().Tip(), restored.ChainView().Tip())

	next, err := restored.RevealNextAddress("external")
	require.NoError(t, err)
	require.Equal(t, uint32(1), next.Index)
	require.Equal(t, info.Keychain, next.Keychain)
}
