package chainview

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// hashFromByte builds a distinct block hash from a single byte.
func hashFromByte(b byte) chainhash.Hash {
	var hash chainhash.Hash
	hash[0] = b
	return hash
}

// TestFromGenesis asserts a fresh view holds exactly the genesis block and
// reports it as the changeset.
func TestFromGenesis(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	view, cs := FromGenesis(params)

	require.Equal(t, BlockID{Height: 0, Hash: *params.GenesisHash},
		view.Tip())

	hash, ok := view.BlockAt(0)
	require.True(t, ok)
	require.Equal(t, *params.GenesisHash, hash)

	require.Equal(t, map[int32]chainhash.Hash{0: *params.GenesisHash},
		cs.Blocks)
}

// TestFromChangeSet asserts reconstruction requires genesis and recovers the
// highest block as tip.
func TestFromChangeSet(t *testing.T) {
	t.Parallel()

	_, err := FromChangeSet(ChangeSet{
		Blocks: map[int32]chainhash.Hash{5: hashFromByte(5)},
	})
	require.ErrorIs(t, err, ErrMissingGenesis)

	view, err := FromChangeSet(ChangeSet{
		Blocks: map[int32]chainhash.Hash{
			0: hashFromByte(0),
			3: hashFromByte(3),
			7: hashFromByte(7),
		},
	})
	require.NoError(t, err)
	require.Equal(t, BlockID{Height: 7, Hash: hashFromByte(7)},
		view.Tip())
}

// TestApplyUpdate asserts connecting, reorgs and idempotence of chain
// updates.
func TestApplyUpdate(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	view, _ := FromGenesis(params)
	genesis := BlockID{Height: 0, Hash: *params.GenesisHash}

	// An update that shares no block with the view cannot connect.
	_, err := view.ApplyUpdate([]BlockID{
		{Height: 5, Hash: hashFromByte(5)},
	})
	require.ErrorIs(t, err, ErrChainDisconnected)
	require.Equal(t, genesis, view.Tip())

	// An update anchored at genesis extends the view.
	update := []BlockID{
		genesis,
		{Height: 1, Hash: hashFromByte(1)},
		{Height: 2, Hash: hashFromByte(2)},
	}
	cs, err := view.ApplyUpdate(update)
	require.NoError(t, err)
	require.Equal(t, BlockID{Height: 2, Hash: hashFromByte(2)},
		view.Tip())

	// The changeset records only the new blocks.
	require.Len(t, cs.Blocks, 2)
	require.Equal(t, hashFromByte(1), cs.Blocks[1])
	require.Equal(t, hashFromByte(2), cs.Blocks[2])

	// Re-applying the same update is a no-op.
	cs, err = view.ApplyUpdate(update)
	require.NoError(t, err)
	require.True(t, cs.IsEmpty())

	// A reorg above the point of agreement replaces checkpoints.
	reorg := []BlockID{
		{Height: 1, Hash: hashFromByte(1)},
		{Height: 2, Hash: hashFromByte(0x22)},
		{Height: 3, Hash: hashFromByte(0x33)},
	}
	cs, err = view.ApplyUpdate(reorg)
	require.NoError(t, err)
	require.Len(t, cs.Blocks, 2)
	require.Equal(t, BlockID{Height: 3, Hash: hashFromByte(0x33)},
		view.Tip())

	hash, ok := view.BlockAt(2)
	require.True(t, ok)
	require.Equal(t, hashFromByte(0x22), hash)
}

// TestChangeSetMerge asserts the last-wins union merge of chain deltas and
// its idempotence.
func TestChangeSetMerge(t *testing.T) {
	t.Parallel()

	var cs ChangeSet
	require.True(t, cs.IsEmpty())

	cs.Merge(ChangeSet{Blocks: map[int32]chainhash.Hash{
		0: hashFromByte(0),
		1: hashFromByte(1),
	}})
	require.Len(t, cs.Blocks, 2)

	// Later merges win per height.
	cs.Merge(ChangeSet{Blocks: map[int32]chainhash.Hash{
		1: hashFromByte(0x11),
		2: hashFromByte(2),
	}})
	require.Len(t, cs.Blocks, 3)
	require.Equal(t, hashFromByte(0x11), cs.Blocks[1])

	// Merging a changeset into itself changes nothing.
	snapshot := map[int32]chainhash.Hash{
		0: cs.Blocks[0], 1: cs.Blocks[1], 2: cs.Blocks[2],
	}
	cs.Merge(ChangeSet{Blocks: snapshot})
	require.Equal(t, snapshot, cs.Blocks)
}
