package chainview

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrChainDisconnected is returned when an update checkpoint shares no
	// block with recognized history and therefore cannot be connected.
	ErrChainDisconnected = errors.New("chain update does not connect to " +
		"recognized history")

	// ErrMissingGenesis is returned when reconstructing a view from a
	// changeset that lacks the genesis block.
	ErrMissingGenesis = errors.New("chain changeset is missing genesis")
)

// BlockID identifies one block by height and hash.
type BlockID struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns a human-readable form of the block id.
func (b BlockID) String() string {
	return fmt.Sprintf("%d:%v", b.Height, b.Hash)
}

// ChainView is a sparse view of the best chain as observed by the wallet: a
// set of checkpoint blocks keyed by height, anchored at genesis. It is not
// safe for concurrent use.
type ChainView struct {
	blocks map[int32]chainhash.Hash
	tip    BlockID
}

// FromGenesis constructs a view holding only the network's genesis block and
// returns the full changeset describing it.
func FromGenesis(params *chaincfg.Params) (*ChainView, ChangeSet) {
	genesis := *params.GenesisHash

	view := &ChainView{
		blocks: map[int32]chainhash.Hash{0: genesis},
		tip:    BlockID{Height: 0, Hash: genesis},
	}
	changeset := ChangeSet{
		Blocks: map[int32]chainhash.Hash{0: genesis},
	}

	return view, changeset
}

// FromChangeSet reconstructs a view from a previously recorded changeset. The
// changeset must contain the genesis block.
func FromChangeSet(cs ChangeSet) (*ChainView, error) {
	if _, ok := cs.Blocks[0]; !ok {
		return nil, ErrMissingGenesis
	}

	view := &ChainView{
		blocks: make(map[int32]chainhash.Hash, len(cs.Blocks)),
	}
	for height, hash := range cs.Blocks {
		view.blocks[height] = hash
		if height >= view.tip.Height {
			view.tip = BlockID{Height: height, Hash: hash}
		}
	}

	return view, nil
}

// Tip returns the highest known block.
func (c *ChainView) Tip() BlockID {
	return c.tip
}

// BlockAt returns the checkpoint hash recorded at the given height.
func (c *ChainView) BlockAt(height int32) (chainhash.Hash, bool) {
	hash, ok := c.blocks[height]
	return hash, ok
}

// Blocks returns a copy of all recorded checkpoints keyed by height.
func (c *ChainView) Blocks() map[int32]chainhash.Hash {
	blocks := make(map[int32]chainhash.Hash, len(c.blocks))
	for height, hash := range c.blocks {
		blocks[height] = hash
	}

	return blocks
}

// ApplyUpdate connects an update checkpoint chain to the view. The update
// must agree with recognized history at some height, otherwise
// ErrChainDisconnected is returned and the view is left untouched. Blocks
// above the point of agreement replace any conflicting checkpoints (a reorg),
// which the returned changeset records as last-wins entries per height.
// Applying the same update twice yields an empty changeset.
func (c *ChainView) ApplyUpdate(checkpoints []BlockID) (ChangeSet, error) {
	if len(checkpoints) == 0 {
		return ChangeSet{}, nil
	}

	sorted := make([]BlockID, len(checkpoints))
	copy(sorted, checkpoints)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Height < sorted[j].Height
	})

	// Find the point of agreement: some checkpoint that is already
	// recorded identically.
	agreement := int32(-1)
	for _, cp := range sorted {
		if hash, ok := c.blocks[cp.Height]; ok && hash == cp.Hash {
			agreement = cp.Height
		}
	}
	if agreement < 0 {
		return ChangeSet{}, fmt.Errorf("%w: tip %v",
			ErrChainDisconnected, sorted[len(sorted)-1])
	}

	changeset := ChangeSet{}
	for _, cp := range sorted {
		if hash, ok := c.blocks[cp.Height]; ok && hash == cp.Hash {
			continue
		}
		if changeset.Blocks == nil {
			changeset.Blocks = make(map[int32]chainhash.Hash)
		}
		changeset.Blocks[cp.Height] = cp.Hash
		c.blocks[cp.Height] = cp.Hash

		if cp.Height >= c.tip.Height {
			c.tip = cp
		}
	}

	return changeset, nil
}
