package chainview

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// ChangeSet records newly observed checkpoint blocks keyed by height.
type ChangeSet struct {
	Blocks map[int32]chainhash.Hash
}

// IsEmpty reports whether the changeset carries no blocks.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Blocks) == 0
}

// Merge folds other into c, later entries winning per height. Merging the
// same delta twice is a no-op.
func (c *ChangeSet) Merge(other ChangeSet) {
	if len(other.Blocks) > 0 && c.Blocks == nil {
		c.Blocks = make(map[int32]chainhash.Hash, len(other.Blocks))
	}
	for height, hash := range other.Blocks {
		c.Blocks[height] = hash
	}
}
