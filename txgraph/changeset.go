package txgraph

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/keychainlabs/multiwallet/chainview"
	"github.com/keychainlabs/multiwallet/keyring"
)

// ChangeSet records additions to the transaction graph: whole transactions,
// confirmation anchors and floating outputs. It never records removals.
type ChangeSet struct {
	// Txs holds newly observed transactions keyed by txid.
	Txs map[chainhash.Hash]*wire.MsgTx

	// Anchors holds confirmation proofs: the block each transaction was
	// observed in.
	Anchors map[chainhash.Hash]chainview.BlockID

	// TxOuts holds floating outputs: outputs whose containing transaction
	// is not (yet) known in full.
	TxOuts map[wire.OutPoint]*wire.TxOut
}

// IsEmpty reports whether the changeset carries no information.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Txs) == 0 && len(c.Anchors) == 0 && len(c.TxOuts) == 0
}

// Merge folds other into c as a map union, later entries winning per key.
func (c *ChangeSet) Merge(other ChangeSet) {
	if len(other.Txs) > 0 && c.Txs == nil {
		c.Txs = make(map[chainhash.Hash]*wire.MsgTx, len(other.Txs))
	}
	for txid, tx := range other.Txs {
		c.Txs[txid] = tx
	}

	if len(other.Anchors) > 0 && c.Anchors == nil {
		c.Anchors = make(map[chainhash.Hash]chainview.BlockID,
			len(other.Anchors))
	}
	for txid, anchor := range other.Anchors {
		c.Anchors[txid] = anchor
	}

	if len(other.TxOuts) > 0 && c.TxOuts == nil {
		c.TxOuts = make(map[wire.OutPoint]*wire.TxOut,
			len(other.TxOuts))
	}
	for op, txOut := range other.TxOuts {
		c.TxOuts[op] = txOut
	}
}

// IndexChangeSet records progress of the keychain txout index: the highest
// revealed derivation index per keychain.
type IndexChangeSet struct {
	LastRevealed map[keyring.ID]uint32
}

// IsEmpty reports whether the changeset carries no information.
func (c *IndexChangeSet) IsEmpty() bool {
	return len(c.LastRevealed) == 0
}

// Merge folds other into c. Revealed indices are monotonic, so the maximum
// wins per keychain: merging can never retract an index already revealed
// higher.
func (c *IndexChangeSet) Merge(other IndexChangeSet) {
	if len(other.LastRevealed) > 0 && c.LastRevealed == nil {
		c.LastRevealed = make(map[keyring.ID]uint32,
			len(other.LastRevealed))
	}
	for keychain, index := range other.LastRevealed {
		if current, ok := c.LastRevealed[keychain]; !ok ||
			index > current {

			c.LastRevealed[keychain] = index
		}
	}
}
