package wallet

import (
	"github.com/keychainlabs/multiwallet/chainview"
	"github.com/keychainlabs/multiwallet/keyring"
	"github.com/keychainlabs/multiwallet/txgraph"
)

// ChangeSet is the aggregate delta across all wallet subsystems: the
// descriptor registry, the chain view, the transaction graph and the keychain
// txout index. It is the unit of persistence: everything a wallet has learned
// or derived since the last commit is represented as one of these.
type ChangeSet struct {
	Keyring keyring.ChangeSet
	Chain   chainview.ChangeSet
	TxGraph txgraph.ChangeSet
	Indexer txgraph.IndexChangeSet
}

// IsEmpty reports whether every subsystem delta is empty.
func (c *ChangeSet) IsEmpty() bool {
	return c.Keyring.IsEmpty() && c.Chain.IsEmpty() &&
		c.TxGraph.IsEmpty() && c.Indexer.IsEmpty()
}

// Merge folds other into c field-wise. Each subsystem delta merges
// additively, so merging never discards previously recorded information, is
// idempotent for identical deltas and associative across distinct ones.
func (c *ChangeSet) Merge(other ChangeSet) {
	c.Keyring.Merge(other.Keyring)
	c.Chain.Merge(other.Chain)
	c.TxGraph.Merge(other.TxGraph)
	c.Indexer.Merge(other.Indexer)
}
