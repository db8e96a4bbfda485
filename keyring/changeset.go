package keyring

import (
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/keychainlabs/multiwallet/descriptor"
)

// ChangeSet represents changes to a KeyRing: a network binding and a set of
// added descriptors. It is additive: merging never removes previously
// recorded information.
type ChangeSet struct {
	// Network is the network the keyring is bound to, nil if the
	// changeset does not carry a binding.
	Network *chaincfg.Params

	// Descriptors holds the added descriptors keyed by keychain.
	Descriptors map[ID]descriptor.Descriptor
}

// IsEmpty reports whether the changeset carries no information at all.
func (c *ChangeSet) IsEmpty() bool {
	return c.Network == nil && len(c.Descriptors) == 0
}

// Merge folds other into c. The first recorded network wins, descriptor
// entries are unioned with later entries taking precedence per keychain.
// Merging is idempotent for identical deltas and associative across distinct
// ones.
func (c *ChangeSet) Merge(other ChangeSet) {
	if c.Network == nil {
		c.Network = other.Network
	}

	if len(other.Descriptors) > 0 && c.Descriptors == nil {
		c.Descriptors = make(map[ID]descriptor.Descriptor,
			len(other.Descriptors))
	}
	for keychain, desc := range other.Descriptors {
		c.Descriptors[keychain] = desc
	}
}
