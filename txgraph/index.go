package txgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"

	"github.com/keychainlabs/multiwallet/descriptor"
	"github.com/keychainlabs/multiwallet/keyring"
)

// DefaultLookahead is the number of derivation indices beyond the last
// revealed one that the index keeps derived, so that outputs paying to
// not-yet-revealed scripts are still recognized.
const DefaultLookahead uint32 = 25

var (
	// ErrKeychainNotFound is returned when an index operation names a
	// keychain with no descriptor registered.
	ErrKeychainNotFound = errors.New("keychain not registered with index")

	// ErrMultipathDescriptor is returned when a multipath descriptor is
	// registered with the index. Only single-path descriptors can derive
	// scripts.
	ErrMultipathDescriptor = errors.New("index requires single-path " +
		"descriptors")
)

// KeyPath locates one derived script: the keychain it belongs to and its
// derivation index.
type KeyPath struct {
	Keychain keyring.ID
	Index    uint32
}

// KeychainIndex tracks script ownership across keychains: which derivation
// indices have been revealed, which scripts belong to which (keychain, index)
// pair, and which outpoints pay to owned scripts. It is not safe for
// concurrent use.
type KeychainIndex struct {
	lookahead uint32

	descriptors map[keyring.ID]descriptor.Descriptor
	descOwners  map[descriptor.ID]keyring.ID

	// lastRevealed holds the highest revealed index per keychain. A
	// missing entry means nothing has been revealed yet.
	lastRevealed map[keyring.ID]uint32

	// derivedCount holds the number of scripts derived so far per
	// keychain, covering the reveal window plus lookahead.
	derivedCount map[keyring.ID]uint32

	scripts   map[string]KeyPath
	outpoints map[KeyPath][]wire.OutPoint
}

// NewKeychainIndex constructs an empty index. A zero lookahead selects
// DefaultLookahead.
func NewKeychainIndex(lookahead uint32) *KeychainIndex {
	if lookahead == 0 {
		lookahead = DefaultLookahead
	}

	return &KeychainIndex{
		lookahead:    lookahead,
		descriptors:  make(map[keyring.ID]descriptor.Descriptor),
		descOwners:   make(map[descriptor.ID]keyring.ID),
		lastRevealed: make(map[keyring.ID]uint32),
		derivedCount: make(map[keyring.ID]uint32),
		scripts:      make(map[string]KeyPath),
		outpoints:    make(map[KeyPath][]wire.OutPoint),
	}
}

// InsertDescriptor registers a single-path descriptor under the given
// keychain and primes its lookahead window. It returns false if the keychain
// already has a descriptor, or if the descriptor is already registered under
// a different keychain.
func (k *KeychainIndex) InsertDescriptor(keychain keyring.ID,
	desc descriptor.Descriptor) (bool, error) {

	if desc.IsMultipath() {
		return false, ErrMultipathDescriptor
	}
	if _, ok := k.descriptors[keychain]; ok {
		return false, nil
	}

	did := descriptor.IDOf(desc)
	if owner, ok := k.descOwners[did]; ok && owner != keychain {
		return false, nil
	}

	k.descriptors[keychain] = desc
	k.descOwners[did] = keychain

	if err := k.deriveTo(keychain, k.lookahead); err != nil {
		return false, err
	}

	return true, nil
}

// deriveTo extends the derived script window of the keychain up to and
// including the given index.
func (k *KeychainIndex) deriveTo(keychain keyring.ID, upTo uint32) error {
	desc := k.descriptors[keychain]
	for i := k.derivedCount[keychain]; i <= upTo; i++ {
		script, err := desc.ScriptAt(i)
		if err != nil {
			return fmt.Errorf("keychain %v index %d: %w",
				keychain, i, err)
		}
		k.scripts[string(script)] = KeyPath{
			Keychain: keychain,
			Index:    i,
		}
		k.derivedCount[keychain] = i + 1
	}

	return nil
}

// RevealNextSpk reveals the next unused derivation index for the keychain
// and returns its index, script and the resulting index delta. Revealed
// indices are strictly monotonic per keychain: once revealed, an index is
// never handed out again.
func (k *KeychainIndex) RevealNextSpk(keychain keyring.ID) (uint32, []byte,
	IndexChangeSet, error) {

	desc, ok := k.descriptors[keychain]
	if !ok {
		return 0, nil, IndexChangeSet{}, ErrKeychainNotFound
	}

	next := uint32(0)
	if last, ok := k.lastRevealed[keychain]; ok {
		next = last + 1
	}

	script, err := desc.ScriptAt(next)
	if err != nil {
		return 0, nil, IndexChangeSet{}, err
	}

	k.lastRevealed[keychain] = next
	if err := k.deriveTo(keychain, next+k.lookahead); err != nil {
		return 0, nil, IndexChangeSet{}, err
	}

	changeset := IndexChangeSet{
		LastRevealed: map[keyring.ID]uint32{keychain: next},
	}

	return next, script, changeset, nil
}

// RevealToTarget reveals scripts up to the given target index for every named
// keychain. Reveals are monotonic: a target at or below the current revealed
// index is a no-op, and unknown keychains are skipped. The combined delta is
// returned.
func (k *KeychainIndex) RevealToTarget(
	targets map[keyring.ID]uint32) (IndexChangeSet, error) {

	changeset := IndexChangeSet{}
	for keychain, target := range targets {
		if _, ok := k.descriptors[keychain]; !ok {
			continue
		}
		if last, ok := k.lastRevealed[keychain]; ok && target <= last {
			continue
		}

		k.lastRevealed[keychain] = target
		if err := k.deriveTo(keychain, target+k.lookahead); err != nil {
			return IndexChangeSet{}, err
		}

		changeset.Merge(IndexChangeSet{
			LastRevealed: map[keyring.ID]uint32{keychain: target},
		})
	}

	return changeset, nil
}

// ApplyChangeSet replays a previously recorded index delta, used when
// reconstructing an index from persisted state.
func (k *KeychainIndex) ApplyChangeSet(cs IndexChangeSet) error {
	_, err := k.RevealToTarget(cs.LastRevealed)
	return err
}

// LastRevealed returns the highest revealed index for the keychain, if any.
func (k *KeychainIndex) LastRevealed(keychain keyring.ID) (uint32, bool) {
	last, ok := k.lastRevealed[keychain]
	return last, ok
}

// ScriptOwner looks up the (keychain, index) pair a script belongs to.
func (k *KeychainIndex) ScriptOwner(script []byte) (KeyPath, bool) {
	path, ok := k.scripts[string(script)]
	return path, ok
}

// Contains reports whether the keychain has a descriptor registered.
func (k *KeychainIndex) Contains(keychain keyring.ID) bool {
	_, ok := k.descriptors[keychain]
	return ok
}

// Keychains returns all registered keychain ids in sorted order.
func (k *KeychainIndex) Keychains() []keyring.ID {
	keychains := make([]keyring.ID, 0, len(k.descriptors))
	for keychain := range k.descriptors {
		keychains = append(keychains, keychain)
	}
	sort.Slice(keychains, func(i, j int) bool {
		return keychains[i] < keychains[j]
	})

	return keychains
}

// OutPoints returns all tracked outpoints paying to owned scripts, keyed by
// the (keychain, index) pair that owns them.
func (k *KeychainIndex) OutPoints() map[KeyPath][]wire.OutPoint {
	outpoints := make(map[KeyPath][]wire.OutPoint, len(k.outpoints))
	for path, ops := range k.outpoints {
		outpoints[path] = append([]wire.OutPoint(nil), ops...)
	}

	return outpoints
}

// indexOutPoint records an outpoint against its owning script, if the script
// is owned by any keychain.
func (k *KeychainIndex) indexOutPoint(op wire.OutPoint, pkScript []byte) {
	path, ok := k.scripts[string(pkScript)]
	if !ok {
		return
	}

	for _, existing := range k.outpoints[path] {
		if existing == op {
			return
		}
	}
	k.outpoints[path] = append(k.outpoints[path], op)
}
