package keyring

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/keychainlabs/multiwallet/descriptor"
)

// ID identifies one keychain: a group of addresses derived from a single
// descriptor. Identifiers are application chosen and totally ordered by their
// string value. Content-derived descriptor identifiers render into this type
// as hex.
type ID string

// KeyRing is a registry of spending-policy descriptors, each bound to one
// keychain, all bound to one network. A KeyRing is not safe for concurrent
// use.
type KeyRing struct {
	params      *chaincfg.Params
	descriptors map[ID]descriptor.Descriptor
}

// New constructs an empty KeyRing bound to the given network.
func New(params *chaincfg.Params) *KeyRing {
	return &KeyRing{
		params:      params,
		descriptors: make(map[ID]descriptor.Descriptor),
	}
}

// FromChangeSet reconstructs a KeyRing from a previously recorded changeset.
// It fails with ErrMissingNetwork if the changeset carries no network
// binding.
func FromChangeSet(cs ChangeSet) (*KeyRing, error) {
	if cs.Network == nil {
		return nil, ErrMissingNetwork
	}

	descriptors := make(map[ID]descriptor.Descriptor, len(cs.Descriptors))
	for keychain, desc := range cs.Descriptors {
		descriptors[keychain] = desc
	}

	return &KeyRing{
		params:      cs.Network,
		descriptors: descriptors,
	}, nil
}

// Network returns the network the keyring is bound to.
func (k *KeyRing) Network() *chaincfg.Params {
	return k.params
}

// AddDescriptor binds a single-path descriptor to the given keychain. An
// existing binding for the keychain is overwritten; use AddDescriptorChecked
// to reject duplicates.
func (k *KeyRing) AddDescriptor(keychain ID, desc descriptor.Descriptor) error {
	if err := k.checkDescriptor(desc); err != nil {
		return err
	}

	k.descriptors[keychain] = desc

	return nil
}

// AddDescriptorChecked is the validated variant of AddDescriptor: it
// additionally rejects a keychain that already has a descriptor bound to it
// and proves the descriptor can derive a script at index 0 before binding.
func (k *KeyRing) AddDescriptorChecked(keychain ID,
	desc descriptor.Descriptor) error {

	if _, ok := k.descriptors[keychain]; ok {
		return ErrDuplicateDescriptor
	}
	if err := k.checkDescriptor(desc); err != nil {
		return err
	}
	if _, err := desc.ScriptAt(0); err != nil {
		return fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}

	k.descriptors[keychain] = desc

	return nil
}

// AddMultipathDescriptor decomposes a multipath descriptor into one
// single-path descriptor per branch and binds each under its content-derived
// identifier. The resulting keychain ids are returned in branch order.
func (k *KeyRing) AddMultipathDescriptor(
	desc descriptor.Descriptor) ([]ID, error) {

	keychains, singles, err := k.decompose(desc)
	if err != nil {
		return nil, err
	}

	for i, keychain := range keychains {
		k.descriptors[keychain] = singles[i]
	}

	return keychains, nil
}

// AddMultipathDescriptorChecked is the validated variant of
// AddMultipathDescriptor: it additionally rejects any content identifier that
// is already bound and proves each branch can derive a script at index 0. On
// failure nothing is inserted.
func (k *KeyRing) AddMultipathDescriptorChecked(
	desc descriptor.Descriptor) ([]ID, error) {

	keychains, singles, err := k.decompose(desc)
	if err != nil {
		return nil, err
	}

	// Validate the whole batch before touching the map so that a failure
	// leaves the registry unchanged.
	for i, keychain := range keychains {
		if _, ok := k.descriptors[keychain]; ok {
			return nil, ErrDuplicateDescriptor
		}
		if _, err := singles[i].ScriptAt(0); err != nil {
			return nil, fmt.Errorf("%w: %v",
				ErrAddressGeneration, err)
		}
	}

	for i, keychain := range keychains {
		k.descriptors[keychain] = singles[i]
	}

	return keychains, nil
}

// decompose validates a multipath descriptor against the keyring and splits
// it into single-path descriptors keyed by content identifier.
func (k *KeyRing) decompose(desc descriptor.Descriptor) ([]ID,
	[]descriptor.Descriptor, error) {

	if !desc.IsMultipath() {
		return nil, nil, ErrSingleNotAllowed
	}
	if err := k.checkNetwork(desc); err != nil {
		return nil, nil, err
	}

	singles, err := desc.SinglePaths()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDescriptorParsing, err)
	}

	keychains := make([]ID, len(singles))
	for i, single := range singles {
		keychains[i] = ID(descriptor.IDOf(single).String())
	}

	return keychains, singles, nil
}

// checkDescriptor validates a descriptor for single-path insertion.
func (k *KeyRing) checkDescriptor(desc descriptor.Descriptor) error {
	if desc.IsMultipath() {
		return ErrMultipathNotAllowed
	}

	return k.checkNetwork(desc)
}

// checkNetwork binds the descriptor to the keyring network.
func (k *KeyRing) checkNetwork(desc descriptor.Descriptor) error {
	if err := desc.CheckNetwork(k.params); err != nil {
		return &NetworkMismatchError{
			Expected: k.params.Name,
			Found:    probeNetwork(desc),
		}
	}

	return nil
}

// Validate checks that the keyring is usable: it must hold at least one
// descriptor and every descriptor must be able to derive a script at index 0.
func (k *KeyRing) Validate() error {
	if len(k.descriptors) == 0 {
		return ErrEmptyKeyRing
	}

	for keychain, desc := range k.descriptors {
		if _, err := desc.ScriptAt(0); err != nil {
			return fmt.Errorf("%w: keychain %v: %v",
				ErrAddressGeneration, keychain, err)
		}
	}

	return nil
}

// Contains reports whether the keychain has a descriptor bound to it.
func (k *KeyRing) Contains(keychain ID) bool {
	_, ok := k.descriptors[keychain]
	return ok
}

// Descriptor returns the descriptor bound to the keychain.
func (k *KeyRing) Descriptor(keychain ID) (descriptor.Descriptor, bool) {
	desc, ok := k.descriptors[keychain]
	return desc, ok
}

// Remove unbinds the keychain, reporting whether it was present.
func (k *KeyRing) Remove(keychain ID) bool {
	_, ok := k.descriptors[keychain]
	delete(k.descriptors, keychain)

	return ok
}

// Len returns the number of bound keychains.
func (k *KeyRing) Len() int {
	return len(k.descriptors)
}

// IsEmpty reports whether the keyring holds no descriptors.
func (k *KeyRing) IsEmpty() bool {
	return len(k.descriptors) == 0
}

// Keychains returns all bound keychain ids in sorted order.
func (k *KeyRing) Keychains() []ID {
	keychains := make([]ID, 0, len(k.descriptors))
	for keychain := range k.descriptors {
		keychains = append(keychains, keychain)
	}
	sort.Slice(keychains, func(i, j int) bool {
		return keychains[i] < keychains[j]
	})

	return keychains
}

// InitialChangeSet returns a full snapshot of the current keyring state, used
// to seed persistence for a freshly created registry.
func (k *KeyRing) InitialChangeSet() ChangeSet {
	descriptors := make(map[ID]descriptor.Descriptor, len(k.descriptors))
	for keychain, desc := range k.descriptors {
		descriptors[keychain] = desc
	}

	return ChangeSet{
		Network:     k.params,
		Descriptors: descriptors,
	}
}

// probeNetwork reports the name of the first known network a descriptor's key
// material is compatible with, for error reporting only.
func probeNetwork(desc descriptor.Descriptor) string {
	for _, params := range knownNetworks {
		if desc.CheckNetwork(params) == nil {
			return params.Name
		}
	}

	return "unknown"
}
