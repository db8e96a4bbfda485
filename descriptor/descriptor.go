package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrMalformed is returned when a descriptor string cannot be parsed.
	ErrMalformed = errors.New("malformed descriptor")

	// ErrNotMultipath is returned when a single-path descriptor is used
	// where a multipath descriptor is required.
	ErrNotMultipath = errors.New("descriptor is not multipath")

	// ErrMultipathScript is returned when attempting to derive a script
	// directly from a multipath descriptor. Multipath descriptors must be
	// decomposed into single-path descriptors first.
	ErrMultipathScript = errors.New("cannot derive script from multipath " +
		"descriptor")

	// ErrDerivationLimit is returned when the requested derivation index
	// cannot be derived, either because it exceeds the non-hardened range
	// or because the underlying key material rejects the child.
	ErrDerivationLimit = errors.New("derivation limit reached")

	// ErrNetworkIncompatible is returned when a descriptor's key material
	// is encoded for a different network than the one it is being bound
	// to.
	ErrNetworkIncompatible = errors.New("descriptor network incompatible")
)

// ID is a content-derived descriptor identifier: the SHA-256 digest of the
// canonical descriptor encoding. Identical descriptor text always yields the
// same ID, which makes registries keyed by it collision-free across
// independently synced copies.
type ID [32]byte

// String returns the hex encoding of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Descriptor is a spending-policy template capable of deriving a script for
// every index along a derivation path. Implementations are immutable.
type Descriptor interface {
	// Canonical returns the canonical string encoding of the descriptor.
	// Two descriptors are the same descriptor iff their canonical
	// encodings are equal.
	Canonical() string

	// IsMultipath reports whether the descriptor encodes several related
	// derivation branches.
	IsMultipath() bool

	// SinglePaths decomposes a multipath descriptor into one single-path
	// descriptor per branch, in branch order. It fails with
	// ErrNotMultipath for single-path descriptors.
	SinglePaths() ([]Descriptor, error)

	// ScriptAt derives the output script at the given derivation index.
	ScriptAt(index uint32) ([]byte, error)

	// CheckNetwork verifies that the descriptor's key material is encoded
	// for the given network.
	CheckNetwork(params *chaincfg.Params) error
}

// IDOf derives the content identifier of the given descriptor by hashing its
// canonical encoding.
func IDOf(d Descriptor) ID {
	return ID(sha256.Sum256([]byte(d.Canonical())))
}
