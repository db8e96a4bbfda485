package keyring

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateDescriptor is returned by the checked insertion variants
	// when a descriptor is already bound to the given keychain.
	ErrDuplicateDescriptor = errors.New("descriptor already exists for " +
		"this keychain")

	// ErrMultipathNotAllowed is returned when a multipath descriptor is
	// passed to a single-path insertion. Use AddMultipathDescriptor
	// instead.
	ErrMultipathNotAllowed = errors.New("multipath descriptor not allowed")

	// ErrSingleNotAllowed is returned when a single-path descriptor is
	// passed to a multipath insertion. Use AddDescriptor instead.
	ErrSingleNotAllowed = errors.New("single-path descriptor not allowed")

	// ErrEmptyKeyRing is returned when an operation requires at least one
	// registered descriptor.
	ErrEmptyKeyRing = errors.New("keyring is empty")

	// ErrKeychainNotFound is returned when the named keychain has no
	// descriptor bound to it.
	ErrKeychainNotFound = errors.New("keychain not found")

	// ErrDescriptorParsing is returned when a persisted descriptor cannot
	// be parsed back into a template.
	ErrDescriptorParsing = errors.New("failed to parse descriptor")

	// ErrAddressGeneration is returned when a descriptor cannot prove it
	// is able to derive a script at index 0.
	ErrAddressGeneration = errors.New("failed to generate address from " +
		"descriptor")

	// ErrMissingNetwork is returned when reconstructing a keyring from a
	// changeset whose network is unset. The network is mandatory once a
	// keyring has been initialized.
	ErrMissingNetwork = errors.New("keyring changeset is missing network")
)

// NetworkMismatchError is returned when a descriptor's key material does not
// match the network the keyring is bound to.
type NetworkMismatchError struct {
	Expected string
	Found    string
}

// Error returns a human-readable string describing the error.
func (e *NetworkMismatchError) Error() string {
	return fmt.Sprintf("network mismatch: expected %v, found %v",
		e.Expected, e.Found)
}
