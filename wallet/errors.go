package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrEmptyChangeSet is returned when constructing a wallet from a
	// changeset that carries no information.
	ErrEmptyChangeSet = errors.New("changeset is empty")

	// ErrNoRecipients is returned when a transaction request names no
	// recipients.
	ErrNoRecipients = errors.New("no recipients specified")

	// ErrNoUtxos is returned when no spendable outputs are available for
	// selection.
	ErrNoUtxos = errors.New("no utxos available")

	// ErrUnknownUtxo is returned when a transaction request includes an
	// outpoint that is unknown to the wallet or already spent.
	ErrUnknownUtxo = errors.New("unknown utxo")

	// ErrFeeTooLow is returned when the requested fee rate is below the
	// broadcastable floor.
	ErrFeeTooLow = errors.New("fee rate too low")

	// ErrFeeTooHigh is returned when the requested fee rate exceeds the
	// sanity ceiling.
	ErrFeeTooHigh = errors.New("fee rate too high")

	// ErrDustOutput is returned when a requested output is below the dust
	// threshold.
	ErrDustOutput = errors.New("output below dust threshold")

	// ErrInvalidRecipient is returned when a recipient entry is
	// malformed.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrPsbtCreation is returned when the assembled transaction is
	// rejected by the PSBT container.
	ErrPsbtCreation = errors.New("psbt creation failed")
)

// Signing error kinds. Signing itself is out of scope for this library, but
// the kinds are exported so a caller layering a signer on top can fold its
// failures into the same umbrella.
var (
	ErrMissingPrivateKey = errors.New("missing private key for signing")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrAlreadyFinalized  = errors.New("psbt is already finalized")
	ErrSigningFailed     = errors.New("signing failed")
	ErrInputNotFound     = errors.New("input not found")
)

// InsufficientFundsError is returned when coin selection cannot cover the
// requested amount plus fees with the available outputs.
type InsufficientFundsError struct {
	Required  btcutil.Amount
	Available btcutil.Amount
}

// Error returns a human-readable string describing the error.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %v, available %v",
		e.Required, e.Available)
}

// Error is the umbrella wallet error: every failure crossing the public
// wallet boundary is wrapped in one, carrying the operation that failed.
type Error struct {
	// Op names the failing operation, e.g. "reveal_next_address".
	Op string

	// Err is the underlying error kind.
	Err error
}

// Error returns a human-readable string describing the error.
func (e *Error) Error() string {
	return fmt.Sprintf("wallet %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error so callers can match kinds with
// errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// walletError wraps err with the failing operation.
func walletError(op string, err error) error {
	return &Error{Op: op, Err: err}
}
