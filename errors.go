package rkstate

import (
	"errors"
	"fmt"
)

// ErrParse indicates malformed export framing. Ingestion stops at the first
// framing error and nothing after it is read.
var ErrParse = errors.New("malformed export")

// ErrMalformedReceipt indicates a receipt string that could not be decoded.
var ErrMalformedReceipt = errors.New("malformed receipt")

// ErrUnknownAlgorithm indicates a receipt signed with an unsupported algorithm suite.
var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// ErrChainBreak indicates that a receipt does not reference the expected chaining value.
var ErrChainBreak = errors.New("chain break")

// ErrInvalidSignature indicates a receipt whose signature could not be verified.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrCounterInconsistency indicates a turnover counter that does not match
// the previous counter plus the receipt's turnover.
var ErrCounterInconsistency = errors.New("turnover counter inconsistent")

// ErrDuplicateReceipt indicates a receipt ID that was already used in the cluster.
var ErrDuplicateReceipt = errors.New("duplicate receipt id")

// ErrDecryptionFailure indicates a missing or unusable turnover counter key.
var ErrDecryptionFailure = errors.New("turnover counter decryption failed")

// ErrRegisterBroken is returned when verifying against a register whose chain
// was broken earlier. Only a reset or a seed clears it.
var ErrRegisterBroken = errors.New("cash register chain is broken")

// ErrInvalidRegisterIndex indicates an out of range cash register index.
var ErrInvalidRegisterIndex = errors.New("invalid cash register index")

// ErrUnknownBackend indicates an unsupported used receipt ID backend.
var ErrUnknownBackend = errors.New("unknown used receipt ids backend")

// ErrBackendMismatch indicates a snapshot whose used receipt ID backend
// differs from the one the caller expects.
var ErrBackendMismatch = errors.New("used receipt ids backend mismatch")

// ErrInvalidState indicates a snapshot that violates a state invariant.
var ErrInvalidState = errors.New("invalid state")

// ReceiptError identifies the cash register and receipt at which ingestion failed.
type ReceiptError struct {
	Register  int
	ReceiptID string
	Err       error
}

func (e *ReceiptError) Error() string {
	if e.ReceiptID == "" {
		return fmt.Sprintf("cash register %d: %v", e.Register, e.Err)
	}
	return fmt.Sprintf("cash register %d: receipt %q: %v", e.Register, e.ReceiptID, e.Err)
}

func (e *ReceiptError) Unwrap() error { return e.Err }

// breaksChain reports whether err moves a register into the broken state.
func breaksChain(err error) bool {
	return errors.Is(err, ErrChainBreak) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrCounterInconsistency)
}
