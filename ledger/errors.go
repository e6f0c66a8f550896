/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Guard errors - Duplicate processing of the same message
  2. Validation errors - Unknown kind, invalid amount
  3. Store errors - Persistence failures, busy database, drift

USAGE:
  if errors.Is(err, ledger.ErrStoreBusy) {
      // transient, safe to retry the whole atomic unit
  }

SEE ALSO:
  - ledger.go: Uses these errors
  - store/sqlite/sqlite.go: Maps driver errors onto them
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateMessage is returned by stores when a processed-message row
	// already exists for the key. The guard turns it into AlreadyProcessed.
	ErrDuplicateMessage = errors.New("message already processed")

	// ErrDuplicateWallet is returned when (chat, name) already has a wallet.
	ErrDuplicateWallet = errors.New("wallet already exists")

	// ErrUnknownKind is returned when a kind outside the vocabulary reaches the calculator.
	ErrUnknownKind = errors.New("unknown transaction kind")

	// ErrInvalidAmount is returned for negative or zero posting amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrWalletNotFound is returned when a referenced wallet doesn't exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrStoreBusy is returned when the store could not acquire its write lock.
	ErrStoreBusy = errors.New("store busy")

	// ErrTransactionFailed is returned when an atomic unit cannot be committed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrBalanceDrift is returned by Audit when the stored balance disagrees
	// with the sum of the wallet's transactions.
	ErrBalanceDrift = errors.New("balance drift")

	// ErrCorruptRecord is returned when a stored value cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// BalanceDriftError reports an audit mismatch.
type BalanceDriftError struct {
	WalletID WalletID
	Stored   Amount
	Computed Amount
}

func (e *BalanceDriftError) Error() string {
	return fmt.Sprintf("balance drift on wallet %d: stored %s, computed %s",
		e.WalletID, e.Stored, e.Computed)
}

func (e *BalanceDriftError) Unwrap() error {
	return ErrBalanceDrift
}

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the atomic unit might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreBusy)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
