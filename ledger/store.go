/*
store.go - Persistence interface for wallets, transactions and the processed-message log

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations only persist; every rule (signs, idempotency, reversal)
  lives in ledger.go so that all stores behave identically.

KEY INTERFACES:
  Store:   Row-level reads and writes
  TxStore: Store plus WithTx, the atomic unit used by the guard

APPEND-ONLY TRANSACTIONS:
  Transactions are only ever appended. Corrections are reversal rows.
  The wallet balance is a cached sum that is rewritten in the same atomic
  unit as the transaction that changes it.

PROCESSED-MESSAGE LOG:
  InsertProcessed must fail with ErrDuplicateMessage when the key exists.
  DeleteProcessed exists only for the reprocess directive, which replaces
  the row inside the same atomic unit.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: The only writer
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetWallet returns ErrWalletNotFound if (chat, name) has no wallet.
	GetWallet(ctx context.Context, chat ChatID, name string) (Wallet, error)
	GetWalletByID(ctx context.Context, id WalletID) (Wallet, error)

	// CreateWallet assigns the ID. Returns ErrDuplicateWallet if (chat, name) exists.
	CreateWallet(ctx context.Context, w Wallet) (Wallet, error)

	// ListWallets returns the wallets of one chat ordered by name.
	ListWallets(ctx context.Context, chat ChatID) ([]Wallet, error)

	UpdateBalance(ctx context.Context, id WalletID, balance Amount, at time.Time) error

	AppendTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// Transactions returns a wallet's transactions in insertion order.
	Transactions(ctx context.Context, walletID WalletID) ([]Transaction, error)

	GetProcessed(ctx context.Context, key MessageKey) (ProcessedMessage, bool, error)

	// InsertProcessed returns ErrDuplicateMessage if the key exists.
	InsertProcessed(ctx context.Context, pm ProcessedMessage) error
	DeleteProcessed(ctx context.Context, key MessageKey) error

	SetReflect(ctx context.Context, key MessageKey, status ReflectStatus, reflectMsg MessageID) error

	// PendingReflects returns rows still waiting for their reflect that were
	// processed before the given time, oldest first. limit <= 0 means no limit.
	PendingReflects(ctx context.Context, before time.Time, limit int) ([]ProcessedMessage, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	// Two WithTx calls never interleave their reads and writes.
	WithTx(ctx context.Context, fn func(Store) error) error
}
