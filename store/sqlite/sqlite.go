/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Durable storage for wallets, the append-only transaction log and the
  processed-message log. All ledger rules live in package ledger; this
  package only maps rows.

KEY TABLES:
  wallets:            One running balance per (chat_id, name)
  transactions:       Immutable ledger, insertion order kept in seq
  processed_messages: Idempotency log, UNIQUE(chat_id, message_id)

CONCURRENCY:
  Writers are serialized twice: WithTx holds the store mutex, and every
  transaction starts with BEGIN IMMEDIATE (_txlock=immediate), so a second
  process on the same file waits on the SQLite write lock instead of reading
  a balance that is about to change. SQLITE_BUSY and SQLITE_LOCKED surface
  as ledger.ErrStoreBusy, which the ledger retries.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Versioned migrations are embedded from migrations/ and applied with
  golang-migrate on New().

USAGE:
  store, err := sqlite.New("./wallet_bot.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewLedger(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/ModerRAS/WalletBot/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dsnOptions = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database. A "sqlite:" or "sqlite://"
// prefix is accepted and stripped.
func New(dbPath string) (*Store, error) {
	dbPath = strings.TrimPrefix(strings.TrimPrefix(dbPath, "sqlite://"), "sqlite:")
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite3", dbPath+sep+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and makes the
	// process-local writer order explicit.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	// m.Close would close s.db through the driver, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// STORE (ledger.Store interface)
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, chat ledger.ChatID, name string) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWallet(ctx, s.db, chat, name)
}

func (s *Store) GetWalletByID(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWalletByID(ctx, s.db, id)
}

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createWallet(ctx, s.db, w)
}

func (s *Store) ListWallets(ctx context.Context, chat ledger.ChatID) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listWallets(ctx, s.db, chat)
}

func (s *Store) UpdateBalance(ctx context.Context, id ledger.WalletID, balance ledger.Amount, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateBalance(ctx, s.db, id, balance, at)
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func (s *Store) Transactions(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactions(ctx, s.db, walletID)
}

func (s *Store) GetProcessed(ctx context.Context, key ledger.MessageKey) (ledger.ProcessedMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProcessed(ctx, s.db, key)
}

func (s *Store) InsertProcessed(ctx context.Context, pm ledger.ProcessedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertProcessed(ctx, s.db, pm)
}

func (s *Store) DeleteProcessed(ctx context.Context, key ledger.MessageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteProcessed(ctx, s.db, key)
}

func (s *Store) SetReflect(ctx context.Context, key ledger.MessageKey, status ledger.ReflectStatus, reflectMsg ledger.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setReflect(ctx, s.db, key, status, reflectMsg)
}

func (s *Store) PendingReflects(ctx context.Context, before time.Time, limit int) ([]ledger.ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingReflects(ctx, s.db, before, limit)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err, nil)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err, nil)
	}
	return nil
}

// txStore runs every call on the open transaction. The parent mutex is held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetWallet(ctx context.Context, chat ledger.ChatID, name string) (ledger.Wallet, error) {
	return getWallet(ctx, ts.tx, chat, name)
}

func (ts *txStore) GetWalletByID(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	return getWalletByID(ctx, ts.tx, id)
}

func (ts *txStore) CreateWallet(ctx context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	return createWallet(ctx, ts.tx, w)
}

func (ts *txStore) ListWallets(ctx context.Context, chat ledger.ChatID) ([]ledger.Wallet, error) {
	return listWallets(ctx, ts.tx, chat)
}

func (ts *txStore) UpdateBalance(ctx context.Context, id ledger.WalletID, balance ledger.Amount, at time.Time) error {
	return updateBalance(ctx, ts.tx, id, balance, at)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) Transactions(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return transactions(ctx, ts.tx, walletID)
}

func (ts *txStore) GetProcessed(ctx context.Context, key ledger.MessageKey) (ledger.ProcessedMessage, bool, error) {
	return getProcessed(ctx, ts.tx, key)
}

func (ts *txStore) InsertProcessed(ctx context.Context, pm ledger.ProcessedMessage) error {
	return insertProcessed(ctx, ts.tx, pm)
}

func (ts *txStore) DeleteProcessed(ctx context.Context, key ledger.MessageKey) error {
	return deleteProcessed(ctx, ts.tx, key)
}

func (ts *txStore) SetReflect(ctx context.Context, key ledger.MessageKey, status ledger.ReflectStatus, reflectMsg ledger.MessageID) error {
	return setReflect(ctx, ts.tx, key, status, reflectMsg)
}

func (ts *txStore) PendingReflects(ctx context.Context, before time.Time, limit int) ([]ledger.ProcessedMessage, error) {
	return pendingReflects(ctx, ts.tx, before, limit)
}

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, chat_id, name, balance, created_at, updated_at`

func getWallet(ctx context.Context, q querier, chat ledger.ChatID, name string) (ledger.Wallet, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE chat_id = ? AND name = ?`, chat, name)
	return scanWallet(row)
}

func getWalletByID(ctx context.Context, q querier, id ledger.WalletID) (ledger.Wallet, error) {
	row := q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	return scanWallet(row)
}

func createWallet(ctx context.Context, q querier, w ledger.Wallet) (ledger.Wallet, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO wallets (chat_id, name, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.Chat, w.Name, w.Balance.Value.String(), formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return ledger.Wallet{}, mapError("create wallet", err, ledger.ErrDuplicateWallet)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Wallet{}, mapError("create wallet", err, nil)
	}
	w.ID = ledger.WalletID(id)
	if w.Balance.Unit == "" {
		w.Balance.Unit = ledger.UnitYuan
	}
	return w, nil
}

func listWallets(ctx context.Context, q querier, chat ledger.ChatID) ([]ledger.Wallet, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE chat_id = ? ORDER BY name ASC`, chat)
	if err != nil {
		return nil, mapError("list wallets", err, nil)
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func updateBalance(ctx context.Context, q querier, id ledger.WalletID, balance ledger.Amount, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, updated_at = ? WHERE id = ?`,
		balance.Value.String(), formatTime(at), id)
	if err != nil {
		return mapError("update balance", err, nil)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrWalletNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (ledger.Wallet, error) {
	var (
		w         ledger.Wallet
		balance   string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&w.ID, &w.Chat, &w.Name, &balance, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, mapError("scan wallet", err, nil)
	}
	if w.Balance, err = parseAmount("wallet balance", balance); err != nil {
		return ledger.Wallet{}, err
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, wallet_id, chat_id, tx_type, kind, label, amount, delta,
	period_month, period_year, source_message_id, reverses_id, created_at`

func appendTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, wallet_id, chat_id, tx_type, kind, label, amount, delta,
		 period_month, period_year, source_message_id, reverses_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.WalletID,
		tx.Chat,
		tx.Type,
		tx.Kind.String(),
		tx.Label,
		tx.Amount.Value.String(),
		tx.Delta.Value.String(),
		tx.Period.Month,
		tx.Period.Year,
		tx.SourceMessageID,
		nullString(string(tx.ReversesID)),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return mapError("append transaction", err, nil)
	}
	return nil
}

func getTransaction(ctx context.Context, q querier, id ledger.TransactionID) (ledger.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return tx, err
}

func transactions(ctx context.Context, q querier, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE wallet_id = ? ORDER BY seq ASC`, walletID)
	if err != nil {
		return nil, mapError("load transactions", err, nil)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx         ledger.Transaction
		txType     string
		kind       string
		amount     string
		delta      string
		reversesID sql.NullString
		createdAt  string
	)
	err := row.Scan(
		&tx.ID, &tx.WalletID, &tx.Chat, &txType, &kind, &tx.Label, &amount, &delta,
		&tx.Period.Month, &tx.Period.Year, &tx.SourceMessageID, &reversesID, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return tx, err
	}
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Type = ledger.EntryType(txType)
	tx.Kind = ledger.KindFromString(kind)
	if tx.Amount, err = parseAmount("transaction amount", amount); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Delta, err = parseAmount("transaction delta", delta); err != nil {
		return ledger.Transaction{}, err
	}
	tx.ReversesID = ledger.TransactionID(reversesID.String)
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// PROCESSED MESSAGES
// =============================================================================

const processedColumns = `chat_id, message_id, wallet_id, transaction_id, already_had_total,
	directive, source_text, balance_after, reflect_status, reflect_message_id, processed_at`

func getProcessed(ctx context.Context, q querier, key ledger.MessageKey) (ledger.ProcessedMessage, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+processedColumns+` FROM processed_messages WHERE chat_id = ? AND message_id = ?`,
		key.Chat, key.Message)
	pm, err := scanProcessed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ProcessedMessage{}, false, nil
	}
	if err != nil {
		return ledger.ProcessedMessage{}, false, err
	}
	return pm, true, nil
}

func insertProcessed(ctx context.Context, q querier, pm ledger.ProcessedMessage) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO processed_messages
		(chat_id, message_id, wallet_id, transaction_id, already_had_total, directive,
		 source_text, balance_after, reflect_status, reflect_message_id, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		pm.Key.Chat,
		pm.Key.Message,
		nullInt(int64(pm.WalletID)),
		nullString(string(pm.TransactionID)),
		pm.AlreadyHadTotal,
		pm.Directive,
		pm.SourceText,
		pm.BalanceAfter.Value.String(),
		pm.ReflectStatus,
		nullInt(int64(pm.ReflectMessage)),
		formatTime(pm.ProcessedAt),
	)
	if err != nil {
		return mapError("insert processed", err, ledger.ErrDuplicateMessage)
	}
	return nil
}

func deleteProcessed(ctx context.Context, q querier, key ledger.MessageKey) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE chat_id = ? AND message_id = ?`, key.Chat, key.Message)
	if err != nil {
		return mapError("delete processed", err, nil)
	}
	return nil
}

func setReflect(ctx context.Context, q querier, key ledger.MessageKey, status ledger.ReflectStatus, reflectMsg ledger.MessageID) error {
	res, err := q.ExecContext(ctx, `
		UPDATE processed_messages
		SET reflect_status = ?, reflect_message_id = COALESCE(?, reflect_message_id)
		WHERE chat_id = ? AND message_id = ?
	`, status, nullInt(int64(reflectMsg)), key.Chat, key.Message)
	if err != nil {
		return mapError("set reflect", err, nil)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func pendingReflects(ctx context.Context, q querier, before time.Time, limit int) ([]ledger.ProcessedMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+processedColumns+` FROM processed_messages
		WHERE reflect_status = ? AND processed_at < ?
		ORDER BY seq ASC
		LIMIT ?
	`, ledger.ReflectPending, formatTime(before), limit)
	if err != nil {
		return nil, mapError("pending reflects", err, nil)
	}
	defer rows.Close()

	var result []ledger.ProcessedMessage
	for rows.Next() {
		pm, err := scanProcessed(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pm)
	}
	return result, rows.Err()
}

func scanProcessed(row scanner) (ledger.ProcessedMessage, error) {
	var (
		pm           ledger.ProcessedMessage
		walletID     sql.NullInt64
		txID         sql.NullString
		balanceAfter string
		status       string
		reflectMsg   sql.NullInt64
		processedAt  string
	)
	err := row.Scan(
		&pm.Key.Chat, &pm.Key.Message, &walletID, &txID, &pm.AlreadyHadTotal,
		&pm.Directive, &pm.SourceText, &balanceAfter, &status, &reflectMsg, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return pm, err
	}
	if err != nil {
		return pm, fmt.Errorf("failed to scan processed message: %w", err)
	}
	pm.WalletID = ledger.WalletID(walletID.Int64)
	pm.TransactionID = ledger.TransactionID(txID.String)
	if pm.BalanceAfter, err = parseAmount("balance after", balanceAfter); err != nil {
		return ledger.ProcessedMessage{}, err
	}
	pm.ReflectStatus = ledger.ReflectStatus(status)
	pm.ReflectMessage = ledger.MessageID(reflectMsg.Int64)
	pm.ProcessedAt = parseTime(processedAt)
	return pm, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError turns driver errors into ledger sentinels. onUnique is returned
// for unique-constraint violations when non-nil.
func mapError(op string, err error, onUnique error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return &ledger.StoreError{Op: op, Err: fmt.Errorf("%w: %v", ledger.ErrStoreBusy, err)}
		case onUnique != nil && (se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey):
			return onUnique
		}
	}
	return &ledger.StoreError{Op: op, Err: err}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// parseAmount decodes a stored decimal. A bad value fails the read rather
// than turning into zero and being written back as a balance.
func parseAmount(field, value string) (ledger.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return ledger.Amount{}, &ledger.StoreError{Op: "decode " + field, Err: fmt.Errorf("%w: %q", ledger.ErrCorruptRecord, value)}
	}
	return ledger.NewAmount(d), nil
}

// timeLayout is fixed width so that timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
