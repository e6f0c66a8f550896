/*
Package ledger provides the chat-scoped wallet ledger engine.

PURPOSE:
  This package holds the domain types and algorithms behind the bot:
  wallets, their signed transactions, the processed-message log that
  makes ingestion idempotent, and the balance rule that ties them together.
  It knows nothing about chat transports or message syntax.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity with a currency unit (e.g., 150.00元)
  - Wallet: A named running balance, unique per (chat, name)
  - Transaction: An immutable ledger entry recording a balance change
  - ProcessedMessage: Idempotency log row keyed by (chat, message)
  - Posting: What the parser hands to the ledger for one message

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Chat isolation: Every key carries the chat scope
  4. Derived balance: Wallet.Balance is always the signed sum of its transactions

SEE ALSO:
  - kind.go: Closed transaction-kind vocabulary
  - balance.go: Balance calculation
  - ledger.go: Idempotency guard and reprocess
  - store.go: Persistence interface
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Decimal quantity with a currency unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	// UnitYuan is the only unit the bot understands. Multi-currency is out of scope.
	UnitYuan Unit = "元"
)

func NewAmount(value decimal.Decimal) Amount {
	return Amount{Value: value, Unit: UnitYuan}
}

func ZeroAmount() Amount { return NewAmount(decimal.Zero) }

// MustParseDecimal panics on malformed input. For literals only.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount         { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsZero() bool        { return a.Value.IsZero() }
func (a Amount) IsNegative() bool    { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool    { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }

// String renders the amount for display. Rounding happens here and only here.
func (a Amount) String() string {
	unit := a.Unit
	if unit == "" {
		unit = UnitYuan
	}
	return a.Value.StringFixed(2) + string(unit)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ChatID int64
type MessageID int64
type WalletID int64
type TransactionID string

// MessageKey identifies one inbound message. Message ids are only unique
// within a chat, so the chat is always part of the key.
type MessageKey struct {
	Chat    ChatID
	Message MessageID
}

func (k MessageKey) String() string {
	return fmt.Sprintf("%d:%d", k.Chat, k.Message)
}

// =============================================================================
// PERIOD - Month/year label extracted from the message (display only)
// =============================================================================

type Period struct {
	Month int
	Year  int
}

func (p Period) String() string {
	return fmt.Sprintf("%d月 %d年", p.Month, p.Year)
}

// =============================================================================
// WALLET
// =============================================================================

type Wallet struct {
	ID        WalletID
	Chat      ChatID
	Name      string
	Balance   Amount
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - Immutable change to a wallet balance
// =============================================================================

type EntryType string

const (
	EntryPosting  EntryType = "posting"  // Parsed from a chat message
	EntryReversal EntryType = "reversal" // Compensates a posting during reprocess
)

type Transaction struct {
	ID       TransactionID
	WalletID WalletID
	Chat     ChatID
	Type     EntryType
	Kind     Kind
	Label    string // kind tag as written, e.g. "支出"
	Amount   Amount // always non-negative
	Delta    Amount // signed effect on the balance
	Period   Period

	SourceMessageID MessageID
	ReversesID      TransactionID // set on reversals only
	CreatedAt       time.Time
}

// =============================================================================
// PROCESSED MESSAGE - Idempotency log
// =============================================================================

type ReflectStatus string

const (
	ReflectPending   ReflectStatus = "pending" // committed, total not shown yet
	ReflectConfirmed ReflectStatus = "confirmed"
	ReflectFailed    ReflectStatus = "failed"  // permanently rejected by the platform
	ReflectSkipped   ReflectStatus = "skipped" // annotated messages and directives
)

type ProcessedMessage struct {
	Key             MessageKey
	WalletID        WalletID // zero when no wallet is linked
	TransactionID   TransactionID
	AlreadyHadTotal bool
	Directive       bool
	SourceText      string
	BalanceAfter    Amount
	ReflectStatus   ReflectStatus
	ReflectMessage  MessageID // id of the reply carrying the total, if any
	ProcessedAt     time.Time
}

// =============================================================================
// POSTING - Ledger input for one message
// =============================================================================

type Posting struct {
	WalletName      string
	Kind            Kind
	Label           string
	Amount          Amount
	Period          Period
	AlreadyHadTotal bool
	SourceText      string
}
