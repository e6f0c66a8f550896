/*
ledger.go - Idempotency guard, reprocess directive and audit

PURPOSE:
  The Ledger is the only writer of wallet state. Each inbound message is
  applied inside one atomic unit that checks the processed-message log and,
  if the message is new, posts its transaction, moves the balance and
  records the message as processed. Either all of it happens or none.

CRITICAL INVARIANTS:
  1. ONCE: A (chat, message) key changes a balance at most once,
     no matter how often it is delivered.
  2. DERIVED: Wallet.Balance equals the signed sum of its transactions.
  3. APPEND-ONLY: Transactions are never edited. Reprocess appends a reversal.
  4. SERIAL: Two commits on the same wallet never read the same balance.

CORRECTIONS:
  Reprocess is the only way to apply a message twice:
  1. Append a reversal with the negated delta of the old posting
  2. Replace the old processed-message row
  3. Run the normal commit path on the new text
  All three happen in one atomic unit.

SEE ALSO:
  - balance.go: The arithmetic
  - store.go: Persistence interface
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// RESULTS
// =============================================================================

type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeAnnotated        Outcome = "annotated" // message already carried a total
)

type CommitResult struct {
	Outcome     Outcome
	Wallet      Wallet      // zero when an annotated message names an unknown wallet
	Transaction Transaction // zero unless Outcome is Committed
	Processed   ProcessedMessage
}

type ReprocessResult struct {
	// AlreadyProcessed is true when the directive itself was seen before.
	AlreadyProcessed bool

	Superseded *ProcessedMessage // previous row of the target, if any
	Reversal   *Transaction      // compensation for the superseded posting, if any
	Commit     CommitResult
}

// AuditReport compares a stored balance with the replayed history.
type AuditReport struct {
	Wallet       Wallet
	Computed     Amount
	Transactions int
}

func (r AuditReport) Balanced() bool { return r.Wallet.Balance.Equal(r.Computed) }

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store       TxStore
	now         func() time.Time
	newID       func() TransactionID
	busyRetries int
	busyBackoff time.Duration
}

type Option func(*Ledger)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithBusyRetry sets how often an atomic unit is retried when the store
// reports ErrStoreBusy, and the base pause between tries.
func WithBusyRetry(retries int, backoff time.Duration) Option {
	return func(l *Ledger) {
		l.busyRetries = retries
		l.busyBackoff = backoff
	}
}

func NewLedger(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		now:         time.Now,
		newID:       func() TransactionID { return TransactionID(uuid.NewString()) },
		busyRetries: 3,
		busyBackoff: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Commit applies one parsed message. It is the idempotency guard: the
// processed-message check and every mutation run in a single atomic unit.
func (l *Ledger) Commit(ctx context.Context, key MessageKey, p Posting) (CommitResult, error) {
	if err := validatePosting(p); err != nil {
		return CommitResult{}, err
	}

	var res CommitResult
	err := l.atomically(ctx, "commit", func(s Store) error {
		var err error
		res, err = l.commitIn(ctx, s, key, p)
		return err
	})
	if errors.Is(err, ErrDuplicateMessage) {
		// Lost an insert race against a store that does not serialize readers.
		return l.alreadyProcessed(ctx, key)
	}
	if err != nil {
		return CommitResult{}, err
	}
	return res, nil
}

// Reprocess undoes the target's previous posting and applies p in its place.
// directive is the key of the message that asked for it; a redelivered
// directive is a no-op.
func (l *Ledger) Reprocess(ctx context.Context, directive, target MessageKey, p Posting) (ReprocessResult, error) {
	if directive.Chat != target.Chat {
		return ReprocessResult{}, fmt.Errorf("reprocess across chats %d and %d: %w", directive.Chat, target.Chat, ErrTransactionFailed)
	}
	if err := validatePosting(p); err != nil {
		return ReprocessResult{}, err
	}

	var res ReprocessResult
	err := l.atomically(ctx, "reprocess", func(s Store) error {
		res = ReprocessResult{}

		if _, seen, err := s.GetProcessed(ctx, directive); err != nil {
			return err
		} else if seen {
			res.AlreadyProcessed = true
			return nil
		}

		prev, found, err := s.GetProcessed(ctx, target)
		if err != nil {
			return err
		}
		if found {
			if prev.Directive {
				return fmt.Errorf("message %s is a directive: %w", target, ErrTransactionFailed)
			}
			if prev.TransactionID != "" {
				rev, err := l.reverseIn(ctx, s, prev.TransactionID, directive.Message)
				if err != nil {
					return err
				}
				res.Reversal = &rev
			}
			if err := s.DeleteProcessed(ctx, target); err != nil {
				return err
			}
			res.Superseded = &prev
		}

		commit, err := l.commitIn(ctx, s, target, p)
		if err != nil {
			return err
		}
		res.Commit = commit

		return s.InsertProcessed(ctx, ProcessedMessage{
			Key:           directive,
			WalletID:      commit.Wallet.ID,
			Directive:     true,
			SourceText:    "/reprocess",
			BalanceAfter:  commit.Wallet.Balance,
			ReflectStatus: ReflectSkipped,
			ProcessedAt:   l.now(),
		})
	})
	if errors.Is(err, ErrDuplicateMessage) {
		return ReprocessResult{AlreadyProcessed: true}, nil
	}
	if err != nil {
		return ReprocessResult{}, err
	}
	return res, nil
}

// MarkReflected records the outcome of the external reflect for key.
func (l *Ledger) MarkReflected(ctx context.Context, key MessageKey, status ReflectStatus, reflectMsg MessageID) error {
	return l.atomically(ctx, "mark reflected", func(s Store) error {
		return s.SetReflect(ctx, key, status, reflectMsg)
	})
}

// PendingReflects lists committed messages whose total was never shown,
// e.g. after a crash between commit and reflect or transient exhaustion.
func (l *Ledger) PendingReflects(ctx context.Context, before time.Time, limit int) ([]ProcessedMessage, error) {
	return l.store.PendingReflects(ctx, before, limit)
}

func (l *Ledger) Processed(ctx context.Context, key MessageKey) (ProcessedMessage, bool, error) {
	return l.store.GetProcessed(ctx, key)
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Wallets(ctx context.Context, chat ChatID) ([]Wallet, error) {
	return l.store.ListWallets(ctx, chat)
}

func (l *Ledger) Wallet(ctx context.Context, chat ChatID, name string) (Wallet, error) {
	return l.store.GetWallet(ctx, chat, name)
}

func (l *Ledger) WalletByID(ctx context.Context, id WalletID) (Wallet, error) {
	return l.store.GetWalletByID(ctx, id)
}

// History returns the transactions of a wallet, reversals included.
func (l *Ledger) History(ctx context.Context, chat ChatID, name string) (Wallet, []Transaction, error) {
	w, err := l.store.GetWallet(ctx, chat, name)
	if err != nil {
		return Wallet{}, nil, err
	}
	txs, err := l.store.Transactions(ctx, w.ID)
	if err != nil {
		return Wallet{}, nil, err
	}
	return w, txs, nil
}

// Audit replays a wallet's transactions and compares the sum with the
// stored balance. A mismatch returns the report and a *BalanceDriftError.
func (l *Ledger) Audit(ctx context.Context, chat ChatID, name string) (AuditReport, error) {
	w, txs, err := l.History(ctx, chat, name)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{Wallet: w, Computed: Replay(txs), Transactions: len(txs)}
	if !report.Balanced() {
		return report, &BalanceDriftError{WalletID: w.ID, Stored: w.Balance, Computed: report.Computed}
	}
	return report, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func validatePosting(p Posting) error {
	if p.WalletName == "" {
		return fmt.Errorf("empty wallet name: %w", ErrTransactionFailed)
	}
	if p.AlreadyHadTotal {
		return nil
	}
	if !p.Kind.Valid() {
		return ErrUnknownKind
	}
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// commitIn runs inside an atomic unit.
func (l *Ledger) commitIn(ctx context.Context, s Store, key MessageKey, p Posting) (CommitResult, error) {
	if existing, found, err := s.GetProcessed(ctx, key); err != nil {
		return CommitResult{}, err
	} else if found {
		res := CommitResult{Outcome: OutcomeAlreadyProcessed, Processed: existing}
		if existing.WalletID != 0 {
			if w, err := s.GetWalletByID(ctx, existing.WalletID); err == nil {
				res.Wallet = w
			}
		}
		return res, nil
	}

	now := l.now()

	if p.AlreadyHadTotal {
		w, err := s.GetWallet(ctx, key.Chat, p.WalletName)
		if err != nil && !errors.Is(err, ErrWalletNotFound) {
			return CommitResult{}, err
		}
		pm := ProcessedMessage{
			Key:             key,
			WalletID:        w.ID,
			AlreadyHadTotal: true,
			SourceText:      p.SourceText,
			BalanceAfter:    w.Balance,
			ReflectStatus:   ReflectSkipped,
			ProcessedAt:     now,
		}
		if err := s.InsertProcessed(ctx, pm); err != nil {
			return CommitResult{}, err
		}
		return CommitResult{Outcome: OutcomeAnnotated, Wallet: w, Processed: pm}, nil
	}

	w, err := s.GetWallet(ctx, key.Chat, p.WalletName)
	if errors.Is(err, ErrWalletNotFound) {
		w, err = s.CreateWallet(ctx, Wallet{
			Chat:      key.Chat,
			Name:      p.WalletName,
			Balance:   ZeroAmount(),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err != nil {
		return CommitResult{}, err
	}

	delta, err := Delta(p.Kind, p.Amount)
	if err != nil {
		return CommitResult{}, err
	}
	balance := w.Balance.Add(delta)

	tx := Transaction{
		ID:              l.newID(),
		WalletID:        w.ID,
		Chat:            key.Chat,
		Type:            EntryPosting,
		Kind:            p.Kind,
		Label:           p.Label,
		Amount:          p.Amount,
		Delta:           delta,
		Period:          p.Period,
		SourceMessageID: key.Message,
		CreatedAt:       now,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return CommitResult{}, err
	}
	if err := s.UpdateBalance(ctx, w.ID, balance, now); err != nil {
		return CommitResult{}, err
	}
	w.Balance = balance
	w.UpdatedAt = now

	pm := ProcessedMessage{
		Key:           key,
		WalletID:      w.ID,
		TransactionID: tx.ID,
		SourceText:    p.SourceText,
		BalanceAfter:  balance,
		ReflectStatus: ReflectPending,
		ProcessedAt:   now,
	}
	if err := s.InsertProcessed(ctx, pm); err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Outcome: OutcomeCommitted, Wallet: w, Transaction: tx, Processed: pm}, nil
}

// reverseIn appends the compensation for original and moves the balance back.
func (l *Ledger) reverseIn(ctx context.Context, s Store, original TransactionID, by MessageID) (Transaction, error) {
	orig, err := s.GetTransaction(ctx, original)
	if err != nil {
		return Transaction{}, err
	}
	w, err := s.GetWalletByID(ctx, orig.WalletID)
	if err != nil {
		return Transaction{}, err
	}
	now := l.now()
	rev := Transaction{
		ID:              l.newID(),
		WalletID:        orig.WalletID,
		Chat:            orig.Chat,
		Type:            EntryReversal,
		Kind:            orig.Kind,
		Label:           orig.Label,
		Amount:          orig.Amount,
		Delta:           orig.Delta.Neg(),
		Period:          orig.Period,
		SourceMessageID: by,
		ReversesID:      orig.ID,
		CreatedAt:       now,
	}
	if err := s.AppendTransaction(ctx, rev); err != nil {
		return Transaction{}, err
	}
	if err := s.UpdateBalance(ctx, w.ID, w.Balance.Add(rev.Delta), now); err != nil {
		return Transaction{}, err
	}
	return rev, nil
}

func (l *Ledger) alreadyProcessed(ctx context.Context, key MessageKey) (CommitResult, error) {
	pm, found, err := l.store.GetProcessed(ctx, key)
	if err != nil {
		return CommitResult{}, err
	}
	if !found {
		return CommitResult{}, fmt.Errorf("processed row for %s vanished: %w", key, ErrTransactionFailed)
	}
	res := CommitResult{Outcome: OutcomeAlreadyProcessed, Processed: pm}
	if pm.WalletID != 0 {
		if w, err := l.store.GetWalletByID(ctx, pm.WalletID); err == nil {
			res.Wallet = w
		}
	}
	return res, nil
}

// atomically runs fn in one store transaction, retrying a bounded number of
// times while the store reports ErrStoreBusy.
func (l *Ledger) atomically(ctx context.Context, op string, fn func(Store) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = l.store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt >= l.busyRetries {
			break
		}
		select {
		case <-ctx.Done():
			return &StoreError{Op: op, Err: ctx.Err()}
		case <-time.After(l.busyBackoff * time.Duration(attempt+1)):
		}
	}
	if err != nil && IsRetryable(err) {
		return &StoreError{Op: op, Err: err}
	}
	return err
}
