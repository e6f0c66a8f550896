package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModerRAS/WalletBot/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func posting(wallet string, kind ledger.Kind, amount string) ledger.Posting {
	return ledger.Posting{
		WalletName: wallet,
		Kind:       kind,
		Label:      "出账",
		Amount:     ledger.NewAmount(decimal.RequireFromString(amount)),
		Period:     ledger.Period{Month: 12, Year: 2024},
		SourceText: "#" + wallet + " #12月 #2024年\n#出账 " + amount + "元",
	}
}

// =============================================================================
// ROW MAPPING
// =============================================================================

func TestStore_WalletRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC)

	w, err := s.CreateWallet(ctx, ledger.Wallet{Chat: -1001, Name: "支付宝", Balance: ledger.ZeroAmount(), CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.NotZero(t, w.ID)

	_, err = s.CreateWallet(ctx, ledger.Wallet{Chat: -1001, Name: "支付宝", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, ledger.ErrDuplicateWallet)

	require.NoError(t, s.UpdateBalance(ctx, w.ID, ledger.NewAmount(decimal.RequireFromString("-150.10")), now))

	got, err := s.GetWallet(ctx, -1001, "支付宝")
	require.NoError(t, err)
	assert.Equal(t, "-150.10元", got.Balance.String())
	assert.True(t, got.CreatedAt.Equal(now))

	_, err = s.GetWallet(ctx, -1002, "支付宝")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestStore_CorruptBalanceFailsRead(t *testing.T) {
	// GIVEN: A wallet whose stored balance is not a number
	// WHEN: It is read, or a new message posts to it
	// THEN: The read fails and the bad value is not replaced by a fresh sum

	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.NewLedger(s)

	_, err := l.Commit(ctx, ledger.MessageKey{Chat: -1, Message: 1}, posting("现金", ledger.KindOutflow, "10"))
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE wallets SET balance = 'garbage' WHERE chat_id = -1`)
	require.NoError(t, err)

	_, err = s.GetWallet(ctx, -1, "现金")
	assert.ErrorIs(t, err, ledger.ErrCorruptRecord)

	_, err = l.Commit(ctx, ledger.MessageKey{Chat: -1, Message: 2}, posting("现金", ledger.KindOutflow, "5"))
	assert.ErrorIs(t, err, ledger.ErrCorruptRecord)

	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE chat_id = -1`).Scan(&raw))
	assert.Equal(t, "garbage", raw)

	_, found, err := s.GetProcessed(ctx, ledger.MessageKey{Chat: -1, Message: 2})
	require.NoError(t, err)
	assert.False(t, found, "failed commit must not leave a processed row")
}

func TestStore_ProcessedUniquePerChat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pm := ledger.ProcessedMessage{
		Key:           ledger.MessageKey{Chat: 1, Message: 42},
		SourceText:    "text",
		ReflectStatus: ledger.ReflectPending,
		BalanceAfter:  ledger.ZeroAmount(),
		ProcessedAt:   time.Now(),
	}
	require.NoError(t, s.InsertProcessed(ctx, pm))
	assert.ErrorIs(t, s.InsertProcessed(ctx, pm), ledger.ErrDuplicateMessage)

	other := pm
	other.Key.Chat = 2
	require.NoError(t, s.InsertProcessed(ctx, other))

	got, found, err := s.GetProcessed(ctx, pm.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "text", got.SourceText)
	assert.Zero(t, got.WalletID)

	require.NoError(t, s.SetReflect(ctx, pm.Key, ledger.ReflectConfirmed, 99))
	require.NoError(t, s.SetReflect(ctx, pm.Key, ledger.ReflectConfirmed, 0))
	got, _, err = s.GetProcessed(ctx, pm.Key)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReflectConfirmed, got.ReflectStatus)
	assert.Equal(t, ledger.MessageID(99), got.ReflectMessage, "zero must not clear a stored reply id")

	pending, err := s.PendingReflects(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, other.Key, pending[0].Key)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.CreateWallet(ctx, ledger.Wallet{Chat: 1, Name: "现金", CreatedAt: time.Now(), UpdatedAt: time.Now()})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetWallet(ctx, 1, "现金")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

// =============================================================================
// LEDGER ON SQLITE
// =============================================================================

func TestLedgerOnSQLite_Scenario(t *testing.T) {
	// GIVEN: Wallet 支付宝 does not exist yet
	// WHEN: "#支付宝 #12月 #2024年 / #出账 150.00元" arrives twice
	// THEN: One transaction, balance -150.00

	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.NewLedger(s)
	key := ledger.MessageKey{Chat: -100, Message: 7}

	res, err := l.Commit(ctx, key, posting("支付宝", ledger.KindOutflow, "150.00"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeCommitted, res.Outcome)
	assert.Equal(t, "-150.00元", res.Wallet.Balance.String())

	res, err = l.Commit(ctx, key, posting("支付宝", ledger.KindOutflow, "150.00"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyProcessed, res.Outcome)

	report, err := l.Audit(ctx, -100, "支付宝")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transactions)
	assert.Equal(t, "-150.00元", report.Wallet.Balance.String())
}

func TestLedgerOnSQLite_ReprocessKeepsHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.NewLedger(s)
	target := ledger.MessageKey{Chat: -100, Message: 7}
	directive := ledger.MessageKey{Chat: -100, Message: 8}

	_, err := l.Commit(ctx, target, posting("支付宝", ledger.KindOutflow, "150"))
	require.NoError(t, err)
	require.NoError(t, l.MarkReflected(ctx, target, ledger.ReflectConfirmed, 55))

	res, err := l.Reprocess(ctx, directive, target, posting("支付宝", ledger.KindOutflow, "15"))
	require.NoError(t, err)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, ledger.MessageID(55), res.Superseded.ReflectMessage)

	_, txs, err := l.History(ctx, -100, "支付宝")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.EntryPosting, txs[0].Type)
	assert.Equal(t, ledger.EntryReversal, txs[1].Type)
	assert.Equal(t, txs[0].ID, txs[1].ReversesID)
	assert.Equal(t, "-15.00元", ledger.Replay(txs).String())

	pm, found, err := l.Processed(ctx, directive)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, pm.Directive)
}

func TestLedgerOnSQLite_ConcurrentCommitsAreAdditive(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := ledger.NewLedger(s)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(msg int) {
			defer wg.Done()
			key := ledger.MessageKey{Chat: 1, Message: ledger.MessageID(msg)}
			_, err := l.Commit(ctx, key, posting("现金", ledger.KindInflow, fmt.Sprintf("%d.01", msg)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Σ(i + 0.01) for i in 1..20 = 210 + 0.20
	w, err := l.Wallet(ctx, 1, "现金")
	require.NoError(t, err)
	assert.Equal(t, "210.20元", w.Balance.String())
}

func TestNew_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wallet.db")

	s, err := New("sqlite:" + path)
	require.NoError(t, err)
	_, err = ledger.NewLedger(s).Commit(ctx, ledger.MessageKey{Chat: 1, Message: 1}, posting("现金", ledger.KindInflow, "5"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	w, err := s.GetWallet(ctx, 1, "现金")
	require.NoError(t, err)
	assert.Equal(t, "5.00元", w.Balance.String())
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestMapError(t *testing.T) {
	busy := mapError("commit", sqlite3.Error{Code: sqlite3.ErrBusy}, nil)
	assert.ErrorIs(t, busy, ledger.ErrStoreBusy)
	assert.True(t, ledger.IsRetryable(busy))

	locked := mapError("commit", sqlite3.Error{Code: sqlite3.ErrLocked}, nil)
	assert.ErrorIs(t, locked, ledger.ErrStoreBusy)

	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	assert.Equal(t, ledger.ErrDuplicateMessage, mapError("insert", unique, ledger.ErrDuplicateMessage))

	other := mapError("insert", errors.New("disk I/O error"), ledger.ErrDuplicateMessage)
	var se *ledger.StoreError
	require.True(t, errors.As(other, &se))
	assert.Equal(t, "insert", se.Op)
	assert.False(t, ledger.IsRetryable(other))
}
