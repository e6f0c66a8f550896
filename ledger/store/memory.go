// Package store provides in-process ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ModerRAS/WalletBot/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	nextWalletID ledger.WalletID
	wallets      map[ledger.WalletID]ledger.Wallet
	byName       map[walletKey]ledger.WalletID
	transactions map[ledger.WalletID][]ledger.Transaction
	txIndex      map[ledger.TransactionID]ledger.Transaction
	processed    map[ledger.MessageKey]processedRow
	processedSeq int64
}

type walletKey struct {
	Chat ledger.ChatID
	Name string
}

type processedRow struct {
	seq int64
	pm  ledger.ProcessedMessage
}

func NewMemory() *Memory {
	return &Memory{
		wallets:      make(map[ledger.WalletID]ledger.Wallet),
		byName:       make(map[walletKey]ledger.WalletID),
		transactions: make(map[ledger.WalletID][]ledger.Transaction),
		txIndex:      make(map[ledger.TransactionID]ledger.Transaction),
		processed:    make(map[ledger.MessageKey]processedRow),
	}
}

func (m *Memory) GetWallet(_ context.Context, chat ledger.ChatID, name string) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(chat, name)
}

func (m *Memory) GetWalletByID(_ context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletByIDLocked(id)
}

func (m *Memory) CreateWallet(_ context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createWalletLocked(w)
}

func (m *Memory) ListWallets(_ context.Context, chat ledger.ChatID) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWalletsLocked(chat), nil
}

func (m *Memory) UpdateBalance(_ context.Context, id ledger.WalletID, balance ledger.Amount, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBalanceLocked(id, balance, at)
}

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) Transactions(_ context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsLocked(walletID), nil
}

func (m *Memory) GetProcessed(_ context.Context, key ledger.MessageKey) (ledger.ProcessedMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.processed[key]
	return row.pm, ok, nil
}

func (m *Memory) InsertProcessed(_ context.Context, pm ledger.ProcessedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertProcessedLocked(pm)
}

func (m *Memory) DeleteProcessed(_ context.Context, key ledger.MessageKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, key)
	return nil
}

func (m *Memory) SetReflect(_ context.Context, key ledger.MessageKey, status ledger.ReflectStatus, reflectMsg ledger.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setReflectLocked(key, status, reflectMsg)
}

func (m *Memory) PendingReflects(_ context.Context, before time.Time, limit int) ([]ledger.ProcessedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingReflectsLocked(before, limit), nil
}

// -----------------------------------------------------------------------------
// Locked helpers, shared with the transactional view
// -----------------------------------------------------------------------------

func (m *Memory) getWalletLocked(chat ledger.ChatID, name string) (ledger.Wallet, error) {
	id, ok := m.byName[walletKey{Chat: chat, Name: name}]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return m.wallets[id], nil
}

func (m *Memory) getWalletByIDLocked(id ledger.WalletID) (ledger.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, nil
}

func (m *Memory) createWalletLocked(w ledger.Wallet) (ledger.Wallet, error) {
	k := walletKey{Chat: w.Chat, Name: w.Name}
	if _, exists := m.byName[k]; exists {
		return ledger.Wallet{}, ledger.ErrDuplicateWallet
	}
	m.nextWalletID++
	w.ID = m.nextWalletID
	m.wallets[w.ID] = w
	m.byName[k] = w.ID
	return w, nil
}

func (m *Memory) listWalletsLocked(chat ledger.ChatID) []ledger.Wallet {
	var result []ledger.Wallet
	for _, w := range m.wallets {
		if w.Chat == chat {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (m *Memory) updateBalanceLocked(id ledger.WalletID, balance ledger.Amount, at time.Time) error {
	w, ok := m.wallets[id]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	w.Balance = balance
	w.UpdatedAt = at
	m.wallets[id] = w
	return nil
}

// appendLocked keeps insertion order; CreatedAt may tie within one commit.
func (m *Memory) appendLocked(tx ledger.Transaction) error {
	if _, ok := m.wallets[tx.WalletID]; !ok {
		return ledger.ErrWalletNotFound
	}
	m.transactions[tx.WalletID] = append(m.transactions[tx.WalletID], tx)
	m.txIndex[tx.ID] = tx
	return nil
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (ledger.Transaction, error) {
	tx, ok := m.txIndex[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *Memory) transactionsLocked(walletID ledger.WalletID) []ledger.Transaction {
	result := make([]ledger.Transaction, len(m.transactions[walletID]))
	copy(result, m.transactions[walletID])
	return result
}

func (m *Memory) insertProcessedLocked(pm ledger.ProcessedMessage) error {
	if _, exists := m.processed[pm.Key]; exists {
		return ledger.ErrDuplicateMessage
	}
	m.processedSeq++
	m.processed[pm.Key] = processedRow{seq: m.processedSeq, pm: pm}
	return nil
}

func (m *Memory) setReflectLocked(key ledger.MessageKey, status ledger.ReflectStatus, reflectMsg ledger.MessageID) error {
	row, ok := m.processed[key]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	row.pm.ReflectStatus = status
	if reflectMsg != 0 {
		row.pm.ReflectMessage = reflectMsg
	}
	m.processed[key] = row
	return nil
}

func (m *Memory) pendingReflectsLocked(before time.Time, limit int) []ledger.ProcessedMessage {
	var rows []processedRow
	for _, row := range m.processed {
		if row.pm.ReflectStatus == ledger.ReflectPending && row.pm.ProcessedAt.Before(before) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	result := make([]ledger.ProcessedMessage, len(rows))
	for i, row := range rows {
		result[i] = row.pm
	}
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextWalletID ledger.WalletID
	wallets      map[ledger.WalletID]ledger.Wallet
	byName       map[walletKey]ledger.WalletID
	transactions map[ledger.WalletID][]ledger.Transaction
	txIndex      map[ledger.TransactionID]ledger.Transaction
	processed    map[ledger.MessageKey]processedRow
	processedSeq int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		nextWalletID: tm.nextWalletID,
		wallets:      make(map[ledger.WalletID]ledger.Wallet, len(tm.wallets)),
		byName:       make(map[walletKey]ledger.WalletID, len(tm.byName)),
		transactions: make(map[ledger.WalletID][]ledger.Transaction, len(tm.transactions)),
		txIndex:      make(map[ledger.TransactionID]ledger.Transaction, len(tm.txIndex)),
		processed:    make(map[ledger.MessageKey]processedRow, len(tm.processed)),
		processedSeq: tm.processedSeq,
	}
	for k, v := range tm.wallets {
		s.wallets[k] = v
	}
	for k, v := range tm.byName {
		s.byName[k] = v
	}
	for k, v := range tm.transactions {
		s.transactions[k] = append([]ledger.Transaction{}, v...)
	}
	for k, v := range tm.txIndex {
		s.txIndex[k] = v
	}
	for k, v := range tm.processed {
		s.processed[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.nextWalletID = s.nextWalletID
	tm.wallets = s.wallets
	tm.byName = s.byName
	tm.transactions = s.transactions
	tm.txIndex = s.txIndex
	tm.processed = s.processed
	tm.processedSeq = s.processedSeq
}

// txMemoryView is the Store handed to WithTx callbacks. The parent lock is
// already held, so it calls the locked helpers directly.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetWallet(_ context.Context, chat ledger.ChatID, name string) (ledger.Wallet, error) {
	return tv.parent.getWalletLocked(chat, name)
}

func (tv *txMemoryView) GetWalletByID(_ context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	return tv.parent.getWalletByIDLocked(id)
}

func (tv *txMemoryView) CreateWallet(_ context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	return tv.parent.createWalletLocked(w)
}

func (tv *txMemoryView) ListWallets(_ context.Context, chat ledger.ChatID) ([]ledger.Wallet, error) {
	return tv.parent.listWalletsLocked(chat), nil
}

func (tv *txMemoryView) UpdateBalance(_ context.Context, id ledger.WalletID, balance ledger.Amount, at time.Time) error {
	return tv.parent.updateBalanceLocked(id, balance, at)
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return tv.parent.getTransactionLocked(id)
}

func (tv *txMemoryView) Transactions(_ context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return tv.parent.transactionsLocked(walletID), nil
}

func (tv *txMemoryView) GetProcessed(_ context.Context, key ledger.MessageKey) (ledger.ProcessedMessage, bool, error) {
	row, ok := tv.parent.processed[key]
	return row.pm, ok, nil
}

func (tv *txMemoryView) InsertProcessed(_ context.Context, pm ledger.ProcessedMessage) error {
	return tv.parent.insertProcessedLocked(pm)
}

func (tv *txMemoryView) DeleteProcessed(_ context.Context, key ledger.MessageKey) error {
	delete(tv.parent.processed, key)
	return nil
}

func (tv *txMemoryView) SetReflect(_ context.Context, key ledger.MessageKey, status ledger.ReflectStatus, reflectMsg ledger.MessageID) error {
	return tv.parent.setReflectLocked(key, status, reflectMsg)
}

func (tv *txMemoryView) PendingReflects(_ context.Context, before time.Time, limit int) ([]ledger.ProcessedMessage, error) {
	return tv.parent.pendingReflectsLocked(before, limit), nil
}
