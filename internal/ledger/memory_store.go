package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/craftvine/engine/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// unit tests. It enforces the same invariants as the Postgres store:
// non-negative balances and exactly-once provider-event admission, all
// under a single lock so each mutation is atomic.
type MemoryStore struct {
	wallets       map[string]*Wallet
	walletsByUser map[string]string // userID -> walletID
	transactions  []*Transaction
	txByID        map[string]*Transaction
	holds         map[string]*Hold
	holdByBooking map[string]string // bookingID -> holdID
	events        map[string]bool   // provider event IDs already committed
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:       make(map[string]*Wallet),
		walletsByUser: make(map[string]string),
		transactions:  make([]*Transaction, 0),
		txByID:        make(map[string]*Transaction),
		holds:         make(map[string]*Hold),
		holdByBooking: make(map[string]string),
		events:        make(map[string]bool),
	}
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.walletsByUser[w.UserID]; ok {
		return ErrWalletExists
	}
	cp := *w
	m.wallets[w.ID] = &cp
	m.walletsByUser[w.UserID] = w.ID
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(id)
}

func (m *MemoryStore) getWalletLocked(id string) (*Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.walletsByUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return m.getWalletLocked(id)
}

func (m *MemoryStore) SetCustodialAddress(ctx context.Context, walletID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	w.CustodialAddress = address
	w.UpdatedAt = time.Now()
	return nil
}

// add parses two amount strings in cur and returns their sum rendered back.
func add(cur, a, b string) (string, error) {
	c := money.Currency(cur)
	x, err := money.Parse(a, c)
	if err != nil {
		return "", err
	}
	y, err := money.Parse(b, c)
	if err != nil {
		return "", err
	}
	sum, err := x.Add(y)
	if err != nil {
		return "", err
	}
	return sum.String(), nil
}

func isNegative(cur, a string) bool {
	x, err := money.Parse(a, money.Currency(cur))
	if err != nil {
		return true
	}
	return x.IsNegative()
}

func (m *MemoryStore) Credit(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ProviderEventID != "" && m.events[tx.ProviderEventID] {
		return ErrDuplicateEvent
	}

	w, ok := m.wallets[tx.WalletID]
	if !ok {
		return ErrWalletNotFound
	}

	newBal, err := add(w.Currency, w.Balance, tx.Amount)
	if err != nil {
		return err
	}
	if isNegative(w.Currency, newBal) {
		return ErrInsufficientBalance
	}
	w.Balance = newBal
	w.UpdatedAt = tx.CreatedAt

	m.recordLocked(tx)
	return nil
}

func (m *MemoryStore) RecordFailed(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ProviderEventID != "" && m.events[tx.ProviderEventID] {
		return ErrDuplicateEvent
	}
	if _, ok := m.wallets[tx.WalletID]; !ok {
		return ErrWalletNotFound
	}

	m.recordLocked(tx)
	return nil
}

func (m *MemoryStore) RequestWithdrawal(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[tx.WalletID]
	if !ok {
		return ErrWalletNotFound
	}

	// tx.Amount is negative for withdrawals.
	newBal, err := add(w.Currency, w.Balance, tx.Amount)
	if err != nil {
		return err
	}
	if isNegative(w.Currency, newBal) {
		return ErrInsufficientBalance
	}
	w.Balance = newBal
	w.UpdatedAt = tx.CreatedAt

	m.recordLocked(tx)
	return nil
}

func (m *MemoryStore) FinalizeWithdrawal(ctx context.Context, txID, eventID string, success bool, refund *Transaction) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eventID != "" && m.events[eventID] {
		return nil, ErrDuplicateEvent
	}

	tx, ok := m.txByID[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return nil, ErrNotPending
	}

	if success {
		tx.Status = StatusCompleted
	} else {
		tx.Status = StatusFailed
		w, ok := m.wallets[refund.WalletID]
		if !ok {
			return nil, ErrWalletNotFound
		}
		newBal, err := add(w.Currency, w.Balance, refund.Amount)
		if err != nil {
			return nil, err
		}
		w.Balance = newBal
		w.UpdatedAt = refund.CreatedAt
		m.recordLocked(refund)
	}

	if eventID != "" {
		m.events[eventID] = true
	}

	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) HoldEscrow(ctx context.Context, hold *Hold, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[tx.WalletID]
	if !ok {
		return ErrWalletNotFound
	}

	// tx.Amount is negative; hold.Amount positive.
	newBal, err := add(w.Currency, w.Balance, tx.Amount)
	if err != nil {
		return err
	}
	if isNegative(w.Currency, newBal) {
		return ErrInsufficientBalance
	}
	newPending, err := add(w.Currency, w.PendingBalance, hold.Amount)
	if err != nil {
		return err
	}

	w.Balance = newBal
	w.PendingBalance = newPending
	w.UpdatedAt = tx.CreatedAt

	hcp := *hold
	m.holds[hold.ID] = &hcp
	m.holdByBooking[hold.BookingID] = hold.ID

	m.recordLocked(tx)
	return nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, holdID string, creatorTx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hold, ok := m.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if hold.Status != HoldActive {
		return ErrHoldNotActive
	}

	client, ok := m.wallets[hold.WalletID]
	if !ok {
		return ErrWalletNotFound
	}
	creator, ok := m.wallets[creatorTx.WalletID]
	if !ok {
		return ErrWalletNotFound
	}

	cur := money.Currency(hold.Currency)
	amt, err := money.Parse(creatorTx.Amount, cur)
	if err != nil {
		return err
	}
	remaining, err := money.Parse(hold.Remaining, cur)
	if err != nil {
		return err
	}
	if remaining.Cmp(amt) < 0 {
		return ErrExceedsHold
	}

	newRemaining, _ := remaining.Sub(amt)
	hold.Remaining = newRemaining.String()
	if newRemaining.IsZero() {
		hold.Status = HoldReleased
	}
	hold.UpdatedAt = creatorTx.CreatedAt

	newPending, err := add(client.Currency, client.PendingBalance, amt.Neg().String())
	if err != nil {
		return err
	}
	if isNegative(client.Currency, newPending) {
		return ErrInsufficientBalance
	}
	client.PendingBalance = newPending
	client.UpdatedAt = creatorTx.CreatedAt

	newBal, err := add(creator.Currency, creator.Balance, creatorTx.Amount)
	if err != nil {
		return err
	}
	newEarnings, err := add(creator.Currency, creator.TotalEarnings, creatorTx.Amount)
	if err != nil {
		return err
	}
	creator.Balance = newBal
	creator.TotalEarnings = newEarnings
	creator.UpdatedAt = creatorTx.CreatedAt

	m.recordLocked(creatorTx)
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, holdID string, clientTx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hold, ok := m.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if hold.Status != HoldActive {
		return ErrHoldNotActive
	}

	client, ok := m.wallets[hold.WalletID]
	if !ok {
		return ErrWalletNotFound
	}

	newBal, err := add(client.Currency, client.Balance, clientTx.Amount)
	if err != nil {
		return err
	}
	newPending, err := add(client.Currency, client.PendingBalance, "-"+clientTx.Amount)
	if err != nil {
		return err
	}
	if isNegative(client.Currency, newPending) {
		return ErrInsufficientBalance
	}
	client.Balance = newBal
	client.PendingBalance = newPending
	client.UpdatedAt = clientTx.CreatedAt

	zero := money.Zero(money.Currency(hold.Currency))
	hold.Remaining = zero.String()
	hold.Status = HoldRefunded
	hold.UpdatedAt = clientTx.CreatedAt

	m.recordLocked(clientTx)
	return nil
}

func (m *MemoryStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) GetHoldByBooking(ctx context.Context, bookingID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.holdByBooking[bookingID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *m.holds[id]
	return &cp, nil
}

func (m *MemoryStore) ListActiveHolds(ctx context.Context) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Hold
	for _, h := range m.holds {
		if h.Status == HoldActive {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkHoldOrphaned(ctx context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if h.Status != HoldActive {
		return ErrHoldNotActive
	}
	h.Status = HoldOrphaned
	h.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txByID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		if m.transactions[i].WalletID == walletID {
			cp := *m.transactions[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasProviderEvent(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[eventID], nil
}

func (m *MemoryStore) SumHeldFunds(ctx context.Context, currency string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := money.Currency(currency)
	sum := money.Zero(cur)
	for _, h := range m.holds {
		if (h.Status != HoldActive && h.Status != HoldOrphaned) || h.Currency != currency {
			continue
		}
		amt, err := money.Parse(h.Remaining, cur)
		if err != nil {
			return "", err
		}
		sum, err = sum.Add(amt)
		if err != nil {
			return "", err
		}
	}
	return sum.String(), nil
}

func (m *MemoryStore) SumPendingBalances(ctx context.Context, currency string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := money.Currency(currency)
	sum := money.Zero(cur)
	for _, w := range m.wallets {
		if w.Currency != currency {
			continue
		}
		amt, err := money.Parse(w.PendingBalance, cur)
		if err != nil {
			return "", err
		}
		sum, err = sum.Add(amt)
		if err != nil {
			return "", err
		}
	}
	return sum.String(), nil
}

// recordLocked appends a transaction and marks its provider event as seen.
// Callers hold m.mu.
func (m *MemoryStore) recordLocked(tx *Transaction) {
	cp := *tx
	m.transactions = append(m.transactions, &cp)
	m.txByID[tx.ID] = &cp
	if tx.ProviderEventID != "" {
		m.events[tx.ProviderEventID] = true
	}
}
