// Package escrow holds staked entry fees per round and credits payouts.
//
// Fund flow:
// 1. Every accepted guess escrows its entry fee into the round pot
// 2. Settlement moves the whole pot to winners and the developer account in one batch
// 3. A forced reset refunds every stake to its depositor instead
//
// Credited funds land in per-account balances that can be queried at any time.
package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultJournalSize = 10_000

// Ledger is the round escrow. The zero value is not usable; call NewLedger.
type Ledger struct {
	mu         sync.RWMutex
	pots       map[uint64]*pot
	balances   map[string]int64
	journal    []Entry
	maxJournal int
	now        func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		pots:       make(map[uint64]*pot),
		balances:   make(map[string]int64),
		maxJournal: defaultJournalSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Escrow adds a stake to the round pot.
func (l *Ledger) Escrow(ctx context.Context, roundID uint64, from string, amount int64) error {
	_ = ctx
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pots[roundID]
	if !ok {
		p = &pot{}
		l.pots[roundID] = p
	}
	if p.closed {
		return fmt.Errorf("%w: round %d", ErrPotClosed, roundID)
	}

	p.total += amount
	p.remaining += amount
	p.stakes = append(p.stakes, Stake{Account: from, Amount: amount})
	l.record(roundID, from, KindStake, amount, l.balances[from])
	return nil
}

// Payout credits a single recipient from the round pot.
func (l *Ledger) Payout(ctx context.Context, roundID uint64, recipient string, amount int64) error {
	_, err := l.Settle(ctx, roundID, []Transfer{{Recipient: recipient, Amount: amount, Kind: KindPayout}})
	return err
}

// Settle applies every transfer or none of them. The pot closes once it is
// fully distributed.
func (l *Ledger) Settle(ctx context.Context, roundID uint64, transfers []Transfer) ([]Entry, error) {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.openPot(roundID)
	if err != nil {
		return nil, err
	}

	var sum int64
	for _, t := range transfers {
		if t.Amount < 0 {
			return nil, fmt.Errorf("%w: negative transfer to %s", ErrInvalidAmount, t.Recipient)
		}
		sum += t.Amount
	}
	if sum > p.remaining {
		return nil, fmt.Errorf("%w: round %d holds %d, settlement needs %d", ErrInsufficientEscrow, roundID, p.remaining, sum)
	}

	entries := make([]Entry, 0, len(transfers))
	for _, t := range transfers {
		kind := t.Kind
		if kind == "" {
			kind = KindPayout
		}
		l.balances[t.Recipient] += t.Amount
		entries = append(entries, l.record(roundID, t.Recipient, kind, t.Amount, l.balances[t.Recipient]))
	}
	p.remaining -= sum
	if p.remaining == 0 {
		p.closed = true
	}
	return entries, nil
}

// Refund returns every stake of an untouched pot to its depositor and closes it.
func (l *Ledger) Refund(ctx context.Context, roundID uint64) ([]Transfer, error) {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pots[roundID]
	if !ok {
		// Nothing was staked; nothing to return.
		return nil, nil
	}
	if p.closed {
		return nil, fmt.Errorf("%w: round %d", ErrPotClosed, roundID)
	}
	if p.remaining != p.total {
		return nil, fmt.Errorf("%w: round %d", ErrPartiallySettled, roundID)
	}

	refunds := make([]Transfer, 0, len(p.stakes))
	for _, s := range p.stakes {
		l.balances[s.Account] += s.Amount
		l.record(roundID, s.Account, KindRefund, s.Amount, l.balances[s.Account])
		refunds = append(refunds, Transfer{Recipient: s.Account, Amount: s.Amount, Kind: KindRefund})
	}
	p.remaining = 0
	p.closed = true
	return refunds, nil
}

// Pot returns the amount still escrowed for a round.
func (l *Ledger) Pot(roundID uint64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.pots[roundID]; ok {
		return p.remaining
	}
	return 0
}

// Stakes returns a copy of the stakes escrowed for a round.
func (l *Ledger) Stakes(roundID uint64) []Stake {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pots[roundID]
	if !ok {
		return nil
	}
	out := make([]Stake, len(p.stakes))
	copy(out, p.stakes)
	return out
}

// Balance returns the credited balance of an account.
func (l *Ledger) Balance(account string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Journal returns up to limit most recent entries, oldest first.
func (l *Ledger) Journal(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.journal) {
		limit = len(l.journal)
	}
	out := make([]Entry, limit)
	copy(out, l.journal[len(l.journal)-limit:])
	return out
}

func (l *Ledger) openPot(roundID uint64) (*pot, error) {
	p, ok := l.pots[roundID]
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrPotNotFound, roundID)
	}
	if p.closed {
		return nil, fmt.Errorf("%w: round %d", ErrPotClosed, roundID)
	}
	return p, nil
}

// record appends a journal entry. Callers hold l.mu.
func (l *Ledger) record(roundID uint64, account, kind string, amount, balanceAfter int64) Entry {
	entry := Entry{
		ID:           uuid.New().String(),
		RoundID:      roundID,
		Account:      account,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    l.now(),
	}
	l.journal = append(l.journal, entry)
	if len(l.journal) > l.maxJournal {
		l.journal = l.journal[len(l.journal)-l.maxJournal:]
	}
	return entry
}
