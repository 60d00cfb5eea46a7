// Package reward mints the MNG participation token on a halving schedule.
//
// Supply is fixed at construction and never topped up. Once it runs out every
// issuance still produces a zero-amount record so the history stays auditable.
package reward

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSupplyExhausted = errors.New("reward supply exhausted")
	ErrInvalidSchedule = errors.New("invalid reward schedule")
)

// Schedule holds the base amounts and the halving cadence.
type Schedule struct {
	ParticipationReward int64  `json:"participation_reward" yaml:"participation_reward"`
	WinnerBonus         int64  `json:"winner_bonus" yaml:"winner_bonus"`
	HalvingInterval     uint64 `json:"halving_interval" yaml:"halving_interval"`
}

// Validate checks the schedule is usable.
func (s Schedule) Validate() error {
	if s.ParticipationReward < 0 || s.WinnerBonus < 0 {
		return fmt.Errorf("%w: negative base amount", ErrInvalidSchedule)
	}
	if s.HalvingInterval == 0 {
		return fmt.Errorf("%w: halving interval must be positive", ErrInvalidSchedule)
	}
	return nil
}

// Record is the outcome of one issuance, including zero-amount ones.
type Record struct {
	Recipient string    `json:"recipient"`
	Base      int64     `json:"base"`
	Epoch     uint64    `json:"epoch"`
	Amount    int64     `json:"amount"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Snapshot describes the issuer state for read-only queries.
type Snapshot struct {
	TotalSupply         int64  `json:"total_supply"`
	Remaining           int64  `json:"remaining"`
	SettledRounds       uint64 `json:"settled_rounds"`
	Epoch               uint64 `json:"epoch"`
	ParticipationReward int64  `json:"participation_reward"`
	WinnerBonus         int64  `json:"winner_bonus"`
}

// Issuer tracks the remaining supply, the settled round counter and balances.
type Issuer struct {
	mu            sync.RWMutex
	schedule      Schedule
	totalSupply   int64
	remaining     int64
	settledRounds uint64
	balances      map[string]int64
}

// NewIssuer creates an issuer holding totalSupply mintable units.
func NewIssuer(schedule Schedule, totalSupply int64) (*Issuer, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if totalSupply < 0 {
		return nil, fmt.Errorf("%w: negative supply", ErrInvalidSchedule)
	}
	return &Issuer{
		schedule:    schedule,
		totalSupply: totalSupply,
		remaining:   totalSupply,
		balances:    make(map[string]int64),
	}, nil
}

// Halve returns base shifted right by epoch, never negative.
func Halve(base int64, epoch uint64) int64 {
	if base <= 0 || epoch >= 63 {
		return 0
	}
	return base >> epoch
}

// Epoch is floor(settledRounds / halvingInterval).
func (i *Issuer) Epoch() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.epochLocked()
}

func (i *Issuer) epochLocked() uint64 {
	return i.settledRounds / i.schedule.HalvingInterval
}

// Schedule returns the configured base amounts.
func (i *Issuer) Schedule() Schedule {
	return i.schedule
}

// Issue mints base>>epoch to recipient, clamped to the remaining supply.
// With an empty supply it returns a zero-amount record and ErrSupplyExhausted.
func (i *Issuer) Issue(recipient string, base int64, epoch uint64) (Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec := Record{
		Recipient: recipient,
		Base:      base,
		Epoch:     epoch,
		IssuedAt:  time.Now().UTC(),
	}
	if i.remaining == 0 {
		return rec, ErrSupplyExhausted
	}

	amount := Halve(base, epoch)
	if amount > i.remaining {
		amount = i.remaining
	}
	i.remaining -= amount
	i.balances[recipient] += amount
	rec.Amount = amount
	return rec, nil
}

// CompleteRound counts a settled round toward the halving schedule.
func (i *Issuer) CompleteRound() {
	i.mu.Lock()
	i.settledRounds++
	i.mu.Unlock()
}

// Restore rebuilds issuer state from archived history: the settled round
// counter and what each account was already minted. Minted amounts come out
// of the supply, so a restart never tops it up.
func (i *Issuer) Restore(settledRounds uint64, minted map[string]int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.settledRounds = settledRounds
	i.balances = make(map[string]int64, len(minted))
	var total int64
	for account, amount := range minted {
		if amount <= 0 {
			continue
		}
		i.balances[account] = amount
		total += amount
	}
	i.remaining = i.totalSupply - total
	if i.remaining < 0 {
		i.remaining = 0
	}
}

// Minted returns the total issued so far.
func (i *Issuer) Minted() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.totalSupply - i.remaining
}

// Balance returns the MNG balance of an account.
func (i *Issuer) Balance(account string) int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.balances[account]
}

// Remaining returns the unminted supply.
func (i *Issuer) Remaining() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.remaining
}

// Snapshot reports the current effective amounts.
func (i *Issuer) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	epoch := i.epochLocked()
	participation := Halve(i.schedule.ParticipationReward, epoch)
	bonus := Halve(i.schedule.WinnerBonus, epoch)
	if i.remaining == 0 {
		participation, bonus = 0, 0
	}
	return Snapshot{
		TotalSupply:         i.totalSupply,
		Remaining:           i.remaining,
		SettledRounds:       i.settledRounds,
		Epoch:               epoch,
		ParticipationReward: participation,
		WinnerBonus:         bonus,
	}
}
