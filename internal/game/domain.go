// Package game runs the Magic Number round state machine.
//
// Players pay a fixed entry fee to submit a guess. Once the round holds
// MaxPlayers guesses a verifiable random number is requested; when it arrives
// the closest guesses split the pot minus the developer fee and every
// participant earns MNG rewards.
package game

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a round.
type Status string

const (
	StatusOpen               Status = "open"
	StatusAwaitingRandomness Status = "awaiting_randomness"
	StatusResolving          Status = "resolving"
	StatusSettled            Status = "settled"
)

// Outcome describes how an archived round closed.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeReset   Outcome = "reset"
)

// Default deployment values. Amounts are minor units: ETH in gwei.
const (
	DefaultEntryFee   int64 = 25_000_000 // 0.025 ETH
	DefaultMaxPlayers       = 3
	DefaultDevFeeBps  int64 = 150 // 1.5%
	DefaultMinGuess   int64 = 1
	DefaultMaxGuess   int64 = 10_000
	DefaultDevAddress       = "developer"
)

// Params are the fixed rules of the game.
type Params struct {
	EntryFee   int64  `json:"entry_fee" yaml:"entry_fee"`
	MaxPlayers int    `json:"max_players" yaml:"max_players"`
	DevFeeBps  int64  `json:"dev_fee_bps" yaml:"dev_fee_bps"`
	MinGuess   int64  `json:"min_guess" yaml:"min_guess"`
	MaxGuess   int64  `json:"max_guess" yaml:"max_guess"`
	DevAddress string `json:"dev_address" yaml:"dev_address"`
}

// DefaultParams returns the standard three player game.
func DefaultParams() Params {
	return Params{
		EntryFee:   DefaultEntryFee,
		MaxPlayers: DefaultMaxPlayers,
		DevFeeBps:  DefaultDevFeeBps,
		MinGuess:   DefaultMinGuess,
		MaxGuess:   DefaultMaxGuess,
		DevAddress: DefaultDevAddress,
	}
}

// Validate checks the parameters describe a playable game.
func (p Params) Validate() error {
	if p.EntryFee <= 0 {
		return fmt.Errorf("entry fee must be positive")
	}
	if p.MaxPlayers < 1 {
		return fmt.Errorf("max players must be at least 1")
	}
	if p.DevFeeBps < 0 || p.DevFeeBps > 10_000 {
		return fmt.Errorf("dev fee bps must be within [0, 10000]")
	}
	if p.MinGuess > p.MaxGuess {
		return fmt.Errorf("min guess %d exceeds max guess %d", p.MinGuess, p.MaxGuess)
	}
	if strings.TrimSpace(p.DevAddress) == "" {
		return fmt.Errorf("dev address required")
	}
	return nil
}

// Guess is one player's entry in a round.
type Guess struct {
	Player   string    `json:"player"`
	Value    int64     `json:"value"`
	Arrival  int       `json:"arrival"`
	JoinedAt time.Time `json:"joined_at"`
}

// Round is the state of one game.
type Round struct {
	ID            uint64    `json:"id"`
	Status        Status    `json:"status"`
	Players       []Guess   `json:"players"`
	Pot           int64     `json:"pot"`
	RequestID     string    `json:"request_id,omitempty"`
	WinningNumber *int64    `json:"winning_number,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	RequestedAt   time.Time `json:"requested_at,omitempty"`
}

func (r *Round) clone() Round {
	out := *r
	out.Players = append([]Guess(nil), r.Players...)
	if r.WinningNumber != nil {
		n := *r.WinningNumber
		out.WinningNumber = &n
	}
	return out
}

func (r *Round) hasPlayer(player string) bool {
	for _, g := range r.Players {
		if g.Player == player {
			return true
		}
	}
	return false
}

// Payout is what one participant received from a settled round.
type Payout struct {
	RoundID       uint64 `json:"round_id"`
	Recipient     string `json:"recipient"`
	EthAmount     int64  `json:"eth_amount"`
	MNGAmount     int64  `json:"mng_amount"`
	WinningNumber int64  `json:"winning_number"`
	Winner        bool   `json:"winner"`
}

// Settlement is the immutable result of a resolved round.
type Settlement struct {
	RoundID       uint64    `json:"round_id"`
	WinningNumber int64     `json:"winning_number"`
	Pot           int64     `json:"pot"`
	DevFee        int64     `json:"dev_fee"`
	Winners       []string  `json:"winners"`
	Payouts       []Payout  `json:"payouts"`
	Epoch         uint64    `json:"epoch"`
	SettledAt     time.Time `json:"settled_at"`
}

// Refund is a stake returned by a forced reset.
type Refund struct {
	Player string `json:"player"`
	Amount int64  `json:"amount"`
}

// RoundRecord is an archived, closed round.
type RoundRecord struct {
	Round      Round       `json:"round"`
	Outcome    Outcome     `json:"outcome"`
	Settlement *Settlement `json:"settlement,omitempty"`
	Refunds    []Refund    `json:"refunds,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// RoundView is the public projection of the current round.
type RoundView struct {
	ID           uint64    `json:"id"`
	Status       Status    `json:"status"`
	Players      []Guess   `json:"players"`
	PlayerCount  int       `json:"player_count"`
	MaxPlayers   int       `json:"max_players"`
	Pot          int64     `json:"pot"`
	EntryFee     int64     `json:"entry_fee"`
	RequestID    string    `json:"request_id,omitempty"`
	GameActive   bool      `json:"game_active"`
	VRFRequested bool      `json:"vrf_requested"`
	OpenedAt     time.Time `json:"opened_at"`
}

// NormalizePlayer canonicalises an account id.
func NormalizePlayer(player string) string {
	return strings.ToLower(strings.TrimSpace(player))
}
