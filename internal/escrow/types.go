package escrow

import (
	"errors"
	"time"
)

const (
	// Journal entry kinds
	KindStake  = "stake"
	KindPayout = "payout"
	KindDevFee = "dev_fee"
	KindRefund = "refund"
)

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrPotNotFound        = errors.New("no escrow for round")
	ErrPotClosed          = errors.New("escrow for round already closed")
	ErrPartiallySettled   = errors.New("escrow already partially paid out")
)

// Stake is one depositor's contribution to a round pot.
type Stake struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// Transfer moves escrowed funds to an account balance.
type Transfer struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Kind      string `json:"kind"`
}

// Entry is an immutable journal line.
type Entry struct {
	ID           string    `json:"id"`
	RoundID      uint64    `json:"round_id"`
	Account      string    `json:"account"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

type pot struct {
	total     int64
	remaining int64
	stakes    []Stake
	closed    bool
}
