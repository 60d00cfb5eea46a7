// Package events carries the game's outbound notifications to observers.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeRoundOpened           = "RoundOpened"
	TypePlayerJoined          = "PlayerJoined"
	TypeRandomNumberRequested = "RandomNumberRequested"
	TypeWinnerDeclared        = "WinnerDeclared"
	TypeMNGRewardDistributed  = "MNGRewardDistributed"
	TypeVRFFailure            = "VRFFailure"
	TypeGameReset             = "GameReset"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Type          string    `json:"type"`
	RoundID       uint64    `json:"round_id"`
	Player        string    `json:"player,omitempty"`
	Guess         int64     `json:"guess"`
	RequestID     string    `json:"request_id,omitempty"`
	WinningNumber int64     `json:"winning_number,omitempty"`
	EthAmount     int64     `json:"eth_amount,omitempty"`
	MNGAmount     int64     `json:"mng_amount"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink receives every published event in sequence order.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Filter narrows a history query.
type Filter struct {
	Type    string
	RoundID uint64
	Limit   int
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.RoundID != 0 && f.RoundID != e.RoundID {
		return false
	}
	return true
}
