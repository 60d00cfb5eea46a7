// Package oracle requests and consumes verifiable randomness for game rounds.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	ErrUnknownRequest  = errors.New("unknown randomness request")
	ErrAlreadyConsumed = errors.New("randomness request already consumed")
	ErrInvalidProof    = errors.New("randomness proof rejected")
	ErrEmptyRandomness = errors.New("empty randomness")
	ErrQueueFull       = errors.New("randomness provider queue full")
	ErrProviderStopped = errors.New("randomness provider not running")
	ErrInvalidKey      = errors.New("invalid vrf key material")
)

// Request is what a consumer commits to when asking for randomness.
type Request struct {
	Consumer string `json:"consumer"`
	KeyHash  []byte `json:"key_hash"`
	Seed     []byte `json:"seed"`
}

// PendingRequest is a request the client has issued and not yet consumed.
type PendingRequest struct {
	ID string `json:"id"`
	Request
	CreatedAt time.Time `json:"created_at"`
}

// Delivery is a provider's answer to a request.
type Delivery struct {
	RequestID  string `json:"request_id"`
	Randomness []byte `json:"randomness"`
	Proof      []byte `json:"proof,omitempty"`
}

// DeliverFunc hands a delivery back to the client.
type DeliverFunc func(ctx context.Context, d Delivery) error

// Provider fulfils randomness requests. Submit only queues: implementations
// do their I/O and deliver on their own goroutine, never from inside Submit.
type Provider interface {
	Name() string
	Submit(ctx context.Context, req PendingRequest, deliver DeliverFunc) error
}

// Verifier checks a delivery against the request it answers.
type Verifier interface {
	Verify(req PendingRequest, d Delivery) error
}

// Handler consumes an accepted delivery.
type Handler func(ctx context.Context, requestID string, value *big.Int)
