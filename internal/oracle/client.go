package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/magic-number/pkg/logger"
)

const (
	stateConsumed  = "consumed"
	stateCancelled = "cancelled"

	defaultSettledWindow = 4096
)

// Client issues randomness requests and accepts at most one delivery per id.
type Client struct {
	provider Provider
	verifier Verifier
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string]PendingRequest
	settled *lru.Cache[string, string]
	handler Handler
}

// NewClient constructs a client bound to a provider.
func NewClient(provider Provider, log *logger.Logger) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("randomness provider required")
	}
	if log == nil {
		log = logger.NewDefault("oracle-client")
	}
	settled, err := lru.New[string, string](defaultSettledWindow)
	if err != nil {
		return nil, fmt.Errorf("create settled window: %w", err)
	}
	return &Client{
		provider: provider,
		log:      log,
		pending:  make(map[string]PendingRequest),
		settled:  settled,
	}, nil
}

// WithVerifier makes the client reject deliveries that fail verification.
func (c *Client) WithVerifier(v Verifier) {
	c.mu.Lock()
	c.verifier = v
	c.mu.Unlock()
}

// OnDelivery registers the consumer of accepted deliveries.
func (c *Client) OnDelivery(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Provider returns the provider name.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Request registers a new request and hands it to the provider.
func (c *Client) Request(ctx context.Context, req Request) (string, error) {
	pr := PendingRequest{
		ID:        uuid.New().String(),
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.pending[pr.ID] = pr
	c.mu.Unlock()

	if err := c.provider.Submit(ctx, pr, c.Deliver); err != nil {
		c.mu.Lock()
		delete(c.pending, pr.ID)
		c.mu.Unlock()
		return "", fmt.Errorf("submit randomness request: %w", err)
	}

	c.log.WithField("request_id", pr.ID).
		WithField("consumer", req.Consumer).
		WithField("provider", c.provider.Name()).
		Info("randomness requested")
	return pr.ID, nil
}

// Deliver accepts a provider answer. Unknown, cancelled and replayed ids are
// discarded with an error and leave no effect.
func (c *Client) Deliver(ctx context.Context, d Delivery) error {
	c.mu.Lock()
	req, ok := c.pending[d.RequestID]
	verifier := c.verifier
	c.mu.Unlock()
	if !ok {
		return c.discard(d.RequestID)
	}

	if len(d.Randomness) == 0 {
		c.log.WithField("request_id", d.RequestID).Warn("discarding empty randomness delivery")
		return ErrEmptyRandomness
	}
	if verifier != nil {
		if err := verifier.Verify(req, d); err != nil {
			c.log.WithError(err).WithField("request_id", d.RequestID).Warn("randomness proof rejected")
			return fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
	}

	c.mu.Lock()
	if _, still := c.pending[d.RequestID]; !still {
		c.mu.Unlock()
		return c.discard(d.RequestID)
	}
	delete(c.pending, d.RequestID)
	c.settled.Add(d.RequestID, stateConsumed)
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(ctx, d.RequestID, new(big.Int).SetBytes(d.Randomness))
	}
	return nil
}

// Cancel abandons a request so a late delivery is discarded.
func (c *Client) Cancel(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	c.settled.Add(requestID, stateCancelled)
	c.log.WithField("request_id", requestID).Info("randomness request cancelled")
	return true
}

// Pending lists outstanding requests, oldest first.
func (c *Client) Pending() []PendingRequest {
	c.mu.Lock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, pr := range c.pending {
		out = append(out, pr)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Client) discard(requestID string) error {
	state, known := c.settled.Get(requestID)
	entry := c.log.WithField("request_id", requestID)
	if known {
		entry.WithField("state", state).Warn("discarding delivery for settled request")
		return fmt.Errorf("%w: %s", ErrAlreadyConsumed, state)
	}
	entry.Warn("discarding delivery for unknown request")
	return ErrUnknownRequest
}
