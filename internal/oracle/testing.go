package oracle

import (
	"context"
	"fmt"
	"sync"
)

// ManualProvider records requests and delivers only when told to. Tests use it
// to control exactly when and what randomness arrives.
type ManualProvider struct {
	mu       sync.Mutex
	requests []PendingRequest
	deliver  map[string]DeliverFunc
	failWith error
}

// NewManualProvider creates an empty manual provider.
func NewManualProvider() *ManualProvider {
	return &ManualProvider{deliver: make(map[string]DeliverFunc)}
}

func (p *ManualProvider) Name() string { return "manual" }

// FailWith makes subsequent submissions fail with err. Pass nil to reset.
func (p *ManualProvider) FailWith(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

func (p *ManualProvider) Submit(_ context.Context, req PendingRequest, deliver DeliverFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.requests = append(p.requests, req)
	p.deliver[req.ID] = deliver
	return nil
}

// Requests returns every accepted submission in order.
func (p *ManualProvider) Requests() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// Last returns the most recent submission.
func (p *ManualProvider) Last() (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return PendingRequest{}, false
	}
	return p.requests[len(p.requests)-1], true
}

// Fulfil delivers randomness for a recorded request.
func (p *ManualProvider) Fulfil(ctx context.Context, requestID string, randomness []byte) error {
	p.mu.Lock()
	deliver, ok := p.deliver[requestID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("manual provider: no request %s", requestID)
	}
	return deliver(ctx, Delivery{RequestID: requestID, Randomness: randomness})
}
