package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/R3E-Network/magic-number/pkg/logger"
)

type deliveryLog struct {
	mu    sync.Mutex
	calls map[string]*big.Int
	count int
}

func (d *deliveryLog) handle(_ context.Context, id string, value *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]*big.Int)
	}
	d.calls[id] = value
	d.count++
}

func newTestClient(t *testing.T) (*Client, *ManualProvider, *deliveryLog) {
	t.Helper()
	provider := NewManualProvider()
	client, err := NewClient(provider, logger.Discard())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	log := &deliveryLog{}
	client.OnDelivery(log.handle)
	return client, provider, log
}

func TestRequestIssuesUniqueIDs(t *testing.T) {
	client, provider, _ := newTestClient(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := client.Request(ctx, Request{Consumer: "round"})
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = true
	}
	if got := len(provider.Requests()); got != 20 {
		t.Fatalf("expected 20 submissions, got %d", got)
	}
	if got := len(client.Pending()); got != 20 {
		t.Fatalf("expected 20 pending, got %d", got)
	}
}

func TestDeliverConsumesOnce(t *testing.T) {
	client, provider, log := newTestClient(t)
	ctx := context.Background()

	id, err := client.Request(ctx, Request{Consumer: "round-1"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := provider.Fulfil(ctx, id, []byte{0x01, 0x00}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if log.count != 1 || log.calls[id].Int64() != 256 {
		t.Fatalf("handler not invoked with value: %+v", log.calls)
	}

	err = provider.Fulfil(ctx, id, []byte{0x02})
	if !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed on replay, got %v", err)
	}
	if log.count != 1 {
		t.Fatalf("replay must not reach the handler, count=%d", log.count)
	}
}

func TestDeliverUnknownRequest(t *testing.T) {
	client, _, log := newTestClient(t)
	err := client.Deliver(context.Background(), Delivery{RequestID: "nope", Randomness: []byte{1}})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
	if log.count != 0 {
		t.Fatal("unknown delivery must not reach the handler")
	}
}

func TestCancelDiscardsLateDelivery(t *testing.T) {
	client, provider, log := newTestClient(t)
	ctx := context.Background()

	id, _ := client.Request(ctx, Request{Consumer: "round-2"})
	if !client.Cancel(id) {
		t.Fatal("cancel should report the pending request")
	}
	if client.Cancel(id) {
		t.Fatal("second cancel should be a no-op")
	}
	if err := provider.Fulfil(ctx, id, []byte{7}); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected late delivery to be discarded, got %v", err)
	}
	if log.count != 0 {
		t.Fatal("cancelled request must not reach the handler")
	}
}

func TestSubmitFailureLeavesNothingPending(t *testing.T) {
	client, provider, _ := newTestClient(t)
	provider.FailWith(errors.New("offline"))

	if _, err := client.Request(context.Background(), Request{}); err == nil {
		t.Fatal("expected submit failure")
	}
	if len(client.Pending()) != 0 {
		t.Fatal("failed request must not stay pending")
	}
}

func TestEmptyRandomnessKeepsRequestPending(t *testing.T) {
	client, provider, log := newTestClient(t)
	ctx := context.Background()
	id, _ := client.Request(ctx, Request{})

	if err := provider.Fulfil(ctx, id, nil); !errors.Is(err, ErrEmptyRandomness) {
		t.Fatalf("expected ErrEmptyRandomness, got %v", err)
	}
	if err := provider.Fulfil(ctx, id, []byte{9}); err != nil {
		t.Fatalf("valid delivery after empty one: %v", err)
	}
	if log.count != 1 {
		t.Fatalf("expected one handled delivery, got %d", log.count)
	}
}

func TestConcurrentDeliveriesHandledOnce(t *testing.T) {
	client, provider, log := newTestClient(t)
	ctx := context.Background()
	id, _ := client.Request(ctx, Request{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			_ = provider.Fulfil(ctx, id, []byte{b + 1})
		}(byte(i))
	}
	wg.Wait()
	if log.count != 1 {
		t.Fatalf("expected exactly one accepted delivery, got %d", log.count)
	}
}
