package escrow

import (
	"context"
	"errors"
	"testing"
)

func TestEscrowAndSettle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	for _, who := range []string{"alice", "bob", "carol"} {
		if err := l.Escrow(ctx, 1, who, 100); err != nil {
			t.Fatalf("escrow %s: %v", who, err)
		}
	}
	if got := l.Pot(1); got != 300 {
		t.Fatalf("expected pot 300, got %d", got)
	}

	entries, err := l.Settle(ctx, 1, []Transfer{
		{Recipient: "bob", Amount: 296, Kind: KindPayout},
		{Recipient: "dev", Amount: 4, Kind: KindDevFee},
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}
	if l.Pot(1) != 0 {
		t.Fatalf("pot should be drained, got %d", l.Pot(1))
	}
	if l.Balance("bob") != 296 || l.Balance("dev") != 4 {
		t.Fatalf("unexpected balances bob=%d dev=%d", l.Balance("bob"), l.Balance("dev"))
	}

	if err := l.Escrow(ctx, 1, "dave", 100); !errors.Is(err, ErrPotClosed) {
		t.Fatalf("expected ErrPotClosed after full settlement, got %v", err)
	}
}

func TestSettleIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	if err := l.Escrow(ctx, 4, "alice", 50); err != nil {
		t.Fatalf("escrow: %v", err)
	}

	_, err := l.Settle(ctx, 4, []Transfer{
		{Recipient: "alice", Amount: 30},
		{Recipient: "bob", Amount: 30},
	})
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
	if l.Balance("alice") != 0 || l.Balance("bob") != 0 {
		t.Fatal("no recipient may be credited by a rejected settlement")
	}
	if l.Pot(4) != 50 {
		t.Fatalf("pot must be untouched, got %d", l.Pot(4))
	}
}

func TestPayoutExceedingPot(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	if err := l.Escrow(ctx, 2, "alice", 10); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if err := l.Payout(ctx, 2, "alice", 11); !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
	if err := l.Payout(ctx, 2, "alice", 4); err != nil {
		t.Fatalf("partial payout: %v", err)
	}
	if l.Pot(2) != 6 {
		t.Fatalf("expected 6 remaining, got %d", l.Pot(2))
	}
	if err := l.Payout(ctx, 9, "alice", 1); !errors.Is(err, ErrPotNotFound) {
		t.Fatalf("expected ErrPotNotFound, got %v", err)
	}
}

func TestRefundReturnsEveryStake(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	_ = l.Escrow(ctx, 3, "alice", 25)
	_ = l.Escrow(ctx, 3, "bob", 25)

	refunds, err := l.Refund(ctx, 3)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(refunds) != 2 {
		t.Fatalf("expected 2 refunds, got %d", len(refunds))
	}
	if l.Balance("alice") != 25 || l.Balance("bob") != 25 {
		t.Fatal("stakes must be returned in full")
	}
	if l.Pot(3) != 0 {
		t.Fatalf("pot should be empty after refund, got %d", l.Pot(3))
	}
	if _, err := l.Refund(ctx, 3); !errors.Is(err, ErrPotClosed) {
		t.Fatalf("second refund should fail with ErrPotClosed, got %v", err)
	}
}

func TestRefundAfterPartialPayoutRejected(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	_ = l.Escrow(ctx, 5, "alice", 20)
	_ = l.Payout(ctx, 5, "alice", 5)

	if _, err := l.Refund(ctx, 5); !errors.Is(err, ErrPartiallySettled) {
		t.Fatalf("expected ErrPartiallySettled, got %v", err)
	}
}

func TestRefundWithoutStakesIsNoop(t *testing.T) {
	refunds, err := NewLedger().Refund(context.Background(), 42)
	if err != nil || refunds != nil {
		t.Fatalf("expected empty refund, got %v %v", refunds, err)
	}
}

func TestEscrowRejectsNonPositive(t *testing.T) {
	l := NewLedger()
	if err := l.Escrow(context.Background(), 1, "alice", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestJournalKeepsOrder(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	_ = l.Escrow(ctx, 1, "alice", 10)
	_ = l.Escrow(ctx, 1, "bob", 10)
	_, _ = l.Settle(ctx, 1, []Transfer{{Recipient: "bob", Amount: 20}})

	journal := l.Journal(0)
	if len(journal) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(journal))
	}
	kinds := []string{journal[0].Kind, journal[1].Kind, journal[2].Kind}
	want := []string{KindStake, KindStake, KindPayout}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
	if journal[2].BalanceAfter != 20 {
		t.Fatalf("expected balance_after 20, got %d", journal[2].BalanceAfter)
	}
	if last := l.Journal(1); len(last) != 1 || last[0].Kind != KindPayout {
		t.Fatalf("limit should return newest entries, got %+v", last)
	}
}
