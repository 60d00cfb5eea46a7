package game

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/magic-number/internal/escrow"
	"github.com/R3E-Network/magic-number/internal/events"
	"github.com/R3E-Network/magic-number/internal/oracle"
	"github.com/R3E-Network/magic-number/internal/reward"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

// Errors
var (
	ErrInvalidGuessRange = errors.New("guess out of range")
	ErrDuplicatePlayer   = errors.New("player already joined this round")
	ErrIncorrectFee      = errors.New("incorrect entry fee")
	ErrRoundFull         = errors.New("round is full")
	ErrInvalidPlayer     = errors.New("invalid player")
	ErrRoundNotOpen      = errors.New("round is not open")
	ErrStaleDelivery     = errors.New("stale randomness delivery")
	ErrNothingToReset    = errors.New("round has nothing to reset")
	ErrRoundChanged      = errors.New("round changed")
)

// Ledger escrows entry fees and pays them out.
type Ledger interface {
	Escrow(ctx context.Context, roundID uint64, from string, amount int64) error
	Settle(ctx context.Context, roundID uint64, transfers []escrow.Transfer) ([]escrow.Entry, error)
	Refund(ctx context.Context, roundID uint64) ([]escrow.Transfer, error)
}

// Rewards mints MNG.
type Rewards interface {
	Issue(recipient string, base int64, epoch uint64) (reward.Record, error)
	Epoch() uint64
	CompleteRound()
	Schedule() reward.Schedule
}

// Randomness requests verifiable random numbers.
type Randomness interface {
	Request(ctx context.Context, req oracle.Request) (string, error)
	Cancel(requestID string) bool
}

// Publisher emits outbound events without blocking.
type Publisher interface {
	Publish(e events.Event) events.Event
}

// Metrics observes engine activity.
type Metrics interface {
	RecordGuess(result string)
	RecordRandomnessRequest(err error)
	RecordStaleDelivery()
	RecordRoundClosed(outcome string, pot int64, elapsed time.Duration)
	RecordReward(kind string, amount int64)
	SetRoundState(players int, pot int64)
}

// Options wires the engine's collaborators. Store, Events, Metrics and Logger
// are optional.
type Options struct {
	Params  Params
	Ledger  Ledger
	Rewards Rewards
	Oracle  Randomness
	Events  Publisher
	Store   Store
	Metrics Metrics
	Logger  *logger.Logger
	// KeyHash identifies the randomness key the round seeds commit to.
	KeyHash []byte
}

// Engine is the single writer of round state.
type Engine struct {
	params  Params
	ledger  Ledger
	rewards Rewards
	oracle  Randomness
	bus     Publisher
	store   Store
	metrics Metrics
	log     *logger.Logger
	keyHash []byte
	now     func() time.Time

	mu              sync.Mutex
	round           *Round
	failureReported bool
}

// New creates an engine and opens the round after the last archived one.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, fmt.Errorf("game params: %w", err)
	}
	if opts.Ledger == nil || opts.Rewards == nil || opts.Oracle == nil {
		return nil, fmt.Errorf("ledger, rewards and oracle are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("game")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Events == nil {
		opts.Events = events.NewBus(0, opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	e := &Engine{
		params:  opts.Params,
		ledger:  opts.Ledger,
		rewards: opts.Rewards,
		oracle:  opts.Oracle,
		bus:     opts.Events,
		store:   opts.Store,
		metrics: opts.Metrics,
		log:     opts.Logger,
		keyHash: append([]byte(nil), opts.KeyHash...),
		now:     func() time.Time { return time.Now().UTC() },
	}

	last, err := e.store.LastRoundID(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last round id: %w", err)
	}

	e.mu.Lock()
	e.openRound(last + 1)
	e.mu.Unlock()
	return e, nil
}

// Params returns the game rules.
func (e *Engine) Params() Params {
	return e.params
}

// SubmitGuess admits a guess into the open round. Filling the round requests
// randomness in the same critical section; providers only queue the request,
// so the call returns right after escrow.
func (e *Engine) SubmitGuess(ctx context.Context, player string, value, feePaid int64) (Guess, error) {
	player = NormalizePlayer(player)
	if player == "" {
		e.metrics.RecordGuess("invalid_player")
		return Guess{}, ErrInvalidPlayer
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.round
	switch r.Status {
	case StatusOpen:
	case StatusAwaitingRandomness, StatusResolving:
		e.metrics.RecordGuess("round_full")
		return Guess{}, ErrRoundFull
	default:
		e.metrics.RecordGuess("round_not_open")
		return Guess{}, ErrRoundNotOpen
	}

	if value < e.params.MinGuess || value > e.params.MaxGuess {
		e.metrics.RecordGuess("invalid_range")
		return Guess{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidGuessRange, value, e.params.MinGuess, e.params.MaxGuess)
	}
	if feePaid != e.params.EntryFee {
		e.metrics.RecordGuess("incorrect_fee")
		return Guess{}, fmt.Errorf("%w: paid %d, required %d", ErrIncorrectFee, feePaid, e.params.EntryFee)
	}
	if r.hasPlayer(player) {
		e.metrics.RecordGuess("duplicate")
		return Guess{}, ErrDuplicatePlayer
	}
	if len(r.Players) >= e.params.MaxPlayers {
		e.metrics.RecordGuess("round_full")
		return Guess{}, ErrRoundFull
	}

	if err := e.ledger.Escrow(ctx, r.ID, player, feePaid); err != nil {
		e.metrics.RecordGuess("escrow_failed")
		return Guess{}, fmt.Errorf("escrow entry fee: %w", err)
	}

	guess := Guess{
		Player:   player,
		Value:    value,
		Arrival:  len(r.Players),
		JoinedAt: e.now(),
	}
	r.Players = append(r.Players, guess)
	r.Pot += feePaid

	e.log.WithField("round_id", r.ID).
		WithField("player", player).
		WithField("players", len(r.Players)).
		Info("guess accepted")
	e.metrics.RecordGuess("accepted")
	e.metrics.SetRoundState(len(r.Players), r.Pot)
	e.bus.Publish(events.Event{
		Type:    events.TypePlayerJoined,
		RoundID: r.ID,
		Player:  player,
		Guess:   value,
	})

	if len(r.Players) == e.params.MaxPlayers {
		e.requestRandomness(ctx)
	}
	return guess, nil
}

// requestRandomness moves the round to AwaitingRandomness and issues the one
// request for it. The request is detached from ctx so the round does not
// depend on the lifetime of the guess that filled it. Callers hold e.mu.
func (e *Engine) requestRandomness(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	r := e.round
	r.Status = StatusAwaitingRandomness
	r.RequestedAt = e.now()
	e.failureReported = false

	id, err := e.oracle.Request(ctx, oracle.Request{
		Consumer: fmt.Sprintf("round-%d", r.ID),
		KeyHash:  e.keyHash,
		Seed:     roundSeed(r, e.keyHash),
	})
	e.metrics.RecordRandomnessRequest(err)
	if err != nil {
		e.log.WithError(err).WithField("round_id", r.ID).Error("randomness request failed")
		e.failureReported = true
		e.bus.Publish(events.Event{
			Type:    events.TypeVRFFailure,
			RoundID: r.ID,
			Reason:  err.Error(),
		})
		return
	}

	r.RequestID = id
	e.log.WithField("round_id", r.ID).WithField("request_id", id).Info("randomness requested")
	e.bus.Publish(events.Event{
		Type:      events.TypeRandomNumberRequested,
		RoundID:   r.ID,
		RequestID: id,
	})
}

// ApplyRandomness resolves and settles the round awaiting requestID.
// Anything else is a stale delivery and leaves state untouched.
func (e *Engine) ApplyRandomness(ctx context.Context, requestID string, value *big.Int) (Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.round
	if r.Status != StatusAwaitingRandomness || r.RequestID == "" || r.RequestID != requestID || value == nil {
		e.log.WithField("round_id", r.ID).
			WithField("request_id", requestID).
			WithField("status", string(r.Status)).
			Warn("ignoring stale randomness delivery")
		e.metrics.RecordStaleDelivery()
		return Settlement{}, ErrStaleDelivery
	}

	r.Status = StatusResolving
	winning := WinningNumber(value, e.params.MinGuess, e.params.MaxGuess)
	r.WinningNumber = &winning

	settlement := e.settle(ctx, r, winning)

	r.Status = StatusSettled
	e.metrics.RecordRoundClosed(string(OutcomeSettled), r.Pot, e.now().Sub(r.OpenedAt))
	e.archive(ctx, RoundRecord{
		Round:      r.clone(),
		Outcome:    OutcomeSettled,
		Settlement: &settlement,
		ClosedAt:   settlement.SettledAt,
	})
	e.openRound(r.ID + 1)
	return settlement, nil
}

// settle pays the pot out and mints rewards. Callers hold e.mu.
func (e *Engine) settle(ctx context.Context, r *Round, winning int64) Settlement {
	winners := closest(r.Players, winning)
	devFee := DevFee(r.Pot, e.params.DevFeeBps)
	shares := splitPot(r.Pot, devFee, winners)

	transfers := make([]escrow.Transfer, 0, len(winners)+1)
	if devFee > 0 {
		transfers = append(transfers, escrow.Transfer{Recipient: e.params.DevAddress, Amount: devFee, Kind: escrow.KindDevFee})
	}
	for i, w := range winners {
		transfers = append(transfers, escrow.Transfer{Recipient: w.Player, Amount: shares[i], Kind: escrow.KindPayout})
	}
	if _, err := e.ledger.Settle(ctx, r.ID, transfers); err != nil {
		// The split above always sums to the pot; failure means escrow
		// state is corrupt.
		panic(fmt.Sprintf("round %d settlement failed: %v", r.ID, err))
	}

	epoch := e.rewards.Epoch()
	schedule := e.rewards.Schedule()

	payouts := make([]Payout, len(r.Players))
	index := make(map[string]int, len(r.Players))
	for i, g := range r.Players {
		index[g.Player] = i
		rec := e.issue(g.Player, schedule.ParticipationReward, epoch, "participation")
		payouts[i] = Payout{
			RoundID:       r.ID,
			Recipient:     g.Player,
			MNGAmount:     rec.Amount,
			WinningNumber: winning,
		}
	}

	winnerIDs := make([]string, len(winners))
	bonuses := make([]int64, len(winners))
	for i, w := range winners {
		winnerIDs[i] = w.Player
		rec := e.issue(w.Player, schedule.WinnerBonus, epoch, "winner_bonus")
		bonuses[i] = rec.Amount
		p := &payouts[index[w.Player]]
		p.EthAmount = shares[i]
		p.MNGAmount += rec.Amount
		p.Winner = true
	}
	e.rewards.CompleteRound()

	for i, w := range winners {
		e.log.WithField("round_id", r.ID).
			WithField("winner", w.Player).
			WithField("winning_number", winning).
			WithField("eth", shares[i]).
			Info("winner declared")
		e.bus.Publish(events.Event{
			Type:          events.TypeWinnerDeclared,
			RoundID:       r.ID,
			Player:        w.Player,
			Guess:         w.Value,
			WinningNumber: winning,
			EthAmount:     shares[i],
			MNGAmount:     bonuses[i],
		})
	}
	for i, g := range r.Players {
		e.bus.Publish(events.Event{
			Type:      events.TypeMNGRewardDistributed,
			RoundID:   r.ID,
			Player:    g.Player,
			MNGAmount: payouts[i].MNGAmount - bonusFor(winners, bonuses, g.Player),
		})
	}

	return Settlement{
		RoundID:       r.ID,
		WinningNumber: winning,
		Pot:           r.Pot,
		DevFee:        devFee,
		Winners:       winnerIDs,
		Payouts:       payouts,
		Epoch:         epoch,
		SettledAt:     e.now(),
	}
}

func bonusFor(winners []Guess, bonuses []int64, player string) int64 {
	for i, w := range winners {
		if w.Player == player {
			return bonuses[i]
		}
	}
	return 0
}

// issue mints a reward, logging exhaustion instead of failing.
func (e *Engine) issue(player string, base int64, epoch uint64, kind string) reward.Record {
	rec, err := e.rewards.Issue(player, base, epoch)
	if err != nil {
		e.log.WithError(err).WithField("player", player).WithField("kind", kind).Warn("reward not issued")
	}
	e.metrics.RecordReward(kind, rec.Amount)
	return rec
}

// ForceReset refunds every stake in the current round, discards any pending
// randomness and opens the next round.
func (e *Engine) ForceReset(ctx context.Context, reason string) (RoundRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reset(ctx, reason)
}

// ResetStalled resets roundID only if it is still waiting for randomness.
func (e *Engine) ResetStalled(ctx context.Context, roundID uint64, reason string) (RoundRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round.ID != roundID || e.round.Status != StatusAwaitingRandomness {
		return RoundRecord{}, ErrRoundChanged
	}
	return e.reset(ctx, reason)
}

// reset runs the forced reset. Callers hold e.mu.
func (e *Engine) reset(ctx context.Context, reason string) (RoundRecord, error) {
	r := e.round
	if r.Status == StatusOpen && len(r.Players) == 0 {
		return RoundRecord{}, ErrNothingToReset
	}
	if reason == "" {
		reason = "administrative reset"
	}

	transfers, err := e.ledger.Refund(ctx, r.ID)
	if err != nil {
		return RoundRecord{}, fmt.Errorf("refund round %d: %w", r.ID, err)
	}
	if r.RequestID != "" {
		e.oracle.Cancel(r.RequestID)
	}

	refunds := make([]Refund, 0, len(transfers))
	for _, t := range transfers {
		refunds = append(refunds, Refund{Player: t.Recipient, Amount: t.Amount})
	}

	e.log.WithField("round_id", r.ID).
		WithField("reason", reason).
		WithField("refunds", len(refunds)).
		Warn("round reset")
	e.bus.Publish(events.Event{
		Type:      events.TypeGameReset,
		RoundID:   r.ID,
		RequestID: r.RequestID,
		Reason:    reason,
	})

	rec := RoundRecord{
		Round:    r.clone(),
		Outcome:  OutcomeReset,
		Refunds:  refunds,
		Reason:   reason,
		ClosedAt: e.now(),
	}
	e.metrics.RecordRoundClosed(string(OutcomeReset), r.Pot, rec.ClosedAt.Sub(r.OpenedAt))
	e.archive(ctx, rec)
	e.openRound(r.ID + 1)
	return rec, nil
}

// ReportOracleTimeout emits VRFFailure once for a round that has waited
// longer than timeout. It returns the stalled round id.
func (e *Engine) ReportOracleTimeout(timeout time.Duration) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.round
	if r.Status != StatusAwaitingRandomness || e.now().Sub(r.RequestedAt) < timeout {
		return 0, false
	}
	if !e.failureReported {
		e.failureReported = true
		e.log.WithField("round_id", r.ID).
			WithField("request_id", r.RequestID).
			WithField("waited", e.now().Sub(r.RequestedAt).String()).
			Warn("randomness timed out")
		e.bus.Publish(events.Event{
			Type:      events.TypeVRFFailure,
			RoundID:   r.ID,
			RequestID: r.RequestID,
			Reason:    "randomness timeout",
		})
	}
	return r.ID, true
}

// Round returns a copy of the current round.
func (e *Engine) Round() Round {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round.clone()
}

// View returns the public projection of the current round.
func (e *Engine) View() RoundView {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.round.clone()
	return RoundView{
		ID:           r.ID,
		Status:       r.Status,
		Players:      r.Players,
		PlayerCount:  len(r.Players),
		MaxPlayers:   e.params.MaxPlayers,
		Pot:          r.Pot,
		EntryFee:     e.params.EntryFee,
		RequestID:    r.RequestID,
		GameActive:   r.Status == StatusOpen,
		VRFRequested: r.Status == StatusAwaitingRandomness && r.RequestID != "",
		OpenedAt:     r.OpenedAt,
	}
}

// HasGuessed reports whether player is in the current round.
func (e *Engine) HasGuessed(player string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round.hasPlayer(NormalizePlayer(player))
}

// History returns archived rounds, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]RoundRecord, error) {
	return e.store.ListRounds(ctx, limit)
}

// Archived returns one archived round.
func (e *Engine) Archived(ctx context.Context, roundID uint64) (RoundRecord, error) {
	return e.store.GetRound(ctx, roundID)
}

// archive persists a closed round. Failures are logged; the round is closed
// regardless. Callers hold e.mu.
func (e *Engine) archive(ctx context.Context, rec RoundRecord) {
	if err := e.store.SaveRound(ctx, rec); err != nil {
		e.log.WithError(err).WithField("round_id", rec.Round.ID).Error("failed to archive round")
	}
}

// openRound starts a fresh round. Callers hold e.mu.
func (e *Engine) openRound(id uint64) {
	e.round = &Round{
		ID:       id,
		Status:   StatusOpen,
		OpenedAt: e.now(),
	}
	e.failureReported = false
	e.metrics.SetRoundState(0, 0)
	e.log.WithField("round_id", id).Info("round opened")
	e.bus.Publish(events.Event{Type: events.TypeRoundOpened, RoundID: id})
}

type nopMetrics struct{}

func (nopMetrics) RecordGuess(string)                             {}
func (nopMetrics) RecordRandomnessRequest(error)                  {}
func (nopMetrics) RecordStaleDelivery()                           {}
func (nopMetrics) RecordRoundClosed(string, int64, time.Duration) {}
func (nopMetrics) RecordReward(string, int64)                     {}
func (nopMetrics) SetRoundState(int, int64)                       {}
