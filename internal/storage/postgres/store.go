// Package postgres archives rounds and events in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/magic-number/internal/events"
	"github.com/R3E-Network/magic-number/internal/game"
)

// Store implements game.Store and events.Sink.
type Store struct {
	db *sqlx.DB
}

var _ game.Store = (*Store)(nil)
var _ events.Sink = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

type roundRow struct {
	RoundID       int64         `db:"round_id"`
	Outcome       string        `db:"outcome"`
	Status        string        `db:"status"`
	WinningNumber sql.NullInt64 `db:"winning_number"`
	Pot           int64         `db:"pot"`
	DevFee        int64         `db:"dev_fee"`
	RequestID     string        `db:"request_id"`
	Reason        string        `db:"reason"`
	Players       []byte        `db:"players"`
	Settlement    []byte        `db:"settlement"`
	Refunds       []byte        `db:"refunds"`
	OpenedAt      time.Time     `db:"opened_at"`
	ClosedAt      time.Time     `db:"closed_at"`
}

const roundColumns = `round_id, outcome, status, winning_number, pot, dev_fee, request_id, reason, players, settlement, refunds, opened_at, closed_at`

// --- game.Store --------------------------------------------------------------

func (s *Store) SaveRound(ctx context.Context, rec game.RoundRecord) error {
	players, err := json.Marshal(rec.Round.Players)
	if err != nil {
		return err
	}
	refunds, err := json.Marshal(rec.Refunds)
	if err != nil {
		return err
	}
	var settlement interface{}
	var devFee int64
	if rec.Settlement != nil {
		raw, err := json.Marshal(rec.Settlement)
		if err != nil {
			return err
		}
		settlement = raw
		devFee = rec.Settlement.DevFee
	}
	var winning sql.NullInt64
	if rec.Round.WinningNumber != nil {
		winning = sql.NullInt64{Int64: *rec.Round.WinningNumber, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (round_id) DO NOTHING
	`, int64(rec.Round.ID), string(rec.Outcome), string(rec.Round.Status), winning, rec.Round.Pot, devFee,
		rec.Round.RequestID, rec.Reason, players, settlement, refunds, rec.Round.OpenedAt, rec.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", rec.Round.ID, err)
	}
	return nil
}

func (s *Store) GetRound(ctx context.Context, roundID uint64) (game.RoundRecord, error) {
	var row roundRow
	err := s.db.GetContext(ctx, &row, `SELECT `+roundColumns+` FROM game_rounds WHERE round_id = $1`, int64(roundID))
	if errors.Is(err, sql.ErrNoRows) {
		return game.RoundRecord{}, game.ErrRoundNotFound
	}
	if err != nil {
		return game.RoundRecord{}, err
	}
	return row.record()
}

func (s *Store) ListRounds(ctx context.Context, limit int) ([]game.RoundRecord, error) {
	query := `SELECT ` + roundColumns + ` FROM game_rounds ORDER BY round_id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var rows []roundRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]game.RoundRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) LastRoundID(ctx context.Context) (uint64, error) {
	var last int64
	if err := s.db.GetContext(ctx, &last, `SELECT COALESCE(MAX(round_id), 0) FROM game_rounds`); err != nil {
		return 0, err
	}
	return uint64(last), nil
}

func (s *Store) CountSettled(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM game_rounds WHERE outcome = $1`, string(game.OutcomeSettled)); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

type mintedRow struct {
	Recipient string `db:"recipient"`
	Amount    int64  `db:"amount"`
}

// MintedRewards sums the MNG paid to each account across settled rounds.
func (s *Store) MintedRewards(ctx context.Context) (map[string]int64, error) {
	var rows []mintedRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p->>'recipient' AS recipient, COALESCE(SUM((p->>'mng_amount')::BIGINT), 0) AS amount
		FROM game_rounds, jsonb_array_elements(settlement->'payouts') AS p
		WHERE outcome = $1 AND settlement IS NOT NULL
		GROUP BY p->>'recipient'
	`, string(game.OutcomeSettled))
	if err != nil {
		return nil, fmt.Errorf("sum minted rewards: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Recipient] = r.Amount
	}
	return out, nil
}

func (r roundRow) record() (game.RoundRecord, error) {
	rec := game.RoundRecord{
		Round: game.Round{
			ID:        uint64(r.RoundID),
			Status:    game.Status(r.Status),
			Pot:       r.Pot,
			RequestID: r.RequestID,
			OpenedAt:  r.OpenedAt,
		},
		Outcome:  game.Outcome(r.Outcome),
		Reason:   r.Reason,
		ClosedAt: r.ClosedAt,
	}
	if r.WinningNumber.Valid {
		n := r.WinningNumber.Int64
		rec.Round.WinningNumber = &n
	}
	if len(r.Players) > 0 {
		if err := json.Unmarshal(r.Players, &rec.Round.Players); err != nil {
			return game.RoundRecord{}, fmt.Errorf("decode players of round %d: %w", r.RoundID, err)
		}
	}
	if len(r.Refunds) > 0 {
		if err := json.Unmarshal(r.Refunds, &rec.Refunds); err != nil {
			return game.RoundRecord{}, fmt.Errorf("decode refunds of round %d: %w", r.RoundID, err)
		}
	}
	if len(r.Settlement) > 0 {
		var settlement game.Settlement
		if err := json.Unmarshal(r.Settlement, &settlement); err != nil {
			return game.RoundRecord{}, fmt.Errorf("decode settlement of round %d: %w", r.RoundID, err)
		}
		rec.Settlement = &settlement
	}
	return rec, nil
}

// --- events.Sink ---------------------------------------------------------------

func (s *Store) Name() string { return "postgres" }

func (s *Store) Write(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_events (seq, id, type, round_id, player, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (seq) DO NOTHING
	`, int64(e.Seq), e.ID, e.Type, int64(e.RoundID), e.Player, payload, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", e.Seq, err)
	}
	return nil
}

// RecentEvents returns up to limit of the newest events, oldest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var payloads [][]byte
	if err := s.db.SelectContext(ctx, &payloads, `SELECT payload FROM game_events ORDER BY seq DESC LIMIT $1`, limit); err != nil {
		return nil, err
	}
	out := make([]events.Event, len(payloads))
	for i, raw := range payloads {
		if err := json.Unmarshal(raw, &out[len(payloads)-1-i]); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
	}
	return out, nil
}
