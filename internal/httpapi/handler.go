// Package httpapi exposes the game over HTTP and websockets.
package httpapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/magic-number/internal/events"
	"github.com/R3E-Network/magic-number/internal/game"
	"github.com/R3E-Network/magic-number/internal/oracle"
	"github.com/R3E-Network/magic-number/internal/reward"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Game is the engine surface the API drives.
type Game interface {
	Params() game.Params
	View() game.RoundView
	HasGuessed(player string) bool
	SubmitGuess(ctx context.Context, player string, value, feePaid int64) (game.Guess, error)
	History(ctx context.Context, limit int) ([]game.RoundRecord, error)
	Archived(ctx context.Context, roundID uint64) (game.RoundRecord, error)
	ForceReset(ctx context.Context, reason string) (game.RoundRecord, error)
}

// Balances reports ETH account balances.
type Balances interface {
	Balance(account string) int64
}

// Tokens reports MNG balances and issuance state.
type Tokens interface {
	Balance(account string) int64
	Snapshot() reward.Snapshot
}

// Deliverer accepts randomness from an external oracle.
type Deliverer interface {
	Deliver(ctx context.Context, d oracle.Delivery) error
}

// EventSource serves event history and live subscriptions.
type EventSource interface {
	Recent(f events.Filter) []events.Event
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Metrics serves the scrape endpoint and records HTTP traffic.
type Metrics interface {
	HTTPMetrics
	Handler() http.Handler
}

// Deps are the collaborators of the router. Oracle and Metrics are optional.
type Deps struct {
	Game     Game
	Ledger   Balances
	Rewards  Tokens
	Oracle   Deliverer
	Events   EventSource
	Metrics  Metrics
	Auth     *AuthMiddleware
	Limiter  *RateLimiter
	Logger   *logger.Logger
	Provider string
}

type handler struct {
	game     Game
	ledger   Balances
	rewards  Tokens
	oracle   Deliverer
	events   EventSource
	provider string
	proc     *process.Process
	log      *logger.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logger.NewDefault("httpapi")
	}
	if d.Auth == nil {
		d.Auth = NewAuthMiddleware("", "", d.Logger)
	}
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter(5, 10, d.Logger)
	}
	h := &handler{
		game:     d.Game,
		ledger:   d.Ledger,
		rewards:  d.Rewards,
		oracle:   d.Oracle,
		events:   d.Events,
		provider: d.Provider,
		log:      d.Logger,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = proc
	}

	r := mux.NewRouter()
	r.Use(LoggingMiddleware(d.Logger))
	if d.Metrics != nil {
		r.Use(MetricsMiddleware(d.Metrics))
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/game/config", h.config).Methods(http.MethodGet)
	v1.HandleFunc("/game/round", h.round).Methods(http.MethodGet)
	v1.HandleFunc("/game/round/players", h.players).Methods(http.MethodGet)
	v1.Handle("/game/guesses", d.Limiter.Handler(http.HandlerFunc(h.submitGuess))).Methods(http.MethodPost)
	v1.HandleFunc("/game/rounds", h.rounds).Methods(http.MethodGet)
	v1.HandleFunc("/game/rounds/{id:[0-9]+}", h.roundByID).Methods(http.MethodGet)
	v1.HandleFunc("/game/events", h.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/game/events/ws", h.streamEvents).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}", h.account).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(d.Auth.Require(RoleAdmin))
	admin.HandleFunc("/reset", h.reset).Methods(http.MethodPost)

	callback := v1.PathPrefix("/oracle").Subrouter()
	callback.Use(d.Auth.Require(RoleOracle))
	callback.HandleFunc("/callback", h.oracleCallback).Methods(http.MethodPost)

	return r
}

type processStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	view := h.game.View()
	body := map[string]interface{}{
		"status":   "ok",
		"round_id": view.ID,
		"round":    view.Status,
		"provider": h.provider,
	}
	if stats, ok := h.processStats(r.Context()); ok {
		body["process"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

// processStats is best effort; health never fails because of it.
func (h *handler) processStats(ctx context.Context) (processStats, bool) {
	if h.proc == nil {
		return processStats{}, false
	}
	mem, err := h.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return processStats{}, false
	}
	stats := processStats{RSSBytes: mem.RSS}
	if cpu, err := h.proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := h.proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	return stats, true
}

type configResponse struct {
	Params  game.Params     `json:"params"`
	Rewards reward.Snapshot `json:"rewards"`
}

func (h *handler) config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		Params:  h.game.Params(),
		Rewards: h.rewards.Snapshot(),
	})
}

func (h *handler) round(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.game.View())
}

func (h *handler) players(w http.ResponseWriter, _ *http.Request) {
	view := h.game.View()
	players := view.Players
	if players == nil {
		players = []game.Guess{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"round_id": view.ID,
		"players":  players,
	})
}

type guessRequest struct {
	Player string `json:"player"`
	Guess  int64  `json:"guess"`
	Fee    int64  `json:"fee"`
}

func (h *handler) submitGuess(w http.ResponseWriter, r *http.Request) {
	var req guessRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := h.game.SubmitGuess(r.Context(), req.Player, req.Guess, req.Fee)
	if err != nil {
		writeError(w, err)
		return
	}
	view := h.game.View()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"guess": g,
		"round": view,
	})
}

func (h *handler) rounds(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := h.game.History(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("list rounds failed")
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []game.RoundRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) roundByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid round id", errBadRequest))
		return
	}
	rec, err := h.game.Archived(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out := h.events.Recent(events.Filter{
		Type:  r.URL.Query().Get("type"),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, out)
}

type accountResponse struct {
	Address    string `json:"address"`
	EthBalance int64  `json:"eth_balance"`
	MNGBalance int64  `json:"mng_balance"`
	InRound    bool   `json:"in_current_round"`
}

func (h *handler) account(w http.ResponseWriter, r *http.Request) {
	address := game.NormalizePlayer(mux.Vars(r)["address"])
	writeJSON(w, http.StatusOK, accountResponse{
		Address:    address,
		EthBalance: h.ledger.Balance(address),
		MNGBalance: h.rewards.Balance(address),
		InRound:    h.game.HasGuessed(address),
	})
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin reset"
	}
	subject := ""
	if claims, ok := ClaimsFrom(r.Context()); ok {
		subject = claims.Subject
	}
	rec, err := h.game.ForceReset(r.Context(), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.WithField("round_id", rec.Round.ID).WithField("by", subject).WithField("reason", reason).Warn("round reset by admin")
	writeJSON(w, http.StatusOK, rec)
}

type callbackRequest struct {
	RequestID  string `json:"request_id"`
	Randomness string `json:"randomness"`
	Proof      string `json:"proof"`
}

func (h *handler) oracleCallback(w http.ResponseWriter, r *http.Request) {
	if h.oracle == nil {
		writeError(w, fmt.Errorf("%w: oracle callbacks disabled", errForbidden))
		return
	}
	var req callbackRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	randomness, err := hex.DecodeString(strings.TrimPrefix(req.Randomness, "0x"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: randomness must be hex", errBadRequest))
		return
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: proof must be hex", errBadRequest))
		return
	}
	if err := h.oracle.Deliver(r.Context(), oracle.Delivery{
		RequestID:  req.RequestID,
		Randomness: randomness,
		Proof:      proof,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.RequestID, "status": "accepted"})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
