package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/magic-number/internal/config"
	"github.com/R3E-Network/magic-number/internal/events"
	"github.com/R3E-Network/magic-number/internal/game"
	"github.com/R3E-Network/magic-number/internal/httpapi"
	"github.com/R3E-Network/magic-number/internal/oracle"
	"github.com/R3E-Network/magic-number/internal/reward"
	"github.com/R3E-Network/magic-number/internal/storage/postgres"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

var testSeed = strings.Repeat("5a", 32)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Oracle.MasterSeed = testSeed
	cfg.Admin.JWTSecret = "secret"
	cfg.Game.EntryFee = 1000
	cfg.RateLimit.RequestsPerSecond = 1000
	cfg.RateLimit.Burst = 1000
	return cfg
}

func postJSON(t *testing.T, url, token string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func startApp(t *testing.T, cfg *config.Config) (*Application, string) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	a, err := New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(ctx))
	})
	return a, "http://" + a.Addr()
}

func TestRoundSettlesWithInProcessVRF(t *testing.T) {
	a, base := startApp(t, testConfig())

	for i, player := range []string{"alice", "bob", "carol"} {
		resp := postJSON(t, base+"/v1/game/guesses", "", map[string]interface{}{
			"player": player, "guess": 1000 * (i + 1), "fee": 1000,
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	require.Eventually(t, func() bool { return a.Engine.Round().ID == 2 }, 5*time.Second, 10*time.Millisecond)

	rec, err := a.Engine.Archived(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, game.OutcomeSettled, rec.Outcome)
	require.NotNil(t, rec.Settlement)
	assert.Equal(t, int64(45), rec.Settlement.DevFee)

	var paid int64
	for _, p := range []string{"alice", "bob", "carol"} {
		paid += a.Ledger.Balance(p)
		assert.GreaterOrEqual(t, a.Issuer.Balance(p), int64(50*1e8), "every player earns the participation reward")
	}
	assert.Equal(t, int64(3000-45), paid)
	assert.Equal(t, int64(45), a.Ledger.Balance(game.DefaultDevAddress))

	resp, err := http.Get(base + "/v1/game/events?type=WinnerDeclared")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.GreaterOrEqual(t, gjson.Get(buf.String(), "#").Int(), int64(1))
}

func TestRemoteOracleDeliversThroughCallback(t *testing.T) {
	seed, err := hex.DecodeString(testSeed)
	require.NoError(t, err)
	oracleKey, err := oracle.DeriveVRFKey(seed, "remote-oracle")
	require.NoError(t, err)
	pub, err := oracleKey.PublicKey()
	require.NoError(t, err)

	requests := make(chan oracle.PendingRequest, 4)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RequestID string `json:"request_id"`
			Consumer  string `json:"consumer"`
			KeyHash   string `json:"key_hash"`
			Seed      string `json:"seed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		keyHash, _ := hex.DecodeString(body.KeyHash)
		seed, _ := hex.DecodeString(body.Seed)
		requests <- oracle.PendingRequest{ID: body.RequestID, Request: oracle.Request{Consumer: body.Consumer, KeyHash: keyHash, Seed: seed}}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer remote.Close()

	cfg := testConfig()
	cfg.Oracle.Provider = config.ProviderRemote
	cfg.Oracle.Endpoint = remote.URL
	cfg.Oracle.PublicKey = hex.EncodeToString(pub)
	a, base := startApp(t, cfg)

	for i, player := range []string{"alice", "bob", "carol"} {
		resp := postJSON(t, base+"/v1/game/guesses", "", map[string]interface{}{
			"player": player, "guess": i + 1, "fee": 1000,
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	var pending oracle.PendingRequest
	select {
	case pending = <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("remote oracle never received the request")
	}
	delivery, err := oracleKey.Evaluate(pending)
	require.NoError(t, err)

	token, err := a.Auth.IssueToken("oracle-node", httpapi.RoleOracle, time.Minute)
	require.NoError(t, err)

	forged := map[string]string{
		"request_id": pending.ID,
		"randomness": hex.EncodeToString(bytes.Repeat([]byte{1}, 32)),
		"proof":      hex.EncodeToString(delivery.Proof),
	}
	resp := postJSON(t, base+"/v1/oracle/callback", token, forged)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, uint64(1), a.Engine.Round().ID, "rejected proof leaves the round waiting")

	resp = postJSON(t, base+"/v1/oracle/callback", token, map[string]string{
		"request_id": pending.ID,
		"randomness": hex.EncodeToString(delivery.Randomness),
		"proof":      hex.EncodeToString(delivery.Proof),
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, uint64(2), a.Engine.Round().ID)
}

func TestNewRejectsUnreachablePostgres(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = config.DriverPostgres
	cfg.Storage.DSN = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"

	_, err := New(context.Background(), cfg, logger.Discard())
	assert.Error(t, err)
}

func TestRestoreCarriesMintedSupplyAcrossRestart(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := postgres.New(sqlx.NewDb(db, "postgres"))

	schedule := reward.Schedule{ParticipationReward: 50, WinnerBonus: 500, HalvingInterval: 2}
	issuer, err := reward.NewIssuer(schedule, 10_000)
	require.NoError(t, err)
	a := &Application{
		log:    logger.Discard(),
		Events: events.NewBus(restoredEvents, logger.Discard()),
		Issuer: issuer,
	}

	payload, err := json.Marshal(events.Event{Seq: 9, Type: events.TypeMNGRewardDistributed, RoundID: 3})
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM game_events ORDER BY seq DESC LIMIT $1")).
		WithArgs(restoredEvents).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM game_rounds WHERE outcome = $1")).
		WithArgs("settled").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT p->>'recipient' AS recipient")).
		WithArgs("settled").
		WillReturnRows(sqlmock.NewRows([]string{"recipient", "amount"}).
			AddRow("alice", int64(1100)).
			AddRow("bob", int64(150)))

	require.NoError(t, a.restore(context.Background(), store))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, uint64(9), a.Events.LastSeq())
	assert.Equal(t, uint64(1), a.Issuer.Epoch())
	assert.Equal(t, int64(10_000-1250), a.Issuer.Remaining(), "minted rewards stay out of the supply")
	assert.Equal(t, int64(1100), a.Issuer.Balance("alice"))
	assert.Equal(t, int64(10_000-1250), a.Issuer.Snapshot().Remaining)
}
