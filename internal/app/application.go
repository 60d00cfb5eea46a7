// Package app composes the game engine, its collaborators and the HTTP API
// into a running service.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/magic-number/internal/config"
	"github.com/R3E-Network/magic-number/internal/escrow"
	"github.com/R3E-Network/magic-number/internal/events"
	"github.com/R3E-Network/magic-number/internal/game"
	"github.com/R3E-Network/magic-number/internal/httpapi"
	"github.com/R3E-Network/magic-number/internal/metrics"
	"github.com/R3E-Network/magic-number/internal/oracle"
	"github.com/R3E-Network/magic-number/internal/reward"
	"github.com/R3E-Network/magic-number/internal/storage/postgres"
	"github.com/R3E-Network/magic-number/internal/system"
	"github.com/R3E-Network/magic-number/internal/watchdog"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

const restoredEvents = 1024

// Application ties the game together and manages its lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	closers []func() error
	server  *httpServer

	Engine   *game.Engine
	Ledger   *escrow.Ledger
	Issuer   *reward.Issuer
	Oracle   *oracle.Client
	Events   *events.Bus
	Metrics  *metrics.Collector
	Watchdog *watchdog.OracleWatchdog
	Auth     *httpapi.AuthMiddleware
	Handler  http.Handler
}

// New builds a fully wired application from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	a := &Application{
		manager: system.NewManager(log.Named("system")),
		log:     log,
		Ledger:  escrow.NewLedger(),
		Metrics: metrics.New(),
		Events:  events.NewBus(restoredEvents, log.Named("events")),
	}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	issuer, err := reward.NewIssuer(cfg.RewardSchedule(), cfg.Rewards.TotalSupply)
	if err != nil {
		return nil, fmt.Errorf("reward issuer: %w", err)
	}
	a.Issuer = issuer

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.connectRedis(ctx, cfg)

	if err := a.manager.Register(a.Events); err != nil {
		return nil, err
	}

	provider, verifier, keyHash, err := a.buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	client, err := oracle.NewClient(provider, log.Named("oracle"))
	if err != nil {
		return nil, err
	}
	client.WithVerifier(verifier)
	a.Oracle = client

	a.Engine, err = game.New(ctx, game.Options{
		Params:  cfg.GameParams(),
		Ledger:  a.Ledger,
		Rewards: issuer,
		Oracle:  client,
		Events:  a.Events,
		Store:   store,
		Metrics: a.Metrics,
		Logger:  log.Named("game"),
		KeyHash: keyHash,
	})
	if err != nil {
		return nil, err
	}
	engine := a.Engine
	oracleLog := log.Named("oracle")
	client.OnDelivery(func(ctx context.Context, requestID string, value *big.Int) {
		if _, err := engine.ApplyRandomness(ctx, requestID, value); err != nil {
			entry := oracleLog.WithError(err).WithField("request_id", requestID)
			if errors.Is(err, game.ErrStaleDelivery) {
				entry.Debug("randomness arrived for a closed round")
				return
			}
			entry.Error("apply randomness failed")
		}
	})

	a.Watchdog, err = watchdog.New(watchdog.Config{
		Schedule:  cfg.Oracle.WatchdogSchedule,
		Timeout:   cfg.Oracle.Timeout,
		AutoReset: cfg.Oracle.AutoReset,
	}, engine, a.Metrics, log.Named("watchdog"))
	if err != nil {
		return nil, err
	}
	if err := a.manager.Register(a.Watchdog); err != nil {
		return nil, err
	}

	a.Auth = httpapi.NewAuthMiddleware(cfg.Admin.JWTSecret, cfg.Admin.Issuer, log.Named("auth"))
	if cfg.Admin.JWTSecret == "" {
		log.Warn("admin.jwt_secret not set; admin and oracle callback endpoints disabled")
	}
	a.Handler = httpapi.NewRouter(httpapi.Deps{
		Game:     engine,
		Ledger:   a.Ledger,
		Rewards:  issuer,
		Oracle:   client,
		Events:   a.Events,
		Metrics:  a.Metrics,
		Auth:     a.Auth,
		Limiter:  httpapi.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log.Named("ratelimit")),
		Logger:   log.Named("http"),
		Provider: client.Provider(),
	})
	a.server = newHTTPServer(cfg.Server, a.Handler, log.Named("http"))
	if err := a.manager.Register(a.server); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openStore selects the round archive. Postgres also persists the event log
// and restores issuance progress.
func (a *Application) openStore(ctx context.Context, cfg *config.Config) (game.Store, error) {
	if strings.ToLower(cfg.Storage.Driver) != config.DriverPostgres {
		a.log.Warn("using in-memory storage; rounds are lost on restart")
		return game.NewMemoryStore(), nil
	}

	db, err := postgres.Open(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if cfg.Storage.Migrate {
		if err := postgres.Migrate(db.DB); err != nil {
			return nil, err
		}
	}

	store := postgres.New(db)
	if err := a.restore(ctx, store); err != nil {
		return nil, err
	}
	a.Events.AddSink(store)
	return store, nil
}

// history is the persisted state a restart is rebuilt from.
type history interface {
	RecentEvents(ctx context.Context, limit int) ([]events.Event, error)
	CountSettled(ctx context.Context) (uint64, error)
	MintedRewards(ctx context.Context) (map[string]int64, error)
}

// restore reloads the event log and the issuer's progress through the
// halving schedule and the supply.
func (a *Application) restore(ctx context.Context, h history) error {
	recent, err := h.RecentEvents(ctx, restoredEvents)
	if err != nil {
		return fmt.Errorf("restore events: %w", err)
	}
	a.Events.Restore(recent)

	settled, err := h.CountSettled(ctx)
	if err != nil {
		return fmt.Errorf("restore settled rounds: %w", err)
	}
	minted, err := h.MintedRewards(ctx)
	if err != nil {
		return fmt.Errorf("restore minted rewards: %w", err)
	}
	a.Issuer.Restore(settled, minted)
	a.log.WithField("settled_rounds", settled).
		WithField("minted", a.Issuer.Minted()).
		WithField("last_event", a.Events.LastSeq()).
		Info("restored state from postgres")
	return nil
}

func (a *Application) connectRedis(ctx context.Context, cfg *config.Config) {
	if cfg.Redis.Addr == "" {
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.log.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("redis unreachable at startup")
	}
	a.Events.AddSink(events.NewRedisSink(client, cfg.Redis.Channel))
}

// buildProvider returns the randomness provider, the verifier for its
// proofs and the key hash rounds commit to.
func (a *Application) buildProvider(cfg *config.Config) (oracle.Provider, oracle.Verifier, []byte, error) {
	log := a.log.Named("oracle")
	switch strings.ToLower(cfg.Oracle.Provider) {
	case config.ProviderRemote:
		pub, err := hex.DecodeString(strings.TrimPrefix(cfg.Oracle.PublicKey, "0x"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("oracle public key: %w", err)
		}
		verifier, err := oracle.NewVRFVerifier(pub)
		if err != nil {
			return nil, nil, nil, err
		}
		provider, err := oracle.NewRemoteProvider(cfg.Oracle.Endpoint, cfg.Oracle.APIKey, cfg.Oracle.CallbackURL,
			&http.Client{Timeout: 10 * time.Second}, log)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := a.manager.Register(provider); err != nil {
			return nil, nil, nil, err
		}
		sum := sha256.Sum256(pub)
		return provider, verifier, sum[:], nil

	default:
		seed, err := cfg.Oracle.Seed()
		if err != nil {
			return nil, nil, nil, err
		}
		key, err := oracle.DeriveVRFKey(seed, cfg.Oracle.KeyID)
		if err != nil {
			return nil, nil, nil, err
		}
		pub, err := key.PublicKey()
		if err != nil {
			return nil, nil, nil, err
		}
		verifier, err := oracle.NewVRFVerifier(pub)
		if err != nil {
			return nil, nil, nil, err
		}
		provider := oracle.NewVRFProvider(key, cfg.Oracle.FulfilDelay, log)
		if err := a.manager.Register(provider); err != nil {
			return nil, nil, nil, err
		}
		log.WithField("public_key", hex.EncodeToString(pub)).Info("in-process vrf key ready")
		return provider, verifier, key.KeyHash(), nil
	}
}

// Addr returns the address the HTTP server listens on once started.
func (a *Application) Addr() string {
	return a.server.Addr()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse order, then releases connections.
func (a *Application) Stop(ctx context.Context) error {
	return errors.Join(a.manager.Stop(ctx), a.Close())
}

// Close releases database and redis connections.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
