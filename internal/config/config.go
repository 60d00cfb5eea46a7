// Package config loads service configuration from YAML, .env files and the
// environment, in that order of precedence (later wins).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/magic-number/internal/game"
	"github.com/R3E-Network/magic-number/internal/reward"
)

const (
	ProviderVRF    = "vrf"
	ProviderRemote = "remote"

	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Game      GameConfig      `yaml:"game"`
	Rewards   RewardsConfig   `yaml:"rewards"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Admin     AdminConfig     `yaml:"admin"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"MAGICNUMBER_SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"MAGICNUMBER_SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"MAGICNUMBER_SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MAGICNUMBER_SERVER_SHUTDOWN_TIMEOUT"`
}

type GameConfig struct {
	EntryFee   int64  `yaml:"entry_fee" env:"MAGICNUMBER_GAME_ENTRY_FEE"`
	MaxPlayers int    `yaml:"max_players" env:"MAGICNUMBER_GAME_MAX_PLAYERS"`
	DevFeeBps  int64  `yaml:"dev_fee_bps" env:"MAGICNUMBER_GAME_DEV_FEE_BPS"`
	MinGuess   int64  `yaml:"min_guess" env:"MAGICNUMBER_GAME_MIN_GUESS"`
	MaxGuess   int64  `yaml:"max_guess" env:"MAGICNUMBER_GAME_MAX_GUESS"`
	DevAddress string `yaml:"dev_address" env:"MAGICNUMBER_GAME_DEV_ADDRESS"`
}

type RewardsConfig struct {
	ParticipationReward int64  `yaml:"participation_reward" env:"MAGICNUMBER_REWARDS_PARTICIPATION"`
	WinnerBonus         int64  `yaml:"winner_bonus" env:"MAGICNUMBER_REWARDS_WINNER_BONUS"`
	HalvingInterval     uint64 `yaml:"halving_interval" env:"MAGICNUMBER_REWARDS_HALVING_INTERVAL"`
	TotalSupply         int64  `yaml:"total_supply" env:"MAGICNUMBER_REWARDS_TOTAL_SUPPLY"`
}

type OracleConfig struct {
	Provider         string        `yaml:"provider" env:"MAGICNUMBER_ORACLE_PROVIDER"`
	MasterSeed       string        `yaml:"master_seed" env:"MAGICNUMBER_ORACLE_MASTER_SEED"`
	KeyID            string        `yaml:"key_id" env:"MAGICNUMBER_ORACLE_KEY_ID"`
	PublicKey        string        `yaml:"public_key" env:"MAGICNUMBER_ORACLE_PUBLIC_KEY"`
	Endpoint         string        `yaml:"endpoint" env:"MAGICNUMBER_ORACLE_ENDPOINT"`
	APIKey           string        `yaml:"api_key" env:"MAGICNUMBER_ORACLE_API_KEY"`
	CallbackURL      string        `yaml:"callback_url" env:"MAGICNUMBER_ORACLE_CALLBACK_URL"`
	FulfilDelay      time.Duration `yaml:"fulfil_delay" env:"MAGICNUMBER_ORACLE_FULFIL_DELAY"`
	Timeout          time.Duration `yaml:"timeout" env:"MAGICNUMBER_ORACLE_TIMEOUT"`
	WatchdogSchedule string        `yaml:"watchdog_schedule" env:"MAGICNUMBER_ORACLE_WATCHDOG_SCHEDULE"`
	AutoReset        bool          `yaml:"auto_reset" env:"MAGICNUMBER_ORACLE_AUTO_RESET"`
}

type StorageConfig struct {
	Driver  string `yaml:"driver" env:"MAGICNUMBER_STORAGE_DRIVER"`
	DSN     string `yaml:"dsn" env:"MAGICNUMBER_STORAGE_DSN"`
	Migrate bool   `yaml:"migrate" env:"MAGICNUMBER_STORAGE_MIGRATE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"MAGICNUMBER_REDIS_ADDR"`
	Password string `yaml:"password" env:"MAGICNUMBER_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"MAGICNUMBER_REDIS_DB"`
	Channel  string `yaml:"channel" env:"MAGICNUMBER_REDIS_CHANNEL"`
}

type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"MAGICNUMBER_ADMIN_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"MAGICNUMBER_ADMIN_ISSUER"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"MAGICNUMBER_RATELIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"MAGICNUMBER_RATELIMIT_BURST"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"MAGICNUMBER_LOG_LEVEL"`
	Format string `yaml:"format" env:"MAGICNUMBER_LOG_FORMAT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	params := game.DefaultParams()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Game: GameConfig{
			EntryFee:   params.EntryFee,
			MaxPlayers: params.MaxPlayers,
			DevFeeBps:  params.DevFeeBps,
			MinGuess:   params.MinGuess,
			MaxGuess:   params.MaxGuess,
			DevAddress: params.DevAddress,
		},
		Rewards: RewardsConfig{
			ParticipationReward: 50 * 1e8,
			WinnerBonus:         500 * 1e8,
			HalvingInterval:     3500,
			TotalSupply:         21_000_000 * 1e8,
		},
		Oracle: OracleConfig{
			Provider:         ProviderVRF,
			KeyID:            "magicnumber/vrf",
			Timeout:          10 * time.Minute,
			WatchdogSchedule: "@every 15s",
		},
		Storage: StorageConfig{Driver: DriverMemory, Migrate: true},
		Redis:   RedisConfig{Channel: "magicnumber:events"},
		Admin:   AdminConfig{Issuer: "magicnumber"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path and envFile are optional; a missing
// envFile is ignored.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.GameParams().Validate(); err != nil {
		return fmt.Errorf("game: %w", err)
	}
	if err := c.RewardSchedule().Validate(); err != nil {
		return fmt.Errorf("rewards: %w", err)
	}
	if c.Rewards.TotalSupply < 0 {
		return fmt.Errorf("rewards: total supply must not be negative")
	}

	switch strings.ToLower(c.Oracle.Provider) {
	case ProviderVRF:
		seed, err := c.Oracle.Seed()
		if err != nil {
			return fmt.Errorf("oracle: %w", err)
		}
		if len(seed) < 32 {
			return fmt.Errorf("oracle: master seed must be at least 32 bytes")
		}
	case ProviderRemote:
		if c.Oracle.Endpoint == "" {
			return fmt.Errorf("oracle: endpoint required for remote provider")
		}
		if _, err := hex.DecodeString(strings.TrimPrefix(c.Oracle.PublicKey, "0x")); err != nil || c.Oracle.PublicKey == "" {
			return fmt.Errorf("oracle: hex public key required for remote provider")
		}
		if c.Admin.JWTSecret == "" {
			return fmt.Errorf("oracle: remote provider needs admin.jwt_secret to authenticate callbacks")
		}
	default:
		return fmt.Errorf("oracle: unknown provider %q", c.Oracle.Provider)
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle: timeout must be positive")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn required for postgres")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit: requests_per_second and burst must be positive")
	}
	return nil
}

// GameParams converts the game section.
func (c *Config) GameParams() game.Params {
	return game.Params{
		EntryFee:   c.Game.EntryFee,
		MaxPlayers: c.Game.MaxPlayers,
		DevFeeBps:  c.Game.DevFeeBps,
		MinGuess:   c.Game.MinGuess,
		MaxGuess:   c.Game.MaxGuess,
		DevAddress: game.NormalizePlayer(c.Game.DevAddress),
	}
}

// RewardSchedule converts the rewards section.
func (c *Config) RewardSchedule() reward.Schedule {
	return reward.Schedule{
		ParticipationReward: c.Rewards.ParticipationReward,
		WinnerBonus:         c.Rewards.WinnerBonus,
		HalvingInterval:     c.Rewards.HalvingInterval,
	}
}

// Seed decodes the hex master seed.
func (o OracleConfig) Seed() ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(o.MasterSeed, "0x"))
	if err != nil {
		return nil, fmt.Errorf("master seed must be hex: %w", err)
	}
	return seed, nil
}
