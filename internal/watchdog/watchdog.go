// Package watchdog detects rounds stuck waiting for randomness.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/magic-number/internal/game"
	"github.com/R3E-Network/magic-number/internal/system"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

const (
	DefaultSchedule = "@every 15s"
	DefaultTimeout  = 10 * time.Minute
)

// Target is the engine surface the watchdog drives.
type Target interface {
	ReportOracleTimeout(timeout time.Duration) (uint64, bool)
	ResetStalled(ctx context.Context, roundID uint64, reason string) (game.RoundRecord, error)
}

// TimeoutRecorder counts detected timeouts.
type TimeoutRecorder interface {
	RecordOracleTimeout()
}

// Config controls how often the watchdog looks and what it does.
type Config struct {
	Schedule  string
	Timeout   time.Duration
	AutoReset bool
}

// OracleWatchdog checks on a cron schedule whether the awaiting round has
// outlived the oracle timeout.
type OracleWatchdog struct {
	cfg     Config
	target  Target
	metrics TimeoutRecorder
	log     *logger.Logger

	mu           sync.Mutex
	cron         *cron.Cron
	cancel       context.CancelFunc
	running      bool
	lastReported uint64
}

var _ system.Service = (*OracleWatchdog)(nil)

// New validates cfg and creates a stopped watchdog. metrics may be nil.
func New(cfg Config, target Target, metrics TimeoutRecorder, log *logger.Logger) (*OracleWatchdog, error) {
	if target == nil {
		return nil, fmt.Errorf("watchdog target required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse watchdog schedule %q: %w", cfg.Schedule, err)
	}
	if log == nil {
		log = logger.NewDefault("oracle-watchdog")
	}
	return &OracleWatchdog{cfg: cfg, target: target, metrics: metrics, log: log}, nil
}

func (w *OracleWatchdog) Name() string { return "oracle-watchdog" }

func (w *OracleWatchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(w.cfg.Schedule, func() { w.Check(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule watchdog: %w", err)
	}
	c.Start()

	w.cron = c
	w.cancel = cancel
	w.running = true
	w.log.WithField("schedule", w.cfg.Schedule).
		WithField("timeout", w.cfg.Timeout.String()).
		WithField("auto_reset", w.cfg.AutoReset).
		Info("oracle watchdog started")
	return nil
}

func (w *OracleWatchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	c, cancel := w.cron, w.cancel
	w.running = false
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check runs one inspection. It reports whether a stalled round was found.
func (w *OracleWatchdog) Check(ctx context.Context) bool {
	roundID, stalled := w.target.ReportOracleTimeout(w.cfg.Timeout)
	if !stalled {
		return false
	}

	w.mu.Lock()
	first := roundID != w.lastReported
	w.lastReported = roundID
	w.mu.Unlock()
	if first && w.metrics != nil {
		w.metrics.RecordOracleTimeout()
	}

	if !w.cfg.AutoReset {
		return true
	}
	if _, err := w.target.ResetStalled(ctx, roundID, "randomness timeout"); err != nil {
		w.log.WithError(err).WithField("round_id", roundID).Warn("automatic reset skipped")
		return true
	}
	w.log.WithField("round_id", roundID).Warn("stalled round reset automatically")
	return true
}
