// Command magicnumberd runs the Magic Number game server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/magic-number/internal/app"
	"github.com/R3E-Network/magic-number/internal/config"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("MAGICNUMBER_CONFIG"), "Path to YAML config (optional)")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	root := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "magicnumberd",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, root)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	root.WithField("addr", application.Addr()).
		WithField("provider", application.Oracle.Provider()).
		WithField("round_id", application.Engine.Round().ID).
		Info("magic number game running")

	<-ctx.Done()
	root.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		root.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
