// Command admintoken mints HS256 tokens for the admin and oracle endpoints.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/R3E-Network/magic-number/internal/config"
	"github.com/R3E-Network/magic-number/internal/httpapi"
	"github.com/R3E-Network/magic-number/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("MAGICNUMBER_CONFIG"), "Path to YAML config (optional)")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
	role := flag.String("role", httpapi.RoleAdmin, "Token role: admin or oracle")
	subject := flag.String("sub", "operator", "Token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *role != httpapi.RoleAdmin && *role != httpapi.RoleOracle {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Admin.JWTSecret == "" {
		log.Fatalf("admin.jwt_secret (MAGICNUMBER_ADMIN_JWT_SECRET) is not set")
	}

	auth := httpapi.NewAuthMiddleware(cfg.Admin.JWTSecret, cfg.Admin.Issuer, logger.Discard())
	token, err := auth.IssueToken(*subject, *role, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
