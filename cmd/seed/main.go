package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/xtrntr/settlement/internal/auth"
	"github.com/xtrntr/settlement/internal/config"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/logging"
)

var seedAssets = []struct {
	symbol, name string
}{
	{"ABC", "ABC Corp"},
	{"XYZ", "XYZ Holdings"},
	{"BTC", "Bitcoin"},
	{"ETH", "Ether"},
}

// Seed the database with assets and an operator account
func main() {
	envPath := flag.String("env", "", "path to a .env file (defaults to ./.env)")
	username := flag.String("operator", "admin", "operator username to create")
	password := flag.String("password", "admin123", "operator password")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	// Connect to database
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() { _ = database.Close(ctx) }()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}

	for _, a := range seedAssets {
		asset, err := database.CreateAsset(ctx, a.symbol, a.name)
		switch {
		case db.ErrConflict.Has(err):
			logger.Info("asset already present", zap.String("symbol", a.symbol))
		case err != nil:
			logger.Fatal("failed to create asset", zap.String("symbol", a.symbol), zap.Error(err))
		default:
			logger.Info("created asset", zap.String("symbol", asset.Symbol), zap.Int64("id", asset.ID))
		}
	}

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	op, err := authService.Register(ctx, *username, *password)
	switch {
	case db.ErrConflict.Has(err):
		logger.Info("operator already present", zap.String("username", *username))
	case err != nil:
		logger.Fatal("failed to create operator", zap.Error(err))
	default:
		logger.Info("created operator", zap.String("username", op.Username), zap.Int64("id", op.ID))
	}

	logger.Info("seeding complete")
}
