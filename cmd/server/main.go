package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/settlement/internal/api"
	"github.com/xtrntr/settlement/internal/auth"
	"github.com/xtrntr/settlement/internal/chain"
	"github.com/xtrntr/settlement/internal/clearing"
	"github.com/xtrntr/settlement/internal/config"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/events"
	"github.com/xtrntr/settlement/internal/ledger"
	"github.com/xtrntr/settlement/internal/logging"
	"github.com/xtrntr/settlement/internal/settlement"
)

const shutdownTimeout = 15 * time.Second

// Main entry point: sets up database, ledger, clearing, settlement and HTTP server
func main() {
	envPath := flag.String("env", "", "path to a .env file (defaults to ./.env)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.DevMode && cfg.Auth.JWTSecret == config.DevJWTSecret {
		logger.Warn("DEV_MODE: signing tokens with the built-in JWT secret")
	}

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(context.Background()) }()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	// Custodial ledger and clearing venue
	balances := ledger.New(logger.Named("ledger"), ledger.WithLatency(cfg.LedgerLatency))
	clearingClient, err := newClearingClient(cfg.Clearing, logger)
	if err != nil {
		return err
	}

	// Outcome notifications
	hub := events.NewHub(logger.Named("ws"))
	defer func() { _ = hub.Close() }()
	notifiers := events.Fanout{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("failed to close kafka publisher", zap.Error(err))
			}
		}()
		notifiers = append(notifiers, publisher)
		logger.Info("publishing order events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	service := settlement.NewService(settlement.Config{
		Orders:   database,
		Resolver: database,
		Ledger:   balances,
		Clearing: clearingClient,
		Notifier: notifiers,
		Log:      logger.Named("settlement"),
	})

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	handler := api.NewHandler(service, database, balances, authService, hub, logger.Named("api"))

	router := handler.Routes(
		middleware.RequestID,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)

	var listener *chain.Listener
	if cfg.Chain.RPCURL != "" {
		var closeListener func()
		listener, closeListener, err = newChainListener(ctx, cfg.Chain, service, database, logger)
		if err != nil {
			return err
		}
		defer closeListener()
	} else {
		logger.Info("RPC_URL not set, chain listener disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if listener != nil {
		g.Go(func() error { return listener.Run(ctx) })
	}

	return g.Wait()
}

func newClearingClient(cfg config.Clearing, logger *zap.Logger) (clearing.Client, error) {
	switch cfg.Mode {
	case config.ClearingHTTP:
		logger.Info("using clearing house", zap.String("url", cfg.URL))
		return clearing.WithTimeout(clearing.NewHTTPClient(cfg.URL, cfg.APIKey, &http.Client{}), cfg.Timeout), nil
	case config.ClearingSimulated:
		logger.Info("using simulated clearing house", zap.Float64("accept_ratio", cfg.AcceptRatio))
		sim := clearing.NewSimulator(logger.Named("clearing"), clearing.SimulatorConfig{
			AcceptRatio: cfg.AcceptRatio,
			Latency:     cfg.Latency,
		})
		return clearing.WithTimeout(sim, cfg.Timeout), nil
	default:
		return nil, config.Error.New("unknown clearing mode %q", cfg.Mode)
	}
}

func newChainListener(ctx context.Context, cfg config.Chain, service *settlement.Service, database *db.DB, logger *zap.Logger) (*chain.Listener, func(), error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, nil, config.Error.New("CONTRACT_ADDRESS %q is not a hex address", cfg.ContractAddress)
	}

	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	checkpoint, err := chain.OpenCheckpoint(cfg.CheckpointDir)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	listener := chain.NewListener(chain.ListenerConfig{
		Source:     client,
		Contract:   common.HexToAddress(cfg.ContractAddress),
		Settler:    service,
		Assets:     database,
		Checkpoint: checkpoint,
		Decimals:   cfg.AmountDecimals,
		Log:        logger.Named("chain"),
	})
	return listener, func() {
		client.Close()
		if err := checkpoint.Close(); err != nil {
			logger.Warn("failed to close checkpoint", zap.Error(err))
		}
	}, nil
}
