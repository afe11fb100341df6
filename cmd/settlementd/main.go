package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/api"
	"github.com/Aidin1998/nftsettle/common/auth"
	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/bookkeeper"
	"github.com/Aidin1998/nftsettle/internal/clock"
	"github.com/Aidin1998/nftsettle/internal/config"
	"github.com/Aidin1998/nftsettle/internal/consistency"
	"github.com/Aidin1998/nftsettle/internal/database"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/redis"
	"github.com/Aidin1998/nftsettle/internal/settlement"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/storage"
	"github.com/Aidin1998/nftsettle/internal/stream"
	"github.com/Aidin1998/nftsettle/internal/telemetry"
	"github.com/Aidin1998/nftsettle/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("SETTLEMENT_CONFIG"), "path to the yaml configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	bootLogger, err := logger.NewLogger("info")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	manager := config.NewManager(*configPath, bootLogger)
	cfg, err := manager.Load()
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *printConfig {
		if err := manager.Dump(os.Stdout); err != nil {
			bootLogger.Fatal("Failed to print configuration", zap.Error(err))
		}
		return
	}
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()
	slog.SetDefault(logger.Slog(zapLogger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Fatal("Settlement daemon failed", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		TraceStdout:  cfg.Telemetry.TraceStdout,
		MetricStdout: cfg.Telemetry.MetricStdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zapLogger.Error("Failed to flush telemetry", zap.Error(err))
		}
	}()

	// Escrow records
	var store *storage.BadgerStore
	if cfg.Storage.Path == "" {
		store, err = storage.OpenInMemory(zapLogger)
	} else {
		store, err = storage.Open(cfg.Storage.Path, zapLogger)
	}
	if err != nil {
		return err
	}
	defer store.Close()
	go store.RunGC(ctx, cfg.Storage.GCInterval)

	// Token ledger
	db, err := database.Open(database.Options{
		Driver:          cfg.Ledger.Driver,
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
	}, zapLogger)
	if err != nil {
		return err
	}
	go database.ReportPoolStats(ctx, db, cfg.Ledger.Driver, cfg.Ledger.StatsInterval)

	// Settlement events
	var producer messaging.Producer = messaging.NewLogProducer(zapLogger)
	if cfg.Kafka.Enabled {
		kafkaCfg := messaging.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.Kafka.Brokers
		kafkaCfg.TopicPrefix = cfg.Kafka.TopicPrefix
		if producer, err = messaging.NewKafkaProducer(kafkaCfg, zapLogger); err != nil {
			return err
		}
	}
	var hub *stream.Hub
	if cfg.Stream.Enabled {
		hub = stream.NewHub(zapLogger, cfg.Stream.ReplaySize)
		producer = messaging.Fanout{producer, hub}
	}
	bus := messaging.NewBus(producer, zapLogger, cfg.Telemetry.ServiceName)
	defer bus.Close()

	ledger, err := bookkeeper.NewService(zapLogger, db, bus)
	if err != nil {
		return err
	}

	// Reentrancy markers are shared across replicas only through redis.
	var markers consistency.MarkerStore = consistency.NewMemoryMarkers()
	if cfg.Redis.Enabled {
		redisCfg := redis.DefaultConfig()
		redisCfg.Addrs = cfg.Redis.Addrs
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		client, err := redis.NewClient(ctx, redisCfg, zapLogger)
		if err != nil {
			return err
		}
		defer client.Close()
		markers = consistency.NewRedisMarkers(client, "nftsettle:guard:", cfg.Redis.MarkerTTL)
	}

	clk, err := clock.NewLedger(ctx, store)
	if err != nil {
		return err
	}

	core, err := settlement.New(settlement.Deps{
		Logger:  zapLogger,
		Store:   store,
		Ledger:  ledger,
		Clock:   clk,
		Auth:    auth.ContextAuthorizer{},
		Guard:   consistency.NewReentrancyGuard(markers, zapLogger),
		Events:  bus,
		Custody: model.Address(cfg.Settlement.Custody),
	})
	if err != nil {
		return err
	}
	if cfg.Settlement.AutoInitialize {
		if err := initialize(ctx, core, cfg.Settlement); err != nil {
			return err
		}
	}

	opts := api.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Auth: auth.AuthorizationConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		},
		AdminTOTPSecret: cfg.Auth.AdminTOTPSecret,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
	}
	if hub != nil {
		opts.Events = hub
	}
	server := api.NewServer(zapLogger, core, opts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// initialize sets up the engine on first start. A configured engine is left
// untouched.
func initialize(ctx context.Context, core *settlement.Core, cfg config.SettlementConfig) error {
	_, err := core.GetAdminConfig(ctx)
	if err == nil {
		return nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	admin := model.Address(cfg.Admin)
	arbitrators := make([]model.Address, 0, len(cfg.Arbitrators))
	for _, a := range cfg.Arbitrators {
		arbitrators = append(arbitrators, model.Address(a))
	}
	return core.Initialize(auth.WithCaller(ctx, admin), admin, settlement.InitOptions{
		FeeRecipient: model.Address(cfg.FeeRecipient),
		Arbitrators:  arbitrators,
	})
}
