package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/negotiation/internal/adapter/handler"
	"github.com/rl1809/negotiation/internal/adapter/orders"
	"github.com/rl1809/negotiation/internal/adapter/realtime"
	"github.com/rl1809/negotiation/internal/adapter/reporting"
	"github.com/rl1809/negotiation/internal/adapter/rpc"
	"github.com/rl1809/negotiation/internal/adapter/storage"
	"github.com/rl1809/negotiation/internal/config"
	"github.com/rl1809/negotiation/internal/core/service"
	"github.com/rl1809/negotiation/internal/logging"
	"github.com/rl1809/negotiation/internal/port"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		store     port.NegotiationRepository
		directory *storage.MySQLDirectory
		db        *sql.DB
	)
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("failed to open mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
		db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
		db.SetConnMaxLifetime(cfg.MySQLConnMaxLifetime)

		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping mysql", zap.Error(err))
		}
		logger.Info("connected to mysql")

		if cfg.RunMigrations {
			if err := storage.Migrate(db, logger); err != nil {
				logger.Fatal("failed to migrate", zap.Error(err))
			}
		}
		store = storage.NewMySQLAdapter(db)
		directory = storage.NewMySQLDirectory(db)
	default:
		store = storage.NewMemoryAdapter()
		logger.Warn("using in-memory negotiation store")
	}

	// Redis
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var (
		locker port.LineageLocker
		cache  port.CacheRepository
	)
	if cfg.LockBackend == config.LockRedis {
		locker = storage.NewRedisLocker(rdb, cfg.LockTTL, logger)
	} else {
		locker = storage.NewLocalLocker()
	}
	if rdb != nil {
		cache = storage.NewRedisAdapter(rdb)
	} else {
		cache = storage.NewMemoryCache()
	}

	// Real-time hub
	var backbone realtime.Backbone
	if cfg.RealtimeBackbone == config.BackboneRedis {
		backbone = realtime.NewRedisBackbone(rdb, logger)
	}
	threads := service.NewThreadQueryService(store, service.NewThreadAggregator(logger), directoryOrNil(directory), catalogOrNil(directory), logger)
	hub := realtime.NewHub(backbone, cfg.WSSendBuffer, logger, realtime.WithLineageAccess(threads.IsLineageParticipant))

	backboneDone := make(chan struct{})
	go func() {
		defer close(backboneDone)
		if err := hub.RunBackbone(ctx); err != nil {
			logger.Error("realtime backbone stopped", zap.Error(err))
		}
	}()

	// Order creation
	var reporter port.FailureReporter
	var kafkaReporter *reporting.KafkaReporter
	if len(cfg.KafkaBrokers) > 0 {
		kafkaReporter = reporting.NewKafkaReporter(cfg.KafkaBrokers, cfg.KafkaFailureTopic, logger)
		reporter = kafkaReporter
	} else {
		reporter = reporting.NewLogReporter(logger)
	}

	opts := []service.Option{service.WithLockTimeout(cfg.LockTimeout)}

	var orderClient *orders.GRPCClient
	var linker *service.OrderLinker
	if cfg.OrderServiceAddr != "" {
		orderClient, err = orders.NewGRPCClient(cfg.OrderServiceAddr)
		if err != nil {
			logger.Fatal("failed to create order client", zap.Error(err))
		}
		linker = service.NewOrderLinker(orderClient, store, cache, reporter, logger, cfg.OrderQueueSize, cfg.OrderTimeout)
		linker.Start(cfg.OrderWorkers)
		opts = append(opts, service.WithOrderEnqueuer(linker))
	} else {
		logger.Warn("no order service configured, accepted offers will not create orders")
	}

	// Services
	negotiations := service.NewNegotiationService(store, locker, hub, logger, opts...)

	// gRPC server
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(rpc.JSONCodec{}))
	handler.RegisterNegotiationServer(grpcServer, handler.NewGRPCHandler(negotiations, threads))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewRequestValidator()
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))

	handler.NewHTTPHandler(negotiations, threads).Register(e)
	handler.NewWSHandler(hub, cfg.AllowedOrigins, cfg.WSPingInterval).Register(e)

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Drain pending order links before closing their dependencies
	if linker != nil {
		linker.Close()
		logger.Info("order workers stopped")
	}

	cancel()
	<-backboneDone

	if orderClient != nil {
		orderClient.Close()
	}
	if kafkaReporter != nil {
		kafkaReporter.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	logger.Info("connections closed")
}

// a nil *MySQLDirectory must not reach the services as a non-nil interface
func directoryOrNil(d *storage.MySQLDirectory) port.ActorDirectory {
	if d == nil {
		return nil
	}
	return d
}

func catalogOrNil(d *storage.MySQLDirectory) port.Catalog {
	if d == nil {
		return nil
	}
	return d
}
