package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/dactylo/internal/analytics"
	"github.com/example/dactylo/internal/auth"
	"github.com/example/dactylo/internal/config"
	"github.com/example/dactylo/internal/handlers"
	"github.com/example/dactylo/internal/health"
	"github.com/example/dactylo/internal/history"
	"github.com/example/dactylo/internal/logging"
	"github.com/example/dactylo/internal/predictclient"
	"github.com/example/dactylo/internal/session"
)

const gracePeriod = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := history.NewRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	predictor, err := predictclient.New(cfg.APIBaseURL, logger, predictclient.WithHTTPClient(httpClient))
	if err != nil {
		logger.Fatal("invalid prediction service url", zap.Error(err))
	}
	analyticsClient := analytics.NewClient(predictor.BaseURL(), httpClient, logger)

	historyService := history.NewService(repo, history.NewRedisCache(redisClient), logger)
	factory := session.NewFactory(predictor, analyticsClient, historyService, cfg.RequestTimeout, logger)
	registry := session.NewRegistry(factory, logger)

	healthServer := grpchealth.NewServer()
	monitor := health.NewMonitor(predictor, healthServer, cfg.HealthInterval, logger)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc server failed", zap.Error(err))
		}
	}()

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, handlers.Deps{
		Registry:      registry,
		History:       historyService,
		Health:        monitor,
		Plots:         analyticsClient,
		MaxUploadSize: cfg.MaxUploadBytes,
		WaitTimeout:   cfg.RequestTimeout,
		Logger:        logger,
	}, authMiddleware)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logger.Info("dactylo gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("api", predictor.BaseURL().String()))
	serveErr := serveHTTPServer(server, gracePeriod, logger)

	stopMonitor()
	healthServer.Shutdown()
	grpcServer.GracefulStop()
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
