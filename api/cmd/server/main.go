package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"geoTransform/api/accounting"
	"geoTransform/api/cache"
	"geoTransform/api/config"
	"geoTransform/api/database"
	"geoTransform/api/handlers"
	"geoTransform/api/kafka"
	"geoTransform/api/middleware"
	"geoTransform/api/repository"
	"geoTransform/api/service"
	"geoTransform/worker/converter"
	"geoTransform/worker/output"
	"geoTransform/worker/pool"
	workersvc "geoTransform/worker/service"
)

func newLogger(cfg *config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Development() {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	logger.Info("API Service starting",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Int("workers", cfg.WorkerCount),
	)

	for _, dir := range []string{cfg.OutputDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to open ticket store", zap.Error(err))
	}
	defer store.Close()

	var statusCache service.StatusCache
	if cfg.RedisAddr != "" {
		redisCache, err := database.ConnectCache(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisCache.Close()
		statusCache = cache.NewStatusCache(redisCache, cfg.StatusCacheTTL)
		logger.Info("Status cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	sinks := []accounting.Sink{accounting.NewLogSink(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.AccountingTopic, logger)
		if err != nil {
			logger.Fatal("Failed to create Kafka producer", zap.Error(err))
		}
		defer producer.Close()
		sinks = append(sinks, producer)
		logger.Info("Accounting published to Kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.AccountingTopic),
		)
	}
	sink := accounting.Tee(sinks...)

	area := output.NewArea(cfg.OutputDir)
	proc := workersvc.NewProcessor(converter.NewConverter(logger), cfg.TempDir, logger)

	completionOpts := []workersvc.CompletionOption{
		workersvc.WithAccounting(sink),
		workersvc.WithCleanup(proc.Cleanup),
	}
	serviceOpts := []service.Option{service.WithAccounting(sink)}
	if statusCache != nil {
		completionOpts = append(completionOpts, workersvc.WithStatusWriter(statusCache))
		serviceOpts = append(serviceOpts, service.WithStatusCache(statusCache))
	}
	completion := workersvc.NewCompletionHandler(store, area, logger, completionOpts...)
	workers := pool.NewWorkerPool(cfg.WorkerCount, proc.Run, completion.Complete, logger)

	ticketService := service.NewTicketService(store, proc, workers, area, logger, serviceOpts...)
	ticketHandler := handlers.NewTicketHandler(ticketService, cfg.MaxUploadSize, logger)

	mux := http.NewServeMux()
	ticketHandler.Register(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: middleware.Chain(mux,
			middleware.TraceID,
			middleware.Logging(logger),
			middleware.Recovery(logger),
			middleware.CORS(cfg.CORSOrigins),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if perr := workers.Shutdown(shutdownCtx); perr != nil {
			logger.Warn("Deferred jobs still running at exit", zap.Error(perr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("Server stopped")
}
