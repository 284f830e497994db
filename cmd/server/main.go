package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"reconciler/internal/api"
	"reconciler/internal/broker"
	"reconciler/internal/config"
	"reconciler/internal/notify"
	"reconciler/internal/reconcile"
	"reconciler/internal/repository"
	"reconciler/internal/service"
	"reconciler/internal/websocket"
	"reconciler/pkg/crypto"
	"reconciler/pkg/retry"
	"reconciler/pkg/utils"
)

// интервал фоновой очистки старых уведомлений
const cleanupInterval = time.Hour

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitLogger(utils.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
	}).Logger
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("reconciler failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализация базы данных
	db, err := initDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	store := repository.NewStore(db)

	// Адаптер брокера
	key, err := crypto.ParseKey(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("parse encryption key: %w", err)
	}
	vault, err := crypto.NewVault(key)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	httpCfg := broker.DefaultHTTPClientConfig()
	httpCfg.MaxIdleConns = cfg.Broker.MaxIdleConns
	httpCfg.IdleConnTimeout = cfg.Broker.IdleConnTimeout
	brokerClient := broker.NewRESTClient(broker.RESTConfig{
		BaseURL:   cfg.Broker.BaseURL,
		HTTP:      httpCfg,
		RateLimit: cfg.Broker.RateLimit,
		RateBurst: cfg.Broker.RateBurst,
	}, vault, logger)
	defer brokerClient.Close()

	// WebSocket hub и уведомления
	hub := websocket.NewHub(logger, cfg.Server.AllowedOrigins)
	go hub.Run()
	defer hub.Stop()

	dispatcher := notify.NewDispatcher(notify.Config{
		WebhookURL: cfg.Notify.WebhookURL,
		BufferSize: cfg.Notify.BufferSize,
		Timeout:    cfg.Notify.Timeout,
	}, store.Notifications, hub, prometheus.DefaultRegisterer, logger)
	dispatcher.Start()

	// Конвейер сверки
	metrics := reconcile.NewMetrics(prometheus.DefaultRegisterer)
	auditStore := reconcile.NewSQLStore(store)

	closerCfg := reconcile.DefaultCloserConfig()
	closerCfg.Policy.AttemptTimeout = cfg.Reconciler.CloseTimeout
	closerCfg.AwaitTimeout = cfg.Reconciler.CloseTimeout
	closerCfg.PollInterval = cfg.Reconciler.ClosePollInterval
	closerCfg.StaleAfter = cfg.Reconciler.PendingStaleAfter

	fetchPolicy := retry.FetchPolicy()
	fetchPolicy.AttemptTimeout = cfg.Reconciler.FetchTimeout

	pipeline := reconcile.NewPipeline(reconcile.PipelineDeps{
		Broker:    brokerClient,
		Store:     auditStore,
		Matcher:   reconcile.NewMatcher(cfg.Matching, metrics, logger),
		Drawdown:  reconcile.NewDrawdownGuard(cfg.Guards, cfg.Reconciler.RecoveryTicks, metrics, logger),
		Market:    reconcile.NewMarketGuard(cfg.Guards, cfg.Reconciler.RecoveryTicks, metrics, logger),
		Closer:    reconcile.NewCloser(brokerClient, auditStore, dispatcher, hub, cfg.Guards, closerCfg, metrics, logger),
		Notifier:  dispatcher,
		Publisher: hub,
		Metrics:   metrics,
		Logger:    logger,

		FetchPolicy: fetchPolicy,
	})

	scheduler := reconcile.NewScheduler(auditStore, pipeline, dispatcher, hub, reconcile.SchedulerConfig{
		TickInterval:             cfg.Reconciler.TickInterval,
		MaxConcurrentUsers:       cfg.Reconciler.MaxConcurrentUsers,
		ShutdownGrace:            cfg.Reconciler.ShutdownGrace,
		TransientEscalationTicks: cfg.Reconciler.TransientEscalationTicks,
	}, metrics, logger)

	// Ops API
	ops := service.NewOpsService(service.NewOpsRepository(store), hub, logger)

	router := api.SetupRoutes(&api.Dependencies{
		Ops:            ops,
		Stream:         hub.ServeWS,
		Metrics:        promhttp.Handler(),
		HealthCheck:    db.PingContext,
		TokenHash:      cfg.Security.OpsTokenHash,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- scheduler.Run(ctx)
	}()

	go runCleanup(ctx, ops, cfg.Notify.Retention, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr), zap.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	case err := <-schedulerDone:
		if err != nil {
			runErr = fmt.Errorf("scheduler failed: %w", err)
		}
		schedulerDone <- nil
	}

	// Новые тики не начинаются, конвейеры получают ShutdownGrace на завершение
	cancel()
	<-schedulerDone
	scheduler.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}

	logger.Info("server exited")
	return runErr
}

// runCleanup периодически удаляет старые уведомления
func runCleanup(ctx context.Context, ops service.OpsServiceInterface, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := ops.CleanupNotifications(ctx, retention)
			if err != nil {
				logger.Warn("notification cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("old notifications removed", zap.Int64("count", removed))
			}
		}
	}
}

// initDatabase создает подключение к базе данных
func initDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
