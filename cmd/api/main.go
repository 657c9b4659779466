package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cleanbox/internal/api"
	"cleanbox/internal/config"
	"cleanbox/internal/health"
	"cleanbox/internal/mailbox"
	"cleanbox/internal/mailbox/gmail"
	"cleanbox/internal/registry"
	"cleanbox/internal/scanner"
	"cleanbox/internal/scheduler"
	"cleanbox/internal/store/postgres"
	"cleanbox/internal/store/postgres/migrations"
	"cleanbox/internal/taskstore"
	"cleanbox/pkg/cryptox"
	"cleanbox/pkg/db"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/mq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	log.Info("Starting cleanbox api...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("port", cfg.Server.Port),
		zap.Bool("require_approval", cfg.Pipeline.RequireApproval),
	)

	// DB
	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer pool.Close()
	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	cipher, err := cryptox.NewCipher(cfg.Encryption.Key)
	if err != nil {
		log.Fatal("Failed to init token cipher", zap.Error(err))
	}

	// Stores
	st := postgres.New(pool)
	jobStore := postgres.NewJobStore(pool)

	// 任务只写入 jobs 表，由 worker 的 dispatcher 发布
	sched := scheduler.New(jobStore, publisher, cfg.Scheduler, log)
	tasks := taskstore.New(st, log)

	// Mailbox
	provider := gmail.New(cfg.Google)
	resolver := mailbox.NewResolver(st, cipher, provider, log)
	reg := registry.New(st, cfg.Pipeline.RequireApproval)
	scan := scanner.New(provider, resolver, reg, sched, cfg.Scanner, log)

	// Handlers
	handlers := api.Handlers{
		Scan:    api.NewScanHandler(st, scan, sched, log),
		Tasks:   api.NewTaskHandler(st, tasks, sched, log),
		Account: api.NewAccountHandler(st, provider, cipher, cfg.JWT.Secret, log),
		Admin:   api.NewAdminHandler(sched, log),
	}
	checks := health.NewHandler(map[string]health.Check{
		"database": st.Ping,
		"rabbitmq": func(context.Context) error { return publisher.Ping() },
	})
	router := api.NewRouter(handlers, cfg.JWT.Secret, checks, log)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("cleanbox api is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down cleanbox api gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("cleanbox api shutdown complete")
}
