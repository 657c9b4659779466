package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	contracts "cleanbox/contracts/mq"
	"cleanbox/internal/api"
	"cleanbox/internal/config"
	"cleanbox/internal/executor"
	"cleanbox/internal/health"
	"cleanbox/internal/mailbox"
	"cleanbox/internal/mailbox/gmail"
	"cleanbox/internal/registry"
	"cleanbox/internal/scanner"
	"cleanbox/internal/scheduler"
	"cleanbox/internal/store/postgres"
	"cleanbox/internal/store/postgres/migrations"
	"cleanbox/internal/taskstore"
	"cleanbox/internal/worker"
	"cleanbox/pkg/cryptox"
	"cleanbox/pkg/db"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/mq"
	redisclient "cleanbox/pkg/redis"
	"cleanbox/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	workerCfg := cfg.Worker.WithDefaults()
	log.Info("Starting cleanbox worker...",
		zap.String("mq_url", cfg.MQ.URL),
		zap.Int("concurrency", workerCfg.Concurrency),
		zap.String("metrics_port", cfg.Server.MetricsPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	log.Info("Initializing database connection...")
	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer pool.Close()
	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redisclient.Ping(ctx, rdb); err != nil {
		// 锁只是优化，Redis 不可用时继续启动
		log.Warn("Redis not reachable, execution locks degrade to no-op", zap.Error(err))
	}

	// MQ
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	cipher, err := cryptox.NewCipher(cfg.Encryption.Key)
	if err != nil {
		log.Fatal("Failed to init token cipher", zap.Error(err))
	}

	st := postgres.New(pool)
	jobStore := postgres.NewJobStore(pool)
	sched := scheduler.New(jobStore, publisher, cfg.Scheduler, log)
	tasks := taskstore.New(st, log)

	provider := gmail.New(cfg.Google)
	resolver := mailbox.NewResolver(st, cipher, provider, log)
	reg := registry.New(st, cfg.Pipeline.RequireApproval)
	scan := scanner.New(provider, resolver, reg, sched, cfg.Scanner, log)

	exec := executor.NewRouter(
		executor.NewHTTPExecutor(nil, cfg.HTTPExecutor, log),
		executor.NewMailtoExecutor(cfg.SMTP, log),
	)
	locker := util.NewLocker(rdb, workerCfg.LockTTL, log)
	runner := worker.NewRunner(sched, tasks, st, exec, scan, locker, workerCfg, log)

	// Consumers: one queue per job kind
	var consumers []*mq.Consumer
	for _, rk := range []string{contracts.RoutingKeyScan, contracts.RoutingKeyExecute} {
		c, err := mq.NewConsumer(cfg.MQ.URL, rk, rk, workerCfg.Concurrency, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("queue", rk), zap.Error(err))
		}
		c.SetHandler(runner.HandleMessage)
		consumers = append(consumers, c)
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *mq.Consumer) {
			defer wg.Done()
			if err := c.StartConsuming(ctx); err != nil && ctx.Err() == nil {
				log.Error("Consumer stopped", zap.Error(err))
			}
		}(c)
	}

	// Dispatcher + sweeper
	sched.Start(ctx)
	sweeper := worker.NewSweeper(sched, tasks, workerCfg, log)
	go sweeper.Start(ctx)

	// HTTP Server (health + metrics)
	checks := health.NewHandler(map[string]health.Check{
		"database": st.Ping,
		"redis":    func(ctx context.Context) error { return redisclient.Ping(ctx, rdb) },
		"rabbitmq": func(context.Context) error { return publisher.Ping() },
	})
	srv := &http.Server{
		Addr:    cfg.Server.MetricsPort,
		Handler: api.NewOpsEngine(checks),
	}
	go func() {
		log.Info("Metrics server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("cleanbox worker is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down cleanbox worker gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error("Dispatcher shutdown error", zap.Error(err))
	}
	// 取消 ctx 后 consumer 等待在途消息处理完
	cancel()
	wg.Wait()
	for _, c := range consumers {
		c.Close()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown error", zap.Error(err))
	}

	log.Info("cleanbox worker shutdown complete")
}
