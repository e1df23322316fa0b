package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pingpay/pingpay/internal/api"
	"github.com/pingpay/pingpay/internal/auth"
	"github.com/pingpay/pingpay/internal/cache"
	"github.com/pingpay/pingpay/internal/chain"
	"github.com/pingpay/pingpay/internal/config"
	"github.com/pingpay/pingpay/internal/kms"
	"github.com/pingpay/pingpay/internal/logging"
	"github.com/pingpay/pingpay/internal/metrics"
	"github.com/pingpay/pingpay/internal/monitor"
	"github.com/pingpay/pingpay/internal/payments"
	"github.com/pingpay/pingpay/internal/ratelimit"
	"github.com/pingpay/pingpay/internal/scheduler"
	"github.com/pingpay/pingpay/internal/store"
	"github.com/pingpay/pingpay/internal/walletcrypto"
)

func main() {
	cfg, err := config.Load(os.Getenv("PINGPAY_CONFIG_DIR"))
	if err != nil {
		panic(err)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	rootLog := logging.Component(log, "main")

	db, err := store.Open(cfg.Database.ConnectionString, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		rootLog.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()
	if err := store.Migrate(db, "file://migrations"); err != nil {
		rootLog.WithError(err).Fatal("migrations failed")
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.ConnectionString)
	if err != nil {
		rootLog.WithError(err).Fatal("invalid redis connection string")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	kmsProvider, err := kms.NewProvider(cfg.KeyMgmt)
	if err != nil {
		rootLog.WithError(err).Fatal("key management init failed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	chainClient := chain.New(chain.Config{
		RpcURL:     cfg.Solana.RpcUrl,
		UseDevnet:  cfg.Solana.UseDevnet,
		Commitment: cfg.Solana.Commitment,
	}, logging.Component(log, "chain"))

	crypto := walletcrypto.New(kmsProvider, logging.Component(log, "walletcrypto"))
	balances := cache.New(rdb, chainClient, logging.Component(log, "cache"))

	limiter := ratelimit.New(rdb, map[string]ratelimit.Rule{
		payments.ActionSendPayment: {Max: cfg.RateLimit.TransferPerMinute, Window: time.Duration(cfg.RateLimit.WindowSeconds) * time.Second},
		auth.ActionRequestOTP:      {Max: cfg.RateLimit.OtpRequestPerHour, Window: time.Hour},
		auth.ActionVerifyOTP:       {Max: cfg.RateLimit.OtpVerifyPerHour, Window: time.Hour},
	})

	users := store.NewUserRepo(db)
	wallets := store.NewWalletRepo(db)
	txs := store.NewTransactionRepo(db)
	audit := store.NewAuditRepo(db)

	var sender auth.Sender = &auth.LogSender{Log: logging.Component(log, "otp")}
	tokens := auth.NewTokenIssuer(cfg.JWT)

	authSvc, err := auth.New(auth.Deps{
		DB: db, Users: users, Wallets: wallets, Audit: audit,
		Crypto: crypto, Redis: rdb, Sender: sender,
		Tokens: tokens, Limiter: limiter, Metrics: m,
		Log: logging.Component(log, "auth"),
	}, cfg.Payments)
	if err != nil {
		rootLog.WithError(err).Fatal("auth init failed")
	}

	hostname, _ := os.Hostname()
	sched := scheduler.New(rdb, m, logging.Component(log, "scheduler"), hostname)
	queue := scheduler.NewQueue(rdb, logging.Component(log, "queue"), 2*time.Minute)

	engine, err := payments.New(payments.Deps{
		Users: users, Wallets: wallets, Txs: txs, Audit: audit,
		Whitelist: store.NewWhitelistRepo(db),
		Settings:  store.NewSettingsRepo(db),
		Crypto:    crypto, Chain: chainClient, Balances: balances,
		Limiter: limiter, Queue: queue,
		Fees:    &payments.ScheduleFee{Repo: store.NewFeeScheduleRepo(db)},
		Metrics: m,
		Log:     logging.Component(log, "payments"),
	}, cfg.Payments)
	if err != nil {
		rootLog.WithError(err).Fatal("payment engine init failed")
	}

	mon := monitor.New(monitor.Deps{
		Txs: txs, Users: users, Wallets: wallets,
		Summary: store.NewSummaryRepo(db), Audit: audit,
		Chain:   chainClient, Balances: balances, Crypto: crypto,
		KMS: kmsProvider, Metrics: m,
		Log: logging.Component(log, "monitor"),
	})
	if err := mon.Register(sched, queue); err != nil {
		rootLog.WithError(err).Fatal("monitor job registration failed")
	}

	srv := api.New(api.Deps{
		Auth: authSvc, Engine: engine, Wallets: wallets,
		Balances: balances, Tokens: tokens,
		Registry: registry, Log: logging.Component(log, "api"),
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	queueCtx, stopQueue := context.WithCancel(context.Background())
	go queue.Run(queueCtx)
	sched.Start()

	go func() {
		rootLog.WithField("addr", cfg.HTTP.ListenAddr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rootLog.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	rootLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rootLog.WithError(err).Warn("http shutdown incomplete")
	}
	stopQueue()
	sched.Stop(shutdownCtx)
	rootLog.Info("stopped")
}
