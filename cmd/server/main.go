// main wires the process: config, signer, gateway client, session, stores,
// audit, and the HTTP surface. Business logic lives in the internal packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"erigate/internal/audit"
	"erigate/internal/eri"
	"erigate/internal/filing"
	"erigate/internal/filing/service"
	"erigate/internal/jwtauth"
	"erigate/internal/platform/config"
	"erigate/internal/platform/httpserver"
	"erigate/internal/platform/logger"
	"erigate/internal/platform/metrics"
	"erigate/internal/platform/redis"
	"erigate/internal/session"
	"erigate/internal/signing"
	httptransport "erigate/internal/transport/http"
)

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	signer, err := signing.LoadSigner(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		log.Error("DSC load failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	client := eri.NewClient(cfg.GovBaseURL, eri.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		ERIUserID:    cfg.ERIUserID,
		ERIPassword:  cfg.ERIPassword,
	}, signer, log,
		eri.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout.Std()}),
		eri.WithRetryPolicy(eri.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay.Std()}),
		eri.WithMetrics(m),
	)
	sessions := session.NewManager(client, cfg.ERIUserID, cfg.TokenRefreshMargin.Std(), log)

	var db *sql.DB
	if cfg.PostgresURL != "" {
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Error("postgres ping failed", "error", err)
			os.Exit(1)
		}
	}

	redisClient, err := redis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var store filing.Store
	switch {
	case db != nil:
		store = filing.NewPostgresStore(db)
		log.Info("filing store", "backend", "postgres")
	case redisClient != nil:
		store = filing.NewRedisStore(redisClient.Client)
		log.Info("filing store", "backend", "redis")
	default:
		store = filing.NewInMemoryStore()
		log.Info("filing store", "backend", "memory")
	}

	var auditStore audit.Store
	if db != nil {
		auditStore = audit.NewPostgresStore(db)
	} else {
		auditStore = audit.NewInMemoryStore()
	}
	auditor := audit.NewPublisher(auditStore, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.KafkaSeeds) > 0 {
		sink, err := audit.NewKafkaSink(cfg.KafkaSeeds, cfg.KafkaTopic)
		if err != nil {
			log.Error("kafka connect failed", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		worker := audit.NewWorker(sink, auditor.Inbox(), log)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit worker stopped", "error", err)
			}
		}()
	}

	svc := service.New(store, client, sessions, auditor, service.Config{
		OTPMaxAttempts: cfg.OTPMaxAttempts,
		OTPWindow:      cfg.OTPWindow.Std(),
		EVCWindow:      cfg.EVCWindow.Std(),
	}, log, service.WithMetrics(m))

	jwtSvc := jwtauth.New(cfg.JWTSigningKey, "erigate", "erigate-api")
	router := httptransport.NewRouter(
		httptransport.NewFilingHandler(svc, log),
		httptransport.NewAuthHandler(jwtSvc, cfg.APIKeyHash, log),
		httptransport.NewJWTValidator(jwtSvc),
		log,
	)
	srv := httpserver.New(cfg.Addr, router)

	go func() {
		log.Info("starting erigate", "addr", cfg.Addr, "gov_base_url", cfg.GovBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	// Terminate the gateway session so the remote side does not hold a live
	// token for a dead process.
	sessions.Logout(shutdownCtx)
}
