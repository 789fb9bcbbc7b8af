package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/roomsync/platform/pkg/audit"
	"github.com/roomsync/platform/pkg/channel/gateway"
	"github.com/roomsync/platform/pkg/channel/push"
	"github.com/roomsync/platform/pkg/channel/token"
	"github.com/roomsync/platform/pkg/common/config"
	"github.com/roomsync/platform/pkg/common/database"
	"github.com/roomsync/platform/pkg/common/httpclient"
	"github.com/roomsync/platform/pkg/common/kafka"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/middleware"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/roomsync/platform/pkg/connection"
	"github.com/roomsync/platform/pkg/keepalive"
	"github.com/roomsync/platform/pkg/observability/metrics"
	"github.com/roomsync/platform/pkg/syncstate"
)

func main() {
	_ = godotenv.Load()
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	connRepo := connection.NewRepository(db)
	if err := connRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate connection tables")
	}
	syncRepo := syncstate.NewRepository(db)
	if err := syncRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate sync state tables")
	}
	auditRepo := audit.NewRepository(db)
	if err := auditRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate audit tables")
	}

	rules, err := audit.LoadRules(cfg.RedactionRulesPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load redaction rules")
	}
	redactor, err := audit.NewRedactor(rules)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid redaction rules")
	}

	var sink audit.Sink = auditRepo
	var producer *kafka.Producer
	if cfg.AuditSink == "kafka" {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.AuditKafkaTopic)
		sink = audit.NewKafkaSink(producer)
		logger.Log.WithField("topic", cfg.AuditKafkaTopic).Info("audit entries published to kafka")
	}
	auditWriter := audit.NewWriter(sink, redactor, audit.WriterOptions{
		QueueSize:    cfg.AuditQueueSize,
		WriteTimeout: cfg.AuditWriteTimeout,
	})

	httpClient := httpclient.New(cfg.RequestTimeout)
	refresher, err := token.NewRefresher(cfg.ProviderTokenMode, cfg.ProviderTokenURL, cfg.ProviderClientID, cfg.ProviderClientSecret, cfg.ProviderRefreshHeader, httpClient)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid token configuration")
	}
	headerNames := gateway.HeaderNames{
		RequestCost:      cfg.RequestCostHeader,
		CreditsRemaining: cfg.CreditsRemainingHeader,
		CreditsReset:     cfg.CreditsResetHeader,
		CreditLimit:      cfg.CreditLimitHeader,
	}
	tokens := token.NewManager(connRepo, refresher, token.Options{
		ReadToken:       cfg.ProviderReadToken,
		SafetyBuffer:    cfg.TokenSafetyBuffer,
		DefaultTTL:      cfg.TokenDefaultTTL,
		RefreshAttempts: cfg.RefreshAttempts,
		RefreshTimeout:  cfg.RequestTimeout * time.Duration(max(cfg.RefreshAttempts, 1)),
		Audit:           auditWriter,
		Provider:        cfg.ProviderName,
		TokenEndpoint:   cfg.ProviderTokenURL,
		RateLimit: func(h http.Header) models.RateLimit {
			return gateway.ParseRateLimit(h, headerNames)
		},
	})

	client := gateway.NewClient(httpClient, tokens, gateway.Options{
		BaseURL:       cfg.ProviderBaseURL,
		AuthHeader:    cfg.ProviderAuthHeader,
		AuthScheme:    cfg.ProviderAuthScheme,
		AuthPrefixes:  cfg.ProviderAuthPrefixes,
		Headers:       headerNames,
		CreditReserve: cfg.CreditReserve,
		MaxWait:       cfg.MaxBackoffWait,
		PacerRPS:      cfg.PacerRPS,
		PacerBurst:    cfg.PacerBurst,
	})
	policy := gateway.NewPolicy(client, tokens, auditWriter, gateway.PolicyOptions{
		Provider:       cfg.ProviderName,
		MaxWait:        cfg.MaxBackoffWait,
		DefaultBackoff: cfg.DefaultBackoff,
	})

	orchestrator := push.NewOrchestrator(policy, syncRepo, push.Options{
		MaxChunkDays: cfg.PushMaxChunkDays,
		Endpoints: map[push.Kind]string{
			push.KindRates:        cfg.PushRatesEndpoint,
			push.KindAvailability: cfg.PushAvailabilityEndpoint,
			push.KindRestrictions: cfg.PushRestrictionsEndpoint,
		},
	})

	var locker keepalive.Locker
	if cfg.KeepAliveLock {
		locker = keepalive.NewRedisLocker(database.GetRedis(cfg))
	}
	job := keepalive.NewJob(connRepo, tokens, locker, keepalive.Options{
		Dormancy: cfg.KeepAliveDormancy,
		LockTTL:  cfg.KeepAliveLockTTL,
	})

	var scheduler *keepalive.Scheduler
	if cfg.KeepAliveScheduler {
		scheduler, err = keepalive.NewScheduler(job, cfg.KeepAliveSchedule, cfg.KeepAliveLockTTL)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid keep-alive schedule")
		}
		scheduler.Start()
		logger.Log.WithField("schedule", cfg.KeepAliveSchedule).Info("keep-alive scheduler started")
	}
	if cfg.CronSecret == "" {
		logger.Log.Warn("CRON_SECRET is empty; the keep-alive endpoint will reject every request")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := database.PingPostgres(r.Context()); err != nil {
			http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
			return
		}
		if cfg.KeepAliveLock {
			if err := database.PingRedis(r.Context()); err != nil {
				http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	keepalive.NewHandler(job, cfg.CronSecret).Register(router)

	api := router.PathPrefix("/api/v1").Subrouter()
	connection.NewHandler(connection.NewService(connRepo, tokens, cfg.ProviderName)).Register(api)
	syncstate.NewHandler(syncRepo).Register(api)
	push.NewHandler(orchestrator).Register(api)
	audit.NewHandler(auditRepo).Register(api)

	var handler http.Handler = router
	handler = middleware.BodyLimit(cfg.MaxRequestBody)(handler)
	handler = middleware.RateLimit(cfg.InboundRPS, cfg.InboundBurst)(handler)
	handler = middleware.CORS(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Recovery(handler)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Channel service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start channel service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down channel service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Channel service forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := auditWriter.Close(ctx); err != nil {
		logger.Log.WithError(err).Warn("audit queue not fully drained")
	}
	if producer != nil {
		producer.Close()
	}
	if cfg.KeepAliveLock {
		database.CloseRedis()
	}
	database.ClosePostgres()
	logger.Log.Info("Channel service stopped")
}
