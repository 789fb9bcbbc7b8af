package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/roomsync/platform/pkg/audit"
	"github.com/roomsync/platform/pkg/common/config"
	"github.com/roomsync/platform/pkg/common/database"
	"github.com/roomsync/platform/pkg/common/kafka"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/observability/metrics"
)

// audit-sink drains the audit topic into postgres when the channel service
// runs with AUDIT_SINK=kafka.
func main() {
	_ = godotenv.Load()
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	repo := audit.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate audit tables")
	}

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.AuditKafkaTopic, cfg.KafkaGroupID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Log.WithFields(map[string]interface{}{
			"topic": cfg.AuditKafkaTopic,
			"group": cfg.KafkaGroupID,
		}).Info("Audit sink consuming")
		if err := consumer.Consume(ctx, repo.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Error("audit consumer stopped")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.AuditSinkPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.ReadTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start audit sink health server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down audit sink...")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("audit sink forced to shutdown")
	}
	if err := consumer.Close(); err != nil {
		logger.Log.WithError(err).Warn("failed to close kafka consumer")
	}
	database.ClosePostgres()
	logger.Log.Info("Audit sink stopped")
}
