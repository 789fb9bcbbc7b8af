package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roomsync/platform/pkg/common/config"
	"github.com/roomsync/platform/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	db     *gorm.DB
	dbOnce sync.Once
	dbErr  error
)

// GetPostgres opens the shared pool on first use. Timestamps are written in
// UTC so sync and audit times compare across replicas.
func GetPostgres(cfg *config.Config) (*gorm.DB, error) {
	dbOnce.Do(func() {
		gormCfg := &gorm.Config{
			Logger: gormlogger.New(logger.Log, gormlogger.Config{
				SlowThreshold:             cfg.SlowQuery,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			}),
			NowFunc: func() time.Time { return time.Now().UTC() },
		}

		conn, err := gorm.Open(postgres.Open(postgresDSN(cfg)), gormCfg)
		if err != nil {
			logger.Log.WithError(err).Error("Failed to connect to PostgreSQL")
			dbErr = err
			return
		}

		sqlDB, err := conn.DB()
		if err != nil {
			dbErr = err
			return
		}
		sqlDB.SetMaxOpenConns(cfg.PostgresMaxOpen)
		sqlDB.SetMaxIdleConns(cfg.PostgresMaxIdle)
		sqlDB.SetConnMaxLifetime(cfg.PostgresConnTTL)

		db = conn
		logger.Log.WithFields(map[string]interface{}{
			"host":     cfg.PostgresHost,
			"database": cfg.PostgresDB,
		}).Info("Connected to PostgreSQL")
	})

	if dbErr == nil && db == nil {
		dbErr = errors.New("postgres connection unavailable")
	}
	return db, dbErr
}

func postgresDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.PostgresHost,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresPort,
		cfg.PostgresSSLMode,
	)
}

// PingPostgres backs the readiness probe.
func PingPostgres(ctx context.Context) error {
	if db == nil {
		return errors.New("postgres not initialised")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func ClosePostgres() error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
