// Package store opens the queue and job databases. Postgres connections are
// health-checked through a pgx pool before gorm attaches; sqlite URIs open
// directly and rely on the queue's process-local serialization.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/env"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/jackc/pgx/v4/log/logrusadapter"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IsSQLite reports whether the URI names a sqlite database.
func IsSQLite(uri string) bool {
	return strings.HasPrefix(uri, "sqlite://") ||
		strings.HasPrefix(uri, "file:") ||
		strings.HasSuffix(uri, ".db") ||
		uri == ":memory:"
}

// Open connects to the database named by uri and returns the gorm handle
// plus a close func. Postgres URIs get a retried pgx health check first so a
// container start can wait out a slow database.
func Open(uri string) (*gorm.DB, func(), error) {
	if uri == "" {
		return nil, nil, fmt.Errorf("empty database URI")
	}

	nowFunc := func() time.Time {
		return time.Now().UTC()
	}
	gormConfig := &gorm.Config{Logger: getLogger(), NowFunc: nowFunc}

	if IsSQLite(uri) {
		path := strings.TrimPrefix(uri, "sqlite://")
		db, err := gorm.Open(sqlite.Open(path), gormConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return db, func() {}, nil
	}

	pool, err := connectPool(uri)
	if err != nil {
		return nil, nil, err
	}

	db, err := gorm.Open(postgres.Open(uri), gormConfig)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return db, pool.Close, nil
}

// connectPool establishes the pgx pool with retries and error-level logging.
func connectPool(uri string) (*pgxpool.Pool, error) {
	maxRetries := env.GetEnvAsIntOrDefault("DB_CONNECT_MAX_RETRIES", "30")
	retryInterval := time.Duration(env.GetEnvAsIntOrDefault("DB_CONNECT_RETRY_INTERVAL_SECONDS", "2")) * time.Second

	poolConfig, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}
	logrusLogger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.JSONFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.ErrorLevel,
		ExitFunc:  os.Exit,
	}
	poolConfig.ConnConfig.Logger = logrusadapter.NewLogger(logrusLogger)

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err = pgxpool.ConnectConfig(context.Background(), poolConfig)
		if err == nil {
			return pool, nil
		}
		if attempt == maxRetries {
			break
		}
		logging.Log.WithError(err).Warnf("Database connection attempt %d/%d failed, retrying in %v", attempt, maxRetries, retryInterval)
		time.Sleep(retryInterval)
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}

func getLogger() logger.Interface {
	slowThresholdSeconds := env.GetEnvAsIntOrDefault("SQL_LOGGER_SLOW_SQL_SECONDS", "1")
	logLevel := env.GetEnvOrDefault("SQL_LOGGER_LEVEL", "error")
	ignoreRecordNotFound := env.GetEnvAsBoolOrDefault("SQL_LOGGER_IGNORE_RECORD_NOT_FOUND", "true")
	colorful := env.GetEnvAsBoolOrDefault("SQL_LOGGER_COLORFUL_LOGS", "true")
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Duration(slowThresholdSeconds) * time.Second,
			LogLevel:                  getLogLevel(logLevel),
			IgnoreRecordNotFoundError: ignoreRecordNotFound,
			Colorful:                  colorful,
		},
	)
}

func getLogLevel(loglevel string) logger.LogLevel {
	switch strings.ToLower(loglevel) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "silent":
		return logger.Silent
	default:
		return logger.Error
	}
}
