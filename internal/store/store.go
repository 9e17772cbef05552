// Package store is the durable observability store: append-only record and
// envelope tables plus transaction headers, on SQLite via GORM.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sirupsen/logrus"
)

// Config holds store configuration.
type Config struct {
	Path       string
	Log        *logrus.Logger
	SQLiteOpts map[string]string
}

// DefaultConfig returns the store configuration for a database file under
// baseDir.
func DefaultConfig(baseDir string) *Config {
	return &Config{
		Path: filepath.Join(baseDir, "db", "gatebox.db"),
		Log:  logrus.StandardLogger(),
		SQLiteOpts: map[string]string{
			"_busy_timeout": "5000",
			"_journal_mode": "WAL",
			"_foreign_keys": "1",
			"_cache_size":   "-2000", // 2MB private cache
			"_synchronous":  "NORMAL",
		},
	}
}

// Store wraps the GORM handle and exposes the repositories.
type Store struct {
	db *gorm.DB

	Transactions TransactionRepository
	Records      RecordRepository
	Envelopes    EnvelopeRepository
	Policies     PolicyRepository
}

// Open opens (creating if needed) the SQLite database, runs migrations, and
// wires the repositories.
func Open(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("store config cannot be nil")
	}
	if config.Log == nil {
		config.Log = logrus.StandardLogger()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := config.Path
	var opts string
	for k, v := range config.SQLiteOpts {
		if opts != "" {
			opts += "&"
		}
		opts += fmt.Sprintf("%s=%s", k, v)
	}
	if opts != "" {
		dsn += "?" + opts
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite allows one writer; a single connection turns the pool into the
	// serialization point workers contend on.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate store database: %w", err)
	}

	s.Transactions = NewTransactionRepository(db)
	s.Records = NewRecordRepository(db)
	s.Envelopes = NewEnvelopeRepository(db)
	s.Policies = NewPolicyRepository(db)

	config.Log.WithField("database", config.Path).Info("Observability store initialized")
	return s, nil
}

// AutoMigrate creates or updates the store schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&TransactionRow{},
		&RecordRow{},
		&EnvelopeRow{},
		&PolicyRow{},
	)
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// HealthCheck pings the database.
func (s *Store) HealthCheck() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
