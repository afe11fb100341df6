// Package database opens the gorm connection behind the token ledger.
package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/nftsettle/pkg/metrics"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options holds the ledger connection and pool settings. Zero pool values
// fall back to defaults.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the ledger database.
func Open(opts Options, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverPostgres:
		dialector = postgres.Open(opts.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: opts.Driver == DriverPostgres,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	maxOpen, maxIdle, lifetime := opts.MaxOpenConns, opts.MaxIdleConns, opts.ConnMaxLifetime
	if opts.Driver == DriverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		maxOpen, maxIdle = 1, 1
	}
	if maxOpen == 0 {
		maxOpen = 50
	}
	if maxIdle == 0 {
		maxIdle = 10
	}
	if lifetime == 0 {
		lifetime = time.Hour
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	log.Info("Ledger database connected",
		zap.String("driver", opts.Driver),
		zap.Int("max_open_conns", maxOpen))
	return db, nil
}

// ReportPoolStats publishes pool gauges every interval until ctx is done.
func ReportPoolStats(ctx context.Context, db *gorm.DB, driver string, interval time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := sqlDB.Stats()
		metrics.DBOpenConns.WithLabelValues(driver).Set(float64(stats.OpenConnections))
		metrics.DBIdleConns.WithLabelValues(driver).Set(float64(stats.Idle))
		metrics.DBInUseConns.WithLabelValues(driver).Set(float64(stats.InUse))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
