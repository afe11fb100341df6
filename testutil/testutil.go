// Package testutil opens the in-memory backends used across package tests.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/nftsettle/internal/storage"
)

// OpenLedgerDB opens an in-memory sqlite database. A single connection keeps
// every query on the same in-memory database.
func OpenLedgerDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// OpenStore opens an in-memory badger store.
func OpenStore(t testing.TB) *storage.BadgerStore {
	t.Helper()
	s, err := storage.OpenInMemory(zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
