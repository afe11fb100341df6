package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/pkg/metrics"
)

func TestOpenSQLite(t *testing.T) {
	db, err := Open(Options{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "ledger.db")}, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, db.Exec("CREATE TABLE ping (id INTEGER)").Error)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "mysql", DSN: "x"}, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported ledger driver")
}

func TestReportPoolStats(t *testing.T) {
	db, err := Open(Options{Driver: DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, sqlDB.Ping())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ReportPoolStats(ctx, db, "sqlite-test", time.Millisecond)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DBOpenConns.WithLabelValues("sqlite-test")) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
