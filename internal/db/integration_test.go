//go:build integration

package db

import (
	"os"
	"testing"

	"github.com/zulandar/llmdock/internal/models"
)

// mysqlDSN returns the DSN of a scratch MySQL database for integration
// tests, skipping the test when none is configured.
func mysqlDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LLMDOCK_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("LLMDOCK_TEST_MYSQL_DSN not set")
	}
	return dsn
}

func TestIntegration_MySQLMigrate(t *testing.T) {
	gdb, err := Open(DriverMySQL, mysqlDSN(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(gdb)

	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if !gdb.Migrator().HasTable(&models.BenchmarkRun{}) {
		t.Fatal("benchmark_runs table missing")
	}
}

func TestIntegration_MySQLRoundTrip(t *testing.T) {
	gdb, err := Open(DriverMySQL, mysqlDSN(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(gdb)
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	run := models.BenchmarkRun{ID: "integration-run", ServiceName: "llamacpp-x", ModelPath: "/m.gguf", Status: "pending"}
	if err := gdb.Create(&run).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { gdb.Delete(&models.BenchmarkRun{}, "id = ?", run.ID) })

	var got models.BenchmarkRun
	if err := gdb.First(&got, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not scanned into time.Time")
	}
}
