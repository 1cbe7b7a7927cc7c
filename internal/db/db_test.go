package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/llmdock/internal/models"
)

func TestCheckMySQLDSN(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		wantErr string
	}{
		{
			name: "valid",
			dsn:  "llmdock:secret@tcp(127.0.0.1:3306)/llmdock?parseTime=true",
		},
		{
			name:    "missing parseTime",
			dsn:     "llmdock:secret@tcp(127.0.0.1:3306)/llmdock",
			wantErr: "parseTime=true",
		},
		{
			name:    "garbage",
			dsn:     "not a dsn",
			wantErr: "invalid mysql dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckMySQLDSN(tt.dsn)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckMySQLDSN() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("CheckMySQLDSN() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Fatalf("Open(postgres) = %v, want unsupported driver error", err)
	}
}

func TestOpen_MySQLRejectsBadDSNBeforeDialing(t *testing.T) {
	_, err := Open(DriverMySQL, "root@tcp(127.0.0.1:1)/x")
	if err == nil || !strings.Contains(err.Error(), "parseTime=true") {
		t.Fatalf("Open(mysql) = %v, want parseTime error", err)
	}
}

func TestOpen_SQLiteFileAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "llmdock.db")
	gdb, err := Open(DriverSQLite, path)
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
	for _, idx := range []string{"ServiceName", "Status", "CreatedAt"} {
		if !gdb.Migrator().HasIndex(&models.BenchmarkRun{}, idx) {
			t.Errorf("index on %s missing", idx)
		}
	}

	// Re-running is a no-op.
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 1 {
		t.Errorf("AllModels() returned %d models, want 1", got)
	}
}
