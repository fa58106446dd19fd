package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestRunCreatesQueueTables(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := Run(context.Background(), sqlDB, "sqlite3", "up"); err != nil {
		t.Fatalf("goose up: %v", err)
	}

	for _, table := range []string{"queued_reports", "queued_report_photos"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %s after migration", table)
		}
	}
	if !conn.Migrator().HasIndex("queued_reports", "idx_queued_reports_sync_status") {
		t.Fatalf("expected sync_status index")
	}

	if err := Run(context.Background(), sqlDB, "sqlite3", "down-to", "0"); err != nil {
		t.Fatalf("goose down-to 0: %v", err)
	}
	if conn.Migrator().HasTable("queued_reports") {
		t.Fatalf("expected queued_reports dropped")
	}
}

func TestRunRequiresDialect(t *testing.T) {
	if err := Run(context.Background(), nil, "sqlite3", "up"); err == nil {
		t.Fatalf("expected error without db")
	}
}

func TestQueueMigrationContainsConstraints(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_queued_reports.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no queued_reports migration file found")
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS queued_reports",
		"CHECK (sync_status IN ('pending', 'syncing', 'failed'))",
		"version BIGINT NOT NULL DEFAULT 1",
		"DROP TABLE IF EXISTS queued_reports",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestValidateDirAcceptsShippedMigrations(t *testing.T) {
	if err := ValidateDir("migrations"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	path, err := CreateSQLMigration(dir, "Add Photo Checksum!")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasSuffix(path, "_add_photo_checksum.sql") {
		t.Fatalf("unexpected filename %s", path)
	}
	if err := ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
}

func TestCreateRejectsExistingVersion(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if _, err := createAt(dir, "photo checksum", now); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := createAt(dir, "photo checksum", now); err == nil {
		t.Fatalf("expected duplicate file to be rejected")
	}
	if _, err := createAt(dir, "!!!", now); err == nil {
		t.Fatalf("expected empty slug to be rejected")
	}
}

func TestValidateDirRejectsBrokenFiles(t *testing.T) {
	cases := map[string]string{
		"20260302093000_no_down.sql":  "-- +goose Up\nSELECT 1;\n",
		"20260302093000_open.sql":     "-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose Down\n",
		"20260302093000_reversed.sql": "-- +goose Down\n-- +goose Up\n",
		"2026_bad_name.sql":           "-- +goose Up\n-- +goose Down\n",
	}
	for name, body := range cases {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := ValidateDir(dir); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
