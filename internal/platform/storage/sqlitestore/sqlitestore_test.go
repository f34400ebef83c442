package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	migrations := fstest.MapFS{
		"001_items.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;")},
		"002_more.sql":  &fstest.MapFile{Data: []byte("ALTER TABLE items ADD COLUMN name TEXT NOT NULL DEFAULT '';")},
		"README.md":     &fstest.MapFile{Data: []byte("not a migration")},
	}

	db, err := Open(ctx, path, migrations)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 2 {
		t.Fatalf("migrations recorded = %d, want 2", got)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO items (id, name) VALUES ('a', 'b')"); err != nil {
		t.Fatalf("insert after migrations: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = Open(ctx, path, migrations)
	if err != nil {
		t.Fatalf("reopen should skip applied migrations: %v", err)
	}
	defer db.Close()
	if got := countRows(t, db, "SELECT COUNT(*) FROM items"); got != 1 {
		t.Fatalf("items = %d, want 1", got)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenFailsOnBrokenMigration(t *testing.T) {
	migrations := fstest.MapFS{
		"001_bad.sql": &fstest.MapFile{Data: []byte("CREATE TABLE (")},
	}
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "bad.db"), migrations)
	if err == nil || !strings.Contains(err.Error(), "001_bad.sql") {
		t.Fatalf("expected migration error naming the file, got %v", err)
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ro.db")
	migrations := fstest.MapFS{
		"001_items.sql": &fstest.MapFile{Data: []byte("CREATE TABLE items(id TEXT PRIMARY KEY);")},
	}
	rw, err := Open(ctx, path, migrations)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rw.Close()

	ro, err := OpenReadOnly(ctx, path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	if got := countRows(t, ro, "SELECT COUNT(*) FROM items"); got != 0 {
		t.Fatalf("items = %d, want 0", got)
	}
	if _, err := ro.ExecContext(ctx, "INSERT INTO items (id) VALUES ('x')"); err == nil {
		t.Fatal("expected write to fail on read-only handle")
	}
}

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a(id INT);\n-- +migrate Down\nDROP TABLE a;"
	if got := strings.TrimSpace(ExtractUpMigration(content)); got != "CREATE TABLE a(id INT);" {
		t.Fatalf("up section = %q", got)
	}
	if got := ExtractUpMigration("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("plain content = %q", got)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 15, 123_456_789, time.FixedZone("x", 3600))
	got := FromMillis(ToMillis(at))
	if !got.Equal(at.Truncate(time.Millisecond)) {
		t.Fatalf("round trip = %s, want %s", got, at.Truncate(time.Millisecond))
	}
	if got.Location() != time.UTC {
		t.Fatalf("location = %s, want UTC", got.Location())
	}
}

func countRows(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}
