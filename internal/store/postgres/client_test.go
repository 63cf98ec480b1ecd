package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			"explicit dsn wins",
			ClientConfig{DSN: " postgres://u:p@db:6543/x ", Host: "ignored"},
			"postgres://u:p@db:6543/x",
		},
		{
			"defaults",
			ClientConfig{Host: "localhost", Database: "txnbridge", User: "postgres"},
			"postgres://postgres:@localhost:5432/txnbridge?sslmode=disable",
		},
		{
			"password is escaped",
			ClientConfig{Host: "db", Port: 5433, Database: "tb", User: "svc", Password: "p@ss/w:rd?", SSLMode: "require"},
			"postgres://svc:p%40ss%2Fw%3Ard%3F@db:5433/tb?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactedDSNHidesPassword(t *testing.T) {
	got := RedactedDSN(ClientConfig{Host: "db", Database: "tb", User: "svc", Password: "hunter2"})
	if strings.Contains(got, "hunter2") || !strings.Contains(got, "svc:xxxxx@db") {
		t.Fatalf("redacted = %q", got)
	}
	if got := RedactedDSN(ClientConfig{DSN: "host=db password=hunter2"}); strings.Contains(got, "hunter2") {
		t.Fatalf("keyword dsn leaked: %q", got)
	}
}

func TestRuntimeParams(t *testing.T) {
	p := runtimeParams(ClientConfig{})
	if p["application_name"] != "txnbridge" || p["statement_timeout"] != "30000" {
		t.Fatalf("defaults = %v", p)
	}
	p = runtimeParams(ClientConfig{ApplicationName: "txnbridge-worker", StatementTimeout: 1500 * time.Millisecond})
	if p["application_name"] != "txnbridge-worker" || p["statement_timeout"] != "1500" {
		t.Fatalf("overrides = %v", p)
	}
}

func TestLoadMigrationsOrdersSQLFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_later.sql":  {Data: []byte("SELECT 10;")},
		"m/002_second.sql": {Data: []byte("SELECT 2;")},
		"m/001_first.sql":  {Data: []byte("SELECT 1;")},
		"m/README.md":      {Data: []byte("notes")},
	}
	got, err := loadMigrations(fsys, "m")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, m := range got {
		names = append(names, m.name)
	}
	if strings.Join(names, ",") != "001_first.sql,002_second.sql,010_later.sql" {
		t.Fatalf("order = %v", names)
	}
	if len(got[0].checksum) != 64 || got[0].checksum == got[1].checksum {
		t.Fatalf("checksums = %q %q", got[0].checksum, got[1].checksum)
	}
}

func TestPendingMigrations(t *testing.T) {
	all := []migration{
		{name: "001.sql", checksum: "a"},
		{name: "002.sql", checksum: "b"},
		{name: "003.sql", checksum: "c"},
	}

	pending, err := pendingMigrations(all, map[string]string{"001.sql": "a", "002.sql": ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].name != "003.sql" {
		t.Fatalf("pending = %+v", pending)
	}

	if _, err := pendingMigrations(all, map[string]string{"001.sql": "edited"}); err == nil ||
		!strings.Contains(err.Error(), "001.sql changed") {
		t.Fatalf("err = %v", err)
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	got, err := loadMigrations(migrationsFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, m := range got {
		if !strings.Contains(strings.ToUpper(m.sql), "CREATE TABLE") {
			t.Errorf("%s creates no table", m.name)
		}
	}
}
