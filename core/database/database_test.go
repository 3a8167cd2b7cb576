package database

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestConnectionStrings(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", User: "bot", Password: "p@ss word", Name: "state", SSLMode: "disable"}

	if got := DSN(cfg); got != "user=bot password=p@ss word host=db port=5432 dbname=state sslmode=disable" {
		t.Fatalf("dsn = %q", got)
	}
	got := MigrateURL(cfg)
	if !strings.HasPrefix(got, "postgres://bot:p%40ss%20word@db:5432/state?") || !strings.HasSuffix(got, "sslmode=disable") {
		t.Fatalf("migrate url = %q", got)
	}
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	files := listMigrationFiles(dir)
	if want := []string{"0001_a.up.sql", "0002_b.up.sql"}; !reflect.DeepEqual(files, want) {
		t.Fatalf("files = %v", files)
	}
	if got := selectApplied(files, 1, 2); !reflect.DeepEqual(got, []string{"0002_b.up.sql"}) {
		t.Fatalf("applied = %v", got)
	}
	if got := selectApplied(files, 2, 2); got != nil {
		t.Fatalf("applied without change = %v", got)
	}
	if listMigrationFiles(filepath.Join(dir, "absent")) != nil {
		t.Fatal("missing dir should yield nil")
	}
}

func TestResolveDir(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "m")
	if got, _ := resolveDir(abs); got != abs {
		t.Fatalf("abs = %q", got)
	}
	got, err := resolveDir("")
	if err != nil || filepath.Base(got) != "migrations" || !filepath.IsAbs(got) {
		t.Fatalf("default = %q, %v", got, err)
	}
}
