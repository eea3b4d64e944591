package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsHaveUpMarker(t *testing.T) {
	entries, err := fs.ReadDir(FS, Root)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for _, entry := range entries {
		content, err := fs.ReadFile(FS, Root+"/"+entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		if !strings.Contains(string(content), "-- +migrate Up") {
			t.Fatalf("%s missing up marker", entry.Name())
		}
	}
}
