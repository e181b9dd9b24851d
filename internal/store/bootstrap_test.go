package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestOpenCreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "easierlit.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.IsSQLite() {
		t.Error("Open should report a SQLite backend")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
	if _, err := s.UpsertThread(context.Background(), ThreadPatch{ID: "t1"}); err != nil {
		t.Fatalf("write to fresh database: %v", err)
	}
}

func TestOpenKeepsCompatibleDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easierlit.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s.UpsertThread(context.Background(), ThreadPatch{ID: "t1"}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s.Close()
	th, err := s.GetThread(context.Background(), "t1")
	if err != nil || th == nil {
		t.Fatalf("thread lost across reopen: %+v, %v", th, err)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("compatible database was moved aside")
	}
}

func TestOpenMovesAsideForeignSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "easierlit.db")

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open raw sqlite: %v", err)
	}
	if err := db.Exec("CREATE TABLE threads (id TEXT PRIMARY KEY, title TEXT)").Error; err != nil {
		t.Fatalf("create foreign table: %v", err)
	}
	if err := closeGorm(db); err != nil {
		t.Fatalf("close raw sqlite: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open over foreign schema: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("foreign database not moved to .bak: %v", err)
	}
	if _, err := s.UpsertThread(context.Background(), ThreadPatch{ID: "t1"}); err != nil {
		t.Fatalf("fresh database unusable: %v", err)
	}
}

func TestMoveAsideFindsFreeSlot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "easierlit.db")
	for _, p := range []string{path, path + ".bak", path + ".bak1"} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}
	got, err := MoveAside(path)
	if err != nil {
		t.Fatalf("MoveAside: %v", err)
	}
	if got != path+".bak2" {
		t.Errorf("MoveAside slot = %q, want %q", got, path+".bak2")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original file still present after move-aside")
	}
}
