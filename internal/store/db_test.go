package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveInstance(&Instance{ID: "i-1", Variant: "ubuntu24", MemoryMB: 1024, CPUs: 1, DiskBytes: 1, State: StateCreated}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	got, err := db2.GetInstance("i-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Variant != "ubuntu24" {
		t.Errorf("Variant = %q after reopen, want ubuntu24", got.Variant)
	}
}
