package ports

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/hopingboyz/vpsd/internal/store"
)

func testAllocator(t *testing.T, start, end int) (*Allocator, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	a := NewAllocator(db, start, end)
	a.BindCheck = func(port int) bool { return true }
	return a, db
}

func TestAcquire(t *testing.T) {
	a, db := testAllocator(t, 10022, 10025)

	p1, err := a.Acquire("inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != 10022 {
		t.Errorf("first port = %d, want 10022", p1)
	}

	p2, err := a.Acquire("inst-2")
	if err != nil {
		t.Fatal(err)
	}
	if p2 != 10023 {
		t.Errorf("second port = %d, want 10023", p2)
	}

	lease, err := db.LeaseForInstance("inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if lease.Port != p1 {
		t.Errorf("lease port = %d, want %d", lease.Port, p1)
	}
}

func TestAcquire_SkipsUnbindablePorts(t *testing.T) {
	a, _ := testAllocator(t, 10022, 10025)
	a.BindCheck = func(port int) bool { return port != 10022 }

	p, err := a.Acquire("inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if p != 10023 {
		t.Errorf("port = %d, want 10023", p)
	}
}

func TestAcquire_Exhausted(t *testing.T) {
	a, _ := testAllocator(t, 10022, 10023)

	if _, err := a.Acquire("inst-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Acquire("inst-2"); err != nil {
		t.Fatal(err)
	}
	_, err := a.Acquire("inst-3")
	if !errors.Is(err, ErrPortExhausted) {
		t.Errorf("err = %v, want ErrPortExhausted", err)
	}
}

func TestReacquire(t *testing.T) {
	a, db := testAllocator(t, 10022, 10025)

	// A stopped instance keeps its recorded port; restart re-leases it.
	inst := &store.Instance{ID: "inst-1", OwnerID: 7, Variant: "ubuntu24",
		Hostname: "h", State: store.StateStopped, SSHPort: 10024}
	if err := db.SaveInstance(inst); err != nil {
		t.Fatal(err)
	}

	if !a.Reacquire("inst-1", 10024) {
		t.Error("owner could not re-lease its recorded port")
	}
	if err := a.Release("inst-1"); err != nil {
		t.Fatal(err)
	}

	// Another instance cannot take it while inst-1 is non-terminal.
	if a.Reacquire("inst-2", 10024) {
		t.Error("port on a non-terminal instance leased to another")
	}
}

func TestReacquire_OutOfRange(t *testing.T) {
	a, _ := testAllocator(t, 10022, 10025)
	if a.Reacquire("inst-1", 9999) {
		t.Error("leased a port outside the range")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	a, _ := testAllocator(t, 10022, 10025)
	p, err := a.Acquire("inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Release("inst-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Release("inst-1"); err != nil {
		t.Errorf("second release: %v", err)
	}

	// Releasing frees the port for others.
	if !a.Reacquire("inst-2", p) {
		t.Error("released port not available to another instance")
	}
}
