package store

import (
	"errors"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	db := openTestDB(t)

	if err := db.AcquireLease(10022, "vps-1"); err != nil {
		t.Fatal(err)
	}

	l, err := db.LeaseForInstance("vps-1")
	if err != nil {
		t.Fatal(err)
	}
	if l.Port != 10022 {
		t.Errorf("Port = %d, want 10022", l.Port)
	}

	if err := db.ReleaseLease(10022); err != nil {
		t.Fatal(err)
	}
	if _, err := db.LeaseForInstance("vps-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lease after release: err = %v, want ErrNotFound", err)
	}

	// Idempotent release.
	if err := db.ReleaseLease(10022); err != nil {
		t.Errorf("second release: %v", err)
	}
}

func TestAcquireLease_PortTaken(t *testing.T) {
	db := openTestDB(t)

	if err := db.AcquireLease(10022, "vps-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.AcquireLease(10022, "vps-2"); err == nil {
		t.Fatal("expected error leasing a leased port")
	}
}

func TestAcquireLease_PortOnNonTerminalInstance(t *testing.T) {
	db := openTestDB(t)

	// A crashed daemon can leave ssh_port set with no lease row.
	inst := testInstance("vps-1")
	inst.SSHPort = 10050
	inst.State = StateStopped
	db.SaveInstance(inst)

	if err := db.AcquireLease(10050, "vps-2"); err == nil {
		t.Fatal("expected error leasing a port recorded on a non-terminal instance")
	}

	// The owner itself may re-lease its recorded port.
	if err := db.AcquireLease(10050, "vps-1"); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireLease_DeletedInstancePortFree(t *testing.T) {
	db := openTestDB(t)

	inst := testInstance("vps-1")
	inst.SSHPort = 10060
	inst.State = StateDeleted
	db.SaveInstance(inst)

	if err := db.AcquireLease(10060, "vps-2"); err != nil {
		t.Errorf("port of deleted instance should be leasable: %v", err)
	}
}

func TestReleaseLeaseByInstance(t *testing.T) {
	db := openTestDB(t)

	db.AcquireLease(10022, "vps-1")
	if err := db.ReleaseLeaseByInstance("vps-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.AcquireLease(10022, "vps-2"); err != nil {
		t.Errorf("port not freed: %v", err)
	}
	// Idempotent.
	if err := db.ReleaseLeaseByInstance("vps-1"); err != nil {
		t.Errorf("second release: %v", err)
	}
}

func TestUsedPorts(t *testing.T) {
	db := openTestDB(t)

	db.AcquireLease(10022, "vps-1")
	inst := testInstance("vps-2")
	inst.SSHPort = 10023
	inst.State = StateStopped
	db.SaveInstance(inst)
	gone := testInstance("vps-3")
	gone.SSHPort = 10024
	gone.State = StateDeleted
	db.SaveInstance(gone)

	used, err := db.UsedPorts()
	if err != nil {
		t.Fatal(err)
	}
	if !used[10022] {
		t.Error("leased port missing from UsedPorts")
	}
	if !used[10023] {
		t.Error("non-terminal instance port missing from UsedPorts")
	}
	if used[10024] {
		t.Error("deleted instance port should not be in UsedPorts")
	}
}
