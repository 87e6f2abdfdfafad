package store

import (
	"fmt"
	"time"
)

// PortLease binds a host forward port to one instance. A lease exists
// only while the instance is provisioned or running; stop, delete and
// crash handling all release it.
type PortLease struct {
	Port       int       `json:"port"`
	InstanceID string    `json:"instance_id"`
	LeasedAt   time.Time `json:"leased_at"`
}

// AcquireLease commits a port lease for an instance. The insert and the
// uniqueness checks run in one transaction: the port must not be leased
// and must not be recorded as the SSH port of any other non-terminal
// instance (a crashed daemon can leave a port on an instance row with
// no lease). The primary key on port makes concurrent acquisition of
// the same port fail for all but one caller.
func (d *DB) AcquireLease(port int, instanceID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM instances
		WHERE ssh_port = ? AND id != ? AND state != ?
	`, port, instanceID, StateDeleted).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("port %d held by another non-terminal instance", port)
	}

	_, err = tx.Exec(`
		INSERT INTO port_leases (port, instance_id, leased_at) VALUES (?, ?, ?)
	`, port, instanceID, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("lease port %d for %s: %w", port, instanceID, err)
	}

	return tx.Commit()
}

// ReleaseLease releases a port lease. Idempotent: releasing a port that
// is not leased is a no-op.
func (d *DB) ReleaseLease(port int) error {
	_, err := d.db.Exec(`DELETE FROM port_leases WHERE port = ?`, port)
	return err
}

// ReleaseLeaseByInstance releases whatever lease an instance holds.
// Idempotent.
func (d *DB) ReleaseLeaseByInstance(instanceID string) error {
	_, err := d.db.Exec(`DELETE FROM port_leases WHERE instance_id = ?`, instanceID)
	return err
}

// LeaseForInstance returns the instance's lease, or ErrNotFound.
func (d *DB) LeaseForInstance(instanceID string) (*PortLease, error) {
	var l PortLease
	var leasedStr string
	err := d.db.QueryRow(`
		SELECT port, instance_id, leased_at FROM port_leases WHERE instance_id = ?
	`, instanceID).Scan(&l.Port, &l.InstanceID, &leasedStr)
	if err != nil {
		return nil, fmt.Errorf("lease for %s: %w", instanceID, ErrNotFound)
	}
	l.LeasedAt, _ = time.Parse(time.RFC3339, leasedStr)
	return &l, nil
}

// UsedPorts returns every port that is either leased or recorded on a
// non-terminal instance. The allocator consults this instead of local
// memory so a restarted daemon cannot double-assign a port left behind
// by a crashed process.
func (d *DB) UsedPorts() (map[int]bool, error) {
	used := make(map[int]bool)

	rows, err := d.db.Query(`SELECT port FROM port_leases`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		used[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = d.db.Query(`
		SELECT ssh_port FROM instances WHERE ssh_port != 0 AND state != ?
	`, StateDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		used[p] = true
	}
	return used, rows.Err()
}
