package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Instance lifecycle states.
//
//	PROVISIONING → CREATED → STARTING → RUNNING → STOPPING → STOPPED
//
// RUNNING → CRASHED on unexpected process exit, any state → DELETED as
// the terminal cleanup transition. STOPPED and CRASHED instances can be
// started again.
const (
	StateProvisioning = "provisioning"
	StateCreated      = "created"
	StateStarting     = "starting"
	StateRunning      = "running"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
	StateCrashed      = "crashed"
	StateDeleted      = "deleted"
)

// PortForward maps a host TCP port to a guest TCP port, in addition to
// the instance's SSH forward.
type PortForward struct {
	HostPort  int `json:"host_port"`
	GuestPort int `json:"guest_port"`
}

// Instance is the durable record of one VPS.
type Instance struct {
	ID               string        `json:"id"`
	OwnerID          int64         `json:"owner_id"`
	Variant          string        `json:"variant"`
	Hostname         string        `json:"hostname"`
	CredentialRef    string        `json:"credential_ref,omitempty"`
	MemoryMB         int           `json:"memory_mb"`
	CPUs             int           `json:"cpus"`
	DiskBytes        int64         `json:"disk_bytes"`
	SSHPort          int           `json:"ssh_port"`
	ExtraForwards    []PortForward `json:"extra_forwards,omitempty"`
	GUIMode          bool          `json:"gui_mode"`
	ImagePath        string        `json:"image_path,omitempty"`
	SeedPath         string        `json:"seed_path,omitempty"`
	State            string        `json:"state"`
	PID              int           `json:"pid,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
}

// Terminal reports whether the instance no longer holds host resources.
// Port uniqueness is enforced only among non-terminal instances.
func (i *Instance) Terminal() bool {
	return i.State == StateDeleted
}

// ListFilter narrows ListInstances. Zero values mean "any".
type ListFilter struct {
	OwnerID        int64
	State          string
	IncludeDeleted bool
}

const instanceCols = `id, owner_id, variant, hostname, credential_ref, memory_mb, cpus,
	disk_bytes, ssh_port, extra_forwards, gui_mode, image_path, seed_path,
	state, pid, created_at, last_transition_at`

// SaveInstance inserts a new instance record.
func (d *DB) SaveInstance(inst *Instance) error {
	fwdJSON, _ := json.Marshal(inst.ExtraForwards)
	guiInt := 0
	if inst.GUIMode {
		guiInt = 1
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	if inst.LastTransitionAt.IsZero() {
		inst.LastTransitionAt = inst.CreatedAt
	}

	_, err := d.db.Exec(`
		INSERT INTO instances (`+instanceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.OwnerID, inst.Variant, inst.Hostname, inst.CredentialRef,
		inst.MemoryMB, inst.CPUs, inst.DiskBytes, inst.SSHPort, string(fwdJSON),
		guiInt, inst.ImagePath, inst.SeedPath, inst.State, inst.PID,
		inst.CreatedAt.Format(time.RFC3339), inst.LastTransitionAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstance retrieves an instance by ID. Returns ErrNotFound if absent.
func (d *DB) GetInstance(id string) (*Instance, error) {
	row := d.db.QueryRow(`SELECT `+instanceCols+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// ListInstances returns instances matching the filter, newest first.
// Deleted instances are excluded unless the filter asks for them.
func (d *DB) ListInstances(f ListFilter) ([]*Instance, error) {
	q := `SELECT ` + instanceCols + ` FROM instances WHERE 1=1`
	var args []interface{}
	if !f.IncludeDeleted {
		q += ` AND state != ?`
		args = append(args, StateDeleted)
	}
	if f.OwnerID != 0 {
		q += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, f.State)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// SetInstanceState unconditionally moves an instance to the given state.
func (d *DB) SetInstanceState(id, state string) error {
	res, err := d.db.Exec(`
		UPDATE instances SET state = ?, last_transition_at = ? WHERE id = ?
	`, state, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionInstance moves an instance from one of the given states to
// the target state. Returns true if the transition was applied, false
// if the instance was not in any of the from states. The guard makes
// retried or concurrent transitions apply at most once.
func (d *DB) TransitionInstance(id, to string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s: no source states", to)
	}
	q := `UPDATE instances SET state = ?, last_transition_at = ? WHERE id = ? AND state IN (?` +
		repeat(",?", len(from)-1) + `)`
	args := []interface{}{to, time.Now().Format(time.RFC3339), id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := d.db.Exec(q, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetInstancePID records the confirmed hypervisor PID (0 clears it).
func (d *DB) SetInstancePID(id string, pid int) error {
	res, err := d.db.Exec(`UPDATE instances SET pid = ? WHERE id = ?`, pid, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetInstancePort updates the recorded SSH forward port.
func (d *DB) SetInstancePort(id string, port int) error {
	_, err := d.db.Exec(`UPDATE instances SET ssh_port = ? WHERE id = ?`, port, id)
	return err
}

// SetInstancePaths records the provisioned disk and seed file paths.
func (d *DB) SetInstancePaths(id, imagePath, seedPath string) error {
	_, err := d.db.Exec(`
		UPDATE instances SET image_path = ?, seed_path = ? WHERE id = ?
	`, imagePath, seedPath, id)
	return err
}

// SetInstanceDiskBytes records a grown disk size. The guard keeps the
// recorded size monotonic even if callers race.
func (d *DB) SetInstanceDiskBytes(id string, bytes int64) error {
	_, err := d.db.Exec(`
		UPDATE instances SET disk_bytes = ? WHERE id = ? AND disk_bytes < ?
	`, bytes, id, bytes)
	return err
}

// CountInstancesByOwner counts non-deleted instances for an owner.
func (d *DB) CountInstancesByOwner(ownerID int64) (int, error) {
	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM instances WHERE owner_id = ? AND state != ?
	`, ownerID, StateDeleted).Scan(&n)
	return n, err
}

func scanInstance(scan func(...interface{}) error) (*Instance, error) {
	var inst Instance
	var fwdJSON, createdStr, transitionStr string
	var guiInt int

	err := scan(&inst.ID, &inst.OwnerID, &inst.Variant, &inst.Hostname,
		&inst.CredentialRef, &inst.MemoryMB, &inst.CPUs, &inst.DiskBytes,
		&inst.SSHPort, &fwdJSON, &guiInt, &inst.ImagePath, &inst.SeedPath,
		&inst.State, &inst.PID, &createdStr, &transitionStr)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(fwdJSON), &inst.ExtraForwards)
	inst.GUIMode = guiInt != 0
	inst.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	inst.LastTransitionAt, _ = time.Parse(time.RFC3339, transitionStr)
	return &inst, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
