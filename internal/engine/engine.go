// Package engine is the orchestration facade: it owns the full
// instance lifecycle and coordinates the image cache, disk
// provisioner, seed builder, port allocator and process supervisor.
// All mutating operations on one instance serialize on a per-instance
// lock; operations on different instances proceed concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/hopingboyz/vpsd/internal/cloudinit"
	"github.com/hopingboyz/vpsd/internal/config"
	"github.com/hopingboyz/vpsd/internal/disk"
	"github.com/hopingboyz/vpsd/internal/image"
	"github.com/hopingboyz/vpsd/internal/monitor"
	"github.com/hopingboyz/vpsd/internal/ports"
	"github.com/hopingboyz/vpsd/internal/store"
	"github.com/hopingboyz/vpsd/internal/supervisor"
)

// ErrOwnerBanned indicates the owner may not provision instances.
var ErrOwnerBanned = errors.New("owner is banned")

// ErrInstanceLimit indicates the owner is at their instance cap.
var ErrInstanceLimit = errors.New("instance limit reached")

// ErrNotStopped indicates an operation that requires the instance to be
// powered off.
var ErrNotStopped = errors.New("instance must be stopped")

// ValidationError reports a rejected provision spec field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProvisionSpec describes a requested instance. Credentials pass
// through to the boot configuration once and are not persisted.
type ProvisionSpec struct {
	OwnerID       int64               `json:"owner_id"`
	Variant       string              `json:"variant"`
	Hostname      string              `json:"hostname"`
	Username      string              `json:"username"`
	Password      string              `json:"password"`
	MemoryMB      int                 `json:"memory_mb"`
	CPUs          int                 `json:"cpus"`
	DiskBytes     int64               `json:"disk_bytes"`
	GUIMode       bool                `json:"gui_mode"`
	ExtraForwards []store.PortForward `json:"extra_forwards,omitempty"`
	CredentialRef string              `json:"credential_ref,omitempty"`
}

// Engine coordinates the lifecycle collaborators.
type Engine struct {
	cfg   *config.Config
	db    *store.DB
	cache *image.Cache
	disks *disk.Provisioner
	seeds *cloudinit.Builder
	alloc *ports.Allocator
	sup   *supervisor.Supervisor
	mon   *monitor.Monitor

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, db *store.DB, cache *image.Cache, disks *disk.Provisioner,
	seeds *cloudinit.Builder, alloc *ports.Allocator, sup *supervisor.Supervisor,
	mon *monitor.Monitor) *Engine {
	return &Engine{
		cfg:   cfg,
		db:    db,
		cache: cache,
		disks: disks,
		seeds: seeds,
		alloc: alloc,
		sup:   sup,
		mon:   mon,
		locks: make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing operations on one instance.
func (e *Engine) lock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// dropLock forgets a DELETED instance's mutex so the map stays bounded
// by live instances. A racing caller that grabbed the old mutex still
// runs; it just finds the instance terminal.
func (e *Engine) dropLock(id string) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

func (e *Engine) validate(spec *ProvisionSpec) error {
	if _, err := e.cache.Resolve(spec.Variant); err != nil {
		return &ValidationError{Field: "variant", Reason: err.Error()}
	}
	if spec.MemoryMB <= 0 || spec.MemoryMB > e.cfg.MemoryMaxMB {
		return &ValidationError{Field: "memory_mb",
			Reason: fmt.Sprintf("must be in 1-%d", e.cfg.MemoryMaxMB)}
	}
	if spec.CPUs <= 0 || spec.CPUs > e.cfg.CPUMax {
		return &ValidationError{Field: "cpus",
			Reason: fmt.Sprintf("must be in 1-%d", e.cfg.CPUMax)}
	}
	if spec.DiskBytes <= 0 || spec.DiskBytes > e.cfg.DiskMaxBytes {
		return &ValidationError{Field: "disk_bytes",
			Reason: fmt.Sprintf("must be in 1-%d", e.cfg.DiskMaxBytes)}
	}
	if spec.Username == "" {
		return &ValidationError{Field: "username", Reason: "required"}
	}
	if spec.Password == "" {
		return &ValidationError{Field: "password", Reason: "required"}
	}
	for _, fwd := range spec.ExtraForwards {
		if fwd.HostPort <= 0 || fwd.GuestPort <= 0 {
			return &ValidationError{Field: "extra_forwards", Reason: "ports must be positive"}
		}
	}
	if spec.Hostname == "" {
		spec.Hostname = e.cfg.DefaultHostname
	}
	return nil
}

// Provision creates a new instance: base image, root disk, boot seed
// and an SSH port lease, ending in CREATED. A failed provision releases
// the port and removes the instance's artifacts; the record is marked
// DELETED so it never resurfaces.
func (e *Engine) Provision(ctx context.Context, spec ProvisionSpec) (*store.Instance, error) {
	if banned, err := e.db.IsBanned(spec.OwnerID); err != nil {
		return nil, err
	} else if banned {
		return nil, fmt.Errorf("owner %d: %w", spec.OwnerID, ErrOwnerBanned)
	}
	count, err := e.db.CountInstancesByOwner(spec.OwnerID)
	if err != nil {
		return nil, err
	}
	if count >= e.cfg.MaxInstancesPerOwner {
		return nil, fmt.Errorf("owner %d has %d instances: %w",
			spec.OwnerID, count, ErrInstanceLimit)
	}
	if err := e.validate(&spec); err != nil {
		return nil, err
	}

	id := "vps-" + uuid.NewString()[:8]
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()

	inst := &store.Instance{
		ID:            id,
		OwnerID:       spec.OwnerID,
		Variant:       spec.Variant,
		Hostname:      spec.Hostname,
		CredentialRef: spec.CredentialRef,
		MemoryMB:      spec.MemoryMB,
		CPUs:          spec.CPUs,
		DiskBytes:     spec.DiskBytes,
		ExtraForwards: spec.ExtraForwards,
		GUIMode:       spec.GUIMode,
		State:         store.StateProvisioning,
	}
	if err := e.db.SaveInstance(inst); err != nil {
		return nil, err
	}

	ref, err := e.cache.EnsureCached(ctx, spec.Variant)
	if err != nil {
		e.failProvision(id)
		return nil, err
	}

	port, err := e.alloc.Acquire(id)
	if err != nil {
		e.failProvision(id)
		return nil, err
	}
	if err := e.db.SetInstancePort(id, port); err != nil {
		e.failProvision(id)
		return nil, err
	}

	diskPath, diskSize, err := e.disks.Provision(ctx, id, ref.Path, spec.DiskBytes)
	if err != nil {
		e.failProvision(id)
		return nil, err
	}

	seedPath, err := e.seeds.Build(ctx, cloudinit.Spec{
		InstanceID: id,
		Hostname:   spec.Hostname,
		Username:   spec.Username,
		Password:   spec.Password,
	})
	if err != nil {
		e.failProvision(id)
		return nil, err
	}

	if err := e.db.SetInstancePaths(id, diskPath, seedPath); err != nil {
		return nil, err
	}
	if err := e.db.SetInstanceDiskBytes(id, diskSize); err != nil {
		return nil, err
	}
	if _, err := e.db.TransitionInstance(id, store.StateCreated, store.StateProvisioning); err != nil {
		return nil, err
	}
	if err := e.db.IncrCounter(store.CounterCreated, "provision:"+id); err != nil {
		log.Printf("engine: count provision of %s: %v", id, err)
	}

	log.Printf("engine: provisioned %s (owner %d, %s, port %d)", id, spec.OwnerID, spec.Variant, port)
	return e.db.GetInstance(id)
}

// failProvision tears down a half-provisioned instance.
func (e *Engine) failProvision(id string) {
	if err := e.alloc.Release(id); err != nil {
		log.Printf("engine: release port of %s: %v", id, err)
	}
	if err := e.disks.Remove(id); err != nil {
		log.Printf("engine: remove disk of %s: %v", id, err)
	}
	if err := e.seeds.Remove(id); err != nil {
		log.Printf("engine: remove seed of %s: %v", id, err)
	}
	if err := e.db.SetInstanceState(id, store.StateDeleted); err != nil {
		log.Printf("engine: mark %s deleted: %v", id, err)
	}
	e.dropLock(id)
}

// Recover settles instances a daemon restart caught mid-operation:
// half-provisioned rows are torn down, interrupted starts and stops
// are settled, and RUNNING rows whose process died are marked crashed.
// Run once at boot before the API starts serving.
func (e *Engine) Recover(ctx context.Context) error {
	provisioning, err := e.db.ListInstances(store.ListFilter{State: store.StateProvisioning})
	if err != nil {
		return err
	}
	for _, inst := range provisioning {
		log.Printf("engine: provisioning of %s was interrupted, tearing down", inst.ID)
		e.failProvision(inst.ID)
	}

	if err := e.sup.SettleInterrupted(ctx); err != nil {
		return err
	}
	return e.sup.Reconcile(ctx)
}

// Start boots an instance.
func (e *Engine) Start(ctx context.Context, id string) (int, error) {
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()
	return e.sup.Start(ctx, id)
}

// Stop shuts an instance down. force kills without the grace wait.
func (e *Engine) Stop(ctx context.Context, id string, force bool) error {
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()
	return e.sup.Stop(ctx, id, force)
}

// Restart stops a running instance and boots it again. Also starts
// instances that are stopped or crashed.
func (e *Engine) Restart(ctx context.Context, id string) (int, error) {
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := e.sup.Stop(ctx, id, false); err != nil && !errors.Is(err, supervisor.ErrNotRunnable) {
		return 0, err
	}
	pid, err := e.sup.Start(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := e.db.IncrCounter(store.CounterRestarted, "restart:"+id+":"+uuid.NewString()); err != nil {
		log.Printf("engine: count restart of %s: %v", id, err)
	}
	return pid, nil
}

// Delete stops an instance if needed and removes all its host
// resources. The record stays, marked DELETED.
func (e *Engine) Delete(ctx context.Context, id string) error {
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()

	inst, err := e.db.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return nil
	}

	if err := e.sup.Stop(ctx, id, true); err != nil && !errors.Is(err, supervisor.ErrNotRunnable) {
		return err
	}
	if err := e.alloc.Release(id); err != nil {
		return err
	}
	if err := e.disks.Remove(id); err != nil {
		return err
	}
	if err := e.seeds.Remove(id); err != nil {
		return err
	}
	os.Remove(supervisor.PidfilePath(e.cfg.VMDir, id))
	os.Remove(supervisor.ConsoleLogPath(e.cfg.VMDir, id))

	if err := e.db.SetInstancePID(id, 0); err != nil {
		return err
	}
	if err := e.db.SetInstanceState(id, store.StateDeleted); err != nil {
		return err
	}
	e.dropLock(id)
	log.Printf("engine: deleted %s", id)
	return nil
}

// ResizeDisk grows a powered-off instance's root disk.
func (e *Engine) ResizeDisk(ctx context.Context, id string, sizeBytes int64) (int64, error) {
	if sizeBytes <= 0 || sizeBytes > e.cfg.DiskMaxBytes {
		return 0, &ValidationError{Field: "disk_bytes",
			Reason: fmt.Sprintf("must be in 1-%d", e.cfg.DiskMaxBytes)}
	}

	l := e.lock(id)
	l.Lock()
	defer l.Unlock()

	inst, err := e.db.GetInstance(id)
	if err != nil {
		return 0, err
	}
	switch inst.State {
	case store.StateCreated, store.StateStopped, store.StateCrashed:
	default:
		return 0, fmt.Errorf("instance %s is %s: %w", id, inst.State, ErrNotStopped)
	}

	size, err := e.disks.Resize(ctx, inst.ImagePath, sizeBytes)
	if err != nil {
		return 0, err
	}
	if err := e.db.SetInstanceDiskBytes(id, size); err != nil {
		return 0, err
	}
	return size, nil
}

// Get returns one instance record.
func (e *Engine) Get(id string) (*store.Instance, error) {
	return e.db.GetInstance(id)
}

// List returns instances, optionally filtered to one owner. Owner 0
// means all owners.
func (e *Engine) List(ownerID int64) ([]*store.Instance, error) {
	return e.db.ListInstances(store.ListFilter{OwnerID: ownerID})
}

// EnsureImage pre-warms the cache for a variant.
func (e *Engine) EnsureImage(ctx context.Context, variant string) (image.Ref, error) {
	return e.cache.EnsureCached(ctx, variant)
}

// Images returns the image cache entries.
func (e *Engine) Images() ([]*store.ImageCacheEntry, error) {
	return e.db.ListImages()
}

// TailConsole returns the tail of an instance's serial console log.
func (e *Engine) TailConsole(id string, maxBytes int64) ([]byte, error) {
	return e.sup.TailConsole(id, maxBytes)
}

// Usage returns the latest resource sample for an instance.
func (e *Engine) Usage(id string) (monitor.Sample, bool) {
	return e.mon.LatestFor(id)
}
