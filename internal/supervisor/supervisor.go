// Package supervisor runs instances as daemonized hypervisor
// subprocesses and keeps the store's view of them honest. The
// hypervisor detaches on launch, so the supervisor confirms the PID
// through the pidfile (with a process-table fallback), stops instances
// with an escalating signal sequence, and periodically reconciles
// recorded state against the live process table.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hopingboyz/vpsd/internal/config"
	"github.com/hopingboyz/vpsd/internal/ports"
	"github.com/hopingboyz/vpsd/internal/retry"
	"github.com/hopingboyz/vpsd/internal/store"
)

// ErrProcessNotFound indicates the hypervisor process could not be
// located after launch.
var ErrProcessNotFound = errors.New("hypervisor process not found")

// ErrNotRunnable indicates the instance is not in a state that can be
// started or stopped.
var ErrNotRunnable = errors.New("instance not in a runnable state")

// StartError wraps a failed launch. The instance's disk artifacts are
// kept so the failure can be inspected and the start retried.
type StartError struct {
	InstanceID string
	Err        error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start instance %s: %v", e.InstanceID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Supervisor launches, stops and reconciles instance processes.
type Supervisor struct {
	cfg   *config.Config
	db    *store.DB
	alloc *ports.Allocator
	qemu  string
	Proc  ProcAPI

	// Exec runs the hypervisor launch command. It returns once the
	// daemonizing parent exits. Overridable in tests.
	Exec func(ctx context.Context, bin string, args ...string) error
}

// New returns a supervisor using the given hypervisor binary.
func New(cfg *config.Config, db *store.DB, alloc *ports.Allocator, qemuBin string) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		db:    db,
		alloc: alloc,
		qemu:  qemuBin,
		Proc:  hostProc{},
		Exec:  runLauncher,
	}
}

// Start launches an instance. It moves the instance through STARTING to
// RUNNING and records the confirmed PID. On any failure the instance
// returns to STOPPED, the port lease is released and the pidfile is
// removed; the disk and seed stay for a later retry.
func (s *Supervisor) Start(ctx context.Context, id string) (int, error) {
	ok, err := s.db.TransitionInstance(id, store.StateStarting,
		store.StateCreated, store.StateStopped, store.StateCrashed)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("instance %s: %w", id, ErrNotRunnable)
	}

	pid, err := s.launch(ctx, id)
	if err != nil {
		s.cleanupFailedStart(id)
		return 0, &StartError{InstanceID: id, Err: err}
	}

	if err := s.db.SetInstancePID(id, pid); err != nil {
		return 0, err
	}
	if _, err := s.db.TransitionInstance(id, store.StateRunning, store.StateStarting); err != nil {
		return 0, err
	}
	log.Printf("supervisor: instance %s running (pid %d)", id, pid)
	return pid, nil
}

func (s *Supervisor) launch(ctx context.Context, id string) (int, error) {
	inst, err := s.db.GetInstance(id)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(inst.ImagePath); err != nil {
		return 0, fmt.Errorf("root disk missing: %w", err)
	}
	if _, err := os.Stat(inst.SeedPath); err != nil {
		return 0, fmt.Errorf("seed image missing: %w", err)
	}

	if err := s.ensureLease(inst); err != nil {
		return 0, err
	}
	// Re-read in case ensureLease moved the instance to a new port.
	inst, err = s.db.GetInstance(id)
	if err != nil {
		return 0, err
	}

	pidfile := PidfilePath(s.cfg.VMDir, id)
	os.Remove(pidfile)

	args := buildArgs(s.cfg.VMDir, inst)
	if err := s.Exec(ctx, s.qemu, args...); err != nil {
		return 0, err
	}

	pid, err := s.confirmPID(ctx, id, pidfile)
	if err != nil {
		return 0, err
	}
	if !s.Proc.Alive(pid) {
		return 0, fmt.Errorf("pid %d exited immediately: %w", pid, ErrProcessNotFound)
	}
	return pid, nil
}

// ensureLease guarantees the instance holds a port lease before launch.
// A previously recorded port is preferred; if it is gone a fresh port
// is allocated and the record updated.
func (s *Supervisor) ensureLease(inst *store.Instance) error {
	if _, err := s.db.LeaseForInstance(inst.ID); err == nil {
		return nil
	}
	if inst.SSHPort != 0 && s.alloc.Reacquire(inst.ID, inst.SSHPort) {
		return nil
	}

	port, err := s.alloc.Acquire(inst.ID)
	if err != nil {
		return err
	}
	if port != inst.SSHPort {
		log.Printf("supervisor: instance %s moved from port %d to %d", inst.ID, inst.SSHPort, port)
		if err := s.db.SetInstancePort(inst.ID, port); err != nil {
			return err
		}
	}
	return nil
}

// confirmPID polls the pidfile the daemonized hypervisor writes and
// verifies the named PID's command line carries the instance's launch
// signature; a stale pidfile can name a PID the kernel has since
// reused. If the pidfile budget runs out or the identity check fails,
// it falls back to searching the process table.
func (s *Supervisor) confirmPID(ctx context.Context, id, pidfile string) (int, error) {
	policy := retry.NewPolicy(s.cfg.PidConfirmAttempts, s.cfg.PidConfirmDelay)
	signature := "guest=" + id

	var pid int
	err := policy.Do(ctx, func() error {
		data, err := os.ReadFile(pidfile)
		if err != nil {
			return err
		}
		p, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || p <= 0 {
			return fmt.Errorf("pidfile %s: malformed contents", pidfile)
		}
		pid = p
		return nil
	})
	if err == nil {
		if s.Proc.CmdlineMatches(pid, signature) {
			return pid, nil
		}
		log.Printf("supervisor: instance %s pidfile names pid %d with a foreign command line", id, pid)
	}

	if p, ok := s.Proc.FindByCmdline(signature); ok {
		log.Printf("supervisor: instance %s found at pid %d via process table", id, p)
		return p, nil
	}
	return 0, fmt.Errorf("instance %s: no confirmed process after %d attempts: %w",
		id, s.cfg.PidConfirmAttempts, ErrProcessNotFound)
}

func (s *Supervisor) cleanupFailedStart(id string) {
	if err := s.alloc.Release(id); err != nil {
		log.Printf("supervisor: release lease for %s: %v", id, err)
	}
	os.Remove(PidfilePath(s.cfg.VMDir, id))
	if _, err := s.db.TransitionInstance(id, store.StateStopped, store.StateStarting); err != nil {
		log.Printf("supervisor: reset %s after failed start: %v", id, err)
	}
}

// Stop shuts an instance down. SIGTERM first, then SIGKILL after the
// grace period if the process is still alive. force skips the grace
// wait and kills immediately. The lease and pidfile are released on
// every path.
func (s *Supervisor) Stop(ctx context.Context, id string, force bool) error {
	ok, err := s.db.TransitionInstance(id, store.StateStopping,
		store.StateRunning, store.StateStarting)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotRunnable)
	}

	inst, err := s.db.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.PID != 0 && s.Proc.Alive(inst.PID) {
		if force {
			s.Proc.Signal(inst.PID, syscall.SIGKILL)
		} else {
			if err := s.Proc.Signal(inst.PID, syscall.SIGTERM); err != nil {
				log.Printf("supervisor: SIGTERM pid %d: %v", inst.PID, err)
			}
			if alive := s.awaitExit(ctx, inst.PID, s.cfg.StopGrace); alive {
				log.Printf("supervisor: instance %s ignored SIGTERM, killing pid %d", id, inst.PID)
				s.Proc.Signal(inst.PID, syscall.SIGKILL)
			}
		}
	}

	return s.markStopped(id, store.StateStopped)
}

// awaitExit waits up to grace for the process to disappear. Reports
// whether it is still alive.
func (s *Supervisor) awaitExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !s.Proc.Alive(pid) {
			return false
		}
		select {
		case <-ctx.Done():
			return s.Proc.Alive(pid)
		case <-time.After(100 * time.Millisecond):
		}
	}
	return s.Proc.Alive(pid)
}

// markStopped releases the instance's host resources and records the
// final state.
func (s *Supervisor) markStopped(id, state string) error {
	if err := s.db.SetInstancePID(id, 0); err != nil {
		return err
	}
	if err := s.alloc.Release(id); err != nil {
		return err
	}
	os.Remove(PidfilePath(s.cfg.VMDir, id))
	return s.db.SetInstanceState(id, state)
}

// Reconcile sweeps RUNNING instances and marks those whose process has
// vanished as CRASHED. The guarded transition makes the crash handling
// apply exactly once even if sweeps overlap.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	running, err := s.db.ListInstances(store.ListFilter{State: store.StateRunning})
	if err != nil {
		return err
	}

	for _, inst := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if inst.PID != 0 && s.Proc.Alive(inst.PID) {
			continue
		}

		applied, err := s.db.TransitionInstance(inst.ID, store.StateCrashed, store.StateRunning)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		log.Printf("supervisor: instance %s (pid %d) vanished, marked crashed", inst.ID, inst.PID)
		if err := s.db.SetInstancePID(inst.ID, 0); err != nil {
			return err
		}
		if err := s.alloc.Release(inst.ID); err != nil {
			return err
		}
		os.Remove(PidfilePath(s.cfg.VMDir, inst.ID))
	}
	return nil
}

// SettleInterrupted recovers instances a daemon restart caught
// mid-operation. A STOPPING row had its stop requested, so the stop is
// finished: any surviving process is killed and the row lands in
// STOPPED with its lease released. A STARTING row is adopted as
// RUNNING when its hypervisor made it up; otherwise it is reset to
// STOPPED. Run once at boot before requests are served; overlapping a
// live operation would misread its in-progress state.
func (s *Supervisor) SettleInterrupted(ctx context.Context) error {
	stopping, err := s.db.ListInstances(store.ListFilter{State: store.StateStopping})
	if err != nil {
		return err
	}
	for _, inst := range stopping {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if inst.PID != 0 && s.Proc.Alive(inst.PID) {
			s.Proc.Signal(inst.PID, syscall.SIGKILL)
		}
		log.Printf("supervisor: instance %s was mid-stop, finishing", inst.ID)
		if err := s.markStopped(inst.ID, store.StateStopped); err != nil {
			return err
		}
	}

	starting, err := s.db.ListInstances(store.ListFilter{State: store.StateStarting})
	if err != nil {
		return err
	}
	for _, inst := range starting {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if pid, ok := s.Proc.FindByCmdline("guest=" + inst.ID); ok && s.Proc.Alive(pid) {
			log.Printf("supervisor: instance %s came up across a restart, adopting pid %d", inst.ID, pid)
			if err := s.db.SetInstancePID(inst.ID, pid); err != nil {
				return err
			}
			if _, err := s.db.TransitionInstance(inst.ID, store.StateRunning, store.StateStarting); err != nil {
				return err
			}
			continue
		}
		log.Printf("supervisor: instance %s was mid-start with no process, resetting", inst.ID)
		if err := s.markStopped(inst.ID, store.StateStopped); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileLoop runs Reconcile on the configured cadence until the
// context is canceled.
func (s *Supervisor) ReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("supervisor: reconcile: %v", err)
			}
		}
	}
}

// TailConsole returns up to maxBytes from the end of an instance's
// serial console log.
func (s *Supervisor) TailConsole(id string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(ConsoleLogPath(s.cfg.VMDir, id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := fi.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

func runLauncher(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s: %w", bin, strings.TrimSpace(string(out)), err)
	}
	return nil
}
