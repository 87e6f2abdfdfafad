package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds vpsd runtime configuration.
type Config struct {
	// VMDir is the storage root: cached base images, per-instance disks,
	// seed images, pidfiles and console logs all live here.
	VMDir string

	// SocketPath is the unix socket path for the vpsd API.
	SocketPath string

	// DBPath is the path to the SQLite database.
	DBPath string

	// QemuBin is the hypervisor binary. Empty means search PATH.
	QemuBin string

	// QemuImgBin is the disk-image utility. Empty means search PATH.
	QemuImgBin string

	// CloudLocaldsBin builds cloud-init seed images. Empty means search PATH.
	CloudLocaldsBin string

	// PortRangeStart and PortRangeEnd bound SSH forward allocation.
	PortRangeStart int
	PortRangeEnd   int

	// DefaultHostname is used when a provision spec carries none.
	DefaultHostname string

	// MemoryMaxMB, CPUMax and DiskMaxBytes cap per-instance resources.
	// Specs arrive pre-validated from the front end; these are the
	// engine's own backstop.
	MemoryMaxMB  int
	CPUMax       int
	DiskMaxBytes int64

	// MaxInstancesPerOwner caps non-deleted instances per owner.
	MaxInstancesPerOwner int

	// StopGrace is how long Stop waits after SIGTERM before escalating
	// to SIGKILL.
	StopGrace time.Duration

	// SampleInterval is the resource monitor cadence.
	SampleInterval time.Duration

	// ReconcileInterval is the crash-reconciliation cadence.
	ReconcileInterval time.Duration

	// DownloadAttempts and DownloadDelay bound the base-image fetch
	// retry policy (delay doubles per attempt, capped at 30s).
	DownloadAttempts int
	DownloadDelay    time.Duration

	// PidConfirmAttempts and PidConfirmDelay bound PID confirmation
	// after the hypervisor daemonizes (delay doubles per attempt).
	PidConfirmAttempts int
	PidConfirmDelay    time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	vpsDir := filepath.Join(homeDir, ".vpsd")

	return &Config{
		VMDir:                filepath.Join(vpsDir, "vms"),
		SocketPath:           filepath.Join(vpsDir, "vpsd.sock"),
		DBPath:               filepath.Join(vpsDir, "vpsd.db"),
		PortRangeStart:       10022,
		PortRangeEnd:         10999,
		DefaultHostname:      "vps",
		MemoryMaxMB:          16384,
		CPUMax:               8,
		DiskMaxBytes:         200 << 30,
		MaxInstancesPerOwner: 5,
		StopGrace:            5 * time.Second,
		SampleInterval:       30 * time.Second,
		ReconcileInterval:    15 * time.Second,
		DownloadAttempts:     4,
		DownloadDelay:        2 * time.Second,
		PidConfirmAttempts:   5,
		PidConfirmDelay:      200 * time.Millisecond,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.VMDir,
		filepath.Dir(c.SocketPath),
		filepath.Dir(c.DBPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
