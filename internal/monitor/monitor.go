// Package monitor samples resource usage of running instances and the
// host. Samples are advisory: a vanished process yields an unknown
// sample and crash handling is left to the supervisor's reconciler.
package monitor

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hopingboyz/vpsd/internal/store"
)

// Sample is one observation of an instance's resource usage.
// DiskBytes is the on-disk size of the root image, read independently
// of the process; a missing disk file leaves it zero, just as a
// vanished process leaves the cpu/memory figures unknown.
type Sample struct {
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	DiskBytes  int64     `json:"disk_bytes"`
	Known      bool      `json:"known"`
	At         time.Time `json:"at"`
}

// HostStats aggregates host-level usage.
type HostStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	DiskUsedBytes    uint64  `json:"disk_used_bytes"`
	DiskTotalBytes   uint64  `json:"disk_total_bytes"`
}

// Sampler reads usage numbers from the host.
type Sampler interface {
	// Process returns CPU percent and resident memory for a PID.
	Process(pid int) (cpu float64, rss uint64, err error)
	// Host returns host aggregates; path locates the storage filesystem.
	Host(path string) (HostStats, error)
}

// Monitor keeps the latest sample per running instance.
type Monitor struct {
	db       *store.DB
	sampler  Sampler
	interval time.Duration
	vmDir    string

	mu     sync.RWMutex
	latest map[string]Sample
}

// New returns a monitor sampling on the given cadence.
func New(db *store.DB, sampler Sampler, interval time.Duration, vmDir string) *Monitor {
	return &Monitor{
		db:       db,
		sampler:  sampler,
		interval: interval,
		vmDir:    vmDir,
		latest:   make(map[string]Sample),
	}
}

// SampleOnce takes one sample of every RUNNING instance. Instances
// whose process cannot be read get an unknown sample rather than an
// error; samples for instances no longer running are dropped.
func (m *Monitor) SampleOnce(ctx context.Context) error {
	running, err := m.db.ListInstances(store.ListFilter{State: store.StateRunning})
	if err != nil {
		return err
	}

	now := time.Now()
	fresh := make(map[string]Sample, len(running))
	for _, inst := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s := Sample{InstanceID: inst.ID, PID: inst.PID, At: now}
		if inst.PID != 0 {
			cpu, rss, err := m.sampler.Process(inst.PID)
			if err == nil {
				s.CPUPercent = cpu
				s.RSSBytes = rss
				s.Known = true
			}
		}
		if inst.ImagePath != "" {
			if fi, err := os.Stat(inst.ImagePath); err == nil {
				s.DiskBytes = fi.Size()
			}
		}
		fresh[inst.ID] = s
	}

	m.mu.Lock()
	m.latest = fresh
	m.mu.Unlock()
	return nil
}

// Latest returns a copy of the newest sample per instance.
func (m *Monitor) Latest() map[string]Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Sample, len(m.latest))
	for id, s := range m.latest {
		out[id] = s
	}
	return out
}

// LatestFor returns the newest sample for one instance.
func (m *Monitor) LatestFor(instanceID string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.latest[instanceID]
	return s, ok
}

// Host returns host-level aggregates.
func (m *Monitor) Host() (HostStats, error) {
	return m.sampler.Host(m.vmDir)
}

// Run samples on the configured cadence until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SampleOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("monitor: sample: %v", err)
			}
		}
	}
}
