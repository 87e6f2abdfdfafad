package engine

import (
	"os"
	"strings"

	"github.com/hopingboyz/vpsd/internal/monitor"
	"github.com/hopingboyz/vpsd/internal/store"
)

// Stats is the aggregate view served to the front end. Allocated
// figures sum the committed resources of RUNNING instances; the disk
// split separates the shared base-image cache from per-instance files.
type Stats struct {
	Counters          map[string]int64          `json:"counters"`
	TotalInstances    int                       `json:"total_instances"`
	RunningInstances  int                       `json:"running_instances"`
	AllocatedMemoryMB int                       `json:"allocated_memory_mb"`
	AllocatedCPUs     int                       `json:"allocated_cpus"`
	CacheDiskBytes    int64                     `json:"cache_disk_bytes"`
	InstanceDiskBytes int64                     `json:"instance_disk_bytes"`
	Host              monitor.HostStats         `json:"host"`
	Samples           map[string]monitor.Sample `json:"samples"`
}

// GetStats collects counters, instance tallies, allocation sums, disk
// usage, host usage and the latest per-instance samples.
func (e *Engine) GetStats() (*Stats, error) {
	counters, err := e.db.Counters()
	if err != nil {
		return nil, err
	}
	instances, err := e.db.ListInstances(store.ListFilter{})
	if err != nil {
		return nil, err
	}
	running, allocMem, allocCPU := 0, 0, 0
	for _, inst := range instances {
		if inst.State == store.StateRunning {
			running++
			allocMem += inst.MemoryMB
			allocCPU += inst.CPUs
		}
	}
	host, err := e.mon.Host()
	if err != nil {
		return nil, err
	}
	cacheBytes, instanceBytes := e.diskUsageSplit()

	return &Stats{
		Counters:          counters,
		TotalInstances:    len(instances),
		RunningInstances:  running,
		AllocatedMemoryMB: allocMem,
		AllocatedCPUs:     allocCPU,
		CacheDiskBytes:    cacheBytes,
		InstanceDiskBytes: instanceBytes,
		Host:              host,
		Samples:           e.mon.Latest(),
	}, nil
}

// diskUsageSplit tallies storage-root bytes held by cached base images
// versus per-instance files. An unreadable dir yields zeros; stats stay
// best effort.
func (e *Engine) diskUsageSplit() (cacheBytes, instanceBytes int64) {
	entries, err := os.ReadDir(e.cfg.VMDir)
	if err != nil {
		return 0, 0
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Name(), "cache_") {
			cacheBytes += fi.Size()
		} else {
			instanceBytes += fi.Size()
		}
	}
	return cacheBytes, instanceBytes
}

// Admin and ban management passes through to the store; policy
// enforcement on who may call these lives in the front end.

func (e *Engine) AddAdmin(userID, addedBy int64) error { return e.db.AddAdmin(userID, addedBy) }

func (e *Engine) RemoveAdmin(userID int64) error { return e.db.RemoveAdmin(userID) }

func (e *Engine) IsAdmin(userID int64) (bool, error) { return e.db.IsAdmin(userID) }

func (e *Engine) ListAdmins() ([]*store.Admin, error) { return e.db.ListAdmins() }

func (e *Engine) BanUser(userID, bannedBy int64, reason string) error {
	return e.db.BanUser(userID, bannedBy, reason)
}

func (e *Engine) UnbanUser(userID int64) error { return e.db.UnbanUser(userID) }

func (e *Engine) IsBanned(userID int64) (bool, error) { return e.db.IsBanned(userID) }

func (e *Engine) ListBanned() ([]*store.Ban, error) { return e.db.ListBanned() }
