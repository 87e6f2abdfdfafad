package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hopingboyz/vpsd/internal/store"
)

type fakeSampler struct {
	procs map[int][2]uint64 // pid -> {cpu*100, rss}
	host  HostStats
}

func (f *fakeSampler) Process(pid int) (float64, uint64, error) {
	v, ok := f.procs[pid]
	if !ok {
		return 0, 0, errors.New("no such process")
	}
	return float64(v[0]) / 100, v[1], nil
}

func (f *fakeSampler) Host(path string) (HostStats, error) {
	return f.host, nil
}

func testMonitor(t *testing.T) (*Monitor, *store.DB, *fakeSampler) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	sampler := &fakeSampler{procs: map[int][2]uint64{}}
	m := New(db, sampler, time.Second, "/tmp")
	return m, db, sampler
}

func addRunning(t *testing.T, db *store.DB, id string, pid int) {
	t.Helper()
	err := db.SaveInstance(&store.Instance{
		ID: id, OwnerID: 1, Variant: "ubuntu24", Hostname: "h",
		MemoryMB: 1024, CPUs: 1, State: store.StateRunning, PID: pid,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSampleOnce(t *testing.T) {
	m, db, sampler := testMonitor(t)
	addRunning(t, db, "vps-1", 100)
	sampler.procs[100] = [2]uint64{1250, 512 << 20}

	if err := m.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, ok := m.LatestFor("vps-1")
	if !ok {
		t.Fatal("no sample for vps-1")
	}
	if !s.Known {
		t.Error("sample not marked known")
	}
	if s.CPUPercent != 12.5 {
		t.Errorf("cpu = %v, want 12.5", s.CPUPercent)
	}
	if s.RSSBytes != 512<<20 {
		t.Errorf("rss = %d", s.RSSBytes)
	}
}

func TestSampleOnce_DiskUsage(t *testing.T) {
	m, db, sampler := testMonitor(t)
	addRunning(t, db, "vps-5", 500)
	sampler.procs[500] = [2]uint64{1250, 1 << 20}

	img := filepath.Join(t.TempDir(), "vps-5.img")
	if err := os.WriteFile(img, make([]byte, 4096), 0600); err != nil {
		t.Fatal(err)
	}
	if err := db.SetInstancePaths("vps-5", img, ""); err != nil {
		t.Fatal(err)
	}

	if err := m.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, ok := m.LatestFor("vps-5")
	if !ok {
		t.Fatal("no sample for vps-5")
	}
	if s.DiskBytes != 4096 {
		t.Errorf("disk = %d, want 4096", s.DiskBytes)
	}
}

func TestSampleOnce_MissingDiskFile(t *testing.T) {
	m, db, sampler := testMonitor(t)
	addRunning(t, db, "vps-6", 600)
	sampler.procs[600] = [2]uint64{100, 1 << 20}
	if err := db.SetInstancePaths("vps-6", "/nonexistent/vps-6.img", ""); err != nil {
		t.Fatal(err)
	}

	if err := m.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, ok := m.LatestFor("vps-6")
	if !ok {
		t.Fatal("no sample for vps-6")
	}
	if s.DiskBytes != 0 {
		t.Errorf("disk = %d, want 0 for a missing file", s.DiskBytes)
	}
	if !s.Known {
		t.Error("missing disk file must not mark the process sample unknown")
	}
}

func TestSampleOnce_VanishedProcessIsUnknown(t *testing.T) {
	m, db, _ := testMonitor(t)
	addRunning(t, db, "vps-2", 200)

	if err := m.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, ok := m.LatestFor("vps-2")
	if !ok {
		t.Fatal("no sample for vps-2")
	}
	if s.Known {
		t.Error("vanished process sample marked known")
	}

	// State transitions stay the reconciler's job.
	inst, err := db.GetInstance("vps-2")
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != store.StateRunning {
		t.Errorf("state = %q, monitor must not transition instances", inst.State)
	}
}

func TestSampleOnce_DropsStoppedInstances(t *testing.T) {
	m, db, sampler := testMonitor(t)
	addRunning(t, db, "vps-3", 300)
	sampler.procs[300] = [2]uint64{100, 1 << 20}

	if err := m.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.LatestFor("vps-3"); !ok {
		t.Fatal("no sample after first sweep")
	}

	if err := db.SetInstanceState("vps-3", store.StateStopped); err != nil {
		t.Fatal(err)
	}
	if err := m.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.LatestFor("vps-3"); ok {
		t.Error("stale sample kept for stopped instance")
	}
}

func TestHost(t *testing.T) {
	m, _, sampler := testMonitor(t)
	sampler.host = HostStats{CPUPercent: 40, MemoryTotalBytes: 16 << 30}

	stats, err := m.Host()
	if err != nil {
		t.Fatal(err)
	}
	if stats.CPUPercent != 40 || stats.MemoryTotalBytes != 16<<30 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLatest_ReturnsCopy(t *testing.T) {
	m, db, sampler := testMonitor(t)
	addRunning(t, db, "vps-4", 400)
	sampler.procs[400] = [2]uint64{100, 1}

	if err := m.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	snapshot := m.Latest()
	delete(snapshot, "vps-4")
	if _, ok := m.LatestFor("vps-4"); !ok {
		t.Error("mutating the snapshot affected the monitor")
	}
}
