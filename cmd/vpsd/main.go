// vpsd is the VPS daemon, the local control plane for QEMU-backed
// virtual private servers.
//
// It listens on a unix socket and provides an HTTP API for instance
// provisioning, lifecycle control, image cache management and
// admin/ban bookkeeping.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hopingboyz/vpsd/internal/api"
	"github.com/hopingboyz/vpsd/internal/cloudinit"
	"github.com/hopingboyz/vpsd/internal/config"
	"github.com/hopingboyz/vpsd/internal/disk"
	"github.com/hopingboyz/vpsd/internal/engine"
	"github.com/hopingboyz/vpsd/internal/image"
	"github.com/hopingboyz/vpsd/internal/monitor"
	"github.com/hopingboyz/vpsd/internal/ports"
	"github.com/hopingboyz/vpsd/internal/qemu"
	"github.com/hopingboyz/vpsd/internal/retry"
	"github.com/hopingboyz/vpsd/internal/store"
	"github.com/hopingboyz/vpsd/internal/supervisor"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	tools, err := qemu.Preflight(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("vpsd starting (qemu: %s)", tools.Qemu)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	log.Printf("store: %s", cfg.DBPath)

	cache := image.NewCache(cfg.VMDir, db, image.NewHTTPFetcher(),
		retry.NewPolicy(cfg.DownloadAttempts, cfg.DownloadDelay))
	disks := disk.NewProvisioner(cfg.VMDir, &qemu.ImgCLI{Bin: tools.QemuImg})
	seeds := cloudinit.NewBuilder(cfg.VMDir, tools.CloudLocalds)
	alloc := ports.NewAllocator(db, cfg.PortRangeStart, cfg.PortRangeEnd)
	sup := supervisor.New(cfg, db, alloc, tools.Qemu)
	mon := monitor.New(db, monitor.HostSampler{}, cfg.SampleInterval, cfg.VMDir)

	eng := engine.New(cfg, db, cache, disks, seeds, alloc, sup, mon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Instances caught mid-operation by the previous shutdown (or
	// recorded running with a dead process) are settled before the
	// API starts serving.
	if err := eng.Recover(ctx); err != nil {
		log.Printf("boot recovery: %v", err)
	}

	go sup.ReconcileLoop(ctx)
	go mon.Run(ctx)

	server := api.NewServer(cfg, eng)
	if err := server.Start(); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	pidPath := filepath.Join(filepath.Dir(cfg.DBPath), "vpsd.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("vpsd ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	os.Remove(cfg.SocketPath)

	log.Println("vpsd stopped")
}
