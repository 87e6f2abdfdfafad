package supervisor

import (
	"fmt"
	"path/filepath"

	"github.com/hopingboyz/vpsd/internal/store"
)

// PidfilePath returns where the hypervisor writes its PID for an
// instance.
func PidfilePath(vmDir, instanceID string) string {
	return filepath.Join(vmDir, instanceID+".pid")
}

// ConsoleLogPath returns where the instance's serial console is logged.
// GUI-mode instances have no console log.
func ConsoleLogPath(vmDir, instanceID string) string {
	return filepath.Join(vmDir, instanceID+".log")
}

// buildArgs assembles the hypervisor argument list for an instance. The
// instance ID rides in the guest name so a lost pidfile can still be
// matched to its process by command line.
func buildArgs(vmDir string, inst *store.Instance) []string {
	args := []string{
		"-name", "guest=" + inst.ID,
		"-enable-kvm",
		"-m", fmt.Sprintf("%d", inst.MemoryMB),
		"-smp", fmt.Sprintf("%d", inst.CPUs),
		"-cpu", "host",
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", inst.ImagePath),
		"-drive", fmt.Sprintf("file=%s,format=raw,if=virtio", inst.SeedPath),
		"-boot", "order=c",
		"-device", "virtio-net-pci,netdev=n0",
		"-netdev", fmt.Sprintf("user,id=n0,hostfwd=tcp::%d-:22", inst.SSHPort),
		"-daemonize",
		"-pidfile", PidfilePath(vmDir, inst.ID),
	}

	if inst.GUIMode {
		args = append(args, "-vga", "virtio", "-display", "gtk,gl=on")
	} else {
		args = append(args, "-nographic", "-serial", "file:"+ConsoleLogPath(vmDir, inst.ID))
	}

	for i, fwd := range inst.ExtraForwards {
		n := i + 1
		args = append(args,
			"-device", fmt.Sprintf("virtio-net-pci,netdev=n%d", n),
			"-netdev", fmt.Sprintf("user,id=n%d,hostfwd=tcp::%d-:%d", n, fwd.HostPort, fwd.GuestPort),
		)
	}
	return args
}
