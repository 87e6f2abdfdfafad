// Package qemu wraps the host-environment collaborators: the hypervisor
// binary, the disk-image utility and the cloud-init seed builder. The
// engine treats all three as black boxes.
package qemu

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/hopingboyz/vpsd/internal/config"
)

// ErrVirtualizationUnsupported indicates the host cannot do hardware
// virtualization (no /dev/kvm).
var ErrVirtualizationUnsupported = errors.New("hardware virtualization unsupported")

// ToolMissingError indicates a required external tool is not installed.
type ToolMissingError struct {
	Tool        string
	Remediation string
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("required tool %q not found (%s)", e.Tool, e.Remediation)
}

// kvmDevice is a var so tests can point it at a temp path.
var kvmDevice = "/dev/kvm"

// Tools holds resolved paths to the external executables.
type Tools struct {
	Qemu         string
	QemuImg      string
	CloudLocalds string
}

// Preflight resolves and verifies the external tools and the host's
// virtualization support. Failures here are fatal for the daemon and
// carry remediation detail.
func Preflight(cfg *config.Config) (*Tools, error) {
	qemuBin, err := resolveTool(cfg.QemuBin, "qemu-system-x86_64",
		"install QEMU, e.g. apt install qemu-system-x86")
	if err != nil {
		return nil, err
	}
	imgBin, err := resolveTool(cfg.QemuImgBin, "qemu-img",
		"install qemu-utils, e.g. apt install qemu-utils")
	if err != nil {
		return nil, err
	}
	seedBin, err := resolveTool(cfg.CloudLocaldsBin, "cloud-localds",
		"install cloud-image-utils, e.g. apt install cloud-image-utils")
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(kvmDevice); err != nil {
		return nil, fmt.Errorf("%s not accessible (enable KVM and add the daemon user to the kvm group): %w",
			kvmDevice, ErrVirtualizationUnsupported)
	}

	return &Tools{Qemu: qemuBin, QemuImg: imgBin, CloudLocalds: seedBin}, nil
}

func resolveTool(configured, name, remediation string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", &ToolMissingError{Tool: configured, Remediation: remediation}
		}
		return configured, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &ToolMissingError{Tool: name, Remediation: remediation}
	}
	return path, nil
}
