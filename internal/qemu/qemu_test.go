package qemu

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hopingboyz/vpsd/internal/config"
)

func writeFakeTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfigWithTools(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.QemuBin = writeFakeTool(t, dir, "qemu-system-x86_64")
	cfg.QemuImgBin = writeFakeTool(t, dir, "qemu-img")
	cfg.CloudLocaldsBin = writeFakeTool(t, dir, "cloud-localds")
	return cfg
}

func TestPreflight(t *testing.T) {
	cfg := testConfigWithTools(t)

	fakeKVM := filepath.Join(t.TempDir(), "kvm")
	if err := os.WriteFile(fakeKVM, nil, 0600); err != nil {
		t.Fatal(err)
	}
	orig := kvmDevice
	kvmDevice = fakeKVM
	defer func() { kvmDevice = orig }()

	tools, err := Preflight(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tools.Qemu != cfg.QemuBin {
		t.Errorf("Qemu = %q, want %q", tools.Qemu, cfg.QemuBin)
	}
}

func TestPreflight_ToolMissing(t *testing.T) {
	cfg := testConfigWithTools(t)
	cfg.QemuBin = filepath.Join(t.TempDir(), "missing-qemu")

	_, err := Preflight(cfg)
	var tm *ToolMissingError
	if !errors.As(err, &tm) {
		t.Fatalf("err = %v, want ToolMissingError", err)
	}
	if !strings.Contains(tm.Error(), "apt install") {
		t.Errorf("error carries no remediation: %v", tm)
	}
}

func TestPreflight_NoKVM(t *testing.T) {
	cfg := testConfigWithTools(t)

	orig := kvmDevice
	kvmDevice = filepath.Join(t.TempDir(), "kvm-absent")
	defer func() { kvmDevice = orig }()

	_, err := Preflight(cfg)
	if !errors.Is(err, ErrVirtualizationUnsupported) {
		t.Errorf("err = %v, want ErrVirtualizationUnsupported", err)
	}
}
