// Package cloudinit renders first-boot configuration and packs it into
// a NoCloud seed image via cloud-localds.
package cloudinit

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Spec describes one instance's first boot. Credentials pass through
// here once at provisioning and are never persisted.
type Spec struct {
	InstanceID string
	Hostname   string
	Username   string
	Password   string
}

// UserData renders the #cloud-config document. Output is deterministic
// for a given spec.
func UserData(s Spec) string {
	return fmt.Sprintf(`#cloud-config
hostname: %s
ssh_pwauth: true
disable_root: false
users:
  - name: %s
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    lock_passwd: false
chpasswd:
  list: |
    root:%s
    %s:%s
  expire: false
packages:
  - vim
  - curl
  - wget
  - htop
  - net-tools
runcmd:
  - echo 'Welcome to %s' > /etc/motd
`, s.Hostname, s.Username, s.Password, s.Username, s.Password, s.Hostname)
}

// MetaData renders the NoCloud meta-data document.
func MetaData(s Spec) string {
	return fmt.Sprintf("instance-id: iid-%s\nlocal-hostname: %s\n", s.InstanceID, s.Hostname)
}

// Builder writes seed images under dir using the cloud-localds binary.
type Builder struct {
	dir string
	bin string

	// Run executes the seed tool. Overridable in tests.
	Run func(ctx context.Context, bin string, args ...string) error
}

// NewBuilder returns a builder writing seeds under dir.
func NewBuilder(dir, bin string) *Builder {
	return &Builder{dir: dir, bin: bin, Run: runCommand}
}

// Path returns the seed image path for an instance.
func (b *Builder) Path(instanceID string) string {
	return filepath.Join(b.dir, instanceID+"-seed.iso")
}

// Build writes the user-data and meta-data files, packs them into the
// instance's seed image and removes the intermediate files. The
// intermediates hold credentials so they are cleaned up on every path.
func (b *Builder) Build(ctx context.Context, s Spec) (string, error) {
	userPath := filepath.Join(b.dir, "user-data-"+s.InstanceID)
	metaPath := filepath.Join(b.dir, "meta-data-"+s.InstanceID)
	defer os.Remove(userPath)
	defer os.Remove(metaPath)

	if err := os.WriteFile(userPath, []byte(UserData(s)), 0600); err != nil {
		return "", fmt.Errorf("write user-data for %s: %w", s.InstanceID, err)
	}
	if err := os.WriteFile(metaPath, []byte(MetaData(s)), 0600); err != nil {
		return "", fmt.Errorf("write meta-data for %s: %w", s.InstanceID, err)
	}

	seed := b.Path(s.InstanceID)
	if err := b.Run(ctx, b.bin, seed, userPath, metaPath); err != nil {
		os.Remove(seed)
		return "", fmt.Errorf("build seed for %s: %w", s.InstanceID, err)
	}
	return seed, nil
}

// Remove deletes an instance's seed image. Missing files are fine.
func (b *Builder) Remove(instanceID string) error {
	err := os.Remove(b.Path(instanceID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func runCommand(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s: %w", bin, out, err)
	}
	return nil
}
