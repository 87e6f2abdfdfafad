// Package disk provisions per-instance root disks from cached base
// images. Disks only ever grow; a resize below the image's current
// virtual size is treated as already satisfied.
package disk

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/hopingboyz/vpsd/internal/qemu"
)

// Provisioner creates and resizes instance root disks under dir.
type Provisioner struct {
	dir string
	img qemu.ImageTool
}

// NewProvisioner returns a provisioner writing disks under dir.
func NewProvisioner(dir string, img qemu.ImageTool) *Provisioner {
	return &Provisioner{dir: dir, img: img}
}

// Path returns the root disk path for an instance.
func (p *Provisioner) Path(instanceID string) string {
	return filepath.Join(p.dir, instanceID+".img")
}

// Provision copies the cached base image into a fresh per-instance disk
// and grows it to sizeBytes. Returns the disk path and its final
// virtual size. The copy is staged and renamed so a crash mid-copy
// never leaves a disk that looks complete.
func (p *Provisioner) Provision(ctx context.Context, instanceID, cachePath string, sizeBytes int64) (string, int64, error) {
	dest := p.Path(instanceID)
	staging := dest + ".partial"

	if err := copyFile(cachePath, staging); err != nil {
		os.Remove(staging)
		return "", 0, fmt.Errorf("copy base image for %s: %w", instanceID, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		os.Remove(staging)
		return "", 0, fmt.Errorf("promote disk for %s: %w", instanceID, err)
	}

	size, err := p.Resize(ctx, dest, sizeBytes)
	if err != nil {
		os.Remove(dest)
		return "", 0, err
	}
	return dest, size, nil
}

// Resize grows the disk at path to sizeBytes and returns the resulting
// virtual size. If the disk is already at least that large it is left
// alone.
func (p *Provisioner) Resize(ctx context.Context, path string, sizeBytes int64) (int64, error) {
	current, err := p.img.VirtualSize(ctx, path)
	if err != nil {
		return 0, err
	}
	if sizeBytes <= current {
		if sizeBytes < current {
			log.Printf("disk: %s already %d bytes, not shrinking to %d", path, current, sizeBytes)
		}
		return current, nil
	}
	if err := p.img.Resize(ctx, path, sizeBytes); err != nil {
		return 0, err
	}
	return sizeBytes, nil
}

// Remove deletes an instance's root disk. Missing files are fine.
func (p *Provisioner) Remove(instanceID string) error {
	err := os.Remove(p.Path(instanceID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
