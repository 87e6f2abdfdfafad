package qemu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// ImageTool is the disk-image utility surface the provisioner needs.
type ImageTool interface {
	// VirtualSize returns the image's virtual size in bytes.
	VirtualSize(ctx context.Context, path string) (int64, error)
	// Resize grows the image to the given size. Shrinking is the
	// caller's responsibility to avoid.
	Resize(ctx context.Context, path string, sizeBytes int64) error
}

// ImgCLI implements ImageTool by shelling out to qemu-img.
type ImgCLI struct {
	Bin string
}

// VirtualSize runs `qemu-img info --output=json` and reads virtual-size.
func (c *ImgCLI) VirtualSize(ctx context.Context, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, c.Bin, "info", "--output=json", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("qemu-img info %s: %s: %w", path, stderr.String(), err)
	}

	var info struct {
		VirtualSize int64 `json:"virtual-size"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return 0, fmt.Errorf("parse qemu-img info output: %w", err)
	}
	return info.VirtualSize, nil
}

// Resize runs `qemu-img resize` to the absolute byte size.
func (c *ImgCLI) Resize(ctx context.Context, path string, sizeBytes int64) error {
	cmd := exec.CommandContext(ctx, c.Bin, "resize", path, fmt.Sprintf("%d", sizeBytes))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("qemu-img resize %s: %s: %w", path, stderr.String(), err)
	}
	return nil
}
