package cloudinit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testSpec() Spec {
	return Spec{
		InstanceID: "vps-1234",
		Hostname:   "myhost",
		Username:   "alice",
		Password:   "s3cret",
	}
}

func TestUserData(t *testing.T) {
	ud := UserData(testSpec())

	for _, want := range []string{
		"#cloud-config",
		"hostname: myhost",
		"ssh_pwauth: true",
		"- name: alice",
		"root:s3cret",
		"alice:s3cret",
		"sudo: ALL=(ALL) NOPASSWD:ALL",
	} {
		if !strings.Contains(ud, want) {
			t.Errorf("user-data missing %q", want)
		}
	}
	if ud != UserData(testSpec()) {
		t.Error("user-data is not deterministic")
	}
}

func TestMetaData(t *testing.T) {
	md := MetaData(testSpec())
	if !strings.Contains(md, "instance-id: iid-vps-1234") {
		t.Errorf("meta-data missing instance id: %q", md)
	}
	if !strings.Contains(md, "local-hostname: myhost") {
		t.Errorf("meta-data missing hostname: %q", md)
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir, "cloud-localds")

	var gotArgs []string
	b.Run = func(ctx context.Context, bin string, args ...string) error {
		gotArgs = append([]string{bin}, args...)
		// The intermediates must exist while the tool runs.
		for _, p := range args[1:] {
			if _, err := os.Stat(p); err != nil {
				t.Errorf("input %s not present during run: %v", p, err)
			}
		}
		return os.WriteFile(args[0], []byte("seed"), 0600)
	}

	seed, err := b.Build(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if seed != b.Path("vps-1234") {
		t.Errorf("seed = %q, want %q", seed, b.Path("vps-1234"))
	}
	if len(gotArgs) != 4 || gotArgs[0] != "cloud-localds" {
		t.Errorf("run args = %v", gotArgs)
	}

	// Credential-bearing intermediates are removed afterwards.
	if _, err := os.Stat(filepath.Join(dir, "user-data-vps-1234")); !os.IsNotExist(err) {
		t.Error("user-data left behind")
	}
	if _, err := os.Stat(filepath.Join(dir, "meta-data-vps-1234")); !os.IsNotExist(err) {
		t.Error("meta-data left behind")
	}
}

func TestBuild_ToolFailure(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir, "cloud-localds")
	b.Run = func(ctx context.Context, bin string, args ...string) error {
		return errors.New("genisoimage not installed")
	}

	_, err := b.Build(context.Background(), testSpec())
	if err == nil {
		t.Fatal("want error from failing seed tool")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "user-data-vps-1234")); !os.IsNotExist(statErr) {
		t.Error("user-data left behind after failure")
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir, "cloud-localds")
	if err := os.WriteFile(b.Path("vps-1"), []byte("seed"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove("vps-1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove("vps-1"); err != nil {
		t.Errorf("second remove: %v", err)
	}
}
