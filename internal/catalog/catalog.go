// Package catalog maps OS variant identifiers to downloadable base images.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Variant describes one provisionable OS flavor.
type Variant struct {
	ID          string // stable identifier, e.g. "ubuntu24"
	Name        string // display name
	URL         string // published cloud image
	Codename    string // release codename used in the image filename
	DefaultUser string // login user baked into the published image
}

// Compression returns the stream compression of the published file,
// derived from the URL suffix: "gz", "zst" or "" for none.
func (v Variant) Compression() string {
	switch {
	case strings.HasSuffix(v.URL, ".gz"):
		return "gz"
	case strings.HasSuffix(v.URL, ".zst"):
		return "zst"
	default:
		return ""
	}
}

var variants = map[string]Variant{
	"ubuntu22": {
		ID:          "ubuntu22",
		Name:        "Ubuntu 22.04 LTS",
		URL:         "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img",
		Codename:    "jammy",
		DefaultUser: "ubuntu",
	},
	"ubuntu24": {
		ID:          "ubuntu24",
		Name:        "Ubuntu 24.04 LTS",
		URL:         "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
		Codename:    "noble",
		DefaultUser: "ubuntu",
	},
	"debian11": {
		ID:          "debian11",
		Name:        "Debian 11 (Bullseye)",
		URL:         "https://cloud.debian.org/images/cloud/bullseye/latest/debian-11-generic-amd64.qcow2",
		Codename:    "bullseye",
		DefaultUser: "debian",
	},
	"debian12": {
		ID:          "debian12",
		Name:        "Debian 12 (Bookworm)",
		URL:         "https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-generic-amd64.qcow2",
		Codename:    "bookworm",
		DefaultUser: "debian",
	},
	"fedora40": {
		ID:          "fedora40",
		Name:        "Fedora 40",
		URL:         "https://download.fedoraproject.org/pub/fedora/linux/releases/40/Cloud/x86_64/images/Fedora-Cloud-Base-40-1.14.x86_64.qcow2",
		Codename:    "40",
		DefaultUser: "fedora",
	},
	"centos9": {
		ID:          "centos9",
		Name:        "CentOS Stream 9",
		URL:         "https://cloud.centos.org/centos/9-stream/x86_64/images/CentOS-Stream-GenericCloud-9-latest.x86_64.qcow2",
		Codename:    "stream9",
		DefaultUser: "centos",
	},
	"alma9": {
		ID:          "alma9",
		Name:        "AlmaLinux 9",
		URL:         "https://repo.almalinux.org/almalinux/9/cloud/x86_64/images/AlmaLinux-9-GenericCloud-latest.x86_64.qcow2",
		Codename:    "9",
		DefaultUser: "alma",
	},
	"rocky9": {
		ID:          "rocky9",
		Name:        "Rocky Linux 9",
		URL:         "https://download.rockylinux.org/pub/rocky/9/images/x86_64/Rocky-9-GenericCloud.latest.x86_64.qcow2",
		Codename:    "9",
		DefaultUser: "rocky",
	},
}

// Lookup returns the variant for the given id.
func Lookup(id string) (Variant, error) {
	v, ok := variants[id]
	if !ok {
		return Variant{}, fmt.Errorf("unknown os variant %q", id)
	}
	return v, nil
}

// IDs returns all variant ids, sorted.
func IDs() []string {
	ids := make([]string, 0, len(variants))
	for id := range variants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
