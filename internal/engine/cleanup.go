package engine

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/hopingboyz/vpsd/internal/store"
)

// instanceFileSuffixes are the per-instance artifacts the engine
// writes under the VM directory, keyed by what trails the instance ID.
var instanceFileSuffixes = []string{"-seed.iso", ".img.partial", ".img", ".pid", ".log"}

// PurgeOrphans removes per-instance files in the VM directory whose
// instance is deleted or unknown. Cached base images (cache_* files)
// are always preserved; so is anything that does not look like an
// instance artifact. Returns the number of files removed.
func (e *Engine) PurgeOrphans() (int, error) {
	live := make(map[string]bool)
	instances, err := e.db.ListInstances(store.ListFilter{})
	if err != nil {
		return 0, err
	}
	for _, inst := range instances {
		live[inst.ID] = true
	}

	entries, err := os.ReadDir(e.cfg.VMDir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "cache_") {
			continue
		}

		id, ok := instanceIDFromFilename(name)
		if !ok || live[id] {
			continue
		}
		path := filepath.Join(e.cfg.VMDir, name)
		if err := os.Remove(path); err != nil {
			log.Printf("engine: purge %s: %v", path, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("engine: purged %d orphaned files", removed)
	}
	return removed, nil
}

func instanceIDFromFilename(name string) (string, bool) {
	for _, suffix := range instanceFileSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}
	return "", false
}
