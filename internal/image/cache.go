// Package image fetches and caches base OS images, one file per
// variant. Concurrent requests for the same variant share one download
// and readers never observe a partially written file.
package image

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hopingboyz/vpsd/internal/catalog"
	"github.com/hopingboyz/vpsd/internal/retry"
	"github.com/hopingboyz/vpsd/internal/store"
)

// DownloadError is returned when a fetch exhausts its retry budget.
type DownloadError struct {
	Variant  string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download image for %s failed after %d attempts: %v", e.Variant, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Ref points at a ready cached base image.
type Ref struct {
	Variant   string
	Path      string
	SizeBytes int64
}

// Cache manages the per-variant base image files under dir. Entry
// status is checkpointed in the store so a crash mid-download is
// diagnosable and restartable.
type Cache struct {
	dir     string
	db      *store.DB
	fetcher Fetcher
	policy  retry.Policy
	group   singleflight.Group

	// Resolve maps a variant id to its catalog entry. Overridable in
	// tests to point downloads at a local server.
	Resolve func(string) (catalog.Variant, error)
}

// NewCache creates a cache storing images under dir.
func NewCache(dir string, db *store.DB, fetcher Fetcher, policy retry.Policy) *Cache {
	return &Cache{
		dir:     dir,
		db:      db,
		fetcher: fetcher,
		policy:  policy,
		Resolve: catalog.Lookup,
	}
}

// Path returns the final cache file path for a variant.
func (c *Cache) Path(variant string) string {
	return filepath.Join(c.dir, "cache_"+variant+".img")
}

// EnsureCached returns a ready image for the variant, downloading it if
// needed. Concurrent calls for the same variant attach to the same
// in-flight fetch. The fetch itself runs detached from any one caller's
// context: a canceled caller stops waiting, but the shared download
// keeps going for the callers still attached (and warms the cache
// either way). A previously failed entry is retried from scratch.
func (c *Cache) EnsureCached(ctx context.Context, variant string) (Ref, error) {
	v, err := c.Resolve(variant)
	if err != nil {
		return Ref{}, err
	}

	ch := c.group.DoChan(variant, func() (interface{}, error) {
		return c.ensure(context.WithoutCancel(ctx), v)
	})
	select {
	case <-ctx.Done():
		return Ref{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Ref{}, res.Err
		}
		return res.Val.(Ref), nil
	}
}

func (c *Cache) ensure(ctx context.Context, v catalog.Variant) (Ref, error) {
	final := c.Path(v.ID)

	entry, err := c.db.GetImage(v.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Ref{}, err
	}
	if entry != nil && entry.Status == store.ImageReady {
		if fi, statErr := os.Stat(entry.Path); statErr == nil {
			return Ref{Variant: v.ID, Path: entry.Path, SizeBytes: fi.Size()}, nil
		}
		log.Printf("image: cache file for %s missing, re-downloading", v.ID)
	}

	if err := c.db.MarkImageDownloading(v.ID, final); err != nil {
		return Ref{}, err
	}

	partial := final + ".partial"
	log.Printf("image: downloading %s from %s", v.ID, v.URL)

	fetchErr := c.policy.Do(ctx, func() error {
		return c.fetcher.Fetch(ctx, v.URL, partial)
	})
	if fetchErr != nil {
		os.Remove(partial)
		if dbErr := c.db.MarkImageFailed(v.ID); dbErr != nil {
			log.Printf("image: mark %s failed: %v", v.ID, dbErr)
		}
		return Ref{}, &DownloadError{Variant: v.ID, Attempts: c.policy.Attempts, Err: fetchErr}
	}

	// Promote atomically so provisioning never reads a partial file.
	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		c.db.MarkImageFailed(v.ID)
		return Ref{}, fmt.Errorf("promote cache file for %s: %w", v.ID, err)
	}

	fi, err := os.Stat(final)
	if err != nil {
		return Ref{}, fmt.Errorf("stat cache file for %s: %w", v.ID, err)
	}
	if err := c.db.MarkImageReady(v.ID, fi.Size()); err != nil {
		return Ref{}, err
	}
	if err := c.db.IncrCounter(store.CounterDownloaded, "download:"+v.ID+":"+uuid.NewString()); err != nil {
		log.Printf("image: count download of %s: %v", v.ID, err)
	}

	log.Printf("image: cached %s (%d bytes)", v.ID, fi.Size())
	return Ref{Variant: v.ID, Path: final, SizeBytes: fi.Size()}, nil
}
