package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Image cache entry statuses.
const (
	ImagePending     = "pending"
	ImageDownloading = "downloading"
	ImageReady       = "ready"
	ImageFailed      = "failed"
)

// ImageCacheEntry records one cached base image per OS variant. An
// entry is immutable once ready; provisioning never reads an entry in
// any other status.
type ImageCacheEntry struct {
	Variant   string    `json:"variant"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetImage returns the cache entry for a variant, or ErrNotFound.
func (d *DB) GetImage(variant string) (*ImageCacheEntry, error) {
	var e ImageCacheEntry
	var updatedStr string
	err := d.db.QueryRow(`
		SELECT variant, path, size_bytes, status, updated_at
		FROM image_cache WHERE variant = ?
	`, variant).Scan(&e.Variant, &e.Path, &e.SizeBytes, &e.Status, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("image %s: %w", variant, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return &e, nil
}

// ListImages returns all cache entries.
func (d *DB) ListImages() ([]*ImageCacheEntry, error) {
	rows, err := d.db.Query(`
		SELECT variant, path, size_bytes, status, updated_at FROM image_cache
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ImageCacheEntry
	for rows.Next() {
		var e ImageCacheEntry
		var updatedStr string
		if err := rows.Scan(&e.Variant, &e.Path, &e.SizeBytes, &e.Status, &updatedStr); err != nil {
			return nil, err
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkImageDownloading checkpoints a fetch in progress. Upserts so a
// previously failed entry can be retried from scratch.
func (d *DB) MarkImageDownloading(variant, path string) error {
	_, err := d.db.Exec(`
		INSERT INTO image_cache (variant, path, size_bytes, status, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(variant) DO UPDATE SET
			path = excluded.path,
			size_bytes = 0,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, variant, path, ImageDownloading, time.Now().Format(time.RFC3339))
	return err
}

// MarkImageReady promotes an entry after the file is atomically in place.
func (d *DB) MarkImageReady(variant string, sizeBytes int64) error {
	res, err := d.db.Exec(`
		UPDATE image_cache SET status = ?, size_bytes = ?, updated_at = ?
		WHERE variant = ?
	`, ImageReady, sizeBytes, time.Now().Format(time.RFC3339), variant)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image %s: %w", variant, ErrNotFound)
	}
	return nil
}

// MarkImageFailed records an exhausted fetch so operators can see it;
// the next EnsureCached call for the variant starts over.
func (d *DB) MarkImageFailed(variant string) error {
	_, err := d.db.Exec(`
		UPDATE image_cache SET status = ?, updated_at = ? WHERE variant = ?
	`, ImageFailed, time.Now().Format(time.RFC3339), variant)
	return err
}
