package store

import "fmt"

// Statistics counter keys.
const (
	CounterCreated    = "created"
	CounterRestarted  = "restarted"
	CounterDownloaded = "downloaded"
)

// IncrCounter increments an aggregate counter for a logical lifecycle
// event. The event id deduplicates retried handlers: the counter moves
// only the first time a given event id is seen, in the same transaction
// that records the id.
func (d *DB) IncrCounter(key, eventID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO statistics_events (event_id) VALUES (?)
	`, eventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Event already counted.
		return nil
	}

	res, err = tx.Exec(`UPDATE statistics SET value = value + 1 WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown counter %q", key)
	}

	return tx.Commit()
}

// Counter returns the current value of a counter.
func (d *DB) Counter(key string) (int64, error) {
	var v int64
	err := d.db.QueryRow(`SELECT value FROM statistics WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("counter %q: %w", key, ErrNotFound)
	}
	return v, nil
}

// Counters returns all counters.
func (d *DB) Counters() (map[string]int64, error) {
	rows, err := d.db.Query(`SELECT key, value FROM statistics`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var v int64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
