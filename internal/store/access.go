package store

import (
	"database/sql"
	"time"
)

// Admin is an operator record consumed by the front end.
type Admin struct {
	UserID  int64     `json:"user_id"`
	AddedBy int64     `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}

// Ban blocks a user from provisioning.
type Ban struct {
	UserID   int64     `json:"user_id"`
	BannedBy int64     `json:"banned_by"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"banned_at"`
}

// AddAdmin records an admin. Idempotent.
func (d *DB) AddAdmin(userID, addedBy int64) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO admins (user_id, added_by, added_at) VALUES (?, ?, ?)
	`, userID, addedBy, time.Now().Format(time.RFC3339))
	return err
}

// RemoveAdmin removes an admin record. Idempotent.
func (d *DB) RemoveAdmin(userID int64) error {
	_, err := d.db.Exec(`DELETE FROM admins WHERE user_id = ?`, userID)
	return err
}

// IsAdmin reports whether the user is an admin.
func (d *DB) IsAdmin(userID int64) (bool, error) {
	var one int
	err := d.db.QueryRow(`SELECT 1 FROM admins WHERE user_id = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListAdmins returns all admin records.
func (d *DB) ListAdmins() ([]*Admin, error) {
	rows, err := d.db.Query(`SELECT user_id, added_by, added_at FROM admins`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []*Admin
	for rows.Next() {
		var a Admin
		var addedStr string
		if err := rows.Scan(&a.UserID, &a.AddedBy, &addedStr); err != nil {
			return nil, err
		}
		a.AddedAt, _ = time.Parse(time.RFC3339, addedStr)
		admins = append(admins, &a)
	}
	return admins, rows.Err()
}

// BanUser records a ban. Re-banning updates the reason.
func (d *DB) BanUser(userID, bannedBy int64, reason string) error {
	_, err := d.db.Exec(`
		INSERT INTO banned_users (user_id, banned_by, reason, banned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			banned_by = excluded.banned_by,
			reason = excluded.reason,
			banned_at = excluded.banned_at
	`, userID, bannedBy, reason, time.Now().Format(time.RFC3339))
	return err
}

// UnbanUser removes a ban. Idempotent.
func (d *DB) UnbanUser(userID int64) error {
	_, err := d.db.Exec(`DELETE FROM banned_users WHERE user_id = ?`, userID)
	return err
}

// IsBanned reports whether the user is banned.
func (d *DB) IsBanned(userID int64) (bool, error) {
	var one int
	err := d.db.QueryRow(`SELECT 1 FROM banned_users WHERE user_id = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListBanned returns all ban records.
func (d *DB) ListBanned() ([]*Ban, error) {
	rows, err := d.db.Query(`SELECT user_id, banned_by, reason, banned_at FROM banned_users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []*Ban
	for rows.Next() {
		var b Ban
		var bannedStr string
		if err := rows.Scan(&b.UserID, &b.BannedBy, &b.Reason, &bannedStr); err != nil {
			return nil, err
		}
		b.BannedAt, _ = time.Parse(time.RFC3339, bannedStr)
		bans = append(bans, &b)
	}
	return bans, rows.Err()
}
