package store

import (
	"errors"
	"testing"
)

func TestImageLifecycle(t *testing.T) {
	db := openTestDB(t)

	if err := db.MarkImageDownloading("ubuntu24", "/vms/cache_ubuntu24.img"); err != nil {
		t.Fatal(err)
	}

	e, err := db.GetImage("ubuntu24")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != ImageDownloading {
		t.Errorf("Status = %q, want downloading", e.Status)
	}

	if err := db.MarkImageReady("ubuntu24", 600<<20); err != nil {
		t.Fatal(err)
	}
	e, _ = db.GetImage("ubuntu24")
	if e.Status != ImageReady {
		t.Errorf("Status = %q, want ready", e.Status)
	}
	if e.SizeBytes != 600<<20 {
		t.Errorf("SizeBytes = %d, want %d", e.SizeBytes, int64(600<<20))
	}
}

func TestImage_NotFound(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.GetImage("ubuntu24"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := db.MarkImageReady("ubuntu24", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkImageReady err = %v, want ErrNotFound", err)
	}
}

func TestImage_FailedRestartsFromScratch(t *testing.T) {
	db := openTestDB(t)

	db.MarkImageDownloading("debian12", "/vms/cache_debian12.img")
	if err := db.MarkImageFailed("debian12"); err != nil {
		t.Fatal(err)
	}
	e, _ := db.GetImage("debian12")
	if e.Status != ImageFailed {
		t.Fatalf("Status = %q, want failed", e.Status)
	}

	// A new attempt upserts the row back to downloading.
	if err := db.MarkImageDownloading("debian12", "/vms/cache_debian12.img"); err != nil {
		t.Fatal(err)
	}
	e, _ = db.GetImage("debian12")
	if e.Status != ImageDownloading {
		t.Errorf("Status = %q after retry, want downloading", e.Status)
	}
	if e.SizeBytes != 0 {
		t.Errorf("SizeBytes = %d after retry, want 0", e.SizeBytes)
	}
}

func TestAccessRecords(t *testing.T) {
	db := openTestDB(t)

	if err := db.AddAdmin(100, 1); err != nil {
		t.Fatal(err)
	}
	ok, err := db.IsAdmin(100)
	if err != nil || !ok {
		t.Errorf("IsAdmin = %v, %v; want true, nil", ok, err)
	}
	if err := db.RemoveAdmin(100); err != nil {
		t.Fatal(err)
	}
	ok, _ = db.IsAdmin(100)
	if ok {
		t.Error("IsAdmin true after removal")
	}

	if err := db.BanUser(200, 1, "abuse"); err != nil {
		t.Fatal(err)
	}
	banned, err := db.IsBanned(200)
	if err != nil || !banned {
		t.Errorf("IsBanned = %v, %v; want true, nil", banned, err)
	}
	bans, err := db.ListBanned()
	if err != nil {
		t.Fatal(err)
	}
	if len(bans) != 1 || bans[0].Reason != "abuse" {
		t.Errorf("ListBanned = %v, want one ban with reason abuse", bans)
	}
	if err := db.UnbanUser(200); err != nil {
		t.Fatal(err)
	}
	banned, _ = db.IsBanned(200)
	if banned {
		t.Error("IsBanned true after unban")
	}
}
