package image

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hopingboyz/vpsd/internal/catalog"
	"github.com/hopingboyz/vpsd/internal/retry"
	"github.com/hopingboyz/vpsd/internal/store"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int32
	failures int
	payload  []byte
	delay    time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, dest string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("mirror unavailable")
	}
	return os.WriteFile(dest, f.payload, 0600)
}

func testCache(t *testing.T, fetcher Fetcher, attempts int) (*Cache, *store.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	c := NewCache(dir, db, fetcher, retry.NewPolicy(attempts, time.Millisecond))
	c.Resolve = func(id string) (catalog.Variant, error) {
		return catalog.Variant{ID: id, Name: id, URL: "http://cache.test/" + id + ".img"}, nil
	}
	return c, db
}

func TestEnsureCached_Downloads(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("disk-image-bytes")}
	c, db := testCache(t, fetcher, 1)

	ref, err := c.EnsureCached(context.Background(), "ubuntu24")
	if err != nil {
		t.Fatal(err)
	}
	if ref.SizeBytes != int64(len(fetcher.payload)) {
		t.Errorf("SizeBytes = %d, want %d", ref.SizeBytes, len(fetcher.payload))
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, fetcher.payload) {
		t.Error("cached file does not match fetched payload")
	}

	entry, err := db.GetImage("ubuntu24")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.ImageReady {
		t.Errorf("status = %q, want ready", entry.Status)
	}
	if n, _ := db.Counter(store.CounterDownloaded); n != 1 {
		t.Errorf("downloaded counter = %d, want 1", n)
	}

	// A second call hits the cache without fetching again.
	if _, err := c.EnsureCached(context.Background(), "ubuntu24"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestEnsureCached_RetriesThenSucceeds(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("img"), failures: 2}
	c, _ := testCache(t, fetcher, 4)

	if _, err := c.EnsureCached(context.Background(), "debian12"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 3 {
		t.Errorf("fetch calls = %d, want 3", got)
	}
}

func TestEnsureCached_BudgetExhausted(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("img"), failures: 10}
	c, db := testCache(t, fetcher, 3)

	_, err := c.EnsureCached(context.Background(), "fedora40")
	var de *DownloadError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DownloadError", err)
	}
	if de.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", de.Attempts)
	}

	entry, err := db.GetImage("fedora40")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.ImageFailed {
		t.Errorf("status = %q, want failed", entry.Status)
	}
	if _, err := os.Stat(c.Path("fedora40") + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind after failure")
	}

	// A later call starts over and can succeed.
	fetcher.mu.Lock()
	fetcher.failures = 0
	fetcher.mu.Unlock()
	if _, err := c.EnsureCached(context.Background(), "fedora40"); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureCached_ConcurrentCallsShareOneFetch(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("img"), delay: 50 * time.Millisecond}
	c, _ := testCache(t, fetcher, 1)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.EnsureCached(context.Background(), "alma9")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

// gatedFetcher blocks every fetch until released, so tests can control
// exactly when a shared download finishes.
type gatedFetcher struct {
	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
	payload     []byte
	calls       int32
}

func (f *gatedFetcher) Fetch(ctx context.Context, url, dest string) error {
	atomic.AddInt32(&f.calls, 1)
	f.startedOnce.Do(func() { close(f.started) })
	<-f.release
	return os.WriteFile(dest, f.payload, 0600)
}

func TestEnsureCached_InitiatorCancelDoesNotFailWaiters(t *testing.T) {
	fetcher := &gatedFetcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		payload: []byte("img"),
	}
	c, _ := testCache(t, fetcher, 1)

	ctx, cancel := context.WithCancel(context.Background())
	initiator := make(chan error, 1)
	go func() {
		_, err := c.EnsureCached(ctx, "centos9")
		initiator <- err
	}()
	<-fetcher.started

	cancel()
	if err := <-initiator; !errors.Is(err, context.Canceled) {
		t.Fatalf("initiator err = %v, want context.Canceled", err)
	}

	// The download outlives its initiator; a later caller gets the
	// image without a second fetch.
	waiter := make(chan error, 1)
	go func() {
		_, err := c.EnsureCached(context.Background(), "centos9")
		waiter <- err
	}()
	close(fetcher.release)
	if err := <-waiter; err != nil {
		t.Fatalf("waiter err = %v, want success", err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestEnsureCached_RedownloadsWhenFileMissing(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("img")}
	c, _ := testCache(t, fetcher, 1)

	ref, err := c.EnsureCached(context.Background(), "rocky9")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(ref.Path); err != nil {
		t.Fatal(err)
	}

	if _, err := c.EnsureCached(context.Background(), "rocky9"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestHTTPFetcher_Gzip(t *testing.T) {
	raw := []byte("uncompressed disk image contents")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(raw)
	gz.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.img")
	f := NewHTTPFetcher()
	if err := f.Fetch(context.Background(), srv.URL+"/image.raw.gz", dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("fetched = %q, want %q", got, raw)
	}
}

func TestHTTPFetcher_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.img")
	f := NewHTTPFetcher()
	err := f.Fetch(context.Background(), srv.URL+"/missing.img", dest)
	if err == nil {
		t.Fatal("want error for HTTP 404")
	}
	if want := fmt.Sprintf("HTTP %d", http.StatusNotFound); !bytes.Contains([]byte(err.Error()), []byte(want)) {
		t.Errorf("err = %v, want mention of %s", err, want)
	}
}
