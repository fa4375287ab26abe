package downloader

import (
	"context"
	"crypto/sha1"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guiyumin/cacheproxy/internal/cachefs"
	"github.com/guiyumin/cacheproxy/internal/fileid"
	"github.com/guiyumin/cacheproxy/internal/registry"
	"github.com/guiyumin/cacheproxy/internal/watch"
)

func newTestEnv(t *testing.T) (*Downloader, *cachefs.FilesystemManager, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := cachefs.NewFilesystemManager(filepath.Join(dir, "objects"), filepath.Join(dir, "tmp"))
	if err != nil {
		t.Fatalf("NewFilesystemManager: %v", err)
	}
	reg := registry.New()
	logger := zap.NewNop()
	d := New(mgr, reg, logger, false)
	return d, mgr, reg
}

func infoFor(content []byte) fileid.Info {
	sum := sha1.Sum(content)
	return fileid.Info{Hash: sum, Size: uint64(len(content)), Mime: "application/octet-stream"}
}

func TestRunSucceedsOnFirstSource(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk padding")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	d, mgr, reg := newTestEnv(t)
	info := infoFor(content)
	handle, inserted := reg.LookupOrInsert(info)
	if !inserted {
		t.Fatal("expected fresh insert")
	}

	u, _ := url.Parse(srv.URL)
	d.Run(context.Background(), handle, []*url.URL{u})

	path, ok, err := mgr.GetFile(info)
	if err != nil || !ok {
		t.Fatalf("GetFile after Run: ok=%v err=%v", ok, err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("cached content mismatch: got %q want %q", got, content)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry entry should be removed after completion, Len()=%d", reg.Len())
	}
}

func TestRunFailsOverToSecondSource(t *testing.T) {
	content := []byte("failover payload")

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	dead.Close() // closed server: connections refused immediately

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer good.Close()

	d, mgr, reg := newTestEnv(t)
	info := infoFor(content)
	handle, _ := reg.LookupOrInsert(info)

	deadURL, _ := url.Parse(dead.URL)
	goodURL, _ := url.Parse(good.URL)

	d.Run(context.Background(), handle, []*url.URL{deadURL, goodURL})

	_, ok, err := mgr.GetFile(info)
	if err != nil || !ok {
		t.Fatalf("expected import to succeed via second source: ok=%v err=%v", ok, err)
	}
}

func TestRunAbandonsOnHashMismatch(t *testing.T) {
	declared := infoFor([]byte("expected content"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, declared.Size)) // wrong bytes, right length
	}))
	defer srv.Close()

	d, mgr, reg := newTestEnv(t)
	handle, _ := reg.LookupOrInsert(declared)
	u, _ := url.Parse(srv.URL)

	d.Run(context.Background(), handle, []*url.URL{u})

	if _, ok, _ := mgr.GetFile(declared); ok {
		t.Fatal("a hash-mismatched download must not be imported")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry entry must be removed even on mismatch, Len()=%d", reg.Len())
	}
}

// failingCache fails every CreateTempFile call, simulating an
// out-of-space or permission-denied cache directory.
type failingCache struct {
	cachefs.Manager
}

func (failingCache) CreateTempFile() (string, error) {
	return "", errors.New("disk full")
}

func TestRunFailsTempPathWhenCreateTempFileErrors(t *testing.T) {
	dir := t.TempDir()
	mgr, err := cachefs.NewFilesystemManager(filepath.Join(dir, "objects"), filepath.Join(dir, "tmp"))
	if err != nil {
		t.Fatalf("NewFilesystemManager: %v", err)
	}
	reg := registry.New()
	d := New(failingCache{mgr}, reg, zap.NewNop(), false)

	info := infoFor([]byte("irrelevant"))
	handle, _ := reg.LookupOrInsert(info)

	waitErr := make(chan error, 1)
	go func() {
		_, err := handle.TempPath.Wait(context.Background())
		waitErr <- err
	}()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), handle, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after CreateTempFile failure")
	}

	select {
	case err := <-waitErr:
		if err != watch.ErrProducerFailed {
			t.Fatalf("TempPath.Wait() err = %v, want ErrProducerFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("a subscriber blocked on TempPath.Wait hung after CreateTempFile failed")
	}
}

func TestRunAbandonsWithNoSources(t *testing.T) {
	d, mgr, reg := newTestEnv(t)
	info := infoFor([]byte("unreachable"))
	handle, _ := reg.LookupOrInsert(info)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), handle, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return with no sources")
	}

	if _, ok, _ := mgr.GetFile(info); ok {
		t.Fatal("nothing should be imported with no sources")
	}
}
