package cachefs

import (
	"os"
	"testing"

	"github.com/guiyumin/cacheproxy/internal/fileid"
)

func testInfo(t *testing.T) fileid.Info {
	t.Helper()
	info, err := fileid.Parse("da39a3ee5e6b4b0d3255bfef95601890afd80709:5:image-png:0x0")
	if err != nil {
		t.Fatalf("fileid.Parse: %v", err)
	}
	return info
}

func TestFilesystemManagerLifecycle(t *testing.T) {
	dir := t.TempDir() + "/cache"
	tempDir := t.TempDir() + "/tmp"

	m, err := NewFilesystemManager(dir, tempDir)
	if err != nil {
		t.Fatalf("NewFilesystemManager: %v", err)
	}

	info := testInfo(t)

	if _, ok, err := m.GetFile(info); err != nil || ok {
		t.Fatalf("GetFile on empty cache = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	tempPath, err := m.CreateTempFile()
	if err != nil {
		t.Fatalf("CreateTempFile: %v", err)
	}
	if err := os.WriteFile(tempPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	if err := m.ImportCache(info, tempPath); err != nil {
		t.Fatalf("ImportCache: %v", err)
	}

	path, ok, err := m.GetFile(info)
	if err != nil || !ok {
		t.Fatalf("GetFile after import = (%q, %v, %v), want (_, true, nil)", path, ok, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read imported file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("imported content = %q, want %q", data, "hello")
	}

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be moved away, stat err = %v", err)
	}
}

func TestFilesystemManagerDiscard(t *testing.T) {
	m, err := NewFilesystemManager(t.TempDir()+"/cache", t.TempDir()+"/tmp")
	if err != nil {
		t.Fatalf("NewFilesystemManager: %v", err)
	}

	tempPath, err := m.CreateTempFile()
	if err != nil {
		t.Fatalf("CreateTempFile: %v", err)
	}

	m.Discard(tempPath)

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected discarded temp file to be removed, stat err = %v", err)
	}
}
