// Package cachefs is the external cache-manager collaborator (§6 of the
// specification): cache-hit lookup, temp-file provisioning, and atomic
// import of a verified download into the content-addressed cache.
//
// The on-disk layout is a minimal, content-addressed store sharded by the
// first two hex bytes of the hash, following the directory-sharding idiom
// common to content-addressed caches (mirrored, for this Go port, from the
// path style the reference git-lfs cache proxy uses for its object store).
// LRU/eviction are out of scope and are not implemented here.
package cachefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/guiyumin/cacheproxy/internal/fileid"
)

// Manager is the interface the downloader and streaming responder depend
// on. A concrete FilesystemManager is provided below; tests may substitute
// an in-memory fake.
type Manager interface {
	// GetFile reports the on-disk path of a cached object, if present.
	GetFile(info fileid.Info) (path string, ok bool, err error)

	// CreateTempFile allocates a uniquely named scratch file under the
	// cache's temp area and returns its path. The caller owns the file
	// until ImportCache or Discard is called.
	CreateTempFile() (path string, err error)

	// ImportCache atomically promotes a verified temp file into the
	// cache, indexed by info.Hash.
	ImportCache(info fileid.Info, tempPath string) error

	// Discard removes an abandoned temp file. Idempotent.
	Discard(tempPath string)
}

// FilesystemManager is a content-addressed, two-level sharded directory
// cache rooted at Dir, with scratch files written to TempDir before
// promotion.
type FilesystemManager struct {
	Dir     string
	TempDir string
}

// NewFilesystemManager creates (if necessary) dir and tempDir and returns a
// Manager backed by them.
func NewFilesystemManager(dir, tempDir string) (*FilesystemManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachefs: create cache dir: %w", err)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("cachefs: create temp dir: %w", err)
	}
	return &FilesystemManager{Dir: dir, TempDir: tempDir}, nil
}

// objectPath returns the sharded on-disk path for a content hash, e.g.
// "<dir>/da/39/da39a3ee...afd80709".
func (m *FilesystemManager) objectPath(info fileid.Info) string {
	hashHex := info.HashHex()
	return filepath.Join(m.Dir, hashHex[0:2], hashHex[2:4], hashHex)
}

// GetFile implements Manager.
func (m *FilesystemManager) GetFile(info fileid.Info) (string, bool, error) {
	path := m.objectPath(info)
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return path, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", false, nil
	default:
		return "", false, err
	}
}

// CreateTempFile implements Manager.
func (m *FilesystemManager) CreateTempFile() (string, error) {
	name := uuid.NewString()
	path := filepath.Join(m.TempDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("cachefs: create temp file: %w", err)
	}
	f.Close()
	return path, nil
}

// ImportCache implements Manager. The move is a rename within the same
// filesystem, so it is atomic with respect to concurrent GetFile callers:
// they either see the old (absent) state or the fully-written new file.
func (m *FilesystemManager) ImportCache(info fileid.Info, tempPath string) error {
	dest := m.objectPath(info)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("cachefs: create shard dir: %w", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("cachefs: import: %w", err)
	}
	return nil
}

// Discard implements Manager.
func (m *FilesystemManager) Discard(tempPath string) {
	os.Remove(tempPath)
}
