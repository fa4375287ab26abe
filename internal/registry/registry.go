// Package registry is the process-wide map from content hash to in-flight
// download handle that coalesces concurrent requests for the same content
// onto a single downloader.
package registry

import (
	"sync"

	"github.com/guiyumin/cacheproxy/internal/fileid"
	"github.com/guiyumin/cacheproxy/internal/watch"
)

// Handle is the shared state of one in-flight download. The registry holds
// it; readers hold references to TempPath/Progress; the downloader
// goroutine is the sole writer of both.
type Handle struct {
	Info     fileid.Info
	TempPath *watch.Cell[string]
	Progress *watch.Progress
}

// newHandle constructs an empty Handle for info.
func newHandle(info fileid.Info) *Handle {
	return &Handle{
		Info:     info,
		TempPath: watch.NewCell[string](),
		Progress: watch.NewProgress(),
	}
}

// Registry is a process-wide, mutex-protected map keyed by content hash.
type Registry struct {
	mu      sync.Mutex
	entries map[[fileid.HashSize]byte]*Handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[[fileid.HashSize]byte]*Handle)}
}

// LookupOrInsert atomically returns the existing handle for info.Hash, or
// inserts and returns a freshly created one. inserted is true only for the
// caller that created the entry; that caller alone is responsible for
// spawning the downloader and eventually calling Remove.
//
// The registry mutex is held only for this lookup-and-maybe-insert; it is
// never held across a channel operation or I/O.
func (r *Registry) LookupOrInsert(info fileid.Info) (handle *Handle, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.entries[info.Hash]; ok {
		return h, false
	}
	h := newHandle(info)
	r.entries[info.Hash] = h
	return h, true
}

// Remove deletes the entry for hash, if present. Idempotent.
func (r *Registry) Remove(hash [fileid.HashSize]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, hash)
}

// Len reports the number of in-flight downloads. Exposed for tests and
// operational introspection.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
