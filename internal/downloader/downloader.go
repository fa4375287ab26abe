// Package downloader implements the cache-miss pipeline: fetching a file
// from an ordered list of upstream sources with retry/failover, writing it
// to a temp file while publishing byte progress, verifying its hash, and
// promoting it into the cache. This is grounded on the teacher's own
// internal/core/downloader/multistream.go (client construction, chunked
// body consumption) and aayushdutt-mctui's
// internal/download/manager.go (hasher via incremental Write, temp-then-
// rename promotion).
package downloader

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/guiyumin/cacheproxy/internal/cachefs"
	"github.com/guiyumin/cacheproxy/internal/registry"
)

// maxRetries is the total number of iterations over the cycled source
// list — not per-source attempts.
const maxRetries = 3

// noProxyTimeout bounds the direct client the downloader falls back to
// once it has given up on the environment proxy.
const noProxyTimeout = 30 * time.Second

const readBufferSize = 32 * 1024

// fileWriteError marks a temp-file I/O error as terminal: a write/flush
// failure aborts the download outright rather than advancing to the next
// retry.
type fileWriteError struct{ err error }

func (e *fileWriteError) Error() string { return e.err.Error() }
func (e *fileWriteError) Unwrap() error { return e.err }

// Downloader runs the retry/failover state machine for a single in-flight
// download.
type Downloader struct {
	Cache        cachefs.Manager
	Registry     *registry.Registry
	Logger       *zap.SugaredLogger
	ProxyEnabled bool
}

// New constructs a Downloader.
func New(cache cachefs.Manager, reg *registry.Registry, logger *zap.Logger, proxyEnabled bool) *Downloader {
	return &Downloader{
		Cache:        cache,
		Registry:     reg,
		Logger:       logger.Sugar(),
		ProxyEnabled: proxyEnabled,
	}
}

// Run executes the download for handle against sources. It must be called
// exactly once, by the caller that observed `inserted == true` from
// Registry.LookupOrInsert(handle.Info), and it unconditionally removes the
// registry entry before returning — on success, on hash mismatch, on
// exhausted retries.
func (d *Downloader) Run(ctx context.Context, handle *registry.Handle, sources []*url.URL) {
	log := d.Logger.With("hash", handle.Info.HashHex(), "size", handle.Info.Size)
	defer handle.Progress.Done()

	tempPath, err := d.Cache.CreateTempFile()
	if err != nil {
		log.Errorw("provisioning temp file failed", "err", err)
		handle.TempPath.Fail()
		d.Registry.Remove(handle.Info.Hash)
		return
	}
	handle.TempPath.Set(tempPath)

	imported := false
	defer func() {
		if !imported {
			d.Cache.Discard(tempPath)
		}
		// Idempotent: the success path below already removed the entry
		// before importing, to satisfy the read-before-import invariant.
		d.Registry.Remove(handle.Info.Hash)
	}()

	hasher := sha1.New()
	var progress uint64

	client := newHTTPClient(d.ProxyEnabled)
	srcIdx := 0

	for retry := 0; retry < maxRetries; retry++ {
		if len(sources) == 0 {
			log.Warnw("no upstream sources resolved, abandoning")
			break
		}

		f, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644)
		if err != nil {
			log.Errorw("reopening temp file for write failed", "retry", retry, "err", err)
			continue
		}
		if _, err := f.Seek(int64(progress), io.SeekStart); err != nil {
			f.Close()
			log.Errorw("seeking temp file failed", "retry", retry, "err", err)
			continue
		}

		src := sources[srcIdx%len(sources)]
		srcIdx++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
		if err != nil {
			f.Close()
			log.Errorw("building upstream request failed", "retry", retry, "upstream", src, "err", err)
			continue
		}

		resp, err := client.Do(req)
		if err != nil {
			f.Close()
			log.Warnw("upstream request failed", "retry", retry, "upstream", src, "err", err)
			if retry == 1 && d.ProxyEnabled {
				log.Infow("rebuilding HTTP client without proxy after second retry")
				client = newHTTPClient(false)
			}
			continue
		}

		streamErr := d.consumeStream(f, resp.Body, hasher, &progress, handle)
		resp.Body.Close()
		f.Close()

		var writeErr *fileWriteError
		if errors.As(streamErr, &writeErr) {
			log.Errorw("terminal temp-file write error, abandoning", "retry", retry, "err", writeErr)
			return
		}
		if streamErr != nil {
			log.Warnw("upstream stream error, will retry from current offset", "retry", retry, "upstream", src, "progress", progress, "err", streamErr)
			continue
		}

		if progress == handle.Info.Size {
			d.finish(handle, tempPath, hasher, progress, log, &imported)
			return
		}
	}

	log.Warnw("retry budget exhausted without completion, abandoning", "progress", progress)
}

// consumeStream reads the response body, skipping any bytes already on
// disk from a prior partial attempt, and writes only the unwritten tail of
// each chunk to f and the hasher. progress is updated and published after
// every chunk that contributes new bytes.
func (d *Downloader) consumeStream(f *os.File, body io.Reader, h hash.Hash, progress *uint64, handle *registry.Handle) error {
	buf := make([]byte, readBufferSize)
	var download uint64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			download += uint64(n)

			if download > *progress {
				tailLen := download - *progress
				if tailLen > uint64(n) {
					tailLen = uint64(n)
				}
				tail := chunk[uint64(n)-tailLen:]

				if _, err := f.Write(tail); err != nil {
					return &fileWriteError{err: err}
				}
				h.Write(tail)
				*progress += tailLen
				handle.Progress.Publish(*progress)
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// finish implements the completion sequence: flush, publish, drain
// subscribers, remove the registry entry, verify the hash, drain once more
// to guard a late subscriber, and import. Both drains are load-bearing —
// neither is redundant with the other.
func (d *Downloader) finish(handle *registry.Handle, tempPath string, h hash.Hash, progress uint64, log *zap.SugaredLogger, imported *bool) {
	if f, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644); err == nil {
		f.Sync()
		f.Close()
	}

	handle.Progress.Publish(progress)

	drainCtx := context.Background()
	if err := handle.Progress.WaitDrained(drainCtx); err != nil {
		log.Errorw("waiting for subscribers to drain failed", "err", err)
		return
	}

	d.Registry.Remove(handle.Info.Hash)

	sum := h.Sum(nil)
	if !bytes.Equal(sum, handle.Info.Hash[:]) {
		log.Errorw("hash mismatch, not importing", "computed", fmt.Sprintf("%x", sum))
		return
	}

	// Guard against a subscriber that joined between the remove above and
	// this compare: drain once more before moving the file out from under
	// any such late reader.
	if err := handle.Progress.WaitDrained(drainCtx); err != nil {
		log.Errorw("second drain before import failed", "err", err)
		return
	}

	if err := d.Cache.ImportCache(handle.Info, tempPath); err != nil {
		log.Errorw("importing into cache failed", "err", err)
		return
	}
	*imported = true
	log.Infow("import complete", "bytes", humanize.Bytes(progress))
}

// newHTTPClient returns a client honoring the environment proxy, or a
// direct client with a bounded timeout once withProxy is false — the state
// the downloader falls back to after failing twice through a proxy.
func newHTTPClient(withProxy bool) *http.Client {
	if withProxy {
		return &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}
	return &http.Client{
		Timeout: noProxyTimeout,
		Transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
}
