// Package server is the HTTP front door: it resolves a request's file_id,
// serves straight from the cache on a hit, and on a miss either spawns or
// joins the coalesced download and streams bytes to the client as they
// land on disk. Grounded on the teacher's internal/server/server.go (the
// http.Server wiring, Start/Stop shape, /health convention) generalized to
// the new route and collaborator set, and on its ai.go/podcast.go for the
// gin.Context handler style already present (if only for ancillary routes)
// in the teacher repo.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guiyumin/cacheproxy/internal/cachefs"
	"github.com/guiyumin/cacheproxy/internal/core/version"
	"github.com/guiyumin/cacheproxy/internal/downloader"
	"github.com/guiyumin/cacheproxy/internal/fileid"
	"github.com/guiyumin/cacheproxy/internal/keystamp"
	"github.com/guiyumin/cacheproxy/internal/registry"
	"github.com/guiyumin/cacheproxy/internal/rpc"
)

// chunkSize is the initial read buffer for the streaming body generator; it
// grows by this much on every iteration that still has more to read.
const chunkSize = 64 * 1024

// progressSilenceTimeout bounds how long the body generator waits for a
// progress update before giving up on an apparently-stalled download.
const progressSilenceTimeout = 30 * time.Second

// Server wires the registry, cache manager, RPC collaborator, and
// downloader together behind an HTTP listener.
type Server struct {
	Port       int
	Registry   *registry.Registry
	Cache      cachefs.Manager
	RPC        rpc.Client
	Downloader *downloader.Downloader
	Logger     *zap.SugaredLogger

	engine *gin.Engine
	server *http.Server
}

// New constructs a Server. Call Start to begin listening.
func New(port int, reg *registry.Registry, cache cachefs.Manager, rpcClient rpc.Client, dl *downloader.Downloader, logger *zap.Logger) *Server {
	return &Server{
		Port:       port,
		Registry:   reg,
		Cache:      cache,
		RPC:        rpcClient,
		Downloader: dl,
		Logger:     logger.Sugar(),
	}
}

// Handler builds (if necessary) and returns the gin engine backing this
// server, exposed separately from Start so tests can drive routes with
// httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	if s.engine == nil {
		gin.SetMode(gin.ReleaseMode)
		s.engine = gin.New()
		s.engine.Use(gin.Recovery(), s.loggingMiddleware())

		s.engine.GET("/healthz", s.handleHealth)
		s.engine.GET("/h/:fileID/*rest", s.handleFile)
		s.engine.HEAD("/h/:fileID/*rest", s.handleFile)
	}
	return s.engine
}

// Start blocks serving HTTP until Stop shuts the listener down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming bodies have no fixed upper bound
		IdleTimeout:  120 * time.Second,
	}

	s.Logger.Infow("starting cacheproxy server", "port", s.Port)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

// requestParams is the parsed {additional} segment of the route.
type requestParams struct {
	keystamp  string
	fileIndex int
	xres      int
	filename  string
}

// parseRest splits the wildcard "/{additional}/{filename}" tail: the final
// path segment is the filename, everything before it is ;-or-/-delimited
// key=value pairs.
func parseRest(rest string) requestParams {
	rest = strings.TrimPrefix(rest, "/")
	segments := strings.Split(rest, "/")
	if len(segments) == 0 {
		return requestParams{}
	}

	filename := segments[len(segments)-1]
	if decoded, err := url.PathUnescape(filename); err == nil {
		filename = decoded
	}

	additional := strings.Join(segments[:len(segments)-1], "/")
	params := requestParams{filename: filename}

	for _, pair := range strings.FieldsFunc(additional, func(r rune) bool { return r == '/' || r == ';' }) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch key {
		case "keystamp":
			params.keystamp = value
		case "fileindex":
			params.fileIndex, _ = strconv.Atoi(value)
		case "xres":
			params.xres, _ = strconv.Atoi(value)
		}
	}
	return params
}

func (s *Server) handleFile(c *gin.Context) {
	ctx := c.Request.Context()
	fileIDRaw := c.Param("fileID")
	params := parseRest(c.Param("rest"))

	info, err := fileid.Parse(fileIDRaw)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	serverTime, err := s.RPC.ServerTime(ctx)
	if err != nil {
		s.Logger.Errorw("server time lookup failed", "err", err)
		c.Status(http.StatusNotFound)
		return
	}
	if err := keystamp.Validate(params.keystamp, fileIDRaw, s.RPC.ServerKey(), serverTime); err != nil {
		c.Status(http.StatusForbidden)
		return
	}

	if path, ok, err := s.Cache.GetFile(info); err == nil && ok {
		s.serveCacheHit(c, info, params.filename, path)
		return
	}

	if c.Request.Method == http.MethodHead {
		// HEAD never triggers or subscribes to a download: on a miss it
		// reports the headers implied by the parsed file_id alone.
		setResponseHeaders(c, info.Mime, params.filename, int64(info.Size))
		c.Status(http.StatusOK)
		return
	}

	handle, inserted := s.Registry.LookupOrInsert(info)
	if inserted {
		sources, err := s.RPC.ResolveSources(ctx, params.fileIndex, params.xres, fileIDRaw)
		if err != nil || len(sources) == 0 {
			s.Registry.Remove(info.Hash)
			c.Status(http.StatusNotFound)
			return
		}
		s.spawnDownload(handle, sources)
	}

	s.streamBody(c, handle, info, params.filename)
}

// spawnDownload runs the downloader in its own goroutine, tracked by an
// errgroup so its terminal error (if any) can be logged without blocking
// the request that triggered it.
func (s *Server) spawnDownload(handle *registry.Handle, sources []*url.URL) {
	var eg errgroup.Group
	eg.Go(func() error {
		s.Downloader.Run(context.Background(), handle, sources)
		return nil
	})
	go func() {
		if err := eg.Wait(); err != nil {
			s.Logger.Errorw("downloader goroutine exited with error", "hash", handle.Info.HashHex(), "err", err)
		}
	}()
}

func (s *Server) serveCacheHit(c *gin.Context, info fileid.Info, filename, path string) {
	stat, err := os.Stat(path)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	setResponseHeaders(c, info.Mime, filename, stat.Size())
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	defer f.Close()

	c.Status(http.StatusOK)
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			c.Writer.Write(buf[:n])
			c.Writer.Flush()
		}
		if err != nil {
			return
		}
	}
}

func setResponseHeaders(c *gin.Context, mime, filename string, size int64) {
	c.Header("Content-Type", mime)
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Header("Cache-Control", "public, max-age=31536000")
	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, filename))
}

// streamBody implements the initiator/subscriber streaming contract: wait
// for the temp file to exist, subscribe to progress, run the pre-stream
// check, then stream chunks as they land until EOF at the declared size or
// the download goes quiet.
func (s *Server) streamBody(c *gin.Context, handle *registry.Handle, info fileid.Info, filename string) {
	ctx := c.Request.Context()

	tempPath, err := handle.TempPath.Wait(ctx)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	recv := handle.Progress.Subscribe()
	defer recv.Close()

	progress := handle.Progress.Get()
	if progress == 0 {
		if _, err := handle.Progress.Changed(ctx); err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		progress = handle.Progress.Get()
		if progress == 0 && handle.Progress.IsDone() {
			c.Status(http.StatusNotFound)
			return
		}
	}

	f, err := os.Open(tempPath)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	defer f.Close()

	setResponseHeaders(c, info.Mime, filename, int64(info.Size))
	c.Status(http.StatusOK)

	var readOff uint64
	writeOff := progress
	bufCap := chunkSize

	for {
		for writeOff > readOff {
			buf := make([]byte, bufCap)
			n, rerr := f.Read(buf)
			if n > 0 {
				readOff += uint64(n)
				c.Writer.Write(buf[:n])
				c.Writer.Flush()
			}
			if readOff == info.Size {
				return
			}
			if rerr != nil && errors.Is(rerr, io.EOF) {
				// caught up with the writer faster than expected; fall
				// through to wait for more progress.
				break
			}
			bufCap += chunkSize
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, progressSilenceTimeout)
		_, err := handle.Progress.Changed(timeoutCtx)
		cancel()
		if err != nil {
			return
		}
		writeOff = handle.Progress.Get()
		if handle.Progress.IsDone() && writeOff == readOff {
			return
		}
	}
}
