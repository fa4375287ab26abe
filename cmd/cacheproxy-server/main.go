// Command cacheproxy-server runs the content-addressed caching proxy:
// flag/config resolution, collaborator wiring, and graceful shutdown,
// adapted from the teacher's cmd/vget-server/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guiyumin/cacheproxy/internal/cachefs"
	"github.com/guiyumin/cacheproxy/internal/core/config"
	"github.com/guiyumin/cacheproxy/internal/core/logging"
	"github.com/guiyumin/cacheproxy/internal/core/version"
	"github.com/guiyumin/cacheproxy/internal/downloader"
	"github.com/guiyumin/cacheproxy/internal/registry"
	"github.com/guiyumin/cacheproxy/internal/rpc"
	"github.com/guiyumin/cacheproxy/internal/server"
)

func main() {
	port := flag.Int("port", 0, "HTTP listen port (default: 8080)")
	cacheDir := flag.String("cache-dir", "", "content-addressed cache directory")
	tempDir := flag.String("temp-dir", "", "in-flight download temp directory")
	rpcBaseURL := flag.String("rpc-base-url", "", "base URL of the source-resolution collaborator; empty uses -static-sources")
	serverKey := flag.String("server-key", "", "keystamp signing key")
	staticSources := flag.String("static-sources", "", "comma-separated upstream URLs for a StaticClient, when -rpc-base-url is empty")
	dev := flag.Bool("dev", false, "enable the development logger")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cacheproxy-server %s\n", version.Version)
		return
	}

	cfg := config.LoadOrDefault()

	serverPort := *port
	if serverPort == 0 {
		serverPort = cfg.Server.Port
	}

	dir := *cacheDir
	if dir == "" {
		dir = cfg.Server.CacheDir
	}
	tmp := *tempDir
	if tmp == "" {
		tmp = cfg.Server.TempDir
	}

	key := *serverKey
	if key == "" {
		key = cfg.RPC.ServerKey
	}

	devMode := *dev || cfg.Server.Dev
	logger, err := logging.New(devMode)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	mgr, err := cachefs.NewFilesystemManager(dir, tmp)
	if err != nil {
		sugar.Fatalw("provisioning cache directories failed", "err", err)
	}

	baseURL := *rpcBaseURL
	if baseURL == "" {
		baseURL = cfg.RPC.BaseURL
	}

	var rpcClient rpc.Client
	if baseURL != "" {
		rpcClient = rpc.NewHTTPClient(baseURL, key)
	} else {
		sources := parseStaticSources(*staticSources)
		rpcClient = rpc.NewStaticClient(key, sources)
		sugar.Warnw("no rpc-base-url configured, using a static source client", "sources", len(sources))
	}

	reg := registry.New()
	dl := downloader.New(mgr, reg, logger, cfg.Server.ProxyEnabled)
	srv := server.New(serverPort, reg, mgr, rpcClient, dl, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		<-sigChan
		sugar.Infow("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			sugar.Errorw("graceful shutdown failed", "err", err)
		}
		close(shutdownDone)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalw("server error", "err", err)
	}
	<-shutdownDone
}

func parseStaticSources(raw string) []*url.URL {
	if raw == "" {
		return nil
	}
	var urls []*url.URL
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		u, err := url.Parse(part)
		if err != nil {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}
