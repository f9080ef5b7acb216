package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/paperdex/internal/api"
	"github.com/kalambet/paperdex/internal/config"
	"github.com/kalambet/paperdex/internal/download"
	"github.com/kalambet/paperdex/internal/httpx"
	"github.com/kalambet/paperdex/internal/metadata"
	"github.com/kalambet/paperdex/internal/provider"
	"github.com/kalambet/paperdex/internal/ratelimit"
	"github.com/kalambet/paperdex/internal/repo"
	"github.com/kalambet/paperdex/internal/search"
	"github.com/kalambet/paperdex/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// app bundles the wired services plus the resources that need orderly
// teardown.
type app struct {
	cfg      *config.Config
	settings *repo.ConfigRepo
	papers   *repo.Papers
	cache    *repo.Cache
	meta     *repo.Meta
	lock     *repo.Lock
	store    *storage.Store

	providers *provider.Service
	metadata  *metadata.Service
	download  *download.Service
}

// buildApp loads state from the cache root and wires every service.
// The caller owns the returned app and must call close.
func buildApp(cfg *config.Config) (*app, error) {
	s := cfg.Settings()

	lock, err := repo.AcquireLock(cfg.Cache.Root)
	if err != nil {
		return nil, err
	}

	papers := repo.NewPapers()
	cache, err := repo.NewCache(cfg.Cache.Root, s.CacheMaxSizeBytes, s.CacheDefaultTTL)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("initializing cache: %w", err)
	}

	meta := repo.NewMeta(cfg.Cache.Root)
	if err := meta.Load(papers, cache); err != nil {
		lock.Release()
		return nil, fmt.Errorf("loading index: %w", err)
	}

	store, err := storage.Open(cfg.Cache.Root)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	client := httpx.New(httpx.Config{
		UserAgent: "paperdex/" + version,
	})

	limiter := ratelimit.NewKeyed(ratelimit.Limit{PerSec: s.ProviderRateLimitPerSec})
	adapters, err := buildAdapters(client, s)
	if err != nil {
		store.Close()
		lock.Release()
		return nil, err
	}
	providers := provider.NewService(limiter, adapters...)

	searchSvc := search.New(providers)
	metaSvc := metadata.New(papers, providers, searchSvc, s.EnrichmentParallelism)
	dlSvc := download.New(download.Config{
		Providers:      providers,
		Client:         client,
		Papers:         papers,
		Cache:          cache,
		Journal:        store,
		DestinationDir: s.DownloadDestinationDir,
		MaxConcurrent:  s.DownloadMaxConcurrent,
	})

	return &app{
		cfg:       cfg,
		settings:  repo.NewConfigRepo(s),
		papers:    papers,
		cache:     cache,
		meta:      meta,
		lock:      lock,
		store:     store,
		providers: providers,
		metadata:  metaSvc,
		download:  dlSvc,
	}, nil
}

func buildAdapters(client *httpx.Client, s repo.Settings) ([]provider.Adapter, error) {
	adapters := make([]provider.Adapter, 0, len(s.ProviderEndpoints))
	for _, name := range s.ProviderEndpoints {
		desc := provider.Descriptor{
			Enabled:         true,
			RateLimitPerSec: s.ProviderRateLimitPerSec,
		}
		switch name {
		case "arxiv":
			adapters = append(adapters, provider.NewArxiv(client, desc))
		case "openalex":
			adapters = append(adapters, provider.NewOpenAlex(client, desc, s.UnpaywallEmail))
		case "unpaywall":
			adapters = append(adapters, provider.NewUnpaywall(client, desc, s.UnpaywallEmail))
		case "crossref":
			adapters = append(adapters, provider.NewCrossref(client, desc, s.UnpaywallEmail))
		case "doiorg":
			adapters = append(adapters, provider.NewDOIOrg(client, desc))
		default:
			return nil, fmt.Errorf("unknown provider endpoint %q", name)
		}
	}
	return adapters, nil
}

// close flushes the index and releases everything buildApp acquired.
func (a *app) close() {
	a.download.Shutdown()
	if err := a.meta.Save(a.papers, a.cache); err != nil {
		slog.Warn("saving index on shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing journal", "error", err)
	}
	if err := a.lock.Release(); err != nil {
		slog.Warn("releasing lock", "error", err)
	}
}

// sweepArtifacts reclaims expired and over-ceiling cache entries and
// clears the content hash on papers whose evicted entry was a stored
// artifact, so content_hash never points at a blob the sweep removed.
func sweepArtifacts(cache *repo.Cache, papers *repo.Papers) (evicted, cleared int) {
	keys := cache.Sweep()
	for _, key := range keys {
		cleared += papers.ClearContentHash(key)
	}
	return len(keys), cleared
}

func setupLogging(level string) {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	slog.Info("paperdex starting", "version", version)

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Metadata:   app.metadata,
		Downloader: app.download,
		Papers:     app.papers,
		Journal:    app.store,
		Config:     app.settings,
		Version:    version,
	})

	// Optional HTTP health listener; stdio stays the protocol transport.
	var healthSrv *http.Server
	if cfg.Server.Host != "" && cfg.Server.Port > 0 {
		healthSrv = &http.Server{
			Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: api.NewHealthHandler(api.HealthDeps{
				Papers:    app.papers,
				Cache:     app.cache,
				Downloads: app.download,
				Providers: app.providers.Descriptors(),
				Version:   version,
				Started:   time.Now(),
			}),
		}
		go func() {
			slog.Info("health listener started", "addr", healthSrv.Addr)
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health listener failed", "error", err)
			}
		}()
	}

	// Periodic maintenance: cache sweep plus index flush.
	interval := app.settings.Snapshot().HealthCheckInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted, cleared := sweepArtifacts(app.cache, app.papers); evicted > 0 {
					slog.Debug("cache sweep", "evicted", evicted, "papers_cleared", cleared)
				}
				if err := app.meta.Save(app.papers, app.cache); err != nil {
					slog.Warn("periodic index save failed", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		stdio := server.NewStdioServer(mcpSrv)
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("%w: %v", errTransport, err)
		}
		close(errCh)
	}()
	slog.Info("MCP server listening on stdio")

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		runErr = err
	}

	// Bound the wait for in-flight downloads.
	shutdownTimeout := app.settings.Snapshot().GracefulShutdownTimeout
	done := make(chan struct{})
	go func() {
		app.download.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("graceful shutdown deadline exceeded, forcing exit")
	}

	if healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		healthSrv.Shutdown(shutdownCtx)
	}

	return runErr
}
