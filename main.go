package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"

	"market_intel/api"
	"market_intel/config"
	"market_intel/httputil"
	"market_intel/logging"
	"market_intel/realtime"
	"market_intel/scheduler"
	"market_intel/scraper"
	"market_intel/services"
	"market_intel/storage"
)

var (
	runJob    = flag.String("run-job", "", "Run one existing job to completion and exit (cluster worker mode)")
	scrapeOrg = flag.String("scrape", "", "Scrape one org once in this process and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logFile, err := logging.Setup(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Msg("Could not set up file logging")
	} else {
		defer logFile.Close()
	}

	log.Info().Int("platforms", len(cfg.Platforms)).Str("store", cfg.Store.Driver).Str("substrate", cfg.Execution.Substrate).Msg("Starting market_intel")
	for id, p := range cfg.Platforms {
		log.Info().Str("platform", id).Str("name", p.Name).Str("strategy", p.Strategy).Msg("Platform loaded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()
	if cfg.Store.Driver == "postgres" {
		log.Info().Str("url", maskConnectionString(cfg.Store.DatabaseURL)).Msg("Connected to Postgres")
	}

	clients := httputil.NewClients(&cfg.Proxy)
	if cfg.Proxy.URL != "" {
		log.Info().Str("proxy", maskConnectionString(cfg.Proxy.URL)).Msg("Proxy configured")
	}

	registry, err := scraper.LoadRegistry(cfg, clients)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build platform registry")
	}

	var archive scraper.RawArchive
	s3Archive, err := storage.NewS3Archive(ctx, cfg.Archive)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure raw archive")
	}
	if s3Archive != nil {
		archive = s3Archive
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Raw archive enabled")
	}

	hub := realtime.NewHub(cfg.Realtime.Throttle, cfg.Realtime.AllowedOrigins)
	opts := scraper.PipelineOptions{
		FlushEvery:   cfg.Execution.ProgressFlushEvery,
		FetchRetries: cfg.Execution.FetchRetries,
		RetryBackoff: cfg.Execution.FetchRetryBackoff,
	}
	reconciler := services.NewReconciliationEngine(store)

	// Cluster worker: no subscribers live in this process.
	if *runJob != "" {
		pipeline := scraper.NewPipeline(store, registry, reconciler, nil, archive, opts)
		if err := pipeline.Run(ctx, *runJob); err != nil {
			log.Fatal().Err(err).Str("job_id", *runJob).Msg("Job failed")
		}
		log.Info().Str("job_id", *runJob).Msg("Job finished")
		return
	}

	pipeline := scraper.NewPipeline(store, registry, reconciler, hub, archive, opts)
	inline := scraper.NewInlineSubstrate(ctx, pipeline, store, cfg.Execution.InlineWorkers)

	if *scrapeOrg != "" {
		dispatcher := scraper.NewDispatcher(store, inline, hub)
		job, err := dispatcher.Submit(ctx, *scrapeOrg, nil)
		if err != nil {
			log.Fatal().Err(err).Str("org_id", *scrapeOrg).Msg("Scrape failed to start")
		}
		inline.Wait()
		if report, err := services.NewReporter(store, 1).Progress(ctx, job.ID); err == nil && report != nil {
			log.Info().Str("job_id", job.ID).Str("status", string(report.Status)).
				Int("analyzed", report.Summary.TotalAnalyzed).Int("failed", report.Summary.TotalFailed).
				Msg("Scrape complete")
		}
		return
	}

	var substrate scraper.Substrate = inline
	var cluster *scraper.ClusterSubstrate
	if cfg.Execution.Substrate == "cluster" {
		cluster = scraper.NewClusterSubstrate(ctx, cfg.Cluster, clients.API, store)
		substrate = cluster
	}
	// Inline runs of a previous process died with it.
	if n, err := scraper.FailOrphanedJobs(ctx, store, inline.Name()); err != nil {
		log.Error().Err(err).Msg("Failed to clear orphaned jobs")
	} else if n > 0 {
		log.Warn().Int("jobs", n).Msg("Failed jobs orphaned by the last shutdown")
	}

	dispatcher := scraper.NewDispatcher(store, substrate, hub)
	reporter := services.NewReporter(store, 10)

	sched := scheduler.New(cfg.Scheduler, store, dispatcher)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(dispatcher, reporter, hub, store, registry).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", cfg.ListenAddr).Msg("Listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server error")
	}

	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	hub.Close()
	cancel()
	inline.Wait()
	if cluster != nil {
		cluster.Wait()
	}
	log.Info().Msg("Goodbye!")
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
