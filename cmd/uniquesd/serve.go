package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/uniques/internal/ingest"
	transport "example.com/uniques/internal/transport/http"
	"example.com/uniques/internal/uniques"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := uniques.ParseWriteMode(cfg.WriteMode)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	clk := quartz.NewReal()

	store, err := openStore(ctx, cfg, log.Named("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	c, closeCache, err := newCache(cfg, clk, log, reg)
	if err != nil {
		return err
	}
	defer closeCache()

	opts := uniques.Options{
		WriteMode:           mode,
		QueryHorizonDays:    cfg.QueryHorizonDays,
		RebuildLookbackDays: cfg.RebuildLookbackDays,
		SweepInterval:       cfg.SweepInterval,
		Clock:               clk,
		Logger:              log,
		Metrics:             uniques.NewMetrics(reg),
	}
	var ig *ingest.Ingestor
	// The ingestor outlives the signal: in-flight requests keep enqueueing
	// until srv.Shutdown returns.
	ingestCtx, stopIngest := context.WithCancel(context.WithoutCancel(ctx))
	defer stopIngest()
	if mode == uniques.WriteAsync {
		ig = ingest.NewIngestor(store, ingest.Options{
			QueueMaxSize: cfg.QueueMaxSize,
			BatchMaxSize: cfg.BatchMaxSize,
			BatchMaxWait: cfg.BatchMaxWait,
			Clock:        clk,
			Logger:       log,
			Registerer:   reg,
		})
		ig.Start(ingestCtx)
		opts.Ingest = ig
		log.Info(ctx, "ingest started",
			slog.F("queue", cfg.QueueMaxSize),
			slog.F("batch", cfg.BatchMaxSize),
			slog.F("wait", cfg.BatchMaxWait))
	}

	svc, err := uniques.New(store, c, opts)
	if err != nil {
		return err
	}

	deps := &transport.ServerDeps{
		Service:        svc,
		Logger:         log,
		Gatherer:       reg,
		APIKeys:        cfg.APIKeys,
		QueryRateLimit: cfg.RateLimitQueriesPerMin,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A failed rebuild is not fatal: reads stay on the store and an
		// operator can retry through /admin/rewarm.
		if err := svc.Initialize(gctx); err != nil {
			log.Error(gctx, "initial cache warm failed", slog.Error(err))
		}
		return nil
	})
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		log.Info(gctx, "listening", slog.F("addr", srv.Addr), slog.F("write_mode", string(mode)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopIngest()
	if ig != nil {
		<-ig.Done()
	}
	log.Info(context.Background(), "shut down")
	return err
}
