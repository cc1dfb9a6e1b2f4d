package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinoosan/dlgroup/internal/config"
	"github.com/tinoosan/dlgroup/internal/downloader"
	"github.com/tinoosan/dlgroup/internal/group"
	"github.com/tinoosan/dlgroup/internal/logging"
	"github.com/tinoosan/dlgroup/internal/metrics"
	"github.com/tinoosan/dlgroup/internal/reconciler"
	"github.com/tinoosan/dlgroup/internal/registry"
	"github.com/tinoosan/dlgroup/internal/router"
	"github.com/tinoosan/dlgroup/internal/service"
	"github.com/tinoosan/dlgroup/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dlgroupd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("DLGROUP_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if cfg.APIToken == "" {
		logger.Warn("DLGROUP_API_TOKEN not set; all /v1 requests will be rejected")
	}

	metrics.Register()

	events := make(chan downloader.Event, 1024)
	rec := reconciler.New(logger, events, reconciler.DefaultHistory)
	rec.Run()
	defer rec.Stop()

	client := transport.NewHTTPClient(transport.Options{
		MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
		Timeout:             cfg.HTTP.Timeout,
	})
	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithDefaultLimit(cfg.Download.DefaultLimit),
		registry.WithGroupOptions(
			group.WithPoolHeadroom(cfg.Download.PoolHeadroom),
			group.WithIntakeCapacity(cfg.Download.IntakeCapacity),
			group.WithTaskOptions(
				downloader.WithClient(client),
				downloader.WithReporter(downloader.NewChanReporter(events)),
				downloader.WithChunkSize(cfg.Download.ChunkSize),
				downloader.WithHeaders(cfg.Download.Headers),
			),
		),
	)
	svc := service.NewGroups(logger, reg, rec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, gc := range cfg.Groups {
		if _, err := svc.Create(ctx, gc.Key, gc.Limit, gc.Autostart); err != nil {
			return fmt.Errorf("create group %q: %w", gc.Key, err)
		}
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router.New(logger, svc, svc, cfg.APIToken),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting dlgroupd", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received terminate, graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
