package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datallboy/nzbidx/internal/app"
	"github.com/datallboy/nzbidx/internal/config"
	"github.com/datallboy/nzbidx/internal/httpapi"
)

var rootCmd = &cobra.Command{
	Use:   "nzbidxd",
	Short: "nzbidxd is a Usenet header ingest and indexing service",
	Long:  `A concurrent NNTP header ingester that normalizes, deduplicates, and indexes releases into Postgres and a search engine.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest loop forever alongside the health/debug HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single ingest tick and exit",
	Run: func(cmd *cobra.Command, args []string) {
		runTick()
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply retention thresholds (age, extension, size) and exit",
	Run: func(cmd *cobra.Command, args []string) {
		runPrune()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(pruneCmd)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigChan:
			fmt.Println("\n[!] Interrupt received. Shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runServe() {
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	appCtx, err := app.NewContext(ctx, cfg)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer appCtx.Close()

	snap := &httpapi.Snapshot{}
	server := httpapi.New(appCtx, snap)

	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			appCtx.Logger.Error("http_server_failed", "err", err.Error())
		}
	}()

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	appCtx.Loop.OnTick = snap.Record
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	appCtx.Logger.Info("ingest_loop_started", "http_addr", cfg.HTTPAddr)
	go appCtx.Loop.RunForever(ctx, stop)

	<-ctx.Done()
	fmt.Println("Process finished.")
}

func runTick() {
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	appCtx, err := app.NewContext(ctx, cfg)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer appCtx.Close()

	summary := appCtx.Loop.RunOnce(ctx)
	appCtx.Logger.Info("tick_complete", "run_id", summary.RunID, "releases_new", summary.ReleasesNew)
}

// runPrune applies the three retention rules in sequence:
// age cutoff, disallowed extensions, then per-category/global size bounds.
// A zero RetentionDays or MaxReleaseBytes disables that rule, matching the
// config defaults (retention off unless an operator opts in).
func runPrune() {
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	appCtx, err := app.NewContext(ctx, cfg)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer appCtx.Close()

	var total int64
	if cfg.Category.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Category.RetentionDays)
		n, err := appCtx.Store.PruneOlderThan(ctx, cutoff)
		if err != nil {
			appCtx.Logger.Error("prune_older_than_failed", "err", err.Error())
		}
		total += n
	}

	n, err := appCtx.Store.PruneByExtension(ctx, cfg.Category.DisallowedExt)
	if err != nil {
		appCtx.Logger.Error("prune_by_extension_failed", "err", err.Error())
	}
	total += n

	minByCategory := map[int]int64{
		cfg.Category.MoviesCatID: cfg.Category.Movie.MinBytes,
		cfg.Category.TVCatID:     cfg.Category.TV.MinBytes,
		cfg.Category.AdultCatID:  cfg.Category.XXX.MinBytes,
	}
	n, err = appCtx.Store.PruneBySize(ctx, minByCategory, cfg.Category.MaxReleaseBytes)
	if err != nil {
		appCtx.Logger.Error("prune_by_size_failed", "err", err.Error())
	}
	total += n

	appCtx.Logger.Info("prune_complete", "releases_removed", total)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
