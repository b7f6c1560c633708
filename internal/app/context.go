// Package app wires the ingest service's collaborators into a single
// Context: one struct built once at startup and passed down to whatever
// needs it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/datallboy/nzbidx/internal/breaker"
	"github.com/datallboy/nzbidx/internal/cache"
	"github.com/datallboy/nzbidx/internal/config"
	"github.com/datallboy/nzbidx/internal/cursorstore"
	"github.com/datallboy/nzbidx/internal/ingest"
	"github.com/datallboy/nzbidx/internal/logging"
	"github.com/datallboy/nzbidx/internal/nntp"
	"github.com/datallboy/nzbidx/internal/nzb"
	"github.com/datallboy/nzbidx/internal/search"
	"github.com/datallboy/nzbidx/internal/store"
)

// Context holds the core environment and shared resources for nzbidxd. It
// is the single source of truth for application state, constructed once
// in main and threaded through the CLI commands.
type Context struct {
	Config *config.Config
	Logger *slog.Logger

	NNTP    *nntp.Client
	Cursors *cursorstore.Store
	Store   *store.Store
	Search  *search.Indexer

	DBBreaker     *breaker.Breaker
	SearchBreaker *breaker.Breaker

	Loop       *ingest.Loop
	NzbCache   *cache.NZBCache
	NzbBuilder *nzb.Builder
}

// NewContext initializes every collaborator from cfg and assembles the
// ingest loop. The NNTP connection is attempted but a failure there
// doesn't abort startup, since Client.Connect retries in the background.
func NewContext(ctx context.Context, cfg *config.Config) (*Context, error) {
	log := logging.New("info")

	cursors, err := cursorstore.Open(cfg.Store.CursorDB)
	if err != nil {
		return nil, fmt.Errorf("opening cursor store: %w", err)
	}

	releaseStore, err := store.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		cursors.Close()
		return nil, fmt.Errorf("opening release store: %w", err)
	}

	nntpClient := nntp.New(nntp.Config{
		Host:            cfg.NNTP.Host,
		Port:            cfg.NNTP.Port,
		TLS:             cfg.NNTP.TLS(),
		User:            cfg.NNTP.User,
		Pass:            cfg.NNTP.Pass,
		Timeout:         time.Duration(cfg.NNTP.TimeoutSeconds) * time.Second,
		ConnectBase:     cfg.NNTP.ConnectBase,
		ConnectMaxDelay: cfg.NNTP.ConnectMaxDelay,
	}, log)
	nntpClient.Connect()

	indexer := search.New(cfg.Store.OpenSearchURL, "releases", log)

	dbBreaker := breaker.New(breaker.Config{
		MaxFailures:   cfg.Breaker.FailureThreshold,
		ResetSeconds:  cfg.Breaker.ResetSeconds,
		Retries:       cfg.Breaker.RetryMax,
		BaseBackoffMs: cfg.Breaker.RetryBaseMs,
		JitterMs:      cfg.Breaker.RetryJitterMs,
	})
	searchBreaker := breaker.New(breaker.Config{
		MaxFailures:   cfg.Breaker.FailureThreshold,
		ResetSeconds:  cfg.Breaker.ResetSeconds,
		Retries:       cfg.Breaker.RetryMax,
		BaseBackoffMs: cfg.Breaker.RetryBaseMs,
		JitterMs:      cfg.Breaker.RetryJitterMs,
	})

	loop := ingest.New(ingest.Config{
		Groups:        cfg.NNTP.Groups,
		GroupWildcard: cfg.NNTP.GroupWildcard,
		IgnoreGroups:  cfg.NNTP.IgnoreGroups,
		BatchMin:      cfg.Ingest.BatchMin,
		BatchMax:      cfg.Ingest.BatchMax,
		PollMin:       cfg.Ingest.PollMinSeconds,
		PollMax:       cfg.Ingest.PollMaxSeconds,
		SleepBase:     cfg.Ingest.SleepMs,
		DBLatencyMs:   cfg.Ingest.DBLatencyMs,
		OSLatencyMs:   cfg.Ingest.OSLatencyMs,
		IrrelevantTTL: cfg.Ingest.IrrelevantTTL,
		Workers:       cfg.Ingest.Workers,
		LogEvery:      cfg.Ingest.LogEvery,
		BreakerReset:  cfg.Breaker.ResetSeconds,
	}, nntpClient, cursors, releaseStore, indexer, dbBreaker, searchBreaker, log)

	nzbCache, err := cache.New(cfg.Store.RedisURL)
	if err != nil {
		releaseStore.Close()
		cursors.Close()
		return nil, fmt.Errorf("opening nzb cache: %w", err)
	}
	nzbBuilder := nzb.NewBuilder(releaseStore, nzbCache)

	return &Context{
		Config:        cfg,
		Logger:        log,
		NNTP:          nntpClient,
		Cursors:       cursors,
		Store:         releaseStore,
		Search:        indexer,
		DBBreaker:     dbBreaker,
		SearchBreaker: searchBreaker,
		Loop:          loop,
		NzbCache:      nzbCache,
		NzbBuilder:    nzbBuilder,
	}, nil
}

// Close releases every collaborator holding an open connection.
func (c *Context) Close() {
	c.Logger.Info("shutting down")
	c.NNTP.Close()
	c.Store.Close()
	if err := c.Cursors.Close(); err != nil {
		c.Logger.Warn("cursor_store_close_failed", "err", err.Error())
	}
	if err := c.NzbCache.Close(); err != nil {
		c.Logger.Warn("nzb_cache_close_failed", "err", err.Error())
	}
}
