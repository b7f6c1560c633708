// Package httpapi exposes the ingest service's operational HTTP surface:
// liveness/readiness probes and a debug snapshot of the last ingest tick.
// The Newznab-compatible search/download surface is an explicit
// non-goal and has no handlers here; see internal/newznabapi for its
// contract types.
package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/nzbidx/internal/app"
	"github.com/datallboy/nzbidx/internal/breaker"
	"github.com/datallboy/nzbidx/internal/domain"
	"github.com/datallboy/nzbidx/internal/ingest"
	"github.com/datallboy/nzbidx/internal/nzb"
)

// Snapshot holds the most recent ingest tick's summary for /debug/ingest.
type Snapshot struct {
	mu      sync.RWMutex
	summary ingest.Summary
	at      time.Time
}

// Record stores s as the latest tick summary, called by the CLI's serve
// loop after each RunOnce.
func (snap *Snapshot) Record(s ingest.Summary) {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	snap.summary = s
	snap.at = time.Now()
}

func (snap *Snapshot) get() (ingest.Summary, time.Time) {
	snap.mu.RLock()
	defer snap.mu.RUnlock()
	return snap.summary, snap.at
}

// New builds the echo server exposing health, readiness, and debug
// endpoints over ctx's collaborators, request-logging the way the
// teacher's router.go does.
func New(ctx *app.Context, snap *Snapshot) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			ctx.Logger.Info("http_request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))

	e.GET("/healthz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/readyz", func(c *echo.Context) error {
		if !ctx.NNTP.Connected() {
			return c.String(http.StatusServiceUnavailable, "nntp not connected")
		}
		if ctx.DBBreaker.State() == breaker.Open {
			return c.String(http.StatusServiceUnavailable, "database circuit open")
		}
		return c.String(http.StatusOK, "ready")
	})

	e.GET("/debug/ingest", func(c *echo.Context) error {
		summary, at := snap.get()
		return c.JSON(http.StatusOK, map[string]any{
			"run_id":            summary.RunID,
			"groups_active":     summary.GroupsActive,
			"headers_fetched":   summary.HeadersFetched,
			"releases_seen":     summary.ReleasesSeen,
			"releases_new":      summary.ReleasesNew,
			"db_latency_ms":     summary.DBLatencyMs,
			"search_latency_ms": summary.SearchLatencyMs,
			"sleep_ms":          summary.SleepDuration.Milliseconds(),
			"recorded_at":       at,
			"db_breaker":        ctx.DBBreaker.State().String(),
			"search_breaker":    ctx.SearchBreaker.State().String(),
		})
	})

	// Operator-facing NZB fetch, distinct from the Newznab t=getnzb surface
	// (a non-goal): no API key, intended for debugging a specific release.
	e.GET("/debug/nzb/:key", func(c *echo.Context) error {
		xmlBytes, err := ctx.NzbBuilder.Fetch(c.Request().Context(), c.Param("key"))
		if err != nil {
			var fetchErr *nzb.NzbFetchError
			if errors.As(err, &fetchErr) && errors.Is(fetchErr.Err, domain.ErrNotFound) {
				return c.String(http.StatusNotFound, "release not found")
			}
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.Blob(http.StatusOK, "application/x-nzb+xml", xmlBytes)
	})

	return e
}
