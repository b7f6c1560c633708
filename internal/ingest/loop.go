// Package ingest implements IngestLoop: the orchestrator that pulls
// cursors, fetches XOVER ranges, normalizes and deduplicates headers, and
// upserts into the release store and search index across a fixed pool of
// group-sharded workers.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/nzbidx/internal/breaker"
	"github.com/datallboy/nzbidx/internal/category"
	"github.com/datallboy/nzbidx/internal/dedupe"
	"github.com/datallboy/nzbidx/internal/domain"
	"github.com/datallboy/nzbidx/internal/nntp"
	"github.com/datallboy/nzbidx/internal/search"
	"github.com/datallboy/nzbidx/internal/subject"
)

// NNTPClient is the subset of *nntp.Client the loop depends on.
type NNTPClient interface {
	ListGroups(pattern string) []string
	HighWaterMark(group string) int64
	XOver(ctx context.Context, group string, start, end int64) []nntp.Header
}

// CursorStore is the subset of *cursorstore.Store the loop depends on.
type CursorStore interface {
	Get(ctx context.Context, groups []string) (map[string]domain.Cursor, error)
	Set(ctx context.Context, group string, lastArticle int64) error
	MarkIrrelevant(ctx context.Context, group string, now time.Time, ttl time.Duration) error
	Unmark(ctx context.Context, group string) error
	ScheduleProbe(ctx context.Context, group string, at time.Time) error
	DueProbes(ctx context.Context, now time.Time) ([]string, error)
}

// ReleaseStore is the subset of *store.Store the loop depends on.
type ReleaseStore interface {
	Upsert(ctx context.Context, releases []*domain.Release) (map[string]bool, error)
	DeleteByGroup(ctx context.Context, group string) error
	GetByDedupeKey(ctx context.Context, key string) (*domain.Release, error)
}

// SearchIndexer is the subset of *search.Indexer the loop depends on.
type SearchIndexer interface {
	Bulk(ctx context.Context, docs []search.Doc) error
}

// Config configures one tick's behavior, mirroring config.IngestConfig and
// config.NNTPConfig's ingest-relevant fields.
type Config struct {
	Groups          []string
	GroupWildcard   string
	IgnoreGroups    []string
	BatchMin        int
	BatchMax        int
	PollMin         time.Duration
	PollMax         time.Duration
	SleepBase       time.Duration
	DBLatencyMs     float64
	OSLatencyMs     float64
	IrrelevantTTL   time.Duration
	Workers         int
	LogEvery        int
	BreakerReset    time.Duration
}

// Loop is the IngestLoop orchestrator.
type Loop struct {
	cfg     Config
	nntp    NNTPClient
	cursors CursorStore
	store   ReleaseStore
	search  SearchIndexer
	dbBreaker     *breaker.Breaker
	searchBreaker *breaker.Breaker
	log     *slog.Logger

	probeDelays map[string]time.Duration

	// OnTick, when set, is invoked with each tick's Summary after it is
	// logged. Used by the serve command to publish a /debug/ingest snapshot.
	OnTick func(Summary)
}

// New constructs a Loop from its collaborators.
func New(cfg Config, nntpClient NNTPClient, cursors CursorStore, store ReleaseStore, indexer SearchIndexer, dbBreaker, searchBreaker *breaker.Breaker, log *slog.Logger) *Loop {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:           cfg,
		nntp:          nntpClient,
		cursors:       cursors,
		store:         store,
		search:        indexer,
		dbBreaker:     dbBreaker,
		searchBreaker: searchBreaker,
		log:           log,
		probeDelays:   make(map[string]time.Duration),
	}
}

// Summary reports the outcome of one RunOnce tick.
type Summary struct {
	RunID          string
	GroupsActive   int
	HeadersFetched int
	ReleasesSeen   int
	ReleasesNew    int
	DBLatencyMs    float64
	SearchLatencyMs float64
	SleepDuration  time.Duration
}

// RunOnce executes one ingest tick: resolve groups, process each, and
// compute the next adaptive sleep.
func (l *Loop) RunOnce(ctx context.Context) Summary {
	runID := ksuid.New().String()
	now := time.Now()

	groups := l.resolveGroups(ctx, now)
	l.log.Info("ingest_batch", "run_id", runID, "groups", len(groups))

	var (
		headersTotal   int
		releasesTotal  int
		newTotal       int
		dbLatencySum   float64
		dbLatencyCount int
		osLatencySum   float64
		osLatencyCount int
		remainingTotal int64
		processedTotal int64
	)

	results := l.processGroups(ctx, groups, now)
	for _, r := range results {
		headersTotal += r.headers
		releasesTotal += r.releasesSeen
		newTotal += r.releasesNew
		remainingTotal += r.remaining
		processedTotal += int64(r.headers)
		if r.dbLatencyMs > 0 {
			dbLatencySum += r.dbLatencyMs
			dbLatencyCount++
		}
		if r.osLatencyMs > 0 {
			osLatencySum += r.osLatencyMs
			osLatencyCount++
		}
	}

	avgDB := safeAvg(dbLatencySum, dbLatencyCount)
	avgOS := safeAvg(osLatencySum, osLatencyCount)

	sleep := l.adaptiveSleep(avgDB, avgOS, remainingTotal, processedTotal)

	summary := Summary{
		RunID:           runID,
		GroupsActive:    len(groups),
		HeadersFetched:  headersTotal,
		ReleasesSeen:    releasesTotal,
		ReleasesNew:     newTotal,
		DBLatencyMs:     avgDB,
		SearchLatencyMs: avgOS,
		SleepDuration:   sleep,
	}
	l.log.Info("ingest_summary",
		"run_id", runID, "groups", summary.GroupsActive, "headers", summary.HeadersFetched,
		"releases_seen", summary.ReleasesSeen, "releases_new", summary.ReleasesNew,
		"sleep_ms", summary.SleepDuration.Milliseconds())
	if l.OnTick != nil {
		l.OnTick(summary)
	}
	return summary
}

// RunForever repeats RunOnce until stop is closed, sleeping the adaptive
// duration (bounded by [PollMin, PollMax]) between ticks. Any panic
// recovered from a tick is logged and the loop continues after PollMax.
func (l *Loop) RunForever(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		sleep := l.runOnceRecovered(ctx)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (l *Loop) runOnceRecovered(ctx context.Context) (sleep time.Duration) {
	sleep = l.cfg.PollMax
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("ingest_tick_panic", "recover", r)
			sleep = l.cfg.PollMax
		}
	}()
	summary := l.RunOnce(ctx)
	return summary.SleepDuration
}

// resolveGroups implements step 1 of run_once: explicit config or
// NNTPClient.list_groups, minus ignored and currently-irrelevant groups,
// triggering delete_by_group for every ignored candidate on every tick.
func (l *Loop) resolveGroups(ctx context.Context, now time.Time) []string {
	var candidates []string
	if len(l.cfg.Groups) > 0 {
		candidates = l.cfg.Groups
	} else {
		candidates = l.nntp.ListGroups(l.cfg.GroupWildcard)
	}

	ignored := make(map[string]bool, len(l.cfg.IgnoreGroups))
	for _, g := range l.cfg.IgnoreGroups {
		ignored[g] = true
	}

	var surviving []string
	for _, g := range candidates {
		if ignored[g] {
			if err := l.store.DeleteByGroup(ctx, g); err != nil {
				l.log.Warn("ingest_delete_by_group_failed", "group", g, "err", err.Error())
			}
			continue
		}
		surviving = append(surviving, g)
	}

	cursors, err := l.cursors.Get(ctx, surviving)
	if err != nil {
		l.log.Warn("ingest_cursor_get_failed", "err", err.Error())
		return surviving
	}

	var active []string
	for _, g := range surviving {
		c := cursors[g]
		if c.Irrelevant(now) && !c.ProbeDue(now) {
			continue
		}
		active = append(active, g)
	}

	sort.Strings(active)
	return active
}

type groupResult struct {
	group        string
	headers      int
	releasesSeen int
	releasesNew  int
	remaining    int64
	dbLatencyMs  float64
	osLatencyMs  float64
}

// processGroups shards the group list across cfg.Workers workers by a
// hash of the group name, preserving per-group cursor monotonicity since
// a given group is always handled by the same worker within a tick.
func (l *Loop) processGroups(ctx context.Context, groups []string, now time.Time) []groupResult {
	shards := make([][]string, l.cfg.Workers)
	for _, g := range groups {
		idx := shardIndex(g, l.cfg.Workers)
		shards[idx] = append(shards[idx], g)
	}

	collector := newResultCollector()
	var wg sync.WaitGroup
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		shard := shard
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, g := range shard {
				collector.add(l.processGroup(ctx, g, now))
			}
		}()
	}
	wg.Wait()
	return collector.drain()
}

// resultCollector serializes writes from concurrent group workers.
type resultCollector struct {
	mu      sync.Mutex
	results []groupResult
}

func newResultCollector() *resultCollector {
	return &resultCollector{}
}

func (c *resultCollector) add(r groupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *resultCollector) drain() []groupResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results
}

func shardIndex(group string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(group))
	return int(h.Sum32() % uint32(workers))
}

// processGroup implements step 2 of run_once for a single group.
func (l *Loop) processGroup(ctx context.Context, group string, now time.Time) groupResult {
	cursors, err := l.cursors.Get(ctx, []string{group})
	if err != nil {
		l.log.Warn("ingest_cursor_get_failed", "group", group, "err", err.Error())
		return groupResult{group: group}
	}
	cursor := cursors[group]
	last := cursor.LastArticle

	high := l.nntp.HighWaterMark(group)
	if high == 0 {
		l.scheduleOutageProbe(ctx, group, now)
		return groupResult{group: group}
	}

	remaining := high - last
	if remaining < 0 {
		remaining = 0
	}
	batch := clamp(remaining, int64(l.cfg.BatchMin), int64(l.cfg.BatchMax))
	if batch == 0 {
		return groupResult{group: group, remaining: remaining}
	}

	headers := l.nntp.XOver(ctx, group, last+1, last+batch)
	if headers == nil {
		l.log.Warn("nntp_fetch_failed", "group", group, "from", last+1, "to", last+batch)
		return groupResult{group: group, remaining: remaining}
	}

	d := dedupe.New()
	for _, h := range headers {
		parsed := subject.Parse(h.Subject)
		categoryID := category.Infer(h.Subject, parsed.Tags, group)
		tags := parsed.Tags
		if parsed.Extension != "" {
			tags = append(tags, parsed.Extension)
		}
		d.Add(dedupe.Item{
			NormTitle:     parsed.NormTitle,
			CategoryID:    categoryID,
			Language:      parsed.Language,
			Tags:          tags,
			SourceGroup:   group,
			PostedAt:      h.Date,
			HasPostedAt:   !h.Date.IsZero(),
			SegmentNumber: parsed.SegmentNumber,
			MessageID:     h.MessageID,
			Size:          h.Bytes,
		})
	}

	for _, key := range d.Keys() {
		existing, err := l.store.GetByDedupeKey(ctx, key)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				l.log.Warn("ingest_get_existing_failed", "group", group, "key", key, "err", err.Error())
			}
			continue
		}
		d.MergeExisting(key, existing)
	}

	releases := d.Releases()
	result := groupResult{group: group, headers: len(headers), releasesSeen: len(releases), remaining: remaining}

	dbStart := time.Now()
	var created map[string]bool
	err = l.dbBreaker.Call(ctx, func(ctx context.Context) error {
		var upsertErr error
		created, upsertErr = l.store.Upsert(ctx, releases)
		return upsertErr
	})
	result.dbLatencyMs = msPerRow(time.Since(dbStart), len(releases))
	if err != nil {
		l.log.Warn("ingest_store_upsert_failed", "group", group, "err", err.Error())
		return result
	}
	result.releasesNew = len(created)

	docs := make([]search.Doc, 0, len(created))
	for _, rel := range releases {
		if created[rel.DedupeKey()] {
			docs = append(docs, search.DocFromRelease(rel))
		}
	}

	osStart := time.Now()
	err = l.searchBreaker.Call(ctx, func(ctx context.Context) error {
		return l.search.Bulk(ctx, docs)
	})
	result.osLatencyMs = msPerRow(time.Since(osStart), len(docs))
	if err != nil {
		l.log.Warn("ingest_search_bulk_failed", "group", group, "err", err.Error())
	}

	if err := l.cursors.Set(ctx, group, last+int64(len(headers))); err != nil {
		l.log.Warn("ingest_cursor_set_failed", "group", group, "err", err.Error())
		return result
	}

	if len(created) == 0 {
		if err := l.cursors.MarkIrrelevant(ctx, group, now, l.cfg.IrrelevantTTL); err != nil {
			l.log.Warn("ingest_mark_irrelevant_failed", "group", group, "err", err.Error())
		}
	} else {
		delete(l.probeDelays, group)
		if err := l.cursors.Unmark(ctx, group); err != nil {
			l.log.Warn("ingest_unmark_failed", "group", group, "err", err.Error())
		}
	}

	return result
}

const (
	minProbeDelay = 24 * time.Hour
	maxProbeDelay = 7 * 24 * time.Hour
)

// scheduleOutageProbe schedules a single probe after an outage (high == 0),
// doubling the delay on each consecutive outage up to maxProbeDelay, and
// resetting to minProbeDelay once a tick creates a release for the group
// (handled by the delete from probeDelays in processGroup's success path).
func (l *Loop) scheduleOutageProbe(ctx context.Context, group string, now time.Time) {
	delay, ok := l.probeDelays[group]
	if !ok {
		delay = minProbeDelay
	} else {
		delay *= 2
		if delay > maxProbeDelay {
			delay = maxProbeDelay
		}
	}
	l.probeDelays[group] = delay

	if err := l.cursors.ScheduleProbe(ctx, group, now.Add(delay)); err != nil {
		l.log.Warn("ingest_schedule_probe_failed", "group", group, "err", err.Error())
	}
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func msPerRow(elapsed time.Duration, rows int) float64 {
	if rows == 0 {
		return 0
	}
	return float64(elapsed.Milliseconds()) / float64(rows)
}

func safeAvg(sum float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// adaptiveSleep implements step 3 of run_once.
func (l *Loop) adaptiveSleep(avgDB, avgOS float64, remaining, processed int64) time.Duration {
	sleep := l.cfg.SleepBase

	breakerFloor := time.Duration(0)
	if l.dbBreaker.State() == breaker.Open || l.searchBreaker.State() == breaker.Open {
		breakerFloor = l.cfg.BreakerReset / 2
	}

	switch {
	case avgDB > l.cfg.DBLatencyMs || avgOS > l.cfg.OSLatencyMs:
		ratio := 1.0
		if l.cfg.DBLatencyMs > 0 {
			ratio = math.Max(ratio, avgDB/l.cfg.DBLatencyMs)
		}
		if l.cfg.OSLatencyMs > 0 {
			ratio = math.Max(ratio, avgOS/l.cfg.OSLatencyMs)
		}
		sleep = time.Duration(float64(l.cfg.SleepBase) * ratio)
	default:
		total := remaining + processed
		if total > 0 {
			frac := float64(remaining) / float64(total)
			span := l.cfg.PollMax - l.cfg.PollMin
			sleep = l.cfg.PollMin + time.Duration(frac*float64(span))
		} else {
			sleep = l.cfg.PollMin
		}
	}

	if sleep < breakerFloor {
		sleep = breakerFloor
	}
	if sleep < l.cfg.PollMin {
		sleep = l.cfg.PollMin
	}
	if sleep > l.cfg.PollMax {
		sleep = l.cfg.PollMax
	}
	return sleep
}
