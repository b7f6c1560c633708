package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/nzbidx/internal/breaker"
	"github.com/datallboy/nzbidx/internal/domain"
	"github.com/datallboy/nzbidx/internal/nntp"
	"github.com/datallboy/nzbidx/internal/search"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{MaxFailures: 3, ResetSeconds: time.Minute})
}

// fakeNNTP serves XOVER from a canned header set and a fixed high-water mark.
type fakeNNTP struct {
	mu      sync.Mutex
	groups  []string
	highs   map[string]int64
	headers map[string][]nntp.Header
}

func newFakeNNTP() *fakeNNTP {
	return &fakeNNTP{highs: make(map[string]int64), headers: make(map[string][]nntp.Header)}
}

func (f *fakeNNTP) ListGroups(pattern string) []string {
	return f.groups
}

func (f *fakeNNTP) HighWaterMark(group string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highs[group]
}

func (f *fakeNNTP) XOver(ctx context.Context, group string, start, end int64) []nntp.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []nntp.Header
	for _, h := range f.headers[group] {
		if h.Number >= start && h.Number <= end {
			out = append(out, h)
		}
	}
	return out
}

// fakeCursors is an in-memory CursorStore.
type fakeCursors struct {
	mu      sync.Mutex
	cursors map[string]domain.Cursor
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: make(map[string]domain.Cursor)}
}

func (f *fakeCursors) Get(ctx context.Context, groups []string) (map[string]domain.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.Cursor, len(groups))
	for _, g := range groups {
		out[g] = f.cursors[g]
	}
	return out, nil
}

func (f *fakeCursors) Set(ctx context.Context, group string, lastArticle int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cursors[group]
	c.Group = group
	c.LastArticle = lastArticle
	f.cursors[group] = c
	return nil
}

func (f *fakeCursors) MarkIrrelevant(ctx context.Context, group string, now time.Time, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cursors[group]
	c.HasIrrelevant = true
	c.IrrelevantUntil = now.Add(ttl)
	f.cursors[group] = c
	return nil
}

func (f *fakeCursors) Unmark(ctx context.Context, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cursors[group]
	c.HasIrrelevant = false
	c.HasProbe = false
	f.cursors[group] = c
	return nil
}

func (f *fakeCursors) ScheduleProbe(ctx context.Context, group string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cursors[group]
	c.HasProbe = true
	c.ProbeAt = at
	f.cursors[group] = c
	return nil
}

func (f *fakeCursors) DueProbes(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for g, c := range f.cursors {
		if c.ProbeDue(now) {
			out = append(out, g)
		}
	}
	return out, nil
}

// fakeStore is an in-memory ReleaseStore keyed by dedupe key.
type fakeStore struct {
	mu          sync.Mutex
	byKey       map[string]*domain.Release
	deletedFrom []string
	failUpsert  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{byKey: make(map[string]*domain.Release)}
}

func (f *fakeStore) Upsert(ctx context.Context, releases []*domain.Release) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return nil, context.DeadlineExceeded
	}
	created := make(map[string]bool)
	for _, rel := range releases {
		key := rel.DedupeKey()
		existing, ok := f.byKey[key]
		if !ok {
			f.byKey[key] = rel
			created[key] = true
			continue
		}
		for _, seg := range rel.Segments {
			existing.AddSegment(seg)
		}
	}
	return created, nil
}

func (f *fakeStore) DeleteByGroup(ctx context.Context, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedFrom = append(f.deletedFrom, group)
	return nil
}

func (f *fakeStore) GetByDedupeKey(ctx context.Context, key string) (*domain.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel, ok := f.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rel, nil
}

// fakeIndexer is an in-memory SearchIndexer.
type fakeIndexer struct {
	mu   sync.Mutex
	docs []search.Doc
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{}
}

func (f *fakeIndexer) Bulk(ctx context.Context, docs []search.Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
	return nil
}

func baseConfig() Config {
	return Config{
		Groups:        []string{"alt.binaries.movies"},
		BatchMin:      1,
		BatchMax:      1000,
		PollMin:       time.Second,
		PollMax:       10 * time.Second,
		SleepBase:     2 * time.Second,
		DBLatencyMs:   500,
		OSLatencyMs:   500,
		IrrelevantTTL: time.Hour,
		Workers:       2,
		BreakerReset:  time.Minute,
	}
}

func TestProcessGroupIngestsSingleArticleRelease(t *testing.T) {
	n := newFakeNNTP()
	n.groups = []string{"alt.binaries.movies"}
	n.highs["alt.binaries.movies"] = 1
	n.headers["alt.binaries.movies"] = []nntp.Header{
		{Number: 1, Subject: "[TAG] Awesome.Movie.2024.1080p (1/1)", MessageID: "<m1@example>", Bytes: 1024, Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}

	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	loop := New(baseConfig(), n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	summary := loop.RunOnce(context.Background())

	if summary.HeadersFetched != 1 {
		t.Fatalf("expected 1 header fetched, got %d", summary.HeadersFetched)
	}
	if summary.ReleasesNew != 1 {
		t.Fatalf("expected 1 new release, got %d", summary.ReleasesNew)
	}
	if len(store.byKey) != 1 {
		t.Fatalf("expected 1 release persisted, got %d", len(store.byKey))
	}
	if len(indexer.docs) != 1 {
		t.Fatalf("expected 1 doc indexed, got %d", len(indexer.docs))
	}

	got, err := cursors.Get(context.Background(), []string{"alt.binaries.movies"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["alt.binaries.movies"].LastArticle != 1 {
		t.Fatalf("expected cursor advanced to 1, got %d", got["alt.binaries.movies"].LastArticle)
	}
}

func TestProcessGroupMergesMultiPartPosting(t *testing.T) {
	n := newFakeNNTP()
	n.groups = []string{"alt.binaries.movies"}
	n.highs["alt.binaries.movies"] = 2
	postedAt := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	n.headers["alt.binaries.movies"] = []nntp.Header{
		{Number: 1, Subject: "Awesome.Movie.2024.1080p (1/2)", MessageID: "<m1@example>", Bytes: 1024, Date: postedAt},
		{Number: 2, Subject: "Awesome.Movie.2024.1080p (2/2)", MessageID: "<m2@example>", Bytes: 2048, Date: postedAt},
	}

	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	loop := New(baseConfig(), n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	summary := loop.RunOnce(context.Background())

	if summary.ReleasesSeen != 1 {
		t.Fatalf("expected both segments to merge into 1 release, got %d", summary.ReleasesSeen)
	}
	for _, rel := range store.byKey {
		if len(rel.Segments) != 2 {
			t.Fatalf("expected 2 merged segments, got %d", len(rel.Segments))
		}
		if rel.SizeBytes != 3072 {
			t.Fatalf("expected summed size 3072, got %d", rel.SizeBytes)
		}
	}
}

func TestProcessGroupOutageSchedulesProbeWithoutAdvancingCursor(t *testing.T) {
	n := newFakeNNTP()
	n.groups = []string{"alt.binaries.movies"}
	n.highs["alt.binaries.movies"] = 0 // simulates outage: GROUP failed

	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	loop := New(baseConfig(), n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	loop.RunOnce(context.Background())

	got, _ := cursors.Get(context.Background(), []string{"alt.binaries.movies"})
	c := got["alt.binaries.movies"]
	if c.LastArticle != 0 {
		t.Fatalf("cursor should not advance on outage, got %d", c.LastArticle)
	}
	if !c.HasProbe {
		t.Fatalf("expected a probe to be scheduled on outage")
	}
	if c.HasIrrelevant {
		t.Fatalf("outage should not mark the group irrelevant")
	}
}

func TestScheduleOutageProbeDoublesDelayUpToCap(t *testing.T) {
	n := newFakeNNTP()
	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	loop := New(baseConfig(), n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	loop.scheduleOutageProbe(context.Background(), "g", now)
	first := loop.probeDelays["g"]
	if first != minProbeDelay {
		t.Fatalf("expected first delay %v, got %v", minProbeDelay, first)
	}

	loop.scheduleOutageProbe(context.Background(), "g", now)
	second := loop.probeDelays["g"]
	if second != minProbeDelay*2 {
		t.Fatalf("expected doubled delay %v, got %v", minProbeDelay*2, second)
	}

	for i := 0; i < 10; i++ {
		loop.scheduleOutageProbe(context.Background(), "g", now)
	}
	if loop.probeDelays["g"] != maxProbeDelay {
		t.Fatalf("expected delay capped at %v, got %v", maxProbeDelay, loop.probeDelays["g"])
	}
}

func TestResolveGroupsSkipsIrrelevantUnlessProbeDue(t *testing.T) {
	n := newFakeNNTP()
	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	cfg := baseConfig()
	cfg.Groups = []string{"alt.binaries.a", "alt.binaries.b"}
	loop := New(cfg, n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cursors.cursors["alt.binaries.a"] = domain.Cursor{Group: "alt.binaries.a", HasIrrelevant: true, IrrelevantUntil: now.Add(time.Hour)}
	cursors.cursors["alt.binaries.b"] = domain.Cursor{Group: "alt.binaries.b", HasIrrelevant: true, IrrelevantUntil: now.Add(time.Hour), HasProbe: true, ProbeAt: now.Add(-time.Minute)}

	active := loop.resolveGroups(context.Background(), now)

	if len(active) != 1 || active[0] != "alt.binaries.b" {
		t.Fatalf("expected only the probe-due group, got %v", active)
	}
}

func TestResolveGroupsDeletesIgnoredGroups(t *testing.T) {
	n := newFakeNNTP()
	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	cfg := baseConfig()
	cfg.Groups = []string{"alt.binaries.a", "alt.binaries.banned"}
	cfg.IgnoreGroups = []string{"alt.binaries.banned"}
	loop := New(cfg, n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	active := loop.resolveGroups(context.Background(), time.Now())

	if len(active) != 1 || active[0] != "alt.binaries.a" {
		t.Fatalf("expected banned group excluded, got %v", active)
	}
	if len(store.deletedFrom) != 1 || store.deletedFrom[0] != "alt.binaries.banned" {
		t.Fatalf("expected DeleteByGroup called for banned group, got %v", store.deletedFrom)
	}
}

func TestAdaptiveSleepScalesWithLatency(t *testing.T) {
	n := newFakeNNTP()
	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	cfg := baseConfig()
	loop := New(cfg, n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	// avgDB well over the configured DBLatencyMs threshold should scale sleep up.
	sleep := loop.adaptiveSleep(2000, 0, 0, 0)
	want := cfg.SleepBase * 4 // ratio = 2000/500
	if sleep != want {
		t.Fatalf("expected sleep %v, got %v", want, sleep)
	}
}

func TestAdaptiveSleepInterpolatesBetweenPollBounds(t *testing.T) {
	n := newFakeNNTP()
	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	cfg := baseConfig()
	loop := New(cfg, n, cursors, store, indexer, testBreaker(), testBreaker(), testLogger())

	// no backlog remaining -> PollMin
	if got := loop.adaptiveSleep(0, 0, 0, 100); got != cfg.PollMin {
		t.Fatalf("expected PollMin with no remaining backlog, got %v", got)
	}
	// all backlog remaining, none processed -> PollMax
	if got := loop.adaptiveSleep(0, 0, 100, 0); got != cfg.PollMax {
		t.Fatalf("expected PollMax with full remaining backlog, got %v", got)
	}
}

func TestAdaptiveSleepFloorsAtHalfBreakerResetWhenOpen(t *testing.T) {
	n := newFakeNNTP()
	cursors := newFakeCursors()
	store := newFakeStore()
	indexer := newFakeIndexer()
	cfg := baseConfig()
	cfg.PollMin = 0
	cfg.BreakerReset = 20 * time.Second

	dbBreaker := breaker.New(breaker.Config{MaxFailures: 1, ResetSeconds: cfg.BreakerReset})
	_ = dbBreaker.Call(context.Background(), func(ctx context.Context) error { return context.DeadlineExceeded })

	loop := New(cfg, n, cursors, store, indexer, dbBreaker, testBreaker(), testLogger())

	sleep := loop.adaptiveSleep(0, 0, 0, 100)
	if sleep < cfg.BreakerReset/2 {
		t.Fatalf("expected sleep floored at %v when breaker open, got %v", cfg.BreakerReset/2, sleep)
	}
}

func TestProcessGroupsShardsByGroupHashDeterministically(t *testing.T) {
	groups := []string{"a", "b", "c", "d", "e"}
	for _, g := range groups {
		first := shardIndex(g, 4)
		second := shardIndex(g, 4)
		if first != second {
			t.Fatalf("shardIndex(%q) not deterministic: %d vs %d", g, first, second)
		}
	}
}
