package cursorstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cursors.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetUnseenGroupStartsAtZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, []string{"alt.binaries.test"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c, ok := got["alt.binaries.test"]
	if !ok {
		t.Fatalf("expected entry for requested group")
	}
	if c.LastArticle != 0 || c.HasIrrelevant || c.HasProbe {
		t.Fatalf("expected zero-value cursor for unseen group, got %+v", c)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	group := "alt.binaries.test"

	if err := s.Set(ctx, group, 12345); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, []string{group})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[group].LastArticle != 12345 {
		t.Fatalf("LastArticle = %d, want 12345", got[group].LastArticle)
	}
}

func TestMarkIrrelevantThenUnmark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	group := "alt.binaries.empty"
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.MarkIrrelevant(ctx, group, now, 24*time.Hour); err != nil {
		t.Fatalf("MarkIrrelevant: %v", err)
	}
	got, err := s.Get(ctx, []string{group})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c := got[group]
	if !c.HasIrrelevant || !c.Irrelevant(now.Add(time.Hour)) {
		t.Fatalf("expected group irrelevant shortly after marking, got %+v", c)
	}
	if c.Irrelevant(now.Add(25 * time.Hour)) {
		t.Fatalf("expected irrelevant window to have expired after 25h")
	}

	if err := s.Unmark(ctx, group); err != nil {
		t.Fatalf("Unmark: %v", err)
	}
	got, err = s.Get(ctx, []string{group})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[group].HasIrrelevant {
		t.Fatalf("expected irrelevant window cleared after Unmark")
	}
}

func TestSetClearsIrrelevantWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	group := "alt.binaries.revived"
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.MarkIrrelevant(ctx, group, now, 24*time.Hour); err != nil {
		t.Fatalf("MarkIrrelevant: %v", err)
	}
	if err := s.Set(ctx, group, 99); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, []string{group})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[group].HasIrrelevant {
		t.Fatalf("expected Set to clear irrelevant window on successful fetch")
	}
	if got[group].LastArticle != 99 {
		t.Fatalf("LastArticle = %d, want 99", got[group].LastArticle)
	}
}

func TestDueProbes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.ScheduleProbe(ctx, "alt.binaries.due", now.Add(-time.Minute)); err != nil {
		t.Fatalf("ScheduleProbe: %v", err)
	}
	if err := s.ScheduleProbe(ctx, "alt.binaries.future", now.Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleProbe: %v", err)
	}

	due, err := s.DueProbes(ctx, now)
	if err != nil {
		t.Fatalf("DueProbes: %v", err)
	}
	if len(due) != 1 || due[0] != "alt.binaries.due" {
		t.Fatalf("DueProbes = %v, want only alt.binaries.due", due)
	}
}
