// Package dedupe implements the Deduper: per-batch
// aggregation of XOVER headers into releases keyed by dedupe key, merging
// repeated postings of the same multi-part release.
package dedupe

import (
	"time"

	"github.com/datallboy/nzbidx/internal/domain"
)

// Item is one parsed XOVER header ready for aggregation.
type Item struct {
	NormTitle     string
	CategoryID    int
	Language      string
	Tags          []string
	SourceGroup   string
	PostedAt      time.Time
	HasPostedAt   bool
	SegmentNumber int
	MessageID     string
	Size          int64
}

// Deduper aggregates a single XOVER batch (one group) into releases keyed
// by dedupe key. It holds no cross-batch state; the caller merges against
// ReleaseStore on upsert.
type Deduper struct {
	order []string
	byKey map[string]*domain.Release
}

// New returns an empty Deduper.
func New() *Deduper {
	return &Deduper{byKey: make(map[string]*domain.Release)}
}

// Add folds one item into the batch, creating a new release the first time
// its dedupe key is seen and merging into the existing one otherwise.
func (d *Deduper) Add(item Item) {
	key := domain.DedupeKey(item.NormTitle, item.PostedAt, item.HasPostedAt)

	rel, ok := d.byKey[key]
	if !ok {
		rel = &domain.Release{
			NormTitle:   item.NormTitle,
			CategoryID:  item.CategoryID,
			Language:    item.Language,
			SourceGroup: item.SourceGroup,
			PostedAt:    item.PostedAt,
			HasPostedAt: item.HasPostedAt,
		}
		d.byKey[key] = rel
		d.order = append(d.order, key)
	}

	if rel.CategoryID == 0 {
		rel.CategoryID = item.CategoryID
	}
	if rel.Language == "" {
		rel.Language = item.Language
	}
	if rel.SourceGroup == "" {
		rel.SourceGroup = item.SourceGroup
	}
	if item.HasPostedAt && (!rel.HasPostedAt || item.PostedAt.Before(rel.PostedAt)) {
		rel.PostedAt = item.PostedAt
		rel.HasPostedAt = true
	}

	rel.MergeTags(item.Tags)
	rel.AddSegment(domain.Segment{
		Number:    item.SegmentNumber,
		MessageID: item.MessageID,
		Group:     item.SourceGroup,
		Size:      item.Size,
	})
}

// MergeExisting folds a previously stored release (fetched from
// ReleaseStore under the same dedupe key) into the in-progress batch, so a
// multi-part posting spread across poll intervals still converges to one
// row with the union of segments and tags.
func (d *Deduper) MergeExisting(key string, existing *domain.Release) {
	rel, ok := d.byKey[key]
	if !ok {
		d.byKey[key] = existing
		d.order = append(d.order, key)
		return
	}
	rel.MergeTags(existing.Tags)
	for _, seg := range existing.Segments {
		rel.AddSegment(seg)
	}
	if existing.HasPostedAt && (!rel.HasPostedAt || existing.PostedAt.Before(rel.PostedAt)) {
		rel.PostedAt = existing.PostedAt
		rel.HasPostedAt = true
	}
	if rel.CategoryID == 0 {
		rel.CategoryID = existing.CategoryID
	}
	if rel.Language == "" {
		rel.Language = existing.Language
	}
	if rel.SourceGroup == "" {
		rel.SourceGroup = existing.SourceGroup
	}
}

// Releases returns the aggregated batch in first-seen order.
func (d *Deduper) Releases() []*domain.Release {
	out := make([]*domain.Release, 0, len(d.order))
	for _, key := range d.order {
		rel := d.byKey[key]
		rel.SortSegments()
		out = append(out, rel)
	}
	return out
}

// Keys returns the dedupe keys seen so far, in first-seen order, for
// callers that need to look up pre-existing rows before the final merge.
func (d *Deduper) Keys() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of distinct releases aggregated so far.
func (d *Deduper) Len() int {
	return len(d.order)
}
