// Package domain holds the core entities of the ingest pipeline: releases,
// their segments, per-group cursors, and the shared sentinel errors.
package domain

import (
	"sort"
	"time"
)

// Segment is a single Usenet article contributing to a Release.
type Segment struct {
	Number    int
	MessageID string
	Group     string
	Size      int64
}

// Release is the canonical aggregate produced by the ingest pipeline.
// Identity is (NormTitle, CategoryID, PostedAt); see DedupeKey.
type Release struct {
	NormTitle   string
	CategoryID  int
	PostedAt    time.Time
	HasPostedAt bool
	Language    string
	Tags        []string
	SourceGroup string
	SizeBytes   int64
	Segments    []Segment
}

// DedupeKey returns "{norm_title}:{yyyy-mm-dd}", falling back to just
// norm_title when PostedAt is unknown.
func (r *Release) DedupeKey() string {
	return DedupeKey(r.NormTitle, r.PostedAt, r.HasPostedAt)
}

// DedupeKey computes the dedupe key for a normalized title and an optional
// posting timestamp.
func DedupeKey(normTitle string, postedAt time.Time, hasPostedAt bool) string {
	if !hasPostedAt {
		return normTitle
	}
	return normTitle + ":" + postedAt.UTC().Format("2006-01-02")
}

// HasParts reports whether the release carries at least one segment.
func (r *Release) HasParts() bool { return len(r.Segments) > 0 }

// PartCount returns the number of distinct segment numbers.
func (r *Release) PartCount() int {
	seen := make(map[int]struct{}, len(r.Segments))
	for _, s := range r.Segments {
		seen[s.Number] = struct{}{}
	}
	return len(seen)
}

// SortSegments orders segments by Number, ascending.
func (r *Release) SortSegments() {
	sort.Slice(r.Segments, func(i, j int) bool { return r.Segments[i].Number < r.Segments[j].Number })
}

// AddSegment appends seg unless a segment with the same (Number, MessageID)
// already exists in the release.
func (r *Release) AddSegment(seg Segment) {
	for _, existing := range r.Segments {
		if existing.Number == seg.Number && existing.MessageID == seg.MessageID {
			return
		}
	}
	r.Segments = append(r.Segments, seg)
	r.SizeBytes += seg.Size
}

// AddTag appends tag to Tags if not already present, preserving order.
func (r *Release) AddTag(tag string) {
	if tag == "" {
		return
	}
	for _, t := range r.Tags {
		if t == tag {
			return
		}
	}
	r.Tags = append(r.Tags, tag)
}

// MergeTags unions other into r.Tags, preserving r's existing order.
func (r *Release) MergeTags(other []string) {
	for _, t := range other {
		r.AddTag(t)
	}
}
