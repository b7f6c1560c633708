package domain

import "time"

// Cursor is the durable per-group ingest watermark.
type Cursor struct {
	Group            string
	LastArticle      int64
	IrrelevantUntil  time.Time
	HasIrrelevant    bool
	ProbeAt          time.Time
	HasProbe         bool
}

// Irrelevant reports whether the group is currently skipped because it is
// marked irrelevant and the irrelevance window has not elapsed.
func (c Cursor) Irrelevant(now time.Time) bool {
	return c.HasIrrelevant && now.Before(c.IrrelevantUntil)
}

// ProbeDue reports whether a scheduled probe is due.
func (c Cursor) ProbeDue(now time.Time) bool {
	return c.HasProbe && !now.Before(c.ProbeAt)
}
