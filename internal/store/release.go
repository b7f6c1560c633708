package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datallboy/nzbidx/internal/domain"
)

// segmentJSON is the on-disk JSONB shape for domain.Segment.
type segmentJSON struct {
	Number    int    `json:"number"`
	MessageID string `json:"message_id"`
	Group     string `json:"group"`
	Size      int64  `json:"size"`
}

func toSegmentJSON(segs []domain.Segment) ([]byte, error) {
	out := make([]segmentJSON, len(segs))
	for i, s := range segs {
		out[i] = segmentJSON{Number: s.Number, MessageID: s.MessageID, Group: s.Group, Size: s.Size}
	}
	return json.Marshal(out)
}

// Upsert inserts or updates releases atomically, returning
// the dedupe keys of rows that were newly created rather than updated.
// Each row runs under its own savepoint, so a row that fails a
// data-integrity constraint is rolled back and skipped rather than aborting
// the batch. No log line is written for a skipped row.
func (s *Store) Upsert(ctx context.Context, releases []*domain.Release) (map[string]bool, error) {
	created := make(map[string]bool)
	if len(releases) == 0 {
		return created, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensurePartitions(ctx, tx, releases); err != nil {
		return nil, fmt.Errorf("ensure partitions: %w", err)
	}

	for _, rel := range releases {
		key := rel.DedupeKey()
		segBytes, err := toSegmentJSON(rel.Segments)
		if err != nil {
			return nil, fmt.Errorf("marshal segments for %s: %w", key, err)
		}

		var postedAt any
		if rel.HasPostedAt {
			postedAt = rel.PostedAt
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin savepoint for %s: %w", key, err)
		}

		var inserted bool
		err = sp.QueryRow(ctx, `
			INSERT INTO release (
				norm_title, category_id, posted_at, language, tags,
				source_group, size_bytes, segments, has_parts, part_count, dedupe_key
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)
			ON CONFLICT (norm_title, category_id, posted_at) DO UPDATE SET
				segments   = merge_segments(release.segments, excluded.segments),
				size_bytes = (
					SELECT COALESCE(SUM((seg->>'size')::bigint), 0)
					FROM jsonb_array_elements(merge_segments(release.segments, excluded.segments)) seg
				),
				has_parts  = jsonb_array_length(merge_segments(release.segments, excluded.segments)) > 0,
				part_count = (
					SELECT COUNT(DISTINCT seg->>'number')
					FROM jsonb_array_elements(merge_segments(release.segments, excluded.segments)) seg
				),
				tags       = ARRAY(SELECT DISTINCT unnest(release.tags || excluded.tags)),
				language   = CASE WHEN release.language = '' OR release.language = 'und'
				                  THEN excluded.language ELSE release.language END,
				source_group = CASE WHEN release.source_group = ''
				                    THEN excluded.source_group ELSE release.source_group END,
				posted_at  = LEAST(release.posted_at, excluded.posted_at),
				updated_at = now()
			RETURNING (xmax = 0)
		`,
			rel.NormTitle, rel.CategoryID, postedAt, languageOrDefault(rel.Language),
			rel.Tags, rel.SourceGroup, rel.SizeBytes, segBytes, rel.HasParts(), rel.PartCount(), key,
		).Scan(&inserted)

		if err != nil {
			sp.Rollback(ctx)
			if isDataIntegrityError(err) {
				continue
			}
			return nil, fmt.Errorf("upsert release %s: %w", key, err)
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, fmt.Errorf("release savepoint for %s: %w", key, err)
		}

		if inserted {
			created[key] = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit upsert tx: %w", err)
	}
	return created, nil
}

// GetByDedupeKey looks up a single release by its dedupe key, for the
// on-demand NZB builder. Returns domain.ErrNotFound when no
// row matches.
func (s *Store) GetByDedupeKey(ctx context.Context, key string) (*domain.Release, error) {
	var (
		rel      domain.Release
		segBytes []byte
		postedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT norm_title, category_id, posted_at, language, tags, source_group, size_bytes, segments
		FROM release WHERE dedupe_key = $1 LIMIT 1
	`, key).Scan(&rel.NormTitle, &rel.CategoryID, &postedAt, &rel.Language, &rel.Tags, &rel.SourceGroup, &rel.SizeBytes, &segBytes)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get release %s: %w", key, err)
	}
	if postedAt != nil {
		rel.PostedAt = *postedAt
		rel.HasPostedAt = true
	}

	var segs []segmentJSON
	if err := json.Unmarshal(segBytes, &segs); err != nil {
		return nil, fmt.Errorf("unmarshal segments for %s: %w", key, err)
	}
	rel.Segments = make([]domain.Segment, len(segs))
	for i, s := range segs {
		rel.Segments[i] = domain.Segment{Number: s.Number, MessageID: s.MessageID, Group: s.Group, Size: s.Size}
	}
	rel.SortSegments()
	return &rel, nil
}

func languageOrDefault(lang string) string {
	if lang == "" {
		return "und"
	}
	return lang
}

// isDataIntegrityError reports whether err looks like a constraint
// violation that should skip the offending row rather than fail the batch
// (e.g. a NUL byte or other value Postgres rejects outright).
func isDataIntegrityError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid byte sequence") ||
		strings.Contains(msg, "violates") ||
		strings.Contains(msg, "invalid input syntax")
}

// DeleteByGroup removes every release whose source_group matches, used
// when a group moves to the ignore list.
func (s *Store) DeleteByGroup(ctx context.Context, group string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM release WHERE source_group = $1`, group)
	return err
}

// PruneOlderThan deletes releases posted before cutoff. Releases with no
// posted_at are never pruned by this rule.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM release WHERE posted_at IS NOT NULL AND posted_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneByExtension deletes releases whose primary file extension appears in
// disallowed. Extension is derived from the release's tags, since the
// schema does not store a dedicated extension column.
func (s *Store) PruneByExtension(ctx context.Context, disallowed []string) (int64, error) {
	if len(disallowed) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM release WHERE tags && $1::text[]`, disallowed)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneBySize deletes releases below the per-category minimum or above the
// global maximum size.
func (s *Store) PruneBySize(ctx context.Context, minByCategory map[int]int64, max int64) (int64, error) {
	var total int64
	for categoryID, min := range minByCategory {
		tag, err := s.pool.Exec(ctx, `DELETE FROM release WHERE category_id = $1 AND size_bytes < $2`, categoryID, min)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	if max > 0 {
		tag, err := s.pool.Exec(ctx, `DELETE FROM release WHERE size_bytes > $1`, max)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// ensurePartitions creates any missing yearly partition for the distinct
// (category, year) pairs present in the batch before the insert runs.
func ensurePartitions(ctx context.Context, tx pgx.Tx, releases []*domain.Release) error {
	seen := make(map[string]bool)
	for _, rel := range releases {
		if !rel.HasPostedAt {
			continue
		}
		year := rel.PostedAt.UTC().Year()
		key := fmt.Sprintf("%d:%d", rel.CategoryID, year)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := ensureYearPartition(ctx, tx, rel.CategoryID, year); err != nil {
			return err
		}
	}
	return nil
}

func parentTable(categoryID int) string {
	switch {
	case categoryID >= 2000 && categoryID < 3000:
		return "release_movies"
	case categoryID >= 3000 && categoryID < 4000:
		return "release_audio"
	case categoryID >= 5000 && categoryID < 6000:
		return "release_tv"
	case categoryID >= 6000 && categoryID < 7000:
		return "release_adult"
	case categoryID >= 7000 && categoryID < 8000:
		return "release_books"
	default:
		return "release_other"
	}
}

// ensureYearPartition creates the yearly partition for parentTable(category)
// if it doesn't already exist. Table names are built from a closed set of
// known parents and an integer year, never from user input, so the
// identifiers are safe to interpolate directly.
func ensureYearPartition(ctx context.Context, tx pgx.Tx, categoryID, year int) error {
	parent := parentTable(categoryID)
	child := fmt.Sprintf("%s_y%d", parent, year)
	from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		child, parent, from.Format("2006-01-02"), to.Format("2006-01-02"),
	))
	return err
}
