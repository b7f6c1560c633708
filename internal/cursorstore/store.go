// Package cursorstore persists per-group ingest cursors: the last article
// number consumed, an optional irrelevant-until suppression window, and an
// optional next-probe time.
package cursorstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/datallboy/nzbidx/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is a sqlite-backed cursor store. Writes are serialized per group
// key by the caller's ingest worker sharding; the store itself does not
// need additional locking beyond database/sql's own connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cursor db directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to cursor db: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cursor db: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cursor for each requested group. Groups with no row yet
// come back as a zero-value Cursor (LastArticle 0, no irrelevant/probe
// window), matching the "unseen group starts at article 0" rule.
func (s *Store) Get(ctx context.Context, groups []string) (map[string]domain.Cursor, error) {
	out := make(map[string]domain.Cursor, len(groups))
	for _, g := range groups {
		out[g] = domain.Cursor{Group: g}
	}
	if len(groups) == 0 {
		return out, nil
	}

	placeholders := make([]any, len(groups))
	query := "SELECT group_name, last_article, irrelevant_until, probe_at FROM cursors WHERE group_name IN ("
	for i, g := range groups {
		placeholders[i] = g
		if i > 0 {
			query += ","
		}
		query += "?"
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name            string
			lastArticle     int64
			irrelevantUntil sql.NullTime
			probeAt         sql.NullTime
		)
		if err := rows.Scan(&name, &lastArticle, &irrelevantUntil, &probeAt); err != nil {
			return nil, err
		}
		c := domain.Cursor{Group: name, LastArticle: lastArticle}
		if irrelevantUntil.Valid {
			c.IrrelevantUntil = irrelevantUntil.Time
			c.HasIrrelevant = true
		}
		if probeAt.Valid {
			c.ProbeAt = probeAt.Time
			c.HasProbe = true
		}
		out[name] = c
	}
	return out, rows.Err()
}

// Set advances the stored last-article watermark for group and clears any
// irrelevant/probe suppression, since a successful fetch means the group is
// active again.
func (s *Store) Set(ctx context.Context, group string, lastArticle int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (group_name, last_article, irrelevant_until, probe_at, updated_at)
		VALUES (?, ?, NULL, NULL, CURRENT_TIMESTAMP)
		ON CONFLICT(group_name) DO UPDATE SET
			last_article = excluded.last_article,
			irrelevant_until = NULL,
			probe_at = NULL,
			updated_at = CURRENT_TIMESTAMP
	`, group, lastArticle)
	return err
}

// MarkIrrelevant suppresses group from the active ingest rotation until
// now+ttl, scheduling a probe at the same time.
func (s *Store) MarkIrrelevant(ctx context.Context, group string, now time.Time, ttl time.Duration) error {
	until := now.Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (group_name, last_article, irrelevant_until, probe_at, updated_at)
		VALUES (?, 0, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(group_name) DO UPDATE SET
			irrelevant_until = excluded.irrelevant_until,
			probe_at = excluded.probe_at,
			updated_at = CURRENT_TIMESTAMP
	`, group, until, until)
	return err
}

// Unmark clears any irrelevant/probe suppression for group without
// touching its last-article watermark.
func (s *Store) Unmark(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cursors SET irrelevant_until = NULL, probe_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE group_name = ?
	`, group)
	return err
}

// ScheduleProbe sets the next probe time for group without altering its
// irrelevant_until suppression window. The ingest loop calls it after an
// outage, with a delay that doubles on each consecutive outage up to a cap.
func (s *Store) ScheduleProbe(ctx context.Context, group string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (group_name, last_article, probe_at, updated_at)
		VALUES (?, 0, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(group_name) DO UPDATE SET
			probe_at = excluded.probe_at,
			updated_at = CURRENT_TIMESTAMP
	`, group, at)
	return err
}

// DueProbes returns groups whose probe_at has elapsed as of now.
func (s *Store) DueProbes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_name FROM cursors
		WHERE probe_at IS NOT NULL AND probe_at <= ?
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
