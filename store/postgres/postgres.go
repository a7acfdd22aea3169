// Package postgres implements cireilclaw.SessionStore on PostgreSQL with
// jsonb session payloads. Image bytes stay on the local filesystem exactly
// as with the sqlite backend; only references go into the database.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cireilclaw/cireilclaw"
)

// Store implements cireilclaw.SessionStore backed by PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	imagesDir string
}

var _ cireilclaw.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The Store assumes
// ownership of the pool; Close releases it.
func New(pool *pgxpool.Pool, imagesDir string) *Store {
	return &Store{pool: pool, imagesDir: imagesDir}
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			meta JSONB,
			history JSONB NOT NULL,
			opened_files JSONB,
			last_activity BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			media_type TEXT NOT NULL,
			PRIMARY KEY (id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			job_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			config JSONB,
			last_run TIMESTAMPTZ,
			next_run TIMESTAMPTZ,
			status TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_session ON images(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Sessions ---

// SaveSession upserts one session row; image bytes are externalized to
// content-addressed files and referenced from the history jsonb.
func (s *Store) SaveSession(ctx context.Context, snap cireilclaw.SessionSnapshot) error {
	history, refs, err := cireilclaw.ExternalizeHistory(snap.History, s.imagesDir)
	if err != nil {
		return fmt.Errorf("postgres: externalize history: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("postgres: marshal history: %w", err)
	}
	metaJSON, err := json.Marshal(snap.Meta)
	if err != nil {
		return fmt.Errorf("postgres: marshal meta: %w", err)
	}
	filesJSON, err := json.Marshal(snap.OpenedFiles)
	if err != nil {
		return fmt.Errorf("postgres: marshal opened files: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, channel, meta, history, opened_files, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   channel = EXCLUDED.channel,
		   meta = EXCLUDED.meta,
		   history = EXCLUDED.history,
		   opened_files = EXCLUDED.opened_files,
		   last_activity = EXCLUDED.last_activity`,
		snap.ID, string(snap.Channel), string(metaJSON), string(historyJSON), string(filesJSON), snap.LastActivity)
	if err != nil {
		return fmt.Errorf("postgres: save session: %w", err)
	}
	for _, ref := range refs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO images (id, session_id, media_type) VALUES ($1, $2, $3)
			 ON CONFLICT (id, session_id) DO NOTHING`,
			ref.ID, snap.ID, ref.MediaType); err != nil {
			return fmt.Errorf("postgres: save image ref: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit session: %w", err)
	}
	return nil
}

// LoadSessions returns every persisted session with images rehydrated from
// the local image directory.
func (s *Store) LoadSessions(ctx context.Context) ([]cireilclaw.SessionSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel, meta, history, opened_files, last_activity FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load sessions: %w", err)
	}
	defer rows.Close()

	var snaps []cireilclaw.SessionSnapshot
	for rows.Next() {
		var snap cireilclaw.SessionSnapshot
		var channel string
		var metaJSON, historyJSON, filesJSON []byte
		if err := rows.Scan(&snap.ID, &channel, &metaJSON, &historyJSON, &filesJSON, &snap.LastActivity); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		snap.Channel = cireilclaw.ChannelKind(channel)
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &snap.Meta)
		}
		var history []cireilclaw.Message
		if err := json.Unmarshal(historyJSON, &history); err != nil {
			continue // unreadable history; leave the row for inspection
		}
		snap.History = cireilclaw.RehydrateHistory(history, s.imagesDir, nil)
		if len(filesJSON) > 0 {
			_ = json.Unmarshal(filesJSON, &snap.OpenedFiles)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return snaps, nil
}

// DeleteSession removes a session and unlinks image files whose reference
// count drops to zero. File removal is best-effort.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	rows, err := s.pool.Query(ctx,
		`SELECT i.id, i.media_type FROM images i
		 WHERE i.session_id = $1
		   AND NOT EXISTS (
		     SELECT 1 FROM images o WHERE o.id = i.id AND o.session_id <> $1
		   )`, id)
	if err != nil {
		return fmt.Errorf("postgres: list orphaned images: %w", err)
	}
	var orphans []cireilclaw.ImageRef
	for rows.Next() {
		var ref cireilclaw.ImageRef
		if err := rows.Scan(&ref.ID, &ref.MediaType); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan image ref: %w", err)
		}
		orphans = append(orphans, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: iterate image refs: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if _, err := tx.Exec(ctx, `DELETE FROM images WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete image refs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit delete: %w", err)
	}

	for _, ref := range orphans {
		path := cireilclaw.ImageFilePath(s.imagesDir, ref.ID, ref.MediaType)
		_ = os.Remove(path)
	}
	return nil
}

// --- Cron jobs ---

// SaveCronJob upserts a job row, preserving last_run across re-saves.
func (s *Store) SaveCronJob(ctx context.Context, row cireilclaw.CronJobRow) error {
	var configJSON any
	if row.Config.ID != "" {
		data, err := json.Marshal(row.Config)
		if err != nil {
			return fmt.Errorf("postgres: marshal job config: %w", err)
		}
		configJSON = string(data)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cron_jobs (job_id, type, config, last_run, next_run, status, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (job_id) DO UPDATE SET
		   type = EXCLUDED.type,
		   config = EXCLUDED.config,
		   next_run = EXCLUDED.next_run,
		   status = EXCLUDED.status,
		   retry_count = EXCLUDED.retry_count`,
		row.JobID, row.Type, configJSON, row.LastRun, row.NextRun,
		row.Status, row.RetryCount, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save cron job: %w", err)
	}
	return nil
}

// ListCronJobs returns every persisted job row.
func (s *Store) ListCronJobs(ctx context.Context) ([]cireilclaw.CronJobRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, type, config, last_run, next_run, status, retry_count, created_at
		 FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []cireilclaw.CronJobRow
	for rows.Next() {
		var row cireilclaw.CronJobRow
		var configJSON []byte
		if err := rows.Scan(&row.JobID, &row.Type, &configJSON, &row.LastRun, &row.NextRun,
			&row.Status, &row.RetryCount, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan cron job: %w", err)
		}
		if len(configJSON) > 0 {
			_ = json.Unmarshal(configJSON, &row.Config)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate cron jobs: %w", err)
	}
	return out, nil
}

// DeleteCronJob removes a job row. Unknown ids are not an error.
func (s *Store) DeleteCronJob(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cron_jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("postgres: delete cron job: %w", err)
	}
	return nil
}

// MarkCronRun updates a job's run bookkeeping after a firing.
func (s *Store) MarkCronRun(ctx context.Context, jobID string, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cron_jobs SET last_run = $1, next_run = $2 WHERE job_id = $3`,
		lastRun, nextRun, jobID)
	if err != nil {
		return fmt.Errorf("postgres: mark cron run: %w", err)
	}
	return nil
}
