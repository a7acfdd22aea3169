// Package sqlite implements cireilclaw.SessionStore on a per-agent SQLite
// file using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cireilclaw/cireilclaw"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cireilclaw.SessionStore backed by one SQLite file per
// agent. Image bytes never enter the database; they live as content-addressed
// files under imagesDir and the history JSON carries references.
type Store struct {
	db        *sql.DB
	imagesDir string
	logger    *slog.Logger
}

var _ cireilclaw.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store on the agent's database file. imagesDir is where
// content-addressed image bytes live, typically {agent_root}/images.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath, imagesDir string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, imagesDir: imagesDir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init enables WAL journaling and creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			meta TEXT,
			history TEXT NOT NULL,
			opened_files TEXT,
			last_activity INTEGER NOT NULL
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
			config TEXT,
			last_run INTEGER,
			next_run INTEGER,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_images_session ON images(session_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// --- Sessions ---

// SaveSession upserts one session row. Inline image contents are flushed to
// content-addressed files first; the row stores references plus one
// (id, session_id) entry per image for garbage collection.
func (s *Store) SaveSession(ctx context.Context, snap cireilclaw.SessionSnapshot) error {
	start := time.Now()
	s.logger.Debug("sqlite: save session", "id", snap.ID, "channel", snap.Channel, "messages", len(snap.History))

	history, refs, err := cireilclaw.ExternalizeHistory(snap.History, s.imagesDir)
	if err != nil {
		return fmt.Errorf("externalize history: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	metaJSON, err := json.Marshal(snap.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	filesJSON, err := json.Marshal(snap.OpenedFiles)
	if err != nil {
		return fmt.Errorf("marshal opened files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, channel, meta, history, opened_files, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, string(snap.Channel), string(metaJSON), string(historyJSON), string(filesJSON), snap.LastActivity,
	)
	if err != nil {
		s.logger.Error("sqlite: save session failed", "id", snap.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert session: %w", err)
	}
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO images (id, session_id, media_type) VALUES (?, ?, ?)`,
			ref.ID, snap.ID, ref.MediaType,
		); err != nil {
			return fmt.Errorf("insert image ref: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: save session commit failed", "id", snap.ID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("sqlite: save session ok", "id", snap.ID, "images", len(refs), "duration", time.Since(start))
	return nil
}

// LoadSessions returns every persisted session with image references
// rehydrated from disk. A session whose history no longer parses is skipped
// with a warning rather than failing the whole load.
func (s *Store) LoadSessions(ctx context.Context) ([]cireilclaw.SessionSnapshot, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load sessions")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, meta, history, opened_files, last_activity FROM sessions`)
	if err != nil {
		s.logger.Error("sqlite: load sessions failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var snaps []cireilclaw.SessionSnapshot
	for rows.Next() {
		var snap cireilclaw.SessionSnapshot
		var channel, historyJSON string
		var metaJSON, filesJSON sql.NullString
		if err := rows.Scan(&snap.ID, &channel, &metaJSON, &historyJSON, &filesJSON, &snap.LastActivity); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		snap.Channel = cireilclaw.ChannelKind(channel)
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &snap.Meta)
		}
		var history []cireilclaw.Message
		if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
			s.logger.Warn("sqlite: unreadable session history, skipping", "id", snap.ID, "error", err)
			continue
		}
		snap.History = cireilclaw.RehydrateHistory(history, s.imagesDir, s.logger)
		if filesJSON.Valid {
			_ = json.Unmarshal([]byte(filesJSON.String), &snap.OpenedFiles)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	s.logger.Debug("sqlite: load sessions ok", "count", len(snaps), "duration", time.Since(start))
	return snaps, nil
}

// DeleteSession removes a session and garbage-collects image files no other
// session references. File removal is best-effort and happens after the
// rows are gone.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete session", "id", id)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, media_type FROM images WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("list session images: %w", err)
	}
	var refs []cireilclaw.ImageRef
	for rows.Next() {
		var ref cireilclaw.ImageRef
		if err := rows.Scan(&ref.ID, &ref.MediaType); err != nil {
			rows.Close()
			return fmt.Errorf("scan image ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate image refs: %w", err)
	}
	rows.Close()

	var orphans []cireilclaw.ImageRef
	for _, ref := range refs {
		var others int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM images WHERE id = ? AND session_id <> ?`,
			ref.ID, id).Scan(&others)
		if err != nil {
			return fmt.Errorf("count image refs: %w", err)
		}
		if others == 0 {
			orphans = append(orphans, ref)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete image refs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	for _, ref := range orphans {
		path := cireilclaw.ImageFilePath(s.imagesDir, ref.ID, ref.MediaType)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("sqlite: remove orphaned image", "id", ref.ID, "error", err)
		}
	}

	s.logger.Debug("sqlite: delete session ok", "id", id, "orphaned_images", len(orphans), "duration", time.Since(start))
	return nil
}

// --- Cron jobs ---

// SaveCronJob upserts a job row. Rows mirroring config-file jobs carry no
// config payload (Config.ID empty); re-saving never clobbers last_run so
// bookkeeping survives restarts.
func (s *Store) SaveCronJob(ctx context.Context, row cireilclaw.CronJobRow) error {
	start := time.Now()
	s.logger.Debug("sqlite: save cron job", "job_id", row.JobID, "type", row.Type)

	var configJSON *string
	if row.Config.ID != "" {
		data, err := json.Marshal(row.Config)
		if err != nil {
			return fmt.Errorf("marshal job config: %w", err)
		}
		v := string(data)
		configJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (job_id, type, config, last_run, next_run, status, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   type = excluded.type,
		   config = excluded.config,
		   next_run = excluded.next_run,
		   status = excluded.status,
		   retry_count = excluded.retry_count`,
		row.JobID, row.Type, configJSON,
		unixOrNil(row.LastRun), unixOrNil(row.NextRun),
		row.Status, row.RetryCount, row.CreatedAt.Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: save cron job failed", "job_id", row.JobID, "error", err)
		return fmt.Errorf("save cron job: %w", err)
	}

	s.logger.Debug("sqlite: save cron job ok", "job_id", row.JobID, "duration", time.Since(start))
	return nil
}

// ListCronJobs returns every persisted job row. A row whose config payload
// no longer parses is kept with an empty config so its bookkeeping survives.
func (s *Store) ListCronJobs(ctx context.Context) ([]cireilclaw.CronJobRow, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list cron jobs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, type, config, last_run, next_run, status, retry_count, created_at
		 FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []cireilclaw.CronJobRow
	for rows.Next() {
		var row cireilclaw.CronJobRow
		var configJSON sql.NullString
		var lastRun, nextRun sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&row.JobID, &row.Type, &configJSON, &lastRun, &nextRun,
			&row.Status, &row.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		if configJSON.Valid {
			if err := json.Unmarshal([]byte(configJSON.String), &row.Config); err != nil {
				s.logger.Warn("sqlite: unreadable cron job config", "job_id", row.JobID, "error", err)
				row.Config = cireilclaw.CronJob{}
			}
		}
		if lastRun.Valid {
			t := time.Unix(lastRun.Int64, 0).UTC()
			row.LastRun = &t
		}
		if nextRun.Valid {
			t := time.Unix(nextRun.Int64, 0).UTC()
			row.NextRun = &t
		}
		row.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cron jobs: %w", err)
	}

	s.logger.Debug("sqlite: list cron jobs ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

// DeleteCronJob removes a job row. Deleting an unknown id is not an error.
func (s *Store) DeleteCronJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	s.logger.Debug("sqlite: delete cron job ok", "job_id", jobID)
	return nil
}

// MarkCronRun updates a job's run bookkeeping after a firing.
func (s *Store) MarkCronRun(ctx context.Context, jobID string, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET last_run = ?, next_run = ? WHERE job_id = ?`,
		lastRun.Unix(), unixOrNil(nextRun), jobID)
	if err != nil {
		return fmt.Errorf("mark cron run: %w", err)
	}
	s.logger.Debug("sqlite: mark cron run ok", "job_id", jobID)
	return nil
}

func unixOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}
