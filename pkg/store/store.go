// Package store is the Results Store: the durable record of every task
// attempt, ported from the original dist_test.py MySQL schema onto
// Postgres (pkg/jackc/pgx plus pkg/jmoiron/sqlx, migrated with
// pkg/pressly/goose, all pulled in from the wider example corpus since the
// teacher repo carries no SQL dependency of its own).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/gcesarano/swarmtest/pkg/blob"
	"github.com/gcesarano/swarmtest/pkg/logger"
	"github.com/gcesarano/swarmtest/pkg/task"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres via the pgx stdlib driver and wraps the
// resulting *sql.DB in sqlx for named-query convenience.
func Open(dsn string) (*sqlx.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return sqlx.NewDb(sqlDB, "pgx"), nil
}

// Migrate applies every pending migration embedded under migrations/.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Store is the Results Store named in spec.md §4.2: the authoritative record
// of every task attempt, plus the per-description EWMA duration table used
// for longest-first scheduling.
type Store struct {
	db   *sqlx.DB
	blob blob.Store
}

// NewStore wraps db with the Results Store API, uploading non-empty
// stdout/stderr/artifact payloads to blobStore on MarkFinished.
func NewStore(db *sqlx.DB, blobStore blob.Store) *Store {
	return &Store{db: db, blob: blobStore}
}

// withRetry wraps fn with the teacher's reconnect policy, generalized from
// its single-statement retries: a query is attempted up to 3 times in total
// on a connection-class error, with a short backoff between attempts.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isConnError(lastErr) || attempt == 3 {
			return lastErr
		}
		logger.Named("store").Warn().Err(lastErr).Int("attempt", attempt).Msg("retrying after connection error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return lastErr
}

func isConnError(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded)
}

// taskRow mirrors the swarm_tasks table layout.
type taskRow struct {
	JobID       string     `db:"job_id"`
	TaskID      string     `db:"task_id"`
	Attempt     int        `db:"attempt"`
	MaxRetries  int        `db:"max_retries"`
	Description string     `db:"description"`
	IsolateHash string     `db:"isolate_hash"`
	TimeoutSecs int        `db:"timeout_secs"`
	SubmitTS    time.Time  `db:"submit_ts"`
	StartTS     *time.Time `db:"start_ts"`
	Hostname    *string    `db:"hostname"`
	CompleteTS  *time.Time `db:"complete_ts"`
	OutputHash  *string    `db:"output_archive_hash"`
	StdoutAbbr  *string    `db:"stdout_abbrev"`
	StderrAbbr  *string    `db:"stderr_abbrev"`
	StdoutKey   *string    `db:"stdout_key"`
	StderrKey   *string    `db:"stderr_key"`
	ArtifactKey *string    `db:"artifact_archive_key"`
	Status      *int       `db:"status"`
}

func (r *taskRow) toTask() *task.Task {
	t := &task.Task{
		JobID:       r.JobID,
		TaskID:      r.TaskID,
		Attempt:     r.Attempt,
		MaxRetries:  r.MaxRetries,
		Description: r.Description,
		IsolateHash: r.IsolateHash,
		TimeoutSecs: r.TimeoutSecs,
		SubmitTS:    r.SubmitTS,
		StartTS:     r.StartTS,
		CompleteTS:  r.CompleteTS,
		Status:      r.Status,
	}
	if r.Hostname != nil {
		t.Hostname = *r.Hostname
	}
	if r.OutputHash != nil {
		t.OutputHash = *r.OutputHash
	}
	if r.StdoutAbbr != nil {
		t.StdoutAbbr = *r.StdoutAbbr
	}
	if r.StderrAbbr != nil {
		t.StderrAbbr = *r.StderrAbbr
	}
	if r.StdoutKey != nil {
		t.StdoutKey = *r.StdoutKey
	}
	if r.StderrKey != nil {
		t.StderrKey = *r.StderrKey
	}
	if r.ArtifactKey != nil {
		t.ArtifactKey = *r.ArtifactKey
	}
	return t
}

// RegisterTasks inserts one row per task of a freshly submitted job, in a
// single transaction so a job either registers in full or not at all
// (spec.md §4.2, scenario S1).
func (s *Store) RegisterTasks(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin: %w", err)
		}
		defer tx.Rollback()

		const insert = `
			INSERT INTO swarm_tasks
				(job_id, task_id, attempt, max_retries, description, isolate_hash, timeout_secs, submit_ts)
			VALUES
				(:job_id, :task_id, :attempt, :max_retries, :description, :isolate_hash, :timeout_secs, now())`
		for _, t := range tasks {
			row := taskRow{
				JobID:       t.JobID,
				TaskID:      t.TaskID,
				Attempt:     t.Attempt,
				MaxRetries:  t.MaxRetries,
				Description: t.Description,
				IsolateHash: t.IsolateHash,
				TimeoutSecs: t.TimeoutSecs,
			}
			if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
				return fmt.Errorf("store: register task %s: %w", t.ID(), err)
			}
		}
		return tx.Commit()
	})
}

// MarkRunning records that a slave has started executing t, guarded by a
// compare-and-swap on status so a task cancelled in the race between
// reserve and start never gets overwritten back to "running" (spec.md §8
// invariant 3, scenario S5).
func (s *Store) MarkRunning(ctx context.Context, t *task.Task, hostname string) (bool, error) {
	var ok bool
	err := withRetry(ctx, func() error {
		const q = `
			UPDATE swarm_tasks SET start_ts = now(), hostname = $1
			WHERE job_id = $2 AND task_id = $3 AND attempt = $4 AND status IS NULL`
		res, err := s.db.ExecContext(ctx, q, hostname, t.JobID, t.TaskID, t.Attempt)
		if err != nil {
			return fmt.Errorf("store: mark running %s: %w", t.ID(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	return ok, err
}

// CancelJob marks every unfinished task of jobID as canceled, used by the
// master's /cancel_job handler (spec.md §4.4).
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	return withRetry(ctx, func() error {
		const q = `
			UPDATE swarm_tasks SET status = $1, complete_ts = now()
			WHERE job_id = $2 AND status IS NULL`
		_, err := s.db.ExecContext(ctx, q, task.StatusCanceled, jobID)
		if err != nil {
			return fmt.Errorf("store: cancel job %s: %w", jobID, err)
		}
		return nil
	})
}

// FinishResult bundles the slave-reported outcome of a finished attempt.
type FinishResult struct {
	Status      int
	Stdout      []byte
	Stderr      []byte
	ArtifactZip []byte
	OutputHash  string
	DurationSec float64
}

const abbrevLen = 100

func abbreviate(b []byte) string {
	if len(b) <= abbrevLen {
		return string(b)
	}
	return string(b[:abbrevLen])
}

// MarkFinished records the terminal outcome of an attempt: it uploads any
// non-empty stdout/stderr/artifact payload to the blob store first, then
// updates the row, then folds the observed duration into the per-description
// EWMA used for longest-first scheduling (spec.md §4.2, §3 duration memory).
func (s *Store) MarkFinished(ctx context.Context, t *task.Task, r FinishResult) error {
	id := t.ID()
	var stdoutKey, stderrKey, artifactKey string

	if len(r.Stdout) > 0 {
		stdoutKey = id + ".stdout"
		if err := s.blob.Put(ctx, stdoutKey, r.Stdout); err != nil {
			return fmt.Errorf("store: upload stdout for %s: %w", id, err)
		}
	}
	if len(r.Stderr) > 0 {
		stderrKey = id + ".stderr"
		if err := s.blob.Put(ctx, stderrKey, r.Stderr); err != nil {
			return fmt.Errorf("store: upload stderr for %s: %w", id, err)
		}
	}
	if len(r.ArtifactZip) > 0 {
		artifactKey = id + ".artifacts.zip"
		if err := s.blob.Put(ctx, artifactKey, r.ArtifactZip); err != nil {
			return fmt.Errorf("store: upload artifacts for %s: %w", id, err)
		}
	}

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin: %w", err)
		}
		defer tx.Rollback()

		// "status IS NULL" guards against the cancel-wins race (spec.md §8
		// invariant 3, Open Question resolved in DESIGN.md): if the row was
		// already cancelled between reserve and this slave finishing, the
		// result is dropped rather than overwriting the cancellation.
		const updateTask = `
			UPDATE swarm_tasks SET
				complete_ts = now(), status = $1,
				stdout_abbrev = $2, stderr_abbrev = $3,
				stdout_key = $4, stderr_key = $5, artifact_archive_key = $6,
				output_archive_hash = $7
			WHERE job_id = $8 AND task_id = $9 AND attempt = $10 AND status IS NULL`
		res, err := tx.ExecContext(ctx, updateTask,
			r.Status, abbreviate(r.Stdout), abbreviate(r.Stderr),
			nullIfEmpty(stdoutKey), nullIfEmpty(stderrKey), nullIfEmpty(artifactKey),
			nullIfEmpty(r.OutputHash),
			t.JobID, t.TaskID, t.Attempt)
		if err != nil {
			return fmt.Errorf("store: update task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Row was cancelled out from under this attempt; drop the
			// result and skip the duration upsert.
			return tx.Commit()
		}

		// EWMA upsert: duration_secs = duration_secs*0.7 + observed*0.3 on
		// conflict, matching the teacher's ON DUPLICATE KEY UPDATE formula
		// (pkg/task's UpdateEWMA applies the same constants
		// in-memory for callers that keep a warm cache).
		const upsertDuration = `
			INSERT INTO swarm_durations (description, task_id, duration_secs)
			VALUES ($1, $2, $3)
			ON CONFLICT (description) DO UPDATE SET
				task_id = excluded.task_id,
				duration_secs = swarm_durations.duration_secs * 0.7 + excluded.duration_secs * 0.3`
		if _, err := tx.ExecContext(ctx, upsertDuration, t.Description, t.TaskID, r.DurationSec); err != nil {
			return fmt.Errorf("store: upsert duration for %s: %w", t.Description, err)
		}

		return tx.Commit()
	})
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// FetchTaskRowsForJob returns every attempt recorded for jobID, ordered by
// (task_id, attempt), used by the master's /job_status and /tasks handlers.
func (s *Store) FetchTaskRowsForJob(ctx context.Context, jobID string) ([]*task.Task, error) {
	var rows []taskRow
	err := withRetry(ctx, func() error {
		const q = `SELECT * FROM swarm_tasks WHERE job_id = $1 ORDER BY task_id, attempt`
		return s.db.SelectContext(ctx, &rows, q, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("store: fetch tasks for job %s: %w", jobID, err)
	}
	out := make([]*task.Task, len(rows))
	for i := range rows {
		out[i] = rows[i].toTask()
	}
	return out, nil
}

// FetchTask returns a single attempt, or a not-found error when no row
// matches (jobID, taskID, attempt).
func (s *Store) FetchTask(ctx context.Context, jobID, taskID string, attempt int) (*task.Task, error) {
	var row taskRow
	err := withRetry(ctx, func() error {
		const q = `
			SELECT * FROM swarm_tasks
			WHERE job_id = $1 AND task_id = $2 AND attempt = $3`
		return s.db.GetContext(ctx, &row, q, jobID, taskID, attempt)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: task %s.%s.%d not found", jobID, taskID, attempt)
		}
		return nil, fmt.Errorf("store: fetch task %s.%s.%d: %w", jobID, taskID, attempt, err)
	}
	return row.toTask(), nil
}

// JobSummary is one row of the master's job listing: a job id, its earliest
// submit time, and how many task rows it has registered.
type JobSummary struct {
	JobID     string    `db:"job_id"`
	SubmitTS  time.Time `db:"submit_ts"`
	TaskCount int       `db:"task_count"`
}

// FetchRecentJobRows lists jobs submitted in the last 24 hours, newest
// first, for the master's "/" dashboard.
func (s *Store) FetchRecentJobRows(ctx context.Context) ([]JobSummary, error) {
	var rows []JobSummary
	err := withRetry(ctx, func() error {
		const q = `
			SELECT job_id, min(submit_ts) AS submit_ts, count(*) AS task_count
			FROM swarm_tasks
			WHERE submit_ts > now() - interval '1 day'
			GROUP BY job_id
			ORDER BY submit_ts DESC`
		return s.db.SelectContext(ctx, &rows, q)
	})
	if err != nil {
		return nil, fmt.Errorf("store: fetch recent jobs: %w", err)
	}
	return rows, nil
}

// FetchRecentTaskDurations returns the remembered EWMA duration for each of
// descriptions, keyed by description, used by the master to order a fresh
// job's tasks longest-first (spec.md §3).
func (s *Store) FetchRecentTaskDurations(ctx context.Context, descriptions []string) (map[string]float64, error) {
	out := make(map[string]float64, len(descriptions))
	if len(descriptions) == 0 {
		return out, nil
	}
	type durationRow struct {
		Description string  `db:"description"`
		DurationSec float64 `db:"duration_secs"`
	}
	var rows []durationRow
	err := withRetry(ctx, func() error {
		const q = `SELECT description, duration_secs FROM swarm_durations WHERE description = ANY($1)`
		return s.db.SelectContext(ctx, &rows, q, descriptions)
	})
	if err != nil {
		return nil, fmt.Errorf("store: fetch durations: %w", err)
	}
	for _, r := range rows {
		out[r.Description] = r.DurationSec
	}
	return out, nil
}

// GenerateBlobLink delegates to the configured blob store, used by the
// master's /tasks response to hand clients downloadable log and artifact
// links.
func (s *Store) GenerateBlobLink(key string) (string, error) {
	if key == "" {
		return "", nil
	}
	return s.blob.GenerateLink(key, blob.DefaultLinkTTL)
}
