package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Store is the SQLite-backed durable queue. It is safe for concurrent use.
type Store struct {
	db *sql.DB
	// wake receives a token on every successful Enqueue so an idle pool
	// claims without waiting for its poll tick.
	wake chan struct{}
	now  func() time.Time
}

// DefaultDBPath returns the default path for the queue database,
// ~/.ragstream/queue.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("queue: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragstream")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("queue: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "queue.db"), nil
}

// Open opens (or creates) a Store at path and runs the schema migration.
// Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, wake: make(chan struct{}, 1), now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT    PRIMARY KEY,
    request_id      TEXT    NOT NULL,
    name            TEXT    NOT NULL,
    payload_json    TEXT    NOT NULL,
    collection_name TEXT    NOT NULL,
    turn_id         TEXT    NOT NULL,
    state           TEXT    NOT NULL CHECK(state IN ('waiting','active','completed','failed')),
    inactive        INTEGER NOT NULL DEFAULT 0,
    run_after       INTEGER NOT NULL,  -- unix ms
    created_at      INTEGER NOT NULL,
    started_at      INTEGER NOT NULL DEFAULT 0,
    finished_at     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_run_after ON jobs (state, run_after);
CREATE INDEX IF NOT EXISTS idx_jobs_state_finished ON jobs (state, finished_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

// unavailable wraps a backend failure so callers can match ErrQueueUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("queue: %s: %w: %w", op, ErrQueueUnavailable, err)
}

// Enqueue admits job in the waiting state, claimable after delay. ID,
// RequestID and Name must be set. It returns the stored record.
func (s *Store) Enqueue(ctx context.Context, job Job, delay time.Duration) (Job, error) {
	if job.ID == "" || job.RequestID == "" || job.Name == "" {
		return Job{}, fmt.Errorf("queue: enqueue: id, request id and name are required")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue: enqueue %s: marshal payload: %w", job.ID, err)
	}

	now := s.now()
	job.State = StateWaiting
	job.Inactive = false
	job.CreatedAt = now
	job.RunAfter = now.Add(delay)
	job.StartedAt, job.FinishedAt, job.LastError = time.Time{}, time.Time{}, ""

	const q = `
INSERT INTO jobs (id, request_id, name, payload_json, collection_name, turn_id, state, run_after, created_at)
VALUES (?, ?, ?, ?, ?, ?, 'waiting', ?, ?)
ON CONFLICT(id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		job.ID, job.RequestID, string(job.Name), string(payload),
		job.Opts.CollectionName, job.Opts.TurnID,
		job.RunAfter.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Job{}, unavailable("enqueue "+job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, unavailable("enqueue "+job.ID, err)
	}
	if n == 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Wake returns a channel that receives after jobs are enqueued.
func (s *Store) Wake() <-chan struct{} {
	return s.wake
}

const jobColumns = `id, request_id, name, payload_json, collection_name, turn_id, state, inactive,
       run_after, created_at, started_at, finished_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                                     Job
		name, state, payload                  string
		inactive                              int
		runAfter, created, started, finished int64
	)
	err := r.Scan(&j.ID, &j.RequestID, &name, &payload, &j.Opts.CollectionName, &j.Opts.TurnID,
		&state, &inactive, &runAfter, &created, &started, &finished, &j.LastError)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}
	j.Name = Name(name)
	j.State = State(state)
	j.Inactive = inactive != 0
	j.RunAfter = time.UnixMilli(runAfter)
	j.CreatedAt = time.UnixMilli(created)
	if started > 0 {
		j.StartedAt = time.UnixMilli(started)
	}
	if finished > 0 {
		j.FinishedAt = time.UnixMilli(finished)
	}
	return &j, nil
}

// Claim moves the oldest due waiting job to active and returns it. It
// returns nil, nil when nothing is due.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("claim", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now().UnixMilli()
	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM   jobs
WHERE  state = 'waiting' AND run_after <= ?
ORDER  BY created_at ASC, rowid ASC
LIMIT  1`, now)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'active', started_at = ? WHERE id = ? AND state = 'waiting'`, now, job.ID)
	if err != nil {
		return nil, unavailable("claim "+job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("claim "+job.ID, err)
	}

	job.State = StateActive
	job.StartedAt = time.UnixMilli(now)
	return job, nil
}

// Complete marks an active job completed.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, StateCompleted, "")
}

// Fail marks an active job failed with msg.
func (s *Store) Fail(ctx context.Context, id, msg string) error {
	return s.finish(ctx, id, StateFailed, msg)
}

func (s *Store) finish(ctx context.Context, id string, state State, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, finished_at = ?, last_error = ? WHERE id = ?`,
		string(state), s.now().UnixMilli(), msg, id)
	if err != nil {
		return unavailable("finish "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Remove deletes a job in any state.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return unavailable("remove "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get "+id, err)
	}
	return job, nil
}

// ListByState returns all jobs in state, oldest first.
func (s *Store) ListByState(ctx context.Context, state State) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at ASC, rowid ASC`, string(state))
	if err != nil {
		return nil, unavailable("list "+string(state), err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, unavailable("list scan", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rows", err)
	}
	return jobs, nil
}

// FlagInactive marks a waiting, not yet flagged job inactive. It reports
// whether this call set the flag.
func (s *Store) FlagInactive(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET inactive = 1 WHERE id = ? AND state = 'waiting' AND inactive = 0`, id)
	if err != nil {
		return false, unavailable("flag "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("flag "+id, err)
	}
	return n == 1, nil
}

// RemoveFinishedBefore deletes jobs in state whose finish time is older
// than cutoff. It returns the number removed.
func (s *Store) RemoveFinishedBefore(ctx context.Context, state State, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state = ? AND finished_at > 0 AND finished_at < ?`,
		string(state), cutoff.UnixMilli())
	if err != nil {
		return 0, unavailable("reap "+string(state), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("reap "+string(state), err)
	}
	return n, nil
}

// Counts returns the number of jobs per state. States with no jobs are
// reported as zero.
func (s *Store) Counts(ctx context.Context) (map[State]int, error) {
	counts := map[State]int{StateWaiting: 0, StateActive: 0, StateCompleted: 0, StateFailed: 0}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, unavailable("counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, unavailable("counts scan", err)
		}
		counts[State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("counts rows", err)
	}
	return counts, nil
}

// RequeueActive returns jobs left active by a previous process to the
// waiting state. It runs once at startup, before the pool starts.
func (s *Store) RequeueActive(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = 'waiting', started_at = 0 WHERE state = 'active'`)
	if err != nil {
		return 0, unavailable("requeue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("requeue", err)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("queue: close: %w", err)
	}
	return nil
}
