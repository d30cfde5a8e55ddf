// Package queue is a durable dispatch job queue on top of the sqlite store.
//
// Claims ride the store's single writer connection, so two workers can never
// claim the same row. Delivery is at-least-once: jobs claimed by a crashed
// worker are returned to waiting by the janitor once their visibility timeout
// lapses, and the message layer absorbs the resulting duplicates.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreachd/internal/domain"
	logx "outreachd/pkg/logx"
)

var ErrNotFound = errors.New("job not found")

// Config tunes queue behavior. Zero values fall back to the documented
// defaults.
type Config struct {
	// PollInterval is how often workers poll for work when idle and how
	// often the janitor scans for stale claims. Default 500ms.
	PollInterval time.Duration
	// VisibilityTimeout is how long a claimed job may stay active before
	// the janitor assumes the worker died. Default 2m.
	VisibilityTimeout time.Duration
	// RetryMax is the per-job attempt cap. Default 3.
	RetryMax int
	// RetryBase seeds the exponential retry delay. Default 2s.
	RetryBase time.Duration
	// RetryMaxDelay caps the retry delay. Default 5m.
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

// Stats is a point-in-time census of job states. Delayed counts waiting jobs
// whose run time has not arrived yet.
type Stats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

type Queue struct {
	db  *sql.DB
	cfg Config
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	paused map[domain.Channel]bool

	wake chan struct{}
}

func New(db *sql.DB, cfg Config, log logx.Logger) *Queue {
	return &Queue{
		db:     db,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
		paused: make(map[domain.Channel]bool),
		wake:   make(chan struct{}, 1),
	}
}

// SetNow overrides the clock for tests.
func (q *Queue) SetNow(fn func() time.Time) { q.now = fn }

// PollInterval exposes the effective idle poll cadence for workers.
func (q *Queue) PollInterval() time.Duration { return q.cfg.PollInterval }

// Wakeup signals (coalesced) whenever new work becomes runnable.
func (q *Queue) Wakeup() <-chan struct{} { return q.wake }

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists a job. A zero ScheduledFor means runnable immediately;
// MaxAttempts defaults to the configured retry cap.
func (q *Queue) Enqueue(ctx context.Context, job *domain.DispatchJob) error {
	if job.CampaignID == "" || job.ContactID == "" {
		return errors.New("job requires campaign and contact ids")
	}
	if !job.Channel.Valid() {
		return fmt.Errorf("invalid channel %v", job.Channel)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.RetryMax
	}
	now := q.now()
	job.State = domain.JobWaiting
	job.CreatedAt = now
	job.UpdatedAt = now
	runAt := job.ScheduledFor
	if runAt.IsZero() {
		runAt = now
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs(id, campaign_id, contact_id, channel, step, content,
		     priority, attempts, max_attempts, state, run_at, claimed_at, last_error,
		     created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,0,?,'waiting',?,0,'',?,?)`,
		job.ID, job.CampaignID, job.ContactID, int(job.Channel), job.Step, job.Content,
		job.Priority, job.MaxAttempts, runAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if !runAt.After(now) {
		q.notify()
	}
	return nil
}

const jobCols = `id, campaign_id, contact_id, channel, step, content,
	priority, attempts, max_attempts, state, run_at, claimed_at, last_error,
	created_at, updated_at`

// Claim atomically takes the highest-priority runnable job for the channel.
// It returns (nil, nil) when nothing is runnable or the channel is paused.
func (q *Queue) Claim(ctx context.Context, ch domain.Channel) (*domain.DispatchJob, error) {
	if q.ChannelPaused(ch) {
		return nil, nil
	}
	now := q.now()
	row := q.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = 'active', attempts = attempts + 1,
		     claimed_at = ?, updated_at = ?
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE channel = ? AND state = 'waiting' AND run_at <= ?
		     ORDER BY priority DESC, run_at ASC, created_at ASC
		     LIMIT 1
		 )
		 RETURNING `+jobCols,
		now.UnixMilli(), now.UnixMilli(), int(ch), now.UnixMilli(),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Ack marks a claimed job completed.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.exec(ctx,
		`UPDATE jobs SET state = 'completed', updated_at = ? WHERE id = ? AND state = 'active'`,
		q.now().UnixMilli(), id)
}

// Fail records a failed attempt. Retryable failures go back to waiting with
// an exponential delay (or the provider's retry-after hint when longer);
// non-retryable failures and exhausted attempt caps park the job as failed.
func (q *Queue) Fail(ctx context.Context, id string, cause string, retryable bool, retryAfter time.Duration) error {
	job, err := q.Job(ctx, id)
	if err != nil {
		return err
	}
	now := q.now()
	if !retryable || job.Attempts >= job.MaxAttempts {
		return q.exec(ctx,
			`UPDATE jobs SET state = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			cause, now.UnixMilli(), id)
	}
	delay := q.backoff(job.Attempts)
	if retryAfter > delay {
		delay = retryAfter
	}
	err = q.exec(ctx,
		`UPDATE jobs SET state = 'waiting', run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		now.Add(delay).UnixMilli(), cause, now.UnixMilli(), id)
	if err == nil {
		q.log.Debug("job retry scheduled",
			logx.String("job", id),
			logx.Int("attempt", job.Attempts),
			logx.Duration("delay", delay))
	}
	return err
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.RetryMaxDelay {
			return q.cfg.RetryMaxDelay
		}
	}
	if d > q.cfg.RetryMaxDelay {
		d = q.cfg.RetryMaxDelay
	}
	return d
}

// Release returns a claimed job to waiting after delay without charging an
// attempt. Used when the worker could not even try the send (rate cap hit,
// channel disconnected, campaign paused).
func (q *Queue) Release(ctx context.Context, id string, delay time.Duration) error {
	now := q.now()
	return q.exec(ctx,
		`UPDATE jobs SET state = 'waiting', attempts = attempts - 1,
		     run_at = ?, claimed_at = 0, updated_at = ?
		 WHERE id = ? AND state = 'active'`,
		now.Add(delay).UnixMilli(), now.UnixMilli(), id)
}

// Job fetches one job by id.
func (q *Queue) Job(ctx context.Context, id string) (*domain.DispatchJob, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// Retry returns a terminally failed job to waiting with a fresh attempt
// budget. Operator-facing.
func (q *Queue) Retry(ctx context.Context, id string) error {
	now := q.now()
	err := q.exec(ctx,
		`UPDATE jobs SET state = 'waiting', attempts = 0, run_at = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND state = 'failed'`,
		now.UnixMilli(), now.UnixMilli(), id)
	if err == nil {
		q.notify()
	}
	return err
}

// RequeueStale returns active jobs whose visibility timeout has lapsed to
// waiting (or failed, when the claim already burned the last attempt).
func (q *Queue) RequeueStale(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-q.cfg.VisibilityTimeout).UnixMilli()
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET
		     state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'waiting' END,
		     last_error = CASE WHEN attempts >= max_attempts THEN 'visibility timeout' ELSE last_error END,
		     updated_at = ?
		 WHERE state = 'active' AND claimed_at > 0 AND claimed_at <= ?`,
		now, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Warn("requeued stale jobs", logx.Int64("count", n))
		q.notify()
	}
	return n, nil
}

// Run drives the janitor until ctx is done. Started under the supervisor.
func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(q.cfg.VisibilityTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := q.RequeueStale(ctx); err != nil && ctx.Err() == nil {
				q.log.Error("janitor scan failed", logx.Err(err))
			}
		}
	}
}

// Stats counts jobs per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	now := q.now().UnixMilli()
	rows, err := q.db.QueryContext(ctx,
		`SELECT state, COUNT(*), SUM(CASE WHEN state = 'waiting' AND run_at > ? THEN 1 ELSE 0 END)
		 FROM jobs GROUP BY state`, now)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state   string
			count   int64
			delayed sql.NullInt64
		)
		if err := rows.Scan(&state, &count, &delayed); err != nil {
			return st, err
		}
		switch domain.JobState(state) {
		case domain.JobWaiting:
			st.Waiting = count
			st.Delayed = delayed.Int64
		case domain.JobActive:
			st.Active = count
		case domain.JobCompleted:
			st.Completed = count
		case domain.JobFailed:
			st.Failed = count
		}
	}
	return st, rows.Err()
}

// Clean deletes jobs in the given states older than age. Empty states clean
// completed and failed.
func (q *Queue) Clean(ctx context.Context, age time.Duration, states ...domain.JobState) (int64, error) {
	if len(states) == 0 {
		states = []domain.JobState{domain.JobCompleted, domain.JobFailed}
	}
	ph := make([]string, 0, len(states))
	args := []any{q.now().Add(-age).UnixMilli()}
	for _, s := range states {
		ph = append(ph, "?")
		args = append(args, string(s))
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE updated_at <= ? AND state IN (`+strings.Join(ph, ",")+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PauseChannel stops Claim from handing out jobs for the channel. Jobs keep
// accumulating as waiting.
func (q *Queue) PauseChannel(ch domain.Channel) {
	q.mu.Lock()
	q.paused[ch] = true
	q.mu.Unlock()
}

func (q *Queue) ResumeChannel(ch domain.Channel) {
	q.mu.Lock()
	delete(q.paused, ch)
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) ChannelPaused(ch domain.Channel) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[ch]
}

func (q *Queue) exec(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*domain.DispatchJob, error) {
	var (
		j                                      domain.DispatchJob
		channel                                int
		state                                  string
		runAt, claimedAt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.ContactID, &channel, &j.Step, &j.Content,
		&j.Priority, &j.Attempts, &j.MaxAttempts, &state, &runAt, &claimedAt, &j.LastError,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Channel = domain.Channel(channel)
	j.State = domain.JobState(state)
	j.ScheduledFor = time.UnixMilli(runAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return &j, nil
}
