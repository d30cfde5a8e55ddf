package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"outreachd/internal/domain"
	logx "outreachd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the sqlite database at cfg.Path and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes queue claims.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the shared handle so the job queue can ride the same single
// writer connection.
func (s *sqliteStore) DB() *sql.DB { return s.db }

// ms maps time to the stored representation; zero times persist as 0.
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// --- campaigns ---

const campaignCols = `id, owner_id, name, channel, type, status,
	start_at, end_at, window_from, window_to, working_days, daily_cap, interval, steps,
	stat_sent, stat_delivered, stat_read, stat_replied, stat_failed,
	started_at, completed_at, last_run_at, last_error, created_at, updated_at`

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	type stepRow struct {
		Index   int    `json:"index"`
		Body    string `json:"body"`
		DelayMS int64  `json:"delay_ms"`
	}
	steps := make([]stepRow, 0, len(c.Steps))
	for _, st := range c.Steps {
		steps = append(steps, stepRow{Index: st.Index, Body: st.Body, DelayMS: st.Delay.Milliseconds()})
	}
	days := make([]int, 0, len(c.Schedule.WorkingDays))
	for _, d := range c.Schedule.WorkingDays {
		days = append(days, int(d))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+campaignCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.Name, int(c.Channel), c.Type.String(), string(c.Status),
		ms(c.Schedule.StartAt), ms(c.Schedule.EndAt), c.Schedule.WindowFrom, c.Schedule.WindowTo,
		marshalJSON(days), c.Schedule.DailyCap, string(c.Schedule.Interval), marshalJSON(steps),
		c.Stats.Sent, c.Stats.Delivered, c.Stats.Read, c.Stats.Replied, c.Stats.Failed,
		ms(c.StartedAt), ms(c.CompletedAt), ms(c.LastRunAt), c.LastError,
		ms(c.CreatedAt), ms(c.UpdatedAt),
	)
	return err
}

func scanCampaign(row interface{ Scan(...any) error }) (*domain.Campaign, error) {
	var (
		c                                                    domain.Campaign
		channel                                              int
		typ, status, daysJSON, stepsJSON, interval           string
		startAt, endAt, startedAt, completedAt, lastRunAt    int64
		createdAt, updatedAt                                 int64
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Name, &channel, &typ, &status,
		&startAt, &endAt, &c.Schedule.WindowFrom, &c.Schedule.WindowTo,
		&daysJSON, &c.Schedule.DailyCap, &interval, &stepsJSON,
		&c.Stats.Sent, &c.Stats.Delivered, &c.Stats.Read, &c.Stats.Replied, &c.Stats.Failed,
		&startedAt, &completedAt, &lastRunAt, &c.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Channel = domain.Channel(channel)
	if t, perr := domain.ParseCampaignType(typ); perr == nil {
		c.Type = t
	}
	c.Status = domain.CampaignStatus(status)
	c.Schedule.StartAt = fromMS(startAt)
	c.Schedule.EndAt = fromMS(endAt)
	c.Schedule.Interval = domain.RecurringInterval(interval)
	var days []int
	if json.Unmarshal([]byte(daysJSON), &days) == nil {
		for _, d := range days {
			c.Schedule.WorkingDays = append(c.Schedule.WorkingDays, time.Weekday(d))
		}
	}
	var steps []struct {
		Index   int    `json:"index"`
		Body    string `json:"body"`
		DelayMS int64  `json:"delay_ms"`
	}
	if json.Unmarshal([]byte(stepsJSON), &steps) == nil {
		for _, st := range steps {
			c.Steps = append(c.Steps, domain.TemplateStep{
				Index: st.Index, Body: st.Body, Delay: time.Duration(st.DelayMS) * time.Millisecond,
			})
		}
	}
	c.StartedAt = fromMS(startedAt)
	c.CompletedAt = fromMS(completedAt)
	c.LastRunAt = fromMS(lastRunAt)
	c.CreatedAt = fromMS(createdAt)
	c.UpdatedAt = fromMS(updatedAt)
	return &c, nil
}

func (s *sqliteStore) Campaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) queryCampaigns(ctx context.Context, where string, args ...any) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueScheduled(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	return s.queryCampaigns(ctx,
		`status = ? AND start_at > 0 AND start_at <= ? ORDER BY start_at`,
		string(domain.CampaignScheduled), now.UnixMilli())
}

func (s *sqliteStore) ActiveByType(ctx context.Context, t domain.CampaignType) ([]domain.Campaign, error) {
	return s.queryCampaigns(ctx,
		`status = ? AND type = ? ORDER BY created_at`,
		string(domain.CampaignActive), t.String())
}

func (s *sqliteStore) Transition(ctx context.Context, id string, to domain.CampaignStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	from := domain.CampaignStatus(cur)
	if !from.CanTransition(to) {
		return fmt.Errorf("campaign %s: illegal transition %s -> %s", id, from, to)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UnixMilli(), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkStarted(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE campaigns SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		string(domain.CampaignActive), ms(at), time.Now().UnixMilli(), id)
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE campaigns SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(domain.CampaignCompleted), ms(at), time.Now().UnixMilli(), id)
}

func (s *sqliteStore) MarkCampaignFailed(ctx context.Context, id, reason string) error {
	return s.execOne(ctx,
		`UPDATE campaigns SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(domain.CampaignFailed), reason, time.Now().UnixMilli(), id)
}

func (s *sqliteStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE campaigns SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		ms(at), time.Now().UnixMilli(), id)
}

func (s *sqliteStore) IncrementStat(ctx context.Context, campaignID string, stat Stat) error {
	col := ""
	switch stat {
	case StatSent:
		col = "stat_sent"
	case StatDelivered:
		col = "stat_delivered"
	case StatRead:
		col = "stat_read"
	case StatReplied:
		col = "stat_replied"
	case StatFailed:
		col = "stat_failed"
	default:
		return fmt.Errorf("unknown stat %q", stat)
	}
	return s.execOne(ctx,
		`UPDATE campaigns SET `+col+` = `+col+` + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), campaignID)
}

func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- contacts ---

func (s *sqliteStore) CreateContact(ctx context.Context, c *domain.Contact) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(id, owner_id, first_name, last_name, company, city, state, country,
		 phone, email, linkedin, opted_out, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.FirstName, c.LastName, c.Company, c.City, c.State, c.Country,
		c.Phone, c.Email, c.LinkedIn, marshalJSON(c.OptedOut), now, now,
	)
	return err
}

func (s *sqliteStore) Contact(ctx context.Context, id string) (*domain.Contact, error) {
	var (
		c       domain.Contact
		optJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, first_name, last_name, company, city, state, country,
		 phone, email, linkedin, opted_out FROM contacts WHERE id = ?`, id).Scan(
		&c.ID, &c.OwnerID, &c.FirstName, &c.LastName, &c.Company, &c.City, &c.State, &c.Country,
		&c.Phone, &c.Email, &c.LinkedIn, &optJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(optJSON), &c.OptedOut)
	return &c, nil
}

func (s *sqliteStore) Enroll(ctx context.Context, campaignID, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments(campaign_id, contact_id, step_index, last_sent_at, created_at)
		 VALUES(?,?,0,0,?) ON CONFLICT(campaign_id, contact_id) DO NOTHING`,
		campaignID, contactID, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Enrollments(ctx context.Context, campaignID string) ([]domain.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.owner_id, c.first_name, c.last_name, c.company, c.city, c.state, c.country,
		        c.phone, c.email, c.linkedin, c.opted_out, e.step_index, e.last_sent_at
		 FROM enrollments e JOIN contacts c ON c.id = e.contact_id
		 WHERE e.campaign_id = ? ORDER BY e.created_at`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Enrollment
	for rows.Next() {
		var (
			en       domain.Enrollment
			optJSON  string
			lastSent int64
		)
		c := &en.Contact
		if err := rows.Scan(
			&c.ID, &c.OwnerID, &c.FirstName, &c.LastName, &c.Company, &c.City, &c.State, &c.Country,
			&c.Phone, &c.Email, &c.LinkedIn, &optJSON, &en.Cursor.StepIndex, &lastSent,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(optJSON), &c.OptedOut)
		en.Cursor.CampaignID = campaignID
		en.Cursor.ContactID = c.ID
		en.Cursor.LastSentAt = fromMS(lastSent)
		out = append(out, en)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AdvanceCursor(ctx context.Context, campaignID, contactID string, stepIndex int, sentAt time.Time) error {
	// Guarded so a duplicate tick never rewinds or double-advances the cursor.
	return s.execOne(ctx,
		`UPDATE enrollments SET step_index = ?, last_sent_at = ?
		 WHERE campaign_id = ? AND contact_id = ? AND step_index = ?`,
		stepIndex+1, ms(sentAt), campaignID, contactID, stepIndex)
}

// --- messages ---

func (s *sqliteStore) MarkMessageSent(ctx context.Context, m *domain.Message) (bool, error) {
	now := time.Now().UnixMilli()
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	// The conditional upsert absorbs at-least-once job redelivery: once a row
	// reached a sent state it never regresses, and RowsAffected tells the
	// caller whether this attempt actually recorded the send.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, campaign_id, contact_id, step, channel, content, status,
		     provider_id, fail_reason, cost, sent_at, failed_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,'',?,?,0,?,?)
		 ON CONFLICT(campaign_id, contact_id, step) DO UPDATE SET
		     status = excluded.status,
		     content = excluded.content,
		     provider_id = excluded.provider_id,
		     fail_reason = '',
		     cost = excluded.cost,
		     sent_at = excluded.sent_at,
		     updated_at = excluded.updated_at
		 WHERE messages.status NOT IN ('sent','delivered','read')`,
		m.ID, m.CampaignID, m.ContactID, m.Step, int(m.Channel), m.Content,
		string(domain.MessageSent), m.ProviderID, m.Cost, ms(m.SentAt), now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) MarkMessageFailed(ctx context.Context, m *domain.Message) error {
	now := time.Now().UnixMilli()
	if m.FailedAt.IsZero() {
		m.FailedAt = time.Now()
	}
	status := m.Status
	if status != domain.MessageBounced {
		status = domain.MessageFailed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, campaign_id, contact_id, step, channel, content, status,
		     provider_id, fail_reason, cost, sent_at, failed_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,'',?,0,0,?,?,?)
		 ON CONFLICT(campaign_id, contact_id, step) DO UPDATE SET
		     status = excluded.status,
		     fail_reason = excluded.fail_reason,
		     failed_at = excluded.failed_at,
		     updated_at = excluded.updated_at
		 WHERE messages.status NOT IN ('sent','delivered','read')`,
		m.ID, m.CampaignID, m.ContactID, m.Step, int(m.Channel), m.Content,
		string(status), m.FailReason, ms(m.FailedAt), now, now,
	)
	return err
}

func (s *sqliteStore) ApplyReceipt(ctx context.Context, providerID string, status domain.MessageStatus, at time.Time) (bool, error) {
	if providerID == "" {
		return false, errors.New("provider id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var (
		id, campaignID, cur string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, campaign_id, status FROM messages WHERE provider_id = ?`, providerID).
		Scan(&id, &campaignID, &cur)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !domain.MessageStatus(cur).Advances(status) {
		// Stale or duplicate receipt; out-of-order delivery is common with
		// provider webhooks.
		return false, nil
	}

	set := `status = ?, updated_at = ?`
	args := []any{string(status), time.Now().UnixMilli()}
	switch status {
	case domain.MessageDelivered:
		set += `, delivered_at = ?`
		args = append(args, ms(at))
	case domain.MessageRead:
		set += `, read_at = ?`
		args = append(args, ms(at))
	case domain.MessageFailed, domain.MessageBounced:
		set += `, failed_at = ?`
		args = append(args, ms(at))
	}
	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET `+set+` WHERE id = ?`, args...); err != nil {
		return false, err
	}

	var col string
	switch status {
	case domain.MessageDelivered:
		col = "stat_delivered"
	case domain.MessageRead:
		col = "stat_read"
	case domain.MessageFailed, domain.MessageBounced:
		col = "stat_failed"
	}
	if col != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE campaigns SET `+col+` = `+col+` + 1, updated_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), campaignID); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Messages(ctx context.Context, campaignID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, contact_id, step, channel, content, status,
		        provider_id, fail_reason, cost, sent_at, delivered_at, read_at, failed_at,
		        created_at, updated_at
		 FROM messages WHERE campaign_id = ? ORDER BY created_at`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var (
			m                                                      domain.Message
			channel                                                int
			status                                                 string
			sentAt, deliveredAt, readAt, failedAt, createdAt, updatedAt int64
		)
		if err := rows.Scan(
			&m.ID, &m.CampaignID, &m.ContactID, &m.Step, &channel, &m.Content, &status,
			&m.ProviderID, &m.FailReason, &m.Cost, &sentAt, &deliveredAt, &readAt, &failedAt,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		m.Channel = domain.Channel(channel)
		m.Status = domain.MessageStatus(status)
		m.SentAt = fromMS(sentAt)
		m.DeliveredAt = fromMS(deliveredAt)
		m.ReadAt = fromMS(readAt)
		m.FailedAt = fromMS(failedAt)
		m.CreatedAt = fromMS(createdAt)
		m.UpdatedAt = fromMS(updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
