package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the concrete, file-backed Store implementation. Its
// methods take a context so callers driven by an inbound mail's
// processing deadline (control, dispatch, bounce) can cancel a long
// query, but every statement is still a single round trip — SQLite
// serializes writes itself, so there is no connection pool tuning to
// do beyond what database/sql already provides.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite-backed Store at dbPath, running
// migrations if the schema is not yet present.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// OpenWithDB wraps an already-open database connection, running
// migrations against it. Used by tests to point a SQLiteStore at a
// sqlmock-backed *sql.DB instead of a real file.
func OpenWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packages (
		name       TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS email_users (
		email      TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		package       TEXT NOT NULL,
		user          TEXT NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1,
		keywords_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (package, user)
	);

	CREATE TABLE IF NOT EXISTS teams (
		slug   TEXT PRIMARY KEY,
		owner  TEXT NOT NULL,
		public INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS team_members (
		slug TEXT NOT NULL,
		user TEXT NOT NULL,
		PRIMARY KEY (slug, user)
	);

	CREATE TABLE IF NOT EXISTS bounce_records (
		user          TEXT NOT NULL,
		date          TEXT NOT NULL,
		sent_count    INTEGER NOT NULL DEFAULT 0,
		bounced_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user, date)
	);

	CREATE TABLE IF NOT EXISTS unsubscribe_notifications (
		user       TEXT PRIMARY KEY,
		notified_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS running_jobs (
		id               TEXT PRIMARY KEY,
		initial_task     TEXT NOT NULL,
		parameters_json  TEXT NOT NULL,
		events_json      TEXT NOT NULL,
		processed_json   TEXT NOT NULL,
		finished         INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user);
	CREATE INDEX IF NOT EXISTS idx_bounce_records_user ON bounce_records(user);
	CREATE INDEX IF NOT EXISTS idx_running_jobs_finished ON running_jobs(finished);
	`
	_, err := s.db.Exec(schema)
	return err
}

const dayFormat = "2006-01-02"

func (s *SQLiteStore) GetPackage(ctx context.Context, name string) (*Package, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM packages WHERE name = ?`, name).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get package %q: %w", name, err)
	}
	t, _ := time.Parse(time.RFC3339, createdAt)
	return &Package{Name: name, CreatedAt: t}, nil
}

func (s *SQLiteStore) EnsurePackage(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO packages (name, created_at) VALUES (?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storage: ensure package %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) EnsureEmailUser(ctx context.Context, email string) (*EmailUser, error) {
	email = strings.ToLower(email)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_users (email, created_at) VALUES (?, ?)
		 ON CONFLICT (email) DO NOTHING`,
		email, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("storage: ensure email user %q: %w", email, err)
	}
	return &EmailUser{Email: email}, nil
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, pkg, user string) (*Subscription, error) {
	user = strings.ToLower(user)
	var active int
	var keywordsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT active, keywords_json FROM subscriptions WHERE package = ? AND user = ?`,
		pkg, user,
	).Scan(&active, &keywordsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get subscription %q/%q: %w", pkg, user, err)
	}
	var keywords []string
	if err := json.Unmarshal([]byte(keywordsJSON), &keywords); err != nil {
		return nil, fmt.Errorf("storage: unmarshal keywords for %q/%q: %w", pkg, user, err)
	}
	return &Subscription{Package: pkg, User: user, Active: active == 1, Keywords: keywords}, nil
}

// Subscribe creates or reactivates the (pkg, user) subscription with
// the given allowed keywords. Calling it again for an already-active
// subscription is a no-op on the membership itself but replaces the
// keyword set, matching the control processor's idempotent-handle
// contract (re-running "subscribe pkg kw" adds kw rather than erroring).
func (s *SQLiteStore) Subscribe(ctx context.Context, pkg, user string, keywords []string) error {
	user = strings.ToLower(user)
	sorted := append([]string(nil), keywords...)
	sort.Strings(sorted)
	keywordsJSON, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("storage: marshal keywords: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (package, user, active, keywords_json) VALUES (?, ?, 1, ?)
		 ON CONFLICT (package, user) DO UPDATE
		 SET active = 1, keywords_json = excluded.keywords_json`,
		pkg, user, string(keywordsJSON))
	if err != nil {
		return fmt.Errorf("storage: subscribe %q/%q: %w", pkg, user, err)
	}
	return nil
}

func (s *SQLiteStore) Unsubscribe(ctx context.Context, pkg, user string) error {
	user = strings.ToLower(user)
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = 0 WHERE package = ? AND user = ?`,
		pkg, user)
	if err != nil {
		return fmt.Errorf("storage: unsubscribe %q/%q: %w", pkg, user, err)
	}
	return nil
}

func (s *SQLiteStore) SubscriptionsForPackage(ctx context.Context, pkg string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user, active, keywords_json FROM subscriptions WHERE package = ? ORDER BY user`, pkg)
	if err != nil {
		return nil, fmt.Errorf("storage: subscriptions for package %q: %w", pkg, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows, pkg, "")
}

func (s *SQLiteStore) SubscriptionsForUser(ctx context.Context, user string) ([]Subscription, error) {
	user = strings.ToLower(user)
	rows, err := s.db.QueryContext(ctx,
		`SELECT package, active, keywords_json FROM subscriptions WHERE user = ? ORDER BY package`, user)
	if err != nil {
		return nil, fmt.Errorf("storage: subscriptions for user %q: %w", user, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows, "", user)
}

// scanSubscriptions reads rows shaped either (user, active, keywords)
// when pkg is fixed, or (package, active, keywords) when user is
// fixed — exactly one of pkg/user is empty, selecting which column the
// first scanned field fills in.
func scanSubscriptions(rows *sql.Rows, pkg, user string) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		var other string
		var active int
		var keywordsJSON string
		if err := rows.Scan(&other, &active, &keywordsJSON); err != nil {
			return nil, fmt.Errorf("storage: scan subscription: %w", err)
		}
		var keywords []string
		if err := json.Unmarshal([]byte(keywordsJSON), &keywords); err != nil {
			return nil, fmt.Errorf("storage: unmarshal keywords: %w", err)
		}
		sub := Subscription{Active: active == 1, Keywords: keywords}
		if pkg != "" {
			sub.Package, sub.User = pkg, other
		} else {
			sub.Package, sub.User = other, user
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetTeam(ctx context.Context, slug string) (*Team, error) {
	var owner string
	var public int
	err := s.db.QueryRowContext(ctx, `SELECT owner, public FROM teams WHERE slug = ?`, slug).Scan(&owner, &public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get team %q: %w", slug, err)
	}
	return &Team{Slug: slug, Owner: owner, Public: public == 1}, nil
}

func (s *SQLiteStore) CreateTeam(ctx context.Context, slug, owner string, public bool) error {
	p := 0
	if public {
		p = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (slug, owner, public) VALUES (?, ?, ?)
		 ON CONFLICT (slug) DO NOTHING`,
		slug, strings.ToLower(owner), p)
	if err != nil {
		return fmt.Errorf("storage: create team %q: %w", slug, err)
	}
	return nil
}

func (s *SQLiteStore) AddTeamMember(ctx context.Context, slug, user string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_members (slug, user) VALUES (?, ?)
		 ON CONFLICT (slug, user) DO NOTHING`,
		slug, strings.ToLower(user))
	if err != nil {
		return fmt.Errorf("storage: add team member %q/%q: %w", slug, user, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveTeamMember(ctx context.Context, slug, user string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM team_members WHERE slug = ? AND user = ?`, slug, strings.ToLower(user))
	if err != nil {
		return fmt.Errorf("storage: remove team member %q/%q: %w", slug, user, err)
	}
	return nil
}

func (s *SQLiteStore) TeamMembers(ctx context.Context, slug string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user FROM team_members WHERE slug = ? ORDER BY user`, slug)
	if err != nil {
		return nil, fmt.Errorf("storage: team members %q: %w", slug, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("storage: scan team member: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IsTeamMember(ctx context.Context, slug, user string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM team_members WHERE slug = ? AND user = ?`, slug, strings.ToLower(user)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: is team member %q/%q: %w", slug, user, err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordSent(ctx context.Context, user string, date time.Time, n int) error {
	user = strings.ToLower(user)
	day := date.UTC().Format(dayFormat)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bounce_records (user, date, sent_count, bounced_count) VALUES (?, ?, ?, 0)
		 ON CONFLICT (user, date) DO UPDATE SET sent_count = sent_count + excluded.sent_count`,
		user, day, n)
	if err != nil {
		return fmt.Errorf("storage: record sent %q/%s: %w", user, day, err)
	}
	return nil
}

func (s *SQLiteStore) RecordBounce(ctx context.Context, user string, date time.Time) error {
	user = strings.ToLower(user)
	day := date.UTC().Format(dayFormat)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bounce_records (user, date, sent_count, bounced_count) VALUES (?, ?, 0, 1)
		 ON CONFLICT (user, date) DO UPDATE SET bounced_count = bounced_count + 1`,
		user, day)
	if err != nil {
		return fmt.Errorf("storage: record bounce %q/%s: %w", user, day, err)
	}
	return nil
}

func (s *SQLiteStore) BounceHistory(ctx context.Context, user string, sinceDays int) ([]BounceRecord, error) {
	user = strings.ToLower(user)
	cutoff := time.Now().UTC().AddDate(0, 0, -sinceDays).Format(dayFormat)
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, sent_count, bounced_count FROM bounce_records
		 WHERE user = ? AND date >= ? ORDER BY date`, user, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: bounce history %q: %w", user, err)
	}
	defer rows.Close()

	var out []BounceRecord
	for rows.Next() {
		var day string
		var sent, bounced int
		if err := rows.Scan(&day, &sent, &bounced); err != nil {
			return nil, fmt.Errorf("storage: scan bounce record: %w", err)
		}
		d, _ := time.Parse(dayFormat, day)
		out = append(out, BounceRecord{User: user, Date: d, SentCount: sent, BouncedCount: bounced})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UnsubscribeAllByUser(ctx context.Context, user string, deletePolicy bool) ([]string, error) {
	user = strings.ToLower(user)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin unsubscribe-all tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT package FROM subscriptions WHERE user = ? AND active = 1 ORDER BY package`, user)
	if err != nil {
		return nil, fmt.Errorf("storage: select active subscriptions %q: %w", user, err)
	}
	var packages []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan package: %w", err)
		}
		packages = append(packages, pkg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(packages) == 0 {
		return nil, tx.Commit()
	}

	if deletePolicy {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE user = ? AND active = 1`, user); err != nil {
			return nil, fmt.Errorf("storage: delete subscriptions %q: %w", user, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET active = 0 WHERE user = ?`, user); err != nil {
			return nil, fmt.Errorf("storage: deactivate subscriptions %q: %w", user, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit unsubscribe-all %q: %w", user, err)
	}
	return packages, nil
}

func (s *SQLiteStore) MarkUnsubscribeNotified(ctx context.Context, user string, date time.Time) error {
	user = strings.ToLower(user)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unsubscribe_notifications (user, notified_at) VALUES (?, ?)
		 ON CONFLICT (user) DO NOTHING`,
		user, date.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storage: mark unsubscribe notified %q: %w", user, err)
	}
	return nil
}

func (s *SQLiteStore) WasUnsubscribeNotified(ctx context.Context, user string) (bool, error) {
	user = strings.ToLower(user)
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM unsubscribe_notifications WHERE user = ?`, user).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: was unsubscribe notified %q: %w", user, err)
	}
	return true, nil
}

func (s *SQLiteStore) SaveRunningJob(ctx context.Context, job *RunningJob) error {
	processedJSON, err := json.Marshal(job.ProcessedTasks)
	if err != nil {
		return fmt.Errorf("storage: marshal processed tasks: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = time.Now().UTC()

	finished := 0
	if job.Finished {
		finished = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO running_jobs (id, initial_task, parameters_json, events_json, processed_json, finished, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			parameters_json = excluded.parameters_json,
			events_json = excluded.events_json,
			processed_json = excluded.processed_json,
			finished = excluded.finished,
			updated_at = excluded.updated_at`,
		job.ID, job.InitialTaskName, job.ParametersJSON, job.EventsJSON, string(processedJSON),
		finished, job.CreatedAt.Format(time.RFC3339), now)
	if err != nil {
		return fmt.Errorf("storage: save running job %q: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRunningJob(ctx context.Context, id string) (*RunningJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, initial_task, parameters_json, events_json, processed_json, finished, created_at, updated_at
		 FROM running_jobs WHERE id = ?`, id)
	job, err := scanRunningJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) ListUnfinishedJobs(ctx context.Context) ([]*RunningJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, initial_task, parameters_json, events_json, processed_json, finished, created_at, updated_at
		 FROM running_jobs WHERE finished = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var out []*RunningJob
	for rows.Next() {
		job, err := scanRunningJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRunningJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM running_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete running job %q: %w", id, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRunningJob(row *sql.Row) (*RunningJob, error) {
	return scanRunningJobFrom(row)
}

func scanRunningJobRow(rows *sql.Rows) (*RunningJob, error) {
	return scanRunningJobFrom(rows)
}

func scanRunningJobFrom(s scannable) (*RunningJob, error) {
	var job RunningJob
	var processedJSON, createdAt, updatedAt string
	var finished int
	err := s.Scan(&job.ID, &job.InitialTaskName, &job.ParametersJSON, &job.EventsJSON,
		&processedJSON, &finished, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(processedJSON), &job.ProcessedTasks); err != nil {
		return nil, fmt.Errorf("storage: unmarshal processed tasks: %w", err)
	}
	job.Finished = finished == 1
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &job, nil
}

var _ Store = (*SQLiteStore)(nil)
