// Package storage implements the relational collaborator sketched as
// "external" by the specification's component C10: durable state for
// packages, email users, subscriptions, teams, and bounce records, plus
// the running-job checkpoint record internal/taskengine persists after
// every processed task.
//
// The interface/implementation split and the SQLite-backed concrete
// store follow the teacher's internal/opstate and internal/scheduler
// stores: a thin *sql.DB wrapper, CREATE TABLE IF NOT EXISTS migration
// run once at open, JSON columns for composite fields, and plain
// Exec/QueryRow call sites rather than an ORM.
package storage

import (
	"context"
	"time"
)

// Package is a tracked subject, identified by its unique Name.
type Package struct {
	Name      string
	CreatedAt time.Time
}

// EmailUser is a unique, case-insensitively normalized email address.
type EmailUser struct {
	Email     string
	CreatedAt time.Time
}

// Subscription is the (package, user, active?) triple with a
// per-subscription allowed-keyword set. At most one Subscription may
// exist per (Package, User) pair; deactivating one is preserved as
// history rather than deleted, unless bounce-driven unsubscription
// chooses the delete policy (see Store.UnsubscribeAllByUser).
type Subscription struct {
	Package  string
	User     string
	Active   bool
	Keywords []string
}

// Team is a named group of users with an owner. A Public team permits
// self-join via the control processor's confirmation flow.
type Team struct {
	Slug   string
	Owner  string
	Public bool
}

// BounceRecord aggregates one user's send/bounce counts for a single
// calendar day (UTC), keyed by the VERP-decoded date rather than wall
// clock time so a late-arriving bounce still lands on the day the
// message was actually sent.
type BounceRecord struct {
	User         string
	Date         time.Time // truncated to the day
	SentCount    int
	BouncedCount int
}

// RunningJob is the durable form of a taskengine JobState: enough to
// reconstruct a Job after a crash without replaying already-processed
// tasks.
type RunningJob struct {
	ID               string
	InitialTaskName  string
	ParametersJSON   string
	EventsJSON       string
	ProcessedTasks   []string
	Finished         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is the full persistence surface the dispatch, bounce, control,
// and task engines depend on. A single concrete type (SQLiteStore)
// implements it; tests exercise the interface against go-sqlmock so
// call sites never need a real database file.
type Store interface {
	// Packages

	GetPackage(ctx context.Context, name string) (*Package, error)
	EnsurePackage(ctx context.Context, name string) error

	// Email users

	EnsureEmailUser(ctx context.Context, email string) (*EmailUser, error)

	// Subscriptions

	GetSubscription(ctx context.Context, pkg, user string) (*Subscription, error)
	Subscribe(ctx context.Context, pkg, user string, keywords []string) error
	Unsubscribe(ctx context.Context, pkg, user string) error
	SubscriptionsForPackage(ctx context.Context, pkg string) ([]Subscription, error)
	SubscriptionsForUser(ctx context.Context, user string) ([]Subscription, error)

	// Teams

	GetTeam(ctx context.Context, slug string) (*Team, error)
	CreateTeam(ctx context.Context, slug, owner string, public bool) error
	AddTeamMember(ctx context.Context, slug, user string) error
	RemoveTeamMember(ctx context.Context, slug, user string) error
	TeamMembers(ctx context.Context, slug string) ([]string, error)
	IsTeamMember(ctx context.Context, slug, user string) (bool, error)

	// Bounces

	RecordSent(ctx context.Context, user string, date time.Time, n int) error
	RecordBounce(ctx context.Context, user string, date time.Time) error
	BounceHistory(ctx context.Context, user string, sinceDays int) ([]BounceRecord, error)
	// UnsubscribeAllByUser deactivates (or deletes, per deletePolicy)
	// every active subscription for user, returning the package names
	// that were affected. Idempotent: calling it again when the user
	// already has no active subscriptions returns an empty slice and
	// no error.
	UnsubscribeAllByUser(ctx context.Context, user string, deletePolicy bool) ([]string, error)
	// MarkUnsubscribeNotified / WasUnsubscribeNotified guard the bounce
	// engine's single notification email against being resent for a
	// user whose threshold has already fired once.
	MarkUnsubscribeNotified(ctx context.Context, user string, date time.Time) error
	WasUnsubscribeNotified(ctx context.Context, user string) (bool, error)

	// Running jobs (task engine checkpoints)

	SaveRunningJob(ctx context.Context, job *RunningJob) error
	GetRunningJob(ctx context.Context, id string) (*RunningJob, error)
	ListUnfinishedJobs(ctx context.Context) ([]*RunningJob, error)
	DeleteRunningJob(ctx context.Context, id string) error

	Close() error
}

// ErrNotFound is returned by single-row lookups when no matching row
// exists.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }
