// Package metrics defines the uniform contract for user metric
// computations and the registry the worker dispatches through. A metric is
// a named computation over a set of user IDs that yields one row per user
// with a declared header; all database access goes through the Store
// interface so metrics stay testable against fakes.
package metrics

import (
	"context"
	"errors"
	"time"
)

// ErrUserNotFound is returned by Store.UserID when no user matches.
var ErrUserNotFound = errors.New("metrics: user not found")

// Row is one datapoint of a metric result: the user it describes and the
// value columns matching the metric header (minus the leading user_id).
type Row struct {
	UserID uint64
	Values []float64
}

// Options carries the per-request parameters a metric may consult. Fields
// a metric does not recognize are ignored.
type Options struct {
	Start     time.Time
	End       time.Time
	Project   string
	Namespace *int

	// T is the registration-relative window in hours used by threshold
	// and survival style metrics.
	T int

	// N is the edit-count threshold.
	N int

	ThresholdType string
	TimeUnit      string
	TimeUnitCount int
}

// RevisionDelta is a single revision size change attributed to a user.
type RevisionDelta struct {
	UserID uint64
	Delta  int64
}

// Store is the read surface metrics use against the MediaWiki-style
// backing database.
type Store interface {
	// EditCounts returns per-user edit counts within the window,
	// optionally filtered by namespace.
	EditCounts(ctx context.Context, users []uint64, project string, namespace *int, start, end time.Time) (map[uint64]int64, error)

	// RevisionDeltas returns the byte delta of every revision made by the
	// users within the window.
	RevisionDeltas(ctx context.Context, users []uint64, project string, namespace *int, start, end time.Time) ([]RevisionDelta, error)

	// NamespaceEditCounts returns per-user, per-namespace edit counts
	// within the window.
	NamespaceEditCounts(ctx context.Context, users []uint64, project string, start, end time.Time) (map[uint64]map[int]int64, error)

	// EditTimestamps returns the chronologically ordered revision
	// timestamps of each user within the window.
	EditTimestamps(ctx context.Context, users []uint64, project string, start, end time.Time) (map[uint64][]time.Time, error)

	// PagesCreated returns the number of pages each user created within
	// the window.
	PagesCreated(ctx context.Context, users []uint64, project string, namespace *int, start, end time.Time) (map[uint64]int64, error)

	// RegistrationDates returns the account registration timestamp of
	// each user.
	RegistrationDates(ctx context.Context, users []uint64, project string) (map[uint64]time.Time, error)

	// UserID resolves a user name to its ID, or ErrUserNotFound.
	UserID(ctx context.Context, username, project string) (uint64, error)

	// ActiveUsers returns the IDs of every user with activity in the
	// window on the project.
	ActiveUsers(ctx context.Context, project string, start, end time.Time) ([]uint64, error)
}

// Metric is a named user metric computation.
type Metric interface {
	// Name is the registry handle, e.g. "edit_count".
	Name() string

	// Header lists the result columns, starting with "user_id".
	Header() []string

	// Params lists the query string variables the metric recognizes.
	Params() []string

	// Process computes one row per user. It must return a row for every
	// input user, applying the metric's default for users with no
	// matching activity.
	Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error)
}

// commonParams are the query variables every metric accepts.
var commonParams = []string{
	"start", "end", "project", "namespace", "slice",
	"time_series", "aggregator", "t", "group", "is_user",
}
