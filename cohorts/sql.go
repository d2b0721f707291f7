package cohorts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLResolver implements Resolver against the cohort tables:
//
//	usertags(ut_user, ut_tag)
//	usertags_meta(utm_id, utm_name, utm_project, utm_touched)
type SQLResolver struct {
	pool *pgxpool.Pool
}

// NewSQLResolver creates a resolver on the given connection pool.
func NewSQLResolver(pool *pgxpool.Pool) *SQLResolver {
	return &SQLResolver{pool: pool}
}

func (r *SQLResolver) Users(ctx context.Context, id int) ([]uint64, error) {
	query := `SELECT ut_user FROM usertags WHERE ut_tag = $1 ORDER BY ut_user`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query cohort users: %w", err)
	}
	defer rows.Close()

	var users []uint64
	for rows.Next() {
		var uid uint64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan cohort user: %w", err)
		}
		users = append(users, uid)
	}
	return users, rows.Err()
}

func (r *SQLResolver) ID(ctx context.Context, name string) (int, error) {
	query := `SELECT utm_id FROM usertags_meta WHERE utm_name = $1`

	var id int
	err := r.pool.QueryRow(ctx, query, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("unknown cohort %q", name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query cohort id: %w", err)
	}
	return id, nil
}

func (r *SQLResolver) Project(ctx context.Context, name string) (string, error) {
	query := `SELECT COALESCE(utm_project, '') FROM usertags_meta WHERE utm_name = $1`

	var project string
	err := r.pool.QueryRow(ctx, query, name).Scan(&project)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query cohort project: %w", err)
	}
	return project, nil
}

func (r *SQLResolver) RefreshedAt(ctx context.Context, id int) (time.Time, error) {
	query := `SELECT utm_touched FROM usertags_meta WHERE utm_id = $1`

	// A cohort without a refresh record reports the zero time; callers
	// substitute a fixed timestamp so repeated requests for the same
	// cohort fingerprint identically.
	var touched *time.Time
	err := r.pool.QueryRow(ctx, query, id).Scan(&touched)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query cohort refresh time: %w", err)
	}
	if touched == nil {
		return time.Time{}, nil
	}
	return *touched, nil
}
