package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLStore implements Store against PostgreSQL. It expects a denormalized
// replica of the wiki edit history:
//
//	users(user_id, user_name, user_registration, project)
//	revisions(rev_id, user_id, project, namespace, rev_timestamp,
//	          length_change, is_new)
//
// All queries are read-only; the replication pipeline that fills these
// tables is outside this service.
type SQLStore struct {
	pool *pgxpool.Pool
}

// NewSQLStore creates a store on the given connection pool.
func NewSQLStore(pool *pgxpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

func (s *SQLStore) EditCounts(ctx context.Context, users []uint64, project string, namespace *int, start, end time.Time) (map[uint64]int64, error) {
	query := `
		SELECT user_id, COUNT(*)
		FROM revisions
		WHERE user_id = ANY($1) AND project = $2
		  AND rev_timestamp >= $3 AND rev_timestamp < $4
		  AND ($5::int IS NULL OR namespace = $5)
		GROUP BY user_id`

	rows, err := s.pool.Query(ctx, query, users, project, start, end, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query edit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[uint64]int64)
	for rows.Next() {
		var uid uint64
		var count int64
		if err := rows.Scan(&uid, &count); err != nil {
			return nil, fmt.Errorf("failed to scan edit count: %w", err)
		}
		counts[uid] = count
	}
	return counts, rows.Err()
}

func (s *SQLStore) RevisionDeltas(ctx context.Context, users []uint64, project string, namespace *int, start, end time.Time) ([]RevisionDelta, error) {
	query := `
		SELECT user_id, length_change
		FROM revisions
		WHERE user_id = ANY($1) AND project = $2
		  AND rev_timestamp >= $3 AND rev_timestamp < $4
		  AND ($5::int IS NULL OR namespace = $5)
		ORDER BY rev_timestamp`

	rows, err := s.pool.Query(ctx, query, users, project, start, end, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query revision deltas: %w", err)
	}
	defer rows.Close()

	var deltas []RevisionDelta
	for rows.Next() {
		var d RevisionDelta
		if err := rows.Scan(&d.UserID, &d.Delta); err != nil {
			return nil, fmt.Errorf("failed to scan revision delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

func (s *SQLStore) NamespaceEditCounts(ctx context.Context, users []uint64, project string, start, end time.Time) (map[uint64]map[int]int64, error) {
	query := `
		SELECT user_id, namespace, COUNT(*)
		FROM revisions
		WHERE user_id = ANY($1) AND project = $2
		  AND rev_timestamp >= $3 AND rev_timestamp < $4
		GROUP BY user_id, namespace`

	rows, err := s.pool.Query(ctx, query, users, project, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query namespace edit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[uint64]map[int]int64)
	for rows.Next() {
		var uid uint64
		var ns int
		var count int64
		if err := rows.Scan(&uid, &ns, &count); err != nil {
			return nil, fmt.Errorf("failed to scan namespace edit count: %w", err)
		}
		if counts[uid] == nil {
			counts[uid] = make(map[int]int64)
		}
		counts[uid][ns] = count
	}
	return counts, rows.Err()
}

func (s *SQLStore) EditTimestamps(ctx context.Context, users []uint64, project string, start, end time.Time) (map[uint64][]time.Time, error) {
	query := `
		SELECT user_id, rev_timestamp
		FROM revisions
		WHERE user_id = ANY($1) AND project = $2
		  AND rev_timestamp >= $3 AND rev_timestamp < $4
		ORDER BY rev_timestamp`

	rows, err := s.pool.Query(ctx, query, users, project, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query edit timestamps: %w", err)
	}
	defer rows.Close()

	stamps := make(map[uint64][]time.Time)
	for rows.Next() {
		var uid uint64
		var ts time.Time
		if err := rows.Scan(&uid, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan edit timestamp: %w", err)
		}
		stamps[uid] = append(stamps[uid], ts)
	}
	return stamps, rows.Err()
}

func (s *SQLStore) PagesCreated(ctx context.Context, users []uint64, project string, namespace *int, start, end time.Time) (map[uint64]int64, error) {
	query := `
		SELECT user_id, COUNT(*)
		FROM revisions
		WHERE user_id = ANY($1) AND project = $2 AND is_new
		  AND rev_timestamp >= $3 AND rev_timestamp < $4
		  AND ($5::int IS NULL OR namespace = $5)
		GROUP BY user_id`

	rows, err := s.pool.Query(ctx, query, users, project, start, end, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages created: %w", err)
	}
	defer rows.Close()

	counts := make(map[uint64]int64)
	for rows.Next() {
		var uid uint64
		var count int64
		if err := rows.Scan(&uid, &count); err != nil {
			return nil, fmt.Errorf("failed to scan pages created: %w", err)
		}
		counts[uid] = count
	}
	return counts, rows.Err()
}

func (s *SQLStore) RegistrationDates(ctx context.Context, users []uint64, project string) (map[uint64]time.Time, error) {
	query := `
		SELECT user_id, user_registration
		FROM users
		WHERE user_id = ANY($1) AND project = $2`

	rows, err := s.pool.Query(ctx, query, users, project)
	if err != nil {
		return nil, fmt.Errorf("failed to query registration dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[uint64]time.Time)
	for rows.Next() {
		var uid uint64
		var reg time.Time
		if err := rows.Scan(&uid, &reg); err != nil {
			return nil, fmt.Errorf("failed to scan registration date: %w", err)
		}
		dates[uid] = reg
	}
	return dates, rows.Err()
}

func (s *SQLStore) UserID(ctx context.Context, username, project string) (uint64, error) {
	query := `SELECT user_id FROM users WHERE user_name = $1 AND project = $2`

	var uid uint64
	err := s.pool.QueryRow(ctx, query, username, project).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query user id: %w", err)
	}
	return uid, nil
}

func (s *SQLStore) ActiveUsers(ctx context.Context, project string, start, end time.Time) ([]uint64, error) {
	query := `
		SELECT DISTINCT user_id
		FROM revisions
		WHERE project = $1 AND rev_timestamp >= $2 AND rev_timestamp < $3
		ORDER BY user_id`

	rows, err := s.pool.Query(ctx, query, project, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var users []uint64
	for rows.Next() {
		var uid uint64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan active user: %w", err)
		}
		users = append(users, uid)
	}
	return users, rows.Err()
}
