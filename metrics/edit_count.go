package metrics

import (
	"context"
	"fmt"
	"sort"
)

// EditCount counts the revisions each user made within the request window.
// Users with no edits in the window report zero.
type EditCount struct{}

func (m *EditCount) Name() string { return "edit_count" }

func (m *EditCount) Header() []string { return []string{"user_id", "edit_count"} }

func (m *EditCount) Params() []string { return commonParams }

func (m *EditCount) Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error) {
	counts, err := store.EditCounts(ctx, users, opts.Project, opts.Namespace, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("edit_count: %w", err)
	}
	return rowsFromCounts(users, counts), nil
}

// rowsFromCounts builds one single-value row per input user, sorted by
// user ID, defaulting absent users to zero.
func rowsFromCounts(users []uint64, counts map[uint64]int64) []Row {
	rows := make([]Row, 0, len(users))
	for _, uid := range users {
		rows = append(rows, Row{UserID: uid, Values: []float64{float64(counts[uid])}})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows
}
