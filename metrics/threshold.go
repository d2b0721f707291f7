package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Threshold reports, per user, whether the user reached at least n edits
// within t hours of registration. Defaults: n=1, t=24.
type Threshold struct{}

func (m *Threshold) Name() string { return "threshold" }

func (m *Threshold) Header() []string { return []string{"user_id", "has_reached_threshold"} }

func (m *Threshold) Params() []string { return append([]string{"n"}, commonParams...) }

func (m *Threshold) Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error) {
	t, n := opts.T, opts.N
	if t <= 0 {
		t = 24
	}
	if n <= 0 {
		n = 1
	}

	registrations, err := store.RegistrationDates(ctx, users, opts.Project)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}

	rows := make([]Row, 0, len(users))
	for _, uid := range users {
		reg, ok := registrations[uid]
		reached := 0.0
		if ok {
			until := reg.Add(time.Duration(t) * time.Hour)
			counts, err := store.EditCounts(ctx, []uint64{uid}, opts.Project, opts.Namespace, reg, until)
			if err != nil {
				return nil, fmt.Errorf("threshold: %w", err)
			}
			if counts[uid] >= int64(n) {
				reached = 1.0
			}
		}
		rows = append(rows, Row{UserID: uid, Values: []float64{reached}})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows, nil
}
