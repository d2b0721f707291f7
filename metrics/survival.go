package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// survivalHorizon bounds the open-ended "any edit after the survival
// window" lookup.
var survivalHorizon = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// Survival reports, per user, whether the user made at least one edit
// after t hours past registration (default t=24). A surviving editor is
// one who came back after the initial activity window.
type Survival struct{}

func (m *Survival) Name() string { return "survival" }

func (m *Survival) Header() []string { return []string{"user_id", "is_surviving"} }

func (m *Survival) Params() []string { return commonParams }

func (m *Survival) Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error) {
	t := opts.T
	if t <= 0 {
		t = 24
	}

	registrations, err := store.RegistrationDates(ctx, users, opts.Project)
	if err != nil {
		return nil, fmt.Errorf("survival: %w", err)
	}

	rows := make([]Row, 0, len(users))
	for _, uid := range users {
		reg, ok := registrations[uid]
		surviving := 0.0
		if ok {
			from := reg.Add(time.Duration(t) * time.Hour)
			counts, err := store.EditCounts(ctx, []uint64{uid}, opts.Project, opts.Namespace, from, survivalHorizon)
			if err != nil {
				return nil, fmt.Errorf("survival: %w", err)
			}
			if counts[uid] > 0 {
				surviving = 1.0
			}
		}
		rows = append(rows, Row{UserID: uid, Values: []float64{surviving}})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows, nil
}
