package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TimeToThreshold reports, per user, how long after registration the
// user reached the nth edit, measured in time_unit_count multiples of
// time_unit (minute, hour or day; hours by default). Users who never
// reach the threshold report -1.
type TimeToThreshold struct{}

func (m *TimeToThreshold) Name() string { return "time_to_threshold" }

func (m *TimeToThreshold) Header() []string { return []string{"user_id", "time_diff"} }

func (m *TimeToThreshold) Params() []string {
	return append([]string{"n", "threshold_type", "time_unit", "time_unit_count"}, commonParams...)
}

func (m *TimeToThreshold) Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error) {
	n := opts.N
	if n <= 0 {
		n = 1
	}
	if opts.ThresholdType != "" && opts.ThresholdType != "edit" {
		return nil, fmt.Errorf("time_to_threshold: unsupported threshold type %q", opts.ThresholdType)
	}

	var unit time.Duration
	switch opts.TimeUnit {
	case "", "hour":
		unit = time.Hour
	case "minute":
		unit = time.Minute
	case "day":
		unit = 24 * time.Hour
	default:
		return nil, fmt.Errorf("time_to_threshold: unsupported time unit %q", opts.TimeUnit)
	}
	count := opts.TimeUnitCount
	if count <= 0 {
		count = 1
	}

	registrations, err := store.RegistrationDates(ctx, users, opts.Project)
	if err != nil {
		return nil, fmt.Errorf("time_to_threshold: %w", err)
	}

	rows := make([]Row, 0, len(users))
	for _, uid := range users {
		reg, ok := registrations[uid]
		diff := -1.0
		if ok {
			edits, err := store.EditTimestamps(ctx, []uint64{uid}, opts.Project, reg, survivalHorizon)
			if err != nil {
				return nil, fmt.Errorf("time_to_threshold: %w", err)
			}
			if stamps := edits[uid]; len(stamps) >= n {
				diff = float64(stamps[n-1].Sub(reg)) / float64(time.Duration(count)*unit)
			}
		}
		rows = append(rows, Row{UserID: uid, Values: []float64{diff}})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows, nil
}
