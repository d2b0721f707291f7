package metrics

import (
	"context"
	"fmt"
	"sort"
)

// BytesAdded summarizes revision size changes per user within the request
// window: net and absolute byte change, bytes added, bytes removed, and
// the number of contributing edits.
type BytesAdded struct{}

func (m *BytesAdded) Name() string { return "bytes_added" }

func (m *BytesAdded) Header() []string {
	return []string{
		"user_id", "bytes_added_net", "bytes_added_absolute",
		"bytes_added_pos", "bytes_added_neg", "edit_count",
	}
}

func (m *BytesAdded) Params() []string { return commonParams }

func (m *BytesAdded) Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error) {
	deltas, err := store.RevisionDeltas(ctx, users, opts.Project, opts.Namespace, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("bytes_added: %w", err)
	}

	type tally struct {
		net, abs, pos, neg, count int64
	}
	tallies := make(map[uint64]*tally, len(users))
	for _, uid := range users {
		tallies[uid] = &tally{}
	}
	for _, d := range deltas {
		t, ok := tallies[d.UserID]
		if !ok {
			continue
		}
		t.net += d.Delta
		t.count++
		if d.Delta >= 0 {
			t.abs += d.Delta
			t.pos += d.Delta
		} else {
			t.abs -= d.Delta
			t.neg -= d.Delta
		}
	}

	rows := make([]Row, 0, len(users))
	for _, uid := range users {
		t := tallies[uid]
		rows = append(rows, Row{
			UserID: uid,
			Values: []float64{
				float64(t.net), float64(t.abs),
				float64(t.pos), float64(t.neg), float64(t.count),
			},
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows, nil
}
