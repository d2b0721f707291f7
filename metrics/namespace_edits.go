package metrics

import (
	"context"
	"fmt"
	"sort"
)

// MediaWiki core namespaces reported as dedicated columns; everything else
// folds into "other".
const (
	nsMain     = 0
	nsTalk     = 1
	nsUser     = 2
	nsUserTalk = 3
)

// NamespaceEdits counts each user's edits per namespace within the request
// window, with dedicated columns for the main, talk, user and user talk
// namespaces.
type NamespaceEdits struct{}

func (m *NamespaceEdits) Name() string { return "namespace_edits" }

func (m *NamespaceEdits) Header() []string {
	return []string{"user_id", "main", "talk", "user", "user_talk", "other"}
}

func (m *NamespaceEdits) Params() []string { return commonParams }

func (m *NamespaceEdits) Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error) {
	counts, err := store.NamespaceEditCounts(ctx, users, opts.Project, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("namespace_edits: %w", err)
	}

	rows := make([]Row, 0, len(users))
	for _, uid := range users {
		values := make([]float64, 5)
		for ns, count := range counts[uid] {
			switch ns {
			case nsMain:
				values[0] += float64(count)
			case nsTalk:
				values[1] += float64(count)
			case nsUser:
				values[2] += float64(count)
			case nsUserTalk:
				values[3] += float64(count)
			default:
				values[4] += float64(count)
			}
		}
		rows = append(rows, Row{UserID: uid, Values: values})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows, nil
}
