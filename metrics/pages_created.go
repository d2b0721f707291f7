package metrics

import (
	"context"
	"fmt"
)

// PagesCreated counts the pages each user created within the request
// window.
type PagesCreated struct{}

func (m *PagesCreated) Name() string { return "pages_created" }

func (m *PagesCreated) Header() []string { return []string{"user_id", "pages_created"} }

func (m *PagesCreated) Params() []string { return commonParams }

func (m *PagesCreated) Process(ctx context.Context, store Store, users []uint64, opts Options) ([]Row, error) {
	counts, err := store.PagesCreated(ctx, users, opts.Project, opts.Namespace, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("pages_created: %w", err)
	}
	return rowsFromCounts(users, counts), nil
}
