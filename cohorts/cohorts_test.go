package cohorts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	cohorts map[int][]uint64
	names   map[string]int
}

func (f *fakeResolver) Users(_ context.Context, id int) ([]uint64, error) {
	return f.cohorts[id], nil
}

func (f *fakeResolver) ID(_ context.Context, name string) (int, error) {
	id, ok := f.names[name]
	if !ok {
		return 0, assert.AnError
	}
	return id, nil
}

func (f *fakeResolver) Project(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeResolver) RefreshedAt(context.Context, int) (time.Time, error) {
	return time.Time{}, nil
}

func testResolver() *fakeResolver {
	return &fakeResolver{
		cohorts: map[int][]uint64{
			1: {10, 20, 30},
			2: {20, 30, 40},
			3: {50},
		},
		names: map[string]int{"newbies": 1},
	}
}

func TestIsExpression(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"1", true},
		{"1&2", true},
		{"1&2~3", true},
		{"12~34&5", true},
		{"", false},
		{"1&&2", false},
		{"1&", false},
		{"~1", false},
		{"newbies", false},
		{"all", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsExpression(tt.expr), tt.expr)
	}
}

func TestParseUnionOfIntersections(t *testing.T) {
	users, err := Parse(context.Background(), "1&2~3", testResolver())
	require.NoError(t, err)
	assert.Equal(t, []uint64{20, 30, 50}, users)
}

func TestParseSingleCohort(t *testing.T) {
	users, err := Parse(context.Background(), "1", testResolver())
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30}, users)
}

func TestParseIntersection(t *testing.T) {
	users, err := Parse(context.Background(), "1&2", testResolver())
	require.NoError(t, err)
	assert.Equal(t, []uint64{20, 30}, users)
}

func TestParseUnionDeduplicates(t *testing.T) {
	// 20 and 30 are in both cohorts; the union keeps first-seen order.
	users, err := Parse(context.Background(), "1~2", testResolver())
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30, 40}, users)
}

func TestParseEmptyIntersection(t *testing.T) {
	users, err := Parse(context.Background(), "1&3", testResolver())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestParseMalformedExpression(t *testing.T) {
	for _, expr := range []string{"1&&2", "1&", "~2", "", "1&~2"} {
		_, err := Parse(context.Background(), expr, testResolver())
		assert.ErrorIs(t, err, ErrBadExpression, expr)
	}
}

func TestParseCohortName(t *testing.T) {
	users, err := Parse(context.Background(), "newbies", testResolver())
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30}, users)
}

func TestParseUnknownNameYieldsEmpty(t *testing.T) {
	users, err := Parse(context.Background(), "no_such_cohort", testResolver())
	require.NoError(t, err)
	assert.Empty(t, users)
}
