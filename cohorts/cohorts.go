// Package cohorts evaluates boolean expressions over stored user cohorts.
//
// A cohort expression is a string like "1&2~3": numeric cohort IDs
// combined with & (AND) and ~ (OR), where OR binds looser than AND. The
// expression resolves to a user ID list as the union of its AND-group
// intersections, preserving first-seen order with no duplicates. A token
// that does not match the numeric grammar is treated as a cohort name and
// resolved to its ID first.
package cohorts

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"umapi.wikimetrics.org/common"
)

// ErrBadExpression is returned for expressions that match neither the
// numeric grammar nor a resolvable cohort name.
var ErrBadExpression = errors.New("cohorts: bad cohort expression")

// expressionRegex is the numeric cohort expression grammar.
var expressionRegex = regexp.MustCompile(`^([0-9]+[&~])*[0-9]+$`)

const (
	opAND = "&"
	opOR  = "~"
)

// AllUsers is the reserved cohort name meaning every user active in the
// request window. It is expanded by the worker, not by this package.
const AllUsers = "all"

// Resolver supplies cohort membership and metadata. The SQL
// implementation lives in this package; tests substitute fakes.
type Resolver interface {
	// Users returns the member user IDs of a cohort.
	Users(ctx context.Context, id int) ([]uint64, error)

	// ID resolves a cohort name to its numeric ID.
	ID(ctx context.Context, name string) (int, error)

	// Project returns the default project recorded for a cohort name,
	// or "" when none is set.
	Project(ctx context.Context, name string) (string, error)

	// RefreshedAt returns the last refresh timestamp of a cohort.
	RefreshedAt(ctx context.Context, id int) (time.Time, error)
}

// IsExpression reports whether expr matches the numeric cohort
// expression grammar.
func IsExpression(expr string) bool {
	return expressionRegex.MatchString(expr)
}

// Parse evaluates a cohort expression to a user ID list. Numeric
// expressions are evaluated as OR of AND-groups; any other token is
// looked up as a cohort name. An unknown name yields an empty list.
func Parse(ctx context.Context, expr string, resolver Resolver) ([]uint64, error) {
	if IsExpression(expr) {
		return parseExpression(ctx, expr, resolver)
	}

	// Names must be a single bare token; anything with operators that
	// failed the grammar is malformed, e.g. "1&&2".
	if strings.ContainsAny(expr, opAND+opOR) || expr == "" {
		return nil, ErrBadExpression
	}

	id, err := resolver.ID(ctx, expr)
	if err != nil {
		common.Logger.WithField("cohort", expr).
			Error("could not resolve cohort name")
		return []uint64{}, nil
	}
	return resolver.Users(ctx, id)
}

// parseExpression evaluates the numeric grammar: split by OR, intersect
// each AND-group, union the results preserving first-seen order.
func parseExpression(ctx context.Context, expr string, resolver Resolver) ([]uint64, error) {
	seen := make(map[uint64]bool)
	var result []uint64

	for _, group := range strings.Split(expr, opOR) {
		ids, err := intersectGroup(ctx, strings.Split(group, opAND), resolver)
		if err != nil {
			return nil, err
		}
		for _, uid := range ids {
			if !seen[uid] {
				seen[uid] = true
				result = append(result, uid)
			}
		}
	}
	return result, nil
}

// intersectGroup returns the users present in every cohort of the
// AND-group, in the order they appear in the first cohort. A single-ID
// group bypasses intersection and returns the raw membership.
func intersectGroup(ctx context.Context, cohortIDs []string, resolver Resolver) ([]uint64, error) {
	first, err := cohortUsers(ctx, cohortIDs[0], resolver)
	if err != nil {
		return nil, err
	}
	if len(cohortIDs) == 1 {
		return first, nil
	}

	counts := make(map[uint64]int, len(first))
	for _, uid := range first {
		counts[uid] = 1
	}
	for _, cid := range cohortIDs[1:] {
		users, err := cohortUsers(ctx, cid, resolver)
		if err != nil {
			return nil, err
		}
		members := make(map[uint64]bool, len(users))
		for _, uid := range users {
			members[uid] = true
		}
		for uid := range counts {
			if members[uid] {
				counts[uid]++
			}
		}
	}

	var result []uint64
	for _, uid := range first {
		if counts[uid] == len(cohortIDs) {
			result = append(result, uid)
		}
	}
	return result, nil
}

func cohortUsers(ctx context.Context, cohortID string, resolver Resolver) ([]uint64, error) {
	id, err := strconv.Atoi(cohortID)
	if err != nil {
		return nil, ErrBadExpression
	}
	return resolver.Users(ctx, id)
}
