// Package aggregates defines the aggregation functions that collapse
// per-user metric rows into a single summary row. Aggregators are
// registered per metric under a "name+metric" key, mirroring how requests
// name them: an aggregate request for bytes_added with aggregator=sum
// resolves the "sum+bytes_added" entry.
package aggregates

import (
	"fmt"
	"math"
	"sort"

	"umapi.wikimetrics.org/metrics"
)

// Aggregator collapses metric rows into one summary row.
type Aggregator struct {
	// Name is the aggregation handle, e.g. "sum".
	Name string

	// Header lists the columns of the summary row.
	Header []string

	// Fn computes the summary row from the metric rows.
	Fn func(rows []metrics.Row) []float64
}

var registry = map[string]Aggregator{}

// Key composes the registry key for an aggregator handle and metric
// handle. It returns the empty string when the combination is not
// registered, which callers treat as "no aggregator".
func Key(name, metric string) string {
	if name == "" || metric == "" {
		return ""
	}
	key := name + "+" + metric
	if _, ok := registry[key]; !ok {
		return ""
	}
	return key
}

// Get returns the aggregator registered under the composed key.
func Get(key string) (Aggregator, error) {
	agg, ok := registry[key]
	if !ok {
		return Aggregator{}, fmt.Errorf("aggregates: bad aggregator name %q", key)
	}
	return agg, nil
}

// Names returns all registered keys, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func register(name, metric string, header []string, fn func([]metrics.Row) []float64) {
	key := name + "+" + metric
	if _, exists := registry[key]; exists {
		panic(fmt.Sprintf("aggregates: duplicate registration of %q", key))
	}
	registry[key] = Aggregator{Name: name, Header: header, Fn: fn}
}

// columns transposes rows into per-column value slices.
func columns(rows []metrics.Row) [][]float64 {
	if len(rows) == 0 {
		return nil
	}
	cols := make([][]float64, len(rows[0].Values))
	for i := range cols {
		cols[i] = make([]float64, 0, len(rows))
	}
	for _, row := range rows {
		for i, v := range row.Values {
			if i < len(cols) {
				cols[i] = append(cols[i], v)
			}
		}
	}
	return cols
}

// columnWise lifts a per-column reducer to a row aggregator.
func columnWise(reduce func([]float64) float64) func([]metrics.Row) []float64 {
	return func(rows []metrics.Row) []float64 {
		cols := columns(rows)
		out := make([]float64, len(cols))
		for i, col := range cols {
			out[i] = reduce(col)
		}
		return out
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func minimum(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maximum(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - avg) * (v - avg)
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// proportion computes total users, qualifying users (first value column
// nonzero) and their ratio.
func proportion(rows []metrics.Row) []float64 {
	total := float64(len(rows))
	var qualifying float64
	for _, row := range rows {
		if len(row.Values) > 0 && row.Values[0] != 0 {
			qualifying++
		}
	}
	rate := 0.0
	if total > 0 {
		rate = qualifying / total
	}
	return []float64{total, qualifying, rate}
}

func bytesAddedHeader(prefix string) []string {
	return []string{
		prefix + "_bytes_added_net", prefix + "_bytes_added_absolute",
		prefix + "_bytes_added_pos", prefix + "_bytes_added_neg",
		prefix + "_edit_count",
	}
}

func init() {
	register("sum", "bytes_added", bytesAddedHeader("sum"), columnWise(sum))
	register("mean", "bytes_added", bytesAddedHeader("mean"), columnWise(mean))
	register("median", "bytes_added", bytesAddedHeader("median"), columnWise(median))
	register("min", "bytes_added", bytesAddedHeader("min"), columnWise(minimum))
	register("max", "bytes_added", bytesAddedHeader("max"), columnWise(maximum))
	register("std", "bytes_added", bytesAddedHeader("std"), columnWise(stddev))

	register("sum", "namespace_edits",
		[]string{"sum_main", "sum_talk", "sum_user", "sum_user_talk", "sum_other"},
		columnWise(sum))
	register("sum", "edit_count", []string{"sum_edit_count"}, columnWise(sum))
	register("mean", "edit_count", []string{"mean_edit_count"}, columnWise(mean))
	register("sum", "pages_created", []string{"sum_pages_created"}, columnWise(sum))

	proportionHeader := []string{"total_users", "reached_threshold", "rate"}
	register("proportion", "threshold", proportionHeader, proportion)
	register("proportion", "survival",
		[]string{"total_users", "surviving", "rate"}, proportion)
}
