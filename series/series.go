// Package series slices a request window into fixed-width intervals and
// computes an aggregated metric value per interval.
package series

import (
	"context"
	"fmt"
	"sync"
	"time"

	"umapi.wikimetrics.org/aggregates"
	"umapi.wikimetrics.org/metrics"
)

const (
	// intervalsPerWorker is how many buckets one goroutine handles
	// before another is added.
	intervalsPerWorker = 10

	// maxWorkers caps the concurrent bucket computations.
	maxWorkers = 5
)

// Bucket is the aggregated metric result for one time interval.
type Bucket struct {
	Start  time.Time `json:"start"`
	Values []float64 `json:"values"`
}

// Build computes the metric over every slice-width interval of the
// request window and aggregates each interval's rows. Buckets are
// returned in chronological order; the last bucket is truncated to the
// window end.
func Build(ctx context.Context, store metrics.Store, metric metrics.Metric,
	agg aggregates.Aggregator, users []uint64, opts metrics.Options, slice time.Duration) ([]Bucket, error) {

	if slice <= 0 {
		return nil, fmt.Errorf("series slice must be positive, got %s", slice)
	}
	if !opts.End.After(opts.Start) {
		return nil, fmt.Errorf("series window is empty")
	}

	var starts []time.Time
	for t := opts.Start; t.Before(opts.End); t = t.Add(slice) {
		starts = append(starts, t)
	}

	workers := (len(starts) + intervalsPerWorker - 1) / intervalsPerWorker
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}

	buckets := make([]Bucket, len(starts))
	errs := make([]error, len(starts))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				buckets[i], errs[i] = buildBucket(ctx, store, metric, agg, users, opts, starts[i], slice)
			}
		}()
	}

	for i := range starts {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return buckets, nil
}

func buildBucket(ctx context.Context, store metrics.Store, metric metrics.Metric,
	agg aggregates.Aggregator, users []uint64, opts metrics.Options,
	start time.Time, slice time.Duration) (Bucket, error) {

	end := start.Add(slice)
	if end.After(opts.End) {
		end = opts.End
	}

	bucketOpts := opts
	bucketOpts.Start = start
	bucketOpts.End = end

	rows, err := metric.Process(ctx, store, users, bucketOpts)
	if err != nil {
		return Bucket{}, fmt.Errorf("series bucket at %s: %w",
			start.Format("2006-01-02 15:04:05"), err)
	}
	return Bucket{Start: start, Values: agg.Fn(rows)}, nil
}
