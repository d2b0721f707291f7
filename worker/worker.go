// Package worker executes one metrics request end-to-end: cohort
// resolution, metric dispatch, optional aggregation or time slicing, and
// payload emission. A worker never hangs its caller: every outcome,
// including failure, becomes a payload on the output channel.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"umapi.wikimetrics.org/aggregates"
	"umapi.wikimetrics.org/cohorts"
	"umapi.wikimetrics.org/common"
	"umapi.wikimetrics.org/metrics"
	"umapi.wikimetrics.org/request"
	"umapi.wikimetrics.org/series"
)

// MaxBlockSize bounds one chunk on the output channel. Larger payloads
// are split and concatenated by the controller.
const MaxBlockSize = 5000

// defaultWindow is applied when a request carries no start/end.
const defaultWindow = 24 * time.Hour

// defaultSliceHours is the time series bucket width when none is given.
const defaultSliceHours = 24

// Payload is the result document committed to the cache. Data holds the
// shape-specific result: per-user rows, one aggregate row, a time series
// map, or an error message.
type Payload struct {
	Header             []string    `json:"header,omitempty"`
	CohortExpr         string      `json:"cohort_expr"`
	CohortGenTimestamp string      `json:"cohort_gen_timestamp"`
	Metric             string      `json:"metric"`
	TimeSeries         bool        `json:"time_series"`
	Aggregator         string      `json:"aggregator,omitempty"`
	Start              string      `json:"start,omitempty"`
	End                string      `json:"end,omitempty"`
	Data               interface{} `json:"data"`
}

// Worker executes requests against a metric store and cohort resolver.
type Worker struct {
	store          metrics.Store
	resolver       cohorts.Resolver
	defaultProject string
}

// New creates a worker.
func New(store metrics.Store, resolver cohorts.Resolver, defaultProject string) *Worker {
	return &Worker{store: store, resolver: resolver, defaultProject: defaultProject}
}

// Run executes one serialized request and streams the payload JSON to out
// in chunks of at most MaxBlockSize bytes. out is always closed on
// return, and some payload is always emitted unless the context is done.
func (w *Worker) Run(ctx context.Context, serialized string, out chan<- string) {
	defer close(out)

	r, err := request.Deserialize(serialized)
	if err != nil {
		emit(ctx, out, failureJSON(nil, err.Error()))
		return
	}

	payload, err := w.execute(ctx, r)
	if err != nil {
		common.Logger.WithField("metric", r.Metric).
			WithField("cohort", r.CohortExpr).
			WithField("error", err.Error()).
			Error("request execution failed")
		emit(ctx, out, failureJSON(r, err.Error()))
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		emit(ctx, out, failureJSON(r, "failed to encode result payload"))
		return
	}
	emit(ctx, out, string(data))
}

func (w *Worker) execute(ctx context.Context, r *request.Request) (*Payload, error) {
	opts, err := w.options(r)
	if err != nil {
		return nil, err
	}

	users, err := w.resolveUsers(ctx, r, &opts)
	if err != nil {
		return nil, err
	}

	metric, err := metrics.Get(r.Metric)
	if err != nil {
		return nil, common.NewCodedError(common.CodeBadMetricName)
	}

	payload := &Payload{
		CohortExpr:         r.CohortExpr,
		CohortGenTimestamp: r.CohortGenTimestamp,
		Metric:             r.Metric,
		TimeSeries:         r.IsTimeSeries(),
		Aggregator:         r.Aggregator,
		Start:              opts.Start.Format(request.TimeFormat),
		End:                opts.End.Format(request.TimeFormat),
	}

	switch {
	case r.IsTimeSeries():
		if r.Aggregator == "" {
			return nil, fmt.Errorf("a time series request needs an aggregator")
		}
		agg, err := aggregates.Get(aggregates.Key(r.Aggregator, r.Metric))
		if err != nil {
			return nil, err
		}
		buckets, err := series.Build(ctx, w.store, metric, agg, users, opts, sliceDuration(r))
		if err != nil {
			return nil, err
		}
		data := make(map[string][]float64, len(buckets))
		for _, b := range buckets {
			data[b.Start.Format(request.TimeFormat)] = b.Values
		}
		payload.Header = append([]string{"timestamp"}, agg.Header...)
		payload.Data = data

	case r.Aggregator != "":
		agg, err := aggregates.Get(aggregates.Key(r.Aggregator, r.Metric))
		if err != nil {
			return nil, err
		}
		rows, err := metric.Process(ctx, w.store, users, opts)
		if err != nil {
			return nil, err
		}
		payload.Header = agg.Header
		payload.Data = agg.Fn(rows)

	default:
		rows, err := metric.Process(ctx, w.store, users, opts)
		if err != nil {
			return nil, err
		}
		data := make(map[string][]float64, len(rows))
		for _, row := range rows {
			data[strconv.FormatUint(row.UserID, 10)] = row.Values
		}
		payload.Header = metric.Header()
		payload.Data = data
	}

	return payload, nil
}

// resolveUsers expands the cohort expression to user IDs, applying the
// is_user and "all" special cases and the cohort's default project.
func (w *Worker) resolveUsers(ctx context.Context, r *request.Request, opts *metrics.Options) ([]uint64, error) {
	switch {
	case r.IsUserRequest():
		uid, err := w.store.UserID(ctx, r.CohortExpr, opts.Project)
		if err != nil {
			return nil, common.NewCodedError(common.CodeUserNotFound)
		}
		return []uint64{uid}, nil

	case r.CohortExpr == cohorts.AllUsers:
		users, err := w.store.ActiveUsers(ctx, opts.Project, opts.Start, opts.End)
		if err != nil {
			return nil, common.NewCodedError(common.CodeUserLookup)
		}
		return users, nil

	default:
		if !cohorts.IsExpression(r.CohortExpr) {
			if project, err := w.resolver.Project(ctx, r.CohortExpr); err == nil && project != "" {
				opts.Project = project
			}
		}
		return cohorts.Parse(ctx, r.CohortExpr, w.resolver)
	}
}

// options translates the request's string fields into metric options,
// defaulting the window to the last 24 hours when unset.
func (w *Worker) options(r *request.Request) (metrics.Options, error) {
	opts := metrics.Options{
		Project:       r.Project,
		T:             intField(r.T, 0),
		N:             intField(r.N, 0),
		ThresholdType: strField(r.ThresholdType),
		TimeUnit:      strField(r.TimeUnit),
		TimeUnitCount: intField(r.TimeUnitCount, 0),
	}
	if opts.Project == "" {
		opts.Project = w.defaultProject
	}

	if set(r.Namespace) {
		ns, err := strconv.Atoi(r.Namespace)
		if err != nil {
			return opts, fmt.Errorf("bad namespace %q", r.Namespace)
		}
		opts.Namespace = &ns
	}

	now := time.Now().UTC().Truncate(time.Second)
	opts.End = now
	if set(r.End) {
		end, err := r.EndTime()
		if err != nil {
			return opts, common.NewCodedError(common.CodeBadTimestamp)
		}
		opts.End = end
	}
	opts.Start = opts.End.Add(-defaultWindow)
	if set(r.Start) {
		start, err := r.StartTime()
		if err != nil {
			return opts, common.NewCodedError(common.CodeBadTimestamp)
		}
		opts.Start = start
	}
	return opts, nil
}

func sliceDuration(r *request.Request) time.Duration {
	hours := intField(r.Slice, defaultSliceHours)
	if hours <= 0 {
		hours = defaultSliceHours
	}
	return time.Duration(hours) * time.Hour
}

// set reports whether a query field carries a real value, as opposed to
// being unset or the presence sentinel.
func set(v string) bool {
	return v != "" && v != request.PresentValue
}

// strField passes a real value through and maps the presence sentinel
// to the metric default.
func strField(v string) string {
	if !set(v) {
		return ""
	}
	return v
}

func intField(v string, fallback int) int {
	if !set(v) {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// FailurePayload renders the payload recorded for a request that could
// not be executed. The controller uses it for timeouts and for abandoned
// jobs found at startup.
func FailurePayload(serialized, message string) string {
	r, err := request.Deserialize(serialized)
	if err != nil {
		r = nil
	}
	return failureJSON(r, message)
}

func failureJSON(r *request.Request, message string) string {
	payload := &Payload{Data: message}
	if r != nil {
		payload.CohortExpr = r.CohortExpr
		payload.CohortGenTimestamp = r.CohortGenTimestamp
		payload.Metric = r.Metric
		payload.TimeSeries = r.IsTimeSeries()
		payload.Aggregator = r.Aggregator
		payload.Start = r.Start
		payload.End = r.End
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"data":%q}`, message)
	}
	return string(data)
}

// emit streams a payload to the output channel in MaxBlockSize chunks.
func emit(ctx context.Context, out chan<- string, payload string) {
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > MaxBlockSize {
			chunk = payload[:MaxBlockSize]
		}
		select {
		case out <- chunk:
			payload = payload[len(chunk):]
		case <-ctx.Done():
			return
		}
	}
}
