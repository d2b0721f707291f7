// Package request defines the canonical record for one metrics API
// request, its fingerprinting discipline and its wire serialization.
//
// A request has three base fields that identify it (cohort expression,
// cohort refresh timestamp, metric) and a set of query fields that
// modulate it. The ordered list of "name--value" items over the base
// fields and the set query fields is the request's key signature; its
// SHA-1 digest keys every broker target and the result cache. Two requests
// share a fingerprint exactly when they are semantically equivalent.
package request

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"umapi.wikimetrics.org/aggregates"
	"umapi.wikimetrics.org/common"
	"umapi.wikimetrics.org/metrics"
)

// TimeFormat is the timestamp layout used throughout the API.
const TimeFormat = "2006-01-02 15:04:05"

// PresentValue marks a query field that appeared in the request without a
// value: the metric default applies, but the field is part of the
// fingerprint.
const PresentValue = "present"

// keyDelimiter separates field name and value inside a signature item.
const keyDelimiter = "--"

// ResponseDelimiter separates the serialized request from the result
// payload in response broker entries.
const ResponseDelimiter = "<&>"

// DefaultGroup is the user grouping applied when none is requested.
const DefaultGroup = "reg"

// Request is the canonical parameter record. All query fields are kept as
// strings: the zero value means "not set", PresentValue means "set with
// the metric default". Refresh is deliberately excluded from both the
// serialization and the fingerprint.
type Request struct {
	CohortExpr         string `json:"cohort_expr"`
	CohortGenTimestamp string `json:"cohort_gen_timestamp"`
	Metric             string `json:"metric"`

	Aggregator    string `json:"aggregator,omitempty"`
	TimeSeries    string `json:"time_series,omitempty"`
	Project       string `json:"project,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	Start         string `json:"start,omitempty"`
	End           string `json:"end,omitempty"`
	Slice         string `json:"slice,omitempty"`
	T             string `json:"t,omitempty"`
	N             string `json:"n,omitempty"`
	TimeUnit      string `json:"time_unit,omitempty"`
	TimeUnitCount string `json:"time_unit_count,omitempty"`
	ThresholdType string `json:"threshold_type,omitempty"`
	Group         string `json:"group,omitempty"`
	IsUser        string `json:"is_user,omitempty"`

	Refresh bool `json:"-"`
}

// baseFields are the identifying fields, in canonical order. A request
// missing any of them has no valid fingerprint.
var baseFields = []string{"cohort_expr", "cohort_gen_timestamp", "metric"}

// queryFields are the recognized query string variables, in canonical
// order. Fingerprints list set fields in exactly this order.
var queryFields = []string{
	"aggregator", "time_series", "project", "namespace",
	"start", "end", "slice", "t", "n",
	"time_unit", "time_unit_count",
	"threshold_type", "group", "is_user",
}

func (r *Request) value(name string) string {
	switch name {
	case "cohort_expr":
		return r.CohortExpr
	case "cohort_gen_timestamp":
		return r.CohortGenTimestamp
	case "metric":
		return r.Metric
	case "aggregator":
		return r.Aggregator
	case "time_series":
		return r.TimeSeries
	case "project":
		return r.Project
	case "namespace":
		return r.Namespace
	case "start":
		return r.Start
	case "end":
		return r.End
	case "slice":
		return r.Slice
	case "t":
		return r.T
	case "n":
		return r.N
	case "time_unit":
		return r.TimeUnit
	case "time_unit_count":
		return r.TimeUnitCount
	case "threshold_type":
		return r.ThresholdType
	case "group":
		return r.Group
	case "is_user":
		return r.IsUser
	}
	return ""
}

func (r *Request) setValue(name, value string) {
	switch name {
	case "aggregator":
		r.Aggregator = value
	case "time_series":
		r.TimeSeries = value
	case "project":
		r.Project = value
	case "namespace":
		r.Namespace = value
	case "start":
		r.Start = value
	case "end":
		r.End = value
	case "slice":
		r.Slice = value
	case "t":
		r.T = value
	case "n":
		r.N = value
	case "time_unit":
		r.TimeUnit = value
	case "time_unit_count":
		r.TimeUnitCount = value
	case "threshold_type":
		r.ThresholdType = value
	case "group":
		r.Group = value
	case "is_user":
		r.IsUser = value
	}
}

// IsTimeSeries reports whether the request asks for a time series shape.
func (r *Request) IsTimeSeries() bool { return r.TimeSeries != "" }

// IsUserRequest reports whether the cohort expression names a single
// user.
func (r *Request) IsUserRequest() bool { return r.IsUser != "" }

// KeySignature returns the ordered "name--value" items for the base
// fields and every set query field. A missing base field yields nil,
// which callers must treat as an invalid request.
func (r *Request) KeySignature() []string {
	sig := make([]string, 0, len(baseFields)+len(queryFields))
	for _, name := range baseFields {
		v := r.value(name)
		if v == "" {
			common.Logger.WithField("field", name).
				Error("request is missing a base field, no key signature")
			return nil
		}
		sig = append(sig, name+keyDelimiter+v)
	}
	for _, name := range queryFields {
		if v := r.value(name); v != "" {
			sig = append(sig, name+keyDelimiter+v)
		}
	}
	return sig
}

// Fingerprint returns the SHA-1 hex digest of the key signature, or the
// empty string for an invalid request.
func (r *Request) Fingerprint() string {
	sig := r.KeySignature()
	if sig == nil {
		return ""
	}
	return HashSignature(sig)
}

// HashSignature digests an unhashed key signature. The signature is
// encoded as a JSON array before hashing: the encoding is injective, so
// a field value containing a delimiter can never collide with a
// differently-split signature.
func HashSignature(sig []string) string {
	data, err := json.Marshal(sig)
	if err != nil {
		// A []string cannot fail to marshal.
		panic(err)
	}
	digest := sha1.Sum(data)
	return hex.EncodeToString(digest[:])
}

// Serialize renders the request for transport through the broker.
func (r *Request) Serialize() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}
	return string(data), nil
}

// Deserialize rebuilds a request from its serialized form.
func Deserialize(serialized string) (*Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(serialized), &r); err != nil {
		return nil, fmt.Errorf("failed to deserialize request: %w", err)
	}
	if r.CohortExpr == "" || r.CohortGenTimestamp == "" || r.Metric == "" {
		return nil, fmt.Errorf("deserialized request is missing base fields")
	}
	return &r, nil
}

// PackResponse composes a response broker value from a serialized request
// and its result payload.
func PackResponse(serialized, payload string) string {
	return serialized + ResponseDelimiter + payload
}

// UnpackResponse splits a response broker value into the serialized
// request and the result payload.
func UnpackResponse(value string) (serialized, payload string, err error) {
	parts := strings.SplitN(value, ResponseDelimiter, 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed response entry: missing delimiter")
	}
	return parts[0], parts[1], nil
}

// URLFromSignature reconstructs the request URL path and query string
// from an unhashed key signature, for the all-requests listing.
func URLFromSignature(sig []string) string {
	var path, query strings.Builder
	path.WriteString("cohorts/")
	for _, item := range sig {
		parts := strings.SplitN(item, keyDelimiter, 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "cohort_expr", "metric":
			path.WriteString(parts[1])
			path.WriteString("/")
		case "cohort_gen_timestamp":
			// Identifies the cohort revision, not addressable in the URL.
		default:
			if query.Len() > 0 {
				query.WriteString("&")
			}
			query.WriteString(parts[0])
			query.WriteString("=")
			query.WriteString(url.QueryEscape(parts[1]))
		}
	}
	u := strings.TrimSuffix(path.String(), "/")
	if query.Len() > 0 {
		u += "?" + query.String()
	}
	return u
}

// FromHTTP canonicalizes the URL path and query parameters of one API
// call into a Request. Unknown parameters are dropped, parameters present
// without a value take PresentValue, timestamps are validated against
// TimeFormat, and the aggregator is kept only when it is registered for
// the metric. The returned error, if any, is a *common.CodedError.
func FromHTTP(cohort, metric, cohortGenTimestamp string, params url.Values, defaultProject string) (*Request, error) {
	if !metrics.IsRegistered(metric) {
		return nil, common.NewCodedError(common.CodeBadMetricName)
	}
	m, err := metrics.Get(metric)
	if err != nil {
		return nil, common.NewCodedError(common.CodeBadMetricName)
	}

	r := &Request{
		CohortExpr:         cohort,
		CohortGenTimestamp: cohortGenTimestamp,
		Metric:             metric,
	}

	recognized := make(map[string]bool, len(m.Params()))
	for _, p := range m.Params() {
		recognized[p] = true
	}

	for _, name := range queryFields {
		if !recognized[name] || !params.Has(name) {
			continue
		}
		v := params.Get(name)
		if v == "" {
			v = PresentValue
		}
		r.setValue(name, v)
	}

	for _, field := range []*string{&r.Start, &r.End} {
		if *field == "" || *field == PresentValue {
			continue
		}
		ts, err := time.Parse(TimeFormat, *field)
		if err != nil {
			return nil, common.NewCodedError(common.CodeBadTimestamp)
		}
		*field = ts.Format(TimeFormat)
	}

	if r.Project == "" || r.Project == PresentValue {
		r.Project = defaultProject
	}
	if r.Group != DefaultGroup && r.Group != "activity" {
		r.Group = DefaultGroup
	}
	if aggregates.Key(r.Aggregator, metric) == "" {
		r.Aggregator = ""
	}

	r.Refresh = params.Has("refresh")
	return r, nil
}

// StartTime parses the start timestamp.
func (r *Request) StartTime() (time.Time, error) {
	return time.Parse(TimeFormat, r.Start)
}

// EndTime parses the end timestamp.
func (r *Request) EndTime() (time.Time, error) {
	return time.Parse(TimeFormat, r.End)
}
