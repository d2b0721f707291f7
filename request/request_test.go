package request

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umapi.wikimetrics.org/common"
)

const testTS = "2013-09-01 00:00:00"

func mustFromHTTP(t *testing.T, cohort, metric, rawQuery string) *Request {
	t.Helper()
	params, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	r, err := FromHTTP(cohort, metric, testTS, params, "enwiki")
	require.NoError(t, err)
	return r
}

func TestFromHTTPDefaults(t *testing.T) {
	r := mustFromHTTP(t, "1", "edit_count", "start=2013-01-01 00:00:00&end=2013-01-08 00:00:00")

	assert.Equal(t, "1", r.CohortExpr)
	assert.Equal(t, testTS, r.CohortGenTimestamp)
	assert.Equal(t, "edit_count", r.Metric)
	assert.Equal(t, "enwiki", r.Project)
	assert.Equal(t, DefaultGroup, r.Group)
	assert.False(t, r.Refresh)
	assert.False(t, r.IsTimeSeries())
}

func TestFromHTTPUnknownMetric(t *testing.T) {
	_, err := FromHTTP("1", "no_such_metric", testTS, url.Values{}, "enwiki")
	require.Error(t, err)
	coded, ok := err.(*common.CodedError)
	require.True(t, ok)
	assert.Equal(t, common.CodeBadMetricName, coded.Code)
}

func TestFromHTTPBadTimestamp(t *testing.T) {
	params := url.Values{"start": {"January 1st"}}
	_, err := FromHTTP("1", "edit_count", testTS, params, "enwiki")
	require.Error(t, err)
	coded, ok := err.(*common.CodedError)
	require.True(t, ok)
	assert.Equal(t, common.CodeBadTimestamp, coded.Code)
}

func TestFromHTTPFiltersUnknownParams(t *testing.T) {
	r := mustFromHTTP(t, "1", "edit_count", "start=2013-01-01 00:00:00&junk=1&utm_source=twitter")

	sig := r.KeySignature()
	for _, item := range sig {
		assert.False(t, strings.HasPrefix(item, "junk"), item)
		assert.False(t, strings.HasPrefix(item, "utm_source"), item)
	}
}

func TestFromHTTPPresentSentinel(t *testing.T) {
	r := mustFromHTTP(t, "1", "edit_count", "time_series=&namespace=0")
	assert.Equal(t, PresentValue, r.TimeSeries)
	assert.Equal(t, "0", r.Namespace)
	assert.True(t, r.IsTimeSeries())
}

func TestFromHTTPAggregatorValidation(t *testing.T) {
	// sum is registered for bytes_added but not for threshold.
	r := mustFromHTTP(t, "1", "bytes_added", "aggregator=sum")
	assert.Equal(t, "sum", r.Aggregator)

	r = mustFromHTTP(t, "1", "threshold", "aggregator=sum")
	assert.Equal(t, "", r.Aggregator)
}

func TestFingerprintEquivalence(t *testing.T) {
	// Same parameters in different query order fingerprint identically.
	r1 := mustFromHTTP(t, "1", "edit_count", "start=2013-01-01 00:00:00&end=2013-01-08 00:00:00")
	r2 := mustFromHTTP(t, "1", "edit_count", "end=2013-01-08 00:00:00&start=2013-01-01 00:00:00")
	assert.Equal(t, r1.Fingerprint(), r2.Fingerprint())

	// A differing parameter changes the fingerprint.
	r3 := mustFromHTTP(t, "1", "edit_count", "start=2013-01-01 00:00:00&end=2013-01-09 00:00:00")
	assert.NotEqual(t, r1.Fingerprint(), r3.Fingerprint())

	// A different metric changes the fingerprint.
	r4 := mustFromHTTP(t, "1", "bytes_added", "start=2013-01-01 00:00:00&end=2013-01-08 00:00:00")
	assert.NotEqual(t, r1.Fingerprint(), r4.Fingerprint())
}

func TestFingerprintValueContainingDelimiters(t *testing.T) {
	// A value that embeds the item separators must not collide with the
	// request whose signature genuinely splits there.
	r1 := mustFromHTTP(t, "1", "edit_count", "project=a&t=5")
	r2 := mustFromHTTP(t, "1", "edit_count", "project=a,t--5")

	require.NotEqual(t, r1.KeySignature(), r2.KeySignature())
	assert.NotEqual(t, r1.Fingerprint(), r2.Fingerprint())
}

func TestRefreshNeverFingerprinted(t *testing.T) {
	r1 := mustFromHTTP(t, "1", "edit_count", "start=2013-01-01 00:00:00")
	r2 := mustFromHTTP(t, "1", "edit_count", "start=2013-01-01 00:00:00&refresh")

	assert.True(t, r2.Refresh)
	assert.Equal(t, r1.Fingerprint(), r2.Fingerprint())
	for _, item := range r2.KeySignature() {
		assert.False(t, strings.Contains(item, "refresh"), item)
	}
}

func TestKeySignatureMissingBaseField(t *testing.T) {
	r := &Request{CohortExpr: "1", Metric: "edit_count"}
	assert.Nil(t, r.KeySignature())
	assert.Equal(t, "", r.Fingerprint())
}

func TestKeySignatureOrder(t *testing.T) {
	r := mustFromHTTP(t, "1", "edit_count", "end=2013-01-08 00:00:00&start=2013-01-01 00:00:00")

	sig := r.KeySignature()
	require.NotNil(t, sig)
	assert.Equal(t, "cohort_expr--1", sig[0])
	assert.Equal(t, "cohort_gen_timestamp--"+testTS, sig[1])
	assert.Equal(t, "metric--edit_count", sig[2])

	// start is listed before end regardless of query order.
	var startIdx, endIdx int
	for i, item := range sig {
		if strings.HasPrefix(item, "start--") {
			startIdx = i
		}
		if strings.HasPrefix(item, "end--") {
			endIdx = i
		}
	}
	assert.Less(t, startIdx, endIdx)
}

func TestSerializeRoundTrip(t *testing.T) {
	r := mustFromHTTP(t, "1&2~3", "bytes_added",
		"start=2013-01-01 00:00:00&end=2013-01-08 00:00:00&aggregator=sum&time_series=&slice=12")

	serialized, err := r.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(serialized)
	require.NoError(t, err)
	assert.Equal(t, r.Fingerprint(), restored.Fingerprint())
	assert.Equal(t, r.CohortExpr, restored.CohortExpr)
	assert.Equal(t, r.Aggregator, restored.Aggregator)
	assert.Equal(t, r.Slice, restored.Slice)
}

func TestDeserializeInvalid(t *testing.T) {
	_, err := Deserialize("not json")
	assert.Error(t, err)

	_, err = Deserialize(`{"cohort_expr": "1"}`)
	assert.Error(t, err)
}

func TestPackUnpackResponse(t *testing.T) {
	packed := PackResponse(`{"cohort_expr":"1"}`, `{"data":{"13234584":18}}`)

	serialized, payload, err := UnpackResponse(packed)
	require.NoError(t, err)
	assert.Equal(t, `{"cohort_expr":"1"}`, serialized)
	assert.Equal(t, `{"data":{"13234584":18}}`, payload)

	_, _, err = UnpackResponse("no delimiter here")
	assert.Error(t, err)
}

func TestURLFromSignature(t *testing.T) {
	r := mustFromHTTP(t, "1", "edit_count", "start=2013-01-01 00:00:00&end=2013-01-08 00:00:00")

	u := URLFromSignature(r.KeySignature())
	assert.True(t, strings.HasPrefix(u, "cohorts/1/edit_count?"), u)
	assert.Contains(t, u, "start=")
	assert.Contains(t, u, "end=")
	assert.NotContains(t, u, "cohort_gen_timestamp")
}
