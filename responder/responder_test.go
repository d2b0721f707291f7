package responder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umapi.wikimetrics.org/broker"
	"umapi.wikimetrics.org/cache"
	"umapi.wikimetrics.org/request"
)

func testFixture(t *testing.T) (broker.Broker, *cache.Cache, *Responder) {
	t.Helper()
	b, err := broker.NewFileBroker(t.TempDir())
	require.NoError(t, err)
	c, err := cache.Open(filepath.Join(t.TempDir(), "api_data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return b, c, New(b, c, 0)
}

func TestCycleCachesResponses(t *testing.T) {
	b, c, r := testFixture(t)

	req := &request.Request{
		CohortExpr:         "1",
		CohortGenTimestamp: "2013-09-01 00:00:00",
		Metric:             "edit_count",
	}
	serialized, err := req.Serialize()
	require.NoError(t, err)
	require.NoError(t, b.Add(broker.TargetResponse, req.Fingerprint(),
		request.PackResponse(serialized, `{"data":{"13234584":18}}`)))

	r.Cycle()

	payload, err := c.Get(req)
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"13234584":18}}`, payload)

	keys, err := b.GetKeys(broker.TargetResponse)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCycleDiscardsMalformedEntries(t *testing.T) {
	b, c, r := testFixture(t)

	require.NoError(t, b.Add(broker.TargetResponse, "bad1", "no delimiter"))
	require.NoError(t, b.Add(broker.TargetResponse, "bad2",
		request.PackResponse("not json", "payload")))

	req := &request.Request{
		CohortExpr:         "2",
		CohortGenTimestamp: "2013-09-01 00:00:00",
		Metric:             "edit_count",
	}
	serialized, err := req.Serialize()
	require.NoError(t, err)
	require.NoError(t, b.Add(broker.TargetResponse, req.Fingerprint(),
		request.PackResponse(serialized, "good")))

	r.Cycle()

	// The good entry behind the bad ones still lands in the cache.
	payload, err := c.Get(req)
	require.NoError(t, err)
	assert.Equal(t, "good", payload)

	keys, err := b.GetKeys(broker.TargetResponse)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
