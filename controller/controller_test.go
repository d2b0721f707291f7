package controller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umapi.wikimetrics.org/broker"
	"umapi.wikimetrics.org/request"
	"umapi.wikimetrics.org/worker"
)

// scriptedRunner completes immediately with a fixed payload unless told
// to block until released.
type scriptedRunner struct {
	payload string

	mu       sync.Mutex
	block    bool
	release  chan struct{}
	started  int
	finished int
}

func (r *scriptedRunner) Run(ctx context.Context, serialized string, out chan<- string) {
	defer close(out)

	r.mu.Lock()
	r.started++
	block := r.block
	release := r.release
	r.mu.Unlock()

	if block {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
	}

	for chunk := r.payload; len(chunk) > 0; {
		n := len(chunk)
		if n > worker.MaxBlockSize {
			n = worker.MaxBlockSize
		}
		select {
		case out <- chunk[:n]:
			chunk = chunk[n:]
		case <-ctx.Done():
			return
		}
	}

	r.mu.Lock()
	r.finished++
	r.mu.Unlock()
}

func (r *scriptedRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func testBroker(t *testing.T) broker.Broker {
	t.Helper()
	b, err := broker.NewFileBroker(t.TempDir())
	require.NoError(t, err)
	return b
}

func enqueue(t *testing.T, b broker.Broker, cohort string) string {
	t.Helper()
	r := &request.Request{
		CohortExpr:         cohort,
		CohortGenTimestamp: "2013-09-01 00:00:00",
		Metric:             "edit_count",
	}
	serialized, err := r.Serialize()
	require.NoError(t, err)
	require.NoError(t, b.Add(broker.TargetRequest, r.Fingerprint(), serialized))
	return r.Fingerprint()
}

// cycleUntil runs controller cycles until cond holds or the deadline
// passes. Worker goroutines need real time to finish.
func cycleUntil(t *testing.T, c *Controller, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.Cycle(context.Background())
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestLifecycle(t *testing.T) {
	b := testBroker(t)
	runner := &scriptedRunner{payload: `{"data":{"13234584":18}}`}
	c := New(Config{Broker: b, Worker: runner})

	fingerprint := enqueue(t, b, "1")

	// First cycle moves the fingerprint into process and starts the job.
	c.Cycle(context.Background())
	inProcess, err := b.IsItem(broker.TargetProcess, fingerprint)
	require.NoError(t, err)
	assert.True(t, inProcess)
	assert.Equal(t, 1, c.Running())

	// Subsequent cycles drain it into response.
	cycleUntil(t, c, func() bool { return c.Running() == 0 })

	inProcess, err = b.IsItem(broker.TargetProcess, fingerprint)
	require.NoError(t, err)
	assert.False(t, inProcess)

	value, err := b.Get(broker.TargetResponse, fingerprint)
	require.NoError(t, err)
	serialized, payload, err := request.UnpackResponse(value)
	require.NoError(t, err)
	assert.Contains(t, serialized, `"cohort_expr":"1"`)
	assert.Equal(t, `{"data":{"13234584":18}}`, payload)
}

func TestConcurrencyCap(t *testing.T) {
	b := testBroker(t)
	runner := &scriptedRunner{block: true, release: make(chan struct{})}
	c := New(Config{Broker: b, Worker: runner, MaxConcurrentJobs: 2})

	for _, cohort := range []string{"1", "2", "3", "4"} {
		enqueue(t, b, cohort)
	}

	c.Cycle(context.Background())
	assert.Equal(t, 2, c.Running())
	assert.Equal(t, 2, runner.startedCount())

	// Still capped while jobs block.
	c.Cycle(context.Background())
	assert.Equal(t, 2, c.Running())

	close(runner.release)
	cycleUntil(t, c, func() bool { return c.Running() == 0 && runner.startedCount() == 4 })
}

func TestDuplicateSubmissionRunsOnce(t *testing.T) {
	b := testBroker(t)
	runner := &scriptedRunner{block: true, release: make(chan struct{})}
	c := New(Config{Broker: b, Worker: runner, MaxConcurrentJobs: 2})

	fingerprint := enqueue(t, b, "1")
	enqueue(t, b, "1")

	c.Cycle(context.Background())
	assert.Equal(t, 1, c.Running())
	assert.Equal(t, 1, runner.startedCount())

	// The duplicate was consumed without a second worker.
	keys, err := b.GetKeys(broker.TargetRequest)
	require.NoError(t, err)
	assert.Empty(t, keys)

	close(runner.release)
	cycleUntil(t, c, func() bool { return c.Running() == 0 })
	assert.Equal(t, 1, runner.startedCount())

	ok, err := b.IsItem(broker.TargetResponse, fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobTimeout(t *testing.T) {
	b := testBroker(t)
	runner := &scriptedRunner{block: true, release: make(chan struct{})}
	c := New(Config{Broker: b, Worker: runner, JobTimeout: 20 * time.Millisecond})

	fingerprint := enqueue(t, b, "1")
	c.Cycle(context.Background())
	require.Equal(t, 1, c.Running())

	time.Sleep(50 * time.Millisecond)
	cycleUntil(t, c, func() bool { return c.Running() == 0 })

	value, err := b.Get(broker.TargetResponse, fingerprint)
	require.NoError(t, err)
	_, payload, err := request.UnpackResponse(value)
	require.NoError(t, err)
	assert.Contains(t, payload, "timed out")

	inProcess, err := b.IsItem(broker.TargetProcess, fingerprint)
	require.NoError(t, err)
	assert.False(t, inProcess)
}

func TestLateDrainKeepsCompletedPayload(t *testing.T) {
	b := testBroker(t)
	runner := &scriptedRunner{payload: `{"data":"done"}`}
	c := New(Config{Broker: b, Worker: runner, JobTimeout: 10 * time.Millisecond})

	fingerprint := enqueue(t, b, "1")
	c.Cycle(context.Background())
	require.Equal(t, 1, c.Running())

	// The worker finishes almost immediately, but the controller only
	// looks again after the deadline has passed.
	time.Sleep(50 * time.Millisecond)
	cycleUntil(t, c, func() bool { return c.Running() == 0 })

	value, err := b.Get(broker.TargetResponse, fingerprint)
	require.NoError(t, err)
	_, payload, err := request.UnpackResponse(value)
	require.NoError(t, err)
	assert.Equal(t, `{"data":"done"}`, payload)
}

func TestRecover(t *testing.T) {
	b := testBroker(t)

	r := &request.Request{
		CohortExpr:         "1",
		CohortGenTimestamp: "2013-09-01 00:00:00",
		Metric:             "edit_count",
	}
	serialized, err := r.Serialize()
	require.NoError(t, err)
	require.NoError(t, b.Add(broker.TargetProcess, r.Fingerprint(), serialized))

	c := New(Config{Broker: b, Worker: &scriptedRunner{}})
	require.NoError(t, c.Recover())

	inProcess, err := b.IsItem(broker.TargetProcess, r.Fingerprint())
	require.NoError(t, err)
	assert.False(t, inProcess)

	value, err := b.Get(broker.TargetResponse, r.Fingerprint())
	require.NoError(t, err)
	restored, payload, err := request.UnpackResponse(value)
	require.NoError(t, err)
	assert.Equal(t, serialized, restored)
	assert.Contains(t, payload, "abandoned")
}

func TestDropRunningJob(t *testing.T) {
	b := testBroker(t)
	runner := &scriptedRunner{block: true, release: make(chan struct{})}
	c := New(Config{Broker: b, Worker: runner})

	fingerprint := enqueue(t, b, "1")
	c.Cycle(context.Background())
	require.Equal(t, 1, c.Running())

	require.NoError(t, c.Drop(fingerprint))
	assert.Equal(t, 0, c.Running())

	value, err := b.Get(broker.TargetResponse, fingerprint)
	require.NoError(t, err)
	_, payload, err := request.UnpackResponse(value)
	require.NoError(t, err)
	assert.Contains(t, payload, "dropped")
}

func TestDropUnknownFingerprint(t *testing.T) {
	b := testBroker(t)
	c := New(Config{Broker: b, Worker: &scriptedRunner{}})
	assert.ErrorIs(t, c.Drop(strings.Repeat("0", 40)), broker.ErrNotFound)
}
