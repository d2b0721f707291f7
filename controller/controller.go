// Package controller moves request fingerprints through the
// request/process/response pipeline. A single loop drains finished
// workers first, then dispatches queued requests up to the concurrency
// cap. All durable state lives in the broker, so a restarted controller
// can account for every fingerprint it left behind.
package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"umapi.wikimetrics.org/broker"
	"umapi.wikimetrics.org/common"
	"umapi.wikimetrics.org/request"
	"umapi.wikimetrics.org/worker"
)

// job tracks one in-flight worker.
type job struct {
	id          uint64
	fingerprint string
	serialized  string
	out         chan string
	buf         strings.Builder
	cancel      context.CancelFunc
	deadline    time.Time
}

// Runner executes one serialized request, streaming the payload to out
// and closing it when done. The production implementation is
// worker.Worker.
type Runner interface {
	Run(ctx context.Context, serialized string, out chan<- string)
}

// Config wires a controller.
type Config struct {
	Broker            broker.Broker
	Worker            Runner
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	PollInterval      time.Duration
}

// Controller runs the job pipeline loop.
type Controller struct {
	broker  broker.Broker
	worker  Runner
	maxJobs int
	timeout time.Duration
	poll    time.Duration

	mu     sync.Mutex
	nextID uint64
	jobs   map[string]*job
}

// New creates a controller. Zero config values fall back to the service
// defaults.
func New(cfg Config) *Controller {
	defaults := common.DefaultServiceConfig()
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaults.JobTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	return &Controller{
		broker:  cfg.Broker,
		worker:  cfg.Worker,
		maxJobs: cfg.MaxConcurrentJobs,
		timeout: cfg.JobTimeout,
		poll:    cfg.PollInterval,
		jobs:    map[string]*job{},
	}
}

// Recover accounts for jobs abandoned by a previous run: every leftover
// entry in the process target becomes a failure payload on the response
// target. Re-running an expensive metric silently is worse than asking
// the client to resubmit.
func (c *Controller) Recover() error {
	items, err := c.broker.GetAllItems(broker.TargetProcess)
	if err != nil {
		return err
	}
	for _, item := range items {
		common.Logger.WithField("fingerprint", item.Key).
			Warning("recovering abandoned job")
		payload := worker.FailurePayload(item.Value, "job abandoned by controller restart")
		if err := c.broker.Add(broker.TargetResponse, item.Key,
			request.PackResponse(item.Value, payload)); err != nil {
			return err
		}
		if err := c.broker.Remove(broker.TargetProcess, item.Key); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the control loop until the context is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	common.Logger.WithField("max_jobs", c.maxJobs).Info("job controller started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.Cycle(ctx)
		}
	}
}

// Cycle performs one controller iteration: drain finished and expired
// jobs, then dispatch queued requests up to the concurrency cap.
func (c *Controller) Cycle(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()
	c.dispatch(ctx)
}

// Running returns the number of tracked jobs.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Drop cancels a tracked or abandoned job: the fingerprint leaves the
// process target and a failure payload is written so the client gets a
// definite answer. Used by the admin endpoint.
func (c *Controller) Drop(fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	serialized := ""
	if j, ok := c.jobs[fingerprint]; ok {
		j.cancel()
		serialized = j.serialized
		delete(c.jobs, fingerprint)
	} else {
		value, err := c.broker.Get(broker.TargetProcess, fingerprint)
		if err != nil {
			return err
		}
		serialized = value
	}

	payload := worker.FailurePayload(serialized, "job dropped by administrator")
	if err := c.broker.Add(broker.TargetResponse, fingerprint,
		request.PackResponse(serialized, payload)); err != nil {
		return err
	}
	return c.broker.Remove(broker.TargetProcess, fingerprint)
}

// drain collects output from every tracked job and retires the finished
// and expired ones.
func (c *Controller) drain() {
	for fingerprint, j := range c.jobs {
		finished := false
	collect:
		for {
			select {
			case chunk, ok := <-j.out:
				if !ok {
					finished = true
					break collect
				}
				j.buf.WriteString(chunk)
			default:
				break collect
			}
		}

		// A finished job with output is a success even when observed
		// after its deadline; computed results are never discarded.
		switch {
		case finished && j.buf.Len() > 0:
			c.complete(j)
			delete(c.jobs, fingerprint)
		case finished || time.Now().After(j.deadline):
			c.fail(j, "job timed out")
			delete(c.jobs, fingerprint)
		}
	}
}

// dispatch pops queued requests and starts workers while capacity
// remains.
func (c *Controller) dispatch(ctx context.Context) {
	for len(c.jobs) < c.maxJobs {
		item, err := c.broker.Pop(broker.TargetRequest)
		if err == broker.ErrNotFound {
			return
		}
		if err != nil {
			common.Logger.WithField("error", err.Error()).
				Error("failed to pop request target")
			return
		}

		// A fingerprint already tracked or already in process is a
		// duplicate submission; the first one answers both.
		if _, tracked := c.jobs[item.Key]; tracked {
			continue
		}
		if running, _ := c.broker.IsItem(broker.TargetProcess, item.Key); running {
			continue
		}

		if err := c.broker.Add(broker.TargetProcess, item.Key, item.Value); err != nil {
			common.Logger.WithField("error", err.Error()).
				Error("failed to mark request as processing")
			return
		}
		c.start(ctx, item.Key, item.Value)
	}
}

func (c *Controller) start(ctx context.Context, fingerprint, serialized string) {
	c.nextID++
	jobCtx, cancel := context.WithTimeout(ctx, c.timeout)

	j := &job{
		id:          c.nextID,
		fingerprint: fingerprint,
		serialized:  serialized,
		out:         make(chan string, 64),
		cancel:      cancel,
		deadline:    time.Now().Add(c.timeout),
	}
	c.jobs[fingerprint] = j

	common.Logger.WithField("job_id", j.id).
		WithField("fingerprint", fingerprint).
		Info("starting job")
	go func() {
		defer cancel()
		c.worker.Run(jobCtx, serialized, j.out)
	}()
}

func (c *Controller) complete(j *job) {
	j.cancel()
	common.Logger.WithField("job_id", j.id).
		WithField("fingerprint", j.fingerprint).
		Info("job complete")

	if err := c.broker.Add(broker.TargetResponse, j.fingerprint,
		request.PackResponse(j.serialized, j.buf.String())); err != nil {
		common.Logger.WithField("error", err.Error()).
			Error("failed to enqueue job response")
		return
	}
	if err := c.broker.Remove(broker.TargetProcess, j.fingerprint); err != nil {
		common.Logger.WithField("error", err.Error()).
			Error("failed to clear process entry")
	}
}

func (c *Controller) fail(j *job, message string) {
	j.cancel()
	common.Logger.WithField("job_id", j.id).
		WithField("fingerprint", j.fingerprint).
		Warning(message)

	payload := worker.FailurePayload(j.serialized, message)
	if err := c.broker.Add(broker.TargetResponse, j.fingerprint,
		request.PackResponse(j.serialized, payload)); err != nil {
		common.Logger.WithField("error", err.Error()).
			Error("failed to enqueue failure payload")
		return
	}
	if err := c.broker.Remove(broker.TargetProcess, j.fingerprint); err != nil {
		common.Logger.WithField("error", err.Error()).
			Error("failed to clear process entry")
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		j.cancel()
	}
}
