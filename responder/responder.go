// Package responder commits finished job payloads from the response
// target into the result cache.
package responder

import (
	"context"
	"time"

	"umapi.wikimetrics.org/broker"
	"umapi.wikimetrics.org/cache"
	"umapi.wikimetrics.org/common"
	"umapi.wikimetrics.org/request"
)

// Responder polls the response target and stores each payload in the
// cache under the request fingerprint.
type Responder struct {
	broker broker.Broker
	cache  *cache.Cache
	poll   time.Duration
}

// New creates a responder. A non-positive poll interval falls back to
// the service default.
func New(b broker.Broker, c *cache.Cache, poll time.Duration) *Responder {
	if poll <= 0 {
		poll = common.DefaultServiceConfig().PollInterval
	}
	return &Responder{broker: b, cache: c, poll: poll}
}

// Run polls until the context is done.
func (r *Responder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	common.Logger.Info("response handler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Cycle()
		}
	}
}

// Cycle drains every entry currently on the response target. A malformed
// entry is logged and discarded so it cannot wedge the pipeline.
func (r *Responder) Cycle() {
	for {
		item, err := r.broker.Pop(broker.TargetResponse)
		if err == broker.ErrNotFound {
			return
		}
		if err != nil {
			common.Logger.WithField("error", err.Error()).
				Error("failed to pop response target")
			return
		}

		serialized, payload, err := request.UnpackResponse(item.Value)
		if err != nil {
			common.Logger.WithField("fingerprint", item.Key).
				WithField("error", err.Error()).
				Error("discarding malformed response entry")
			continue
		}

		req, err := request.Deserialize(serialized)
		if err != nil {
			common.Logger.WithField("fingerprint", item.Key).
				WithField("error", err.Error()).
				Error("discarding response with unreadable request")
			continue
		}

		if err := r.cache.Set(req, payload); err != nil {
			common.Logger.WithField("fingerprint", item.Key).
				WithField("error", err.Error()).
				Error("failed to cache response payload")
			continue
		}
		common.Logger.WithField("fingerprint", item.Key).
			Info("response cached")
	}
}
