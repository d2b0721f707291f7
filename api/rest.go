// Package api exposes the metrics pipeline over HTTP. The frontend never
// computes anything itself: it answers from the result cache or records
// the request on the broker and reports the job state.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"umapi.wikimetrics.org/aggregates"
	"umapi.wikimetrics.org/broker"
	"umapi.wikimetrics.org/cache"
	"umapi.wikimetrics.org/cohorts"
	"umapi.wikimetrics.org/common"
	"umapi.wikimetrics.org/metrics"
	"umapi.wikimetrics.org/request"
	"umapi.wikimetrics.org/security"
)

// epochTimestamp is the cohort refresh timestamp used when no refresh
// record exists, so fingerprints stay stable across calls.
const epochTimestamp = "1970-01-01 00:00:00"

// JobDropper cancels a job by fingerprint. Implemented by the controller.
type JobDropper interface {
	Drop(fingerprint string) error
}

// Handlers carries the pipeline surfaces the HTTP layer talks to.
type Handlers struct {
	Broker         broker.Broker
	Cache          *cache.Cache
	Resolver       cohorts.Resolver
	Jobs           JobDropper
	JWT            *security.JWTService
	JWTSecret      string
	DefaultProject string
}

// SetupRoutes registers the public and JWT-protected endpoints.
func SetupRoutes(e *echo.Echo, h *Handlers) {
	e.GET("/cohorts/:cohort/:metric", h.GetMetric)
	e.GET("/metrics", h.ListMetrics)
	e.POST("/auth/token", h.GenerateToken)

	protected := e.Group("")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(h.JWTSecret),
		TokenLookup: "header:Authorization:Bearer ",
	}))

	protected.GET("/all_requests", h.AllRequests)
	protected.GET("/job_queue", h.JobQueue)
	protected.DELETE("/job_queue/:fingerprint", h.DropJob)
}

// statusResponse is the body returned while a job is pending. HTTP 200
// throughout: job state is not an HTTP failure.
type statusResponse struct {
	Status      string `json:"status"`
	Code        *int   `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

func errorBody(code int) map[string]interface{} {
	return map[string]interface{}{
		"error": common.ErrorCodes[code],
		"code":  code,
	}
}

// GetMetric answers one metrics request: cached payload, job state, or a
// freshly enqueued job.
func (h *Handlers) GetMetric(c echo.Context) error {
	cohort := c.Param("cohort")
	metric := c.Param("metric")
	params := c.QueryParams()

	if err := validateCohortParam(cohort); err != nil {
		return c.JSON(http.StatusOK, errorBody(common.CodeRequestError))
	}

	r, err := request.FromHTTP(cohort, metric,
		h.refreshTimestamp(c.Request().Context(), cohort), params, h.DefaultProject)
	if err != nil {
		code := common.CodeRequestError
		if coded, ok := err.(*common.CodedError); ok {
			code = coded.Code
		}
		return c.JSON(http.StatusOK, errorBody(code))
	}

	fingerprint := r.Fingerprint()
	if fingerprint == "" {
		return c.JSON(http.StatusOK, errorBody(common.CodeRequestError))
	}

	if !r.Refresh {
		if payload, err := h.Cache.Get(r); err == nil {
			return c.JSONBlob(http.StatusOK, []byte(payload))
		}
	}

	if queued, _ := h.Broker.IsItem(broker.TargetRequest, fingerprint); queued {
		code := common.CodeAlreadyQueued
		return c.JSON(http.StatusOK, statusResponse{
			Status:      "queued",
			Code:        &code,
			Message:     common.ErrorCodes[code],
			Fingerprint: fingerprint,
		})
	}
	if running, _ := h.Broker.IsItem(broker.TargetProcess, fingerprint); running {
		code := common.CodeAlreadyRunning
		return c.JSON(http.StatusOK, statusResponse{
			Status:      "running",
			Code:        &code,
			Message:     common.ErrorCodes[code],
			Fingerprint: fingerprint,
		})
	}

	serialized, err := r.Serialize()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(common.CodeRequestError))
	}
	if err := h.Broker.Add(broker.TargetRequest, fingerprint, serialized); err != nil {
		common.Logger.WithField("error", err.Error()).
			Error("failed to enqueue request")
		return c.JSON(http.StatusInternalServerError, errorBody(common.CodeRequestError))
	}

	common.Logger.WithField("fingerprint", fingerprint).
		WithField("metric", metric).
		Info("request accepted")
	return c.JSON(http.StatusOK, statusResponse{Status: "accepted", Fingerprint: fingerprint})
}

// validateCohortParam rejects expressions that use the operators without
// matching the grammar, before a worker is spent on them.
func validateCohortParam(cohort string) error {
	if cohort == "" {
		return cohorts.ErrBadExpression
	}
	if strings.ContainsAny(cohort, "&~") && !cohorts.IsExpression(cohort) {
		return cohorts.ErrBadExpression
	}
	return nil
}

// refreshTimestamp derives the cohort_gen_timestamp base field. The first
// cohort of an expression is authoritative; anything without a refresh
// record keys on the epoch so repeated calls fingerprint identically.
func (h *Handlers) refreshTimestamp(ctx context.Context, cohort string) string {
	if cohort == cohorts.AllUsers {
		return epochTimestamp
	}

	var id int
	if cohorts.IsExpression(cohort) {
		first := cohort
		if i := strings.IndexAny(first, "&~"); i >= 0 {
			first = first[:i]
		}
		var err error
		id, err = strconv.Atoi(first)
		if err != nil {
			return epochTimestamp
		}
	} else {
		var err error
		id, err = h.Resolver.ID(ctx, cohort)
		if err != nil {
			return epochTimestamp
		}
	}

	refreshed, err := h.Resolver.RefreshedAt(ctx, id)
	if err != nil || refreshed.IsZero() {
		return epochTimestamp
	}
	return refreshed.UTC().Format(request.TimeFormat)
}

// ListMetrics reports the registered metrics and aggregators.
func (h *Handlers) ListMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"metrics":     metrics.Names(),
		"aggregators": aggregates.Names(),
	})
}

// AllRequests lists every cached result as its reconstructed request URL.
func (h *Handlers) AllRequests(c echo.Context) error {
	entries, err := h.Cache.Items()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(common.CodeRequestError))
	}

	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		urls = append(urls, request.URLFromSignature(entry.KeySignature))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requests": urls})
}

// queueEntry is one row of the job queue listing.
type queueEntry struct {
	Fingerprint string `json:"fingerprint"`
	State       string `json:"state"`
}

// JobQueue lists pending fingerprints across the pipeline targets.
func (h *Handlers) JobQueue(c echo.Context) error {
	states := []struct {
		target string
		label  string
	}{
		{broker.TargetRequest, "queued"},
		{broker.TargetProcess, "running"},
		{broker.TargetResponse, "draining"},
	}

	var entries []queueEntry
	for _, s := range states {
		keys, err := h.Broker.GetKeys(s.target)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(common.CodeRequestError))
		}
		for _, key := range keys {
			entries = append(entries, queueEntry{Fingerprint: key, State: s.label})
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": entries})
}

// DropJob cancels a running or abandoned job by fingerprint.
func (h *Handlers) DropJob(c echo.Context) error {
	fingerprint := c.Param("fingerprint")

	err := h.Jobs.Drop(fingerprint)
	if err == broker.ErrNotFound {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no such job"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(common.CodeRequestError))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "dropped", "fingerprint": fingerprint})
}

// TokenRequest is the body of a token issuance call.
type TokenRequest struct {
	UserID string `json:"user_id"`
}

// TokenResponse carries a signed access token.
type TokenResponse struct {
	Token string `json:"token"`
}

// GenerateToken issues a JWT for the protected endpoints.
func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	token, err := h.JWT.GenerateToken(req.UserID, 24*time.Hour)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to generate token"})
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}
