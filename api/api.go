// Package api exposes the HTTP surface: batch callback ingestion,
// manual review decisions, and manual webhook retries. Inbound
// callbacks authenticate with a shared secret header.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/task"
	"github.com/taskloom/taskloom/webhook"
)

// SecretHeader carries the shared callback secret on inbound requests.
const SecretHeader = "X-Callback-Secret"

// Store is the read surface the API needs beyond the subsystem
// services.
type Store interface {
	task.Store
	daemon.Store
	batch.Store
}

// API wires the HTTP handlers together.
type API struct {
	store   Store
	batches *batch.Coordinator
	hooks   *webhook.Executor
	secret  string
	logger  *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithSecret sets the shared callback secret. An empty secret disables
// the check.
func WithSecret(secret string) Option {
	return func(a *API) { a.secret = secret }
}

// WithWebhookExecutor enables the manual retry route.
func WithWebhookExecutor(ex *webhook.Executor) Option {
	return func(a *API) { a.hooks = ex }
}

// New creates an API over the batch coordinator and store.
func New(store Store, batches *batch.Coordinator, logger *slog.Logger, opts ...Option) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		store:   store,
		batches: batches,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	a.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers all routes into the given gin engine.
func (a *API) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	{
		v1.POST("/batch-jobs/:id/callbacks", a.ingestCallback)
		v1.POST("/batch-jobs/:id/review", a.reviewJob)
		v1.GET("/batch-jobs/:id", a.getBatchJob)
		v1.GET("/batch-jobs/:id/items", a.listBatchItems)
		v1.POST("/tasks/:id/retry", a.retryTask)
		v1.GET("/tasks/:id", a.getTask)
		v1.GET("/executions", a.listExecutions)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskloom.ErrTaskNotFound),
		errors.Is(err, taskloom.ErrBatchJobNotFound),
		errors.Is(err, taskloom.ErrBatchItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, taskloom.ErrBadSecret):
		status = http.StatusUnauthorized
	case errors.Is(err, taskloom.ErrResultSealed),
		errors.Is(err, taskloom.ErrNotReviewable),
		errors.Is(err, taskloom.ErrNotRetryable),
		errors.Is(err, taskloom.ErrExpectedCount),
		errors.Is(err, taskloom.ErrInvalidState):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
