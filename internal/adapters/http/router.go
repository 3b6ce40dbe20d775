package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
)

// Store is the slice of the system database the admin surface reads.
type Store interface {
	GetWorkflowStatus(ctx context.Context, workflowID string) (*domain.WorkflowStatusRow, error)
	ListWorkflows(ctx context.Context, filter domain.ListWorkflowsFilter) ([]*domain.WorkflowStatusRow, error)
	Health(ctx context.Context) error
}

// Admin is the slice of the executor the admin surface drives.
type Admin interface {
	CancelWorkflow(ctx context.Context, workflowID string) error
	ResumeWorkflow(ctx context.Context, workflowID string) (ports.WorkflowHandle, error)
}

// Dependencies wires the router.
type Dependencies struct {
	Store    Store
	Admin    Admin
	Logger   *slog.Logger
	Gatherer prometheus.Gatherer
}

// Router exposes the operational admin surface: health, metrics, and
// workflow listing/cancel/resume. The user-facing workflow API is not served
// here.
type Router struct {
	echo *echo.Echo
	deps Dependencies
}

// NewRouter builds the admin router on e.
func NewRouter(e *echo.Echo, deps Dependencies) *Router {
	r := &Router{echo: e, deps: deps}
	r.registerRoutes()
	return r
}

func (r *Router) registerRoutes() {
	r.echo.Use(echomw.Recover())
	r.echo.Use(echomw.RequestID())

	r.echo.GET("/health", r.health)
	if r.deps.Gatherer != nil {
		r.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(r.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	r.echo.GET("/workflows", r.listWorkflows)
	r.echo.GET("/workflows/:id", r.getWorkflow)
	r.echo.POST("/workflows/:id/cancel", r.cancelWorkflow)
	r.echo.POST("/workflows/:id/resume", r.resumeWorkflow)
}

func (r *Router) health(c echo.Context) error {
	if err := r.deps.Store.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type workflowSummary struct {
	WorkflowID  string `json:"workflow_id"`
	Status      string `json:"status"`
	Name        string `json:"name"`
	QueueName   string `json:"queue_name,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

func (r *Router) listWorkflows(c echo.Context) error {
	filter := domain.ListWorkflowsFilter{
		Status: domain.WorkflowStatus(c.QueryParam("status")),
		Name:   c.QueryParam("name"),
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		filter.Limit = n
	}

	rows, err := r.deps.Store.ListWorkflows(c.Request().Context(), filter)
	if err != nil {
		r.deps.Logger.Error("list workflows failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "list failed"})
	}

	out := make([]workflowSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, workflowSummary{
			WorkflowID:  row.WorkflowID,
			Status:      string(row.Status),
			Name:        row.Name,
			QueueName:   row.QueueName,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
			CompletedAt: row.CompletedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (r *Router) getWorkflow(c echo.Context) error {
	row, err := r.deps.Store.GetWorkflowStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		r.deps.Logger.Error("get workflow failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	}
	if row == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "workflow not found"})
	}
	return c.JSON(http.StatusOK, row)
}

func (r *Router) cancelWorkflow(c echo.Context) error {
	err := r.deps.Admin.CancelWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "workflow not found"})
		}
		r.deps.Logger.Error("cancel workflow failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "cancel failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

func (r *Router) resumeWorkflow(c echo.Context) error {
	handle, err := r.deps.Admin.ResumeWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "workflow not found"})
		}
		r.deps.Logger.Error("resume workflow failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "resume failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"workflow_id": handle.ID(), "status": "resumed"})
}
