package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/filter"
	"github.com/ampelproject/decentfilter/internal/logger"
)

// EvaluateResponse is the body of a successful evaluation.
type EvaluateResponse struct {
	ObjectID  string          `json:"objectId"`
	CandID    int64           `json:"candid"`
	Decision  filter.Decision `json:"decision"`
	Forwarded bool            `json:"forwarded"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// evaluateAlert handles POST /api/v1/alerts/evaluate.
func (s *Server) evaluateAlert(c echo.Context) error {
	ctx := c.Request().Context()

	a, err := alert.Decode(c.Request().Body)
	if err != nil {
		return s.errorResponse(c, http.StatusBadRequest, err)
	}

	decision, err := s.evaluator.Evaluate(ctx, a)
	if err != nil {
		return s.errorResponse(c, statusForError(err), err)
	}

	resp := EvaluateResponse{ObjectID: a.ObjectID, CandID: a.ID, Decision: decision}
	if decision.Accepted {
		if err := s.publisher.Publish(ctx, a, decision); err != nil {
			s.log.WithContext(ctx).Warn("forwarding accepted alert failed",
				logger.String("object_id", a.ObjectID),
				logger.Error(err))
		} else {
			resp.Forwarded = s.forwarding
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// checkMPC handles POST /api/v1/alerts/mpc.
func (s *Server) checkMPC(c echo.Context) error {
	ctx := c.Request().Context()

	a, err := alert.Decode(c.Request().Body)
	if err != nil {
		return s.errorResponse(c, http.StatusBadRequest, err)
	}

	res, err := s.mpc.CheckLatest(ctx, a)
	if err != nil {
		return s.errorResponse(c, statusForError(err), err)
	}
	return c.JSON(http.StatusOK, res)
}

// statusForError maps an evaluation failure to an HTTP status. Catalog
// failures are the upstream's fault.
func statusForError(err error) int {
	// Context errors come wrapped in whatever category the failing call used.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryCatalog),
		errors.IsCategory(err, errors.CategoryNetwork):
		return http.StatusBadGateway
	case errors.IsCategory(err, errors.CategoryTimeout):
		return http.StatusGatewayTimeout
	case errors.IsCategory(err, errors.CategoryCancellation):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(c echo.Context, status int, err error) error {
	ctx := c.Request().Context()
	resp := ErrorResponse{
		Error:   err.Error(),
		TraceID: logger.TraceIDFromContext(ctx),
	}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		resp.Category = ee.GetCategory()
	}
	if status >= http.StatusInternalServerError {
		s.log.WithContext(ctx).Error("alert evaluation failed",
			logger.Int("status", status),
			logger.Error(err))
	}
	return c.JSON(status, resp)
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}
