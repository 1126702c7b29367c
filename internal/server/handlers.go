// internal/server/handlers.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"energy-assistant/internal/common/errors"
	"energy-assistant/internal/common/validation"
	"energy-assistant/internal/models"
	"energy-assistant/internal/pipeline/translate"
)

const readinessProbeTimeout = 2 * time.Second

var chatRequestSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"message":   {Type: "string", MinLength: intPtr(1)},
		"sessionId": {Type: "string"},
		"model":     {Type: "string"},
		"provider":  {Type: "string"},
	},
	Required: []string{"message"},
}

var telemetryQuerySchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"userId":      {Type: "string"},
		"deviceName":  {Type: "string"},
		"deviceType":  {Type: "string"},
		"metrics":     {Type: "array", Items: &validation.Property{Type: "string"}},
		"startDate":   {Type: "string", MinLength: intPtr(1)},
		"endDate":     {Type: "string", MinLength: intPtr(1)},
		"aggregation": {Type: "string", Enum: []string{"hourly", "daily", "weekly", "monthly"}},
		"functions":   {Type: "array", Items: &validation.Property{Type: "string"}},
		"limit":       {Type: "number"},
		"offset":      {Type: "number"},
	},
	Required: []string{"metrics", "startDate", "endDate"},
}

type telemetryQueryRequest struct {
	UserID      string   `json:"userId"`
	DeviceName  string   `json:"deviceName"`
	DeviceType  string   `json:"deviceType"`
	Metrics     []string `json:"metrics"`
	StartDate   string   `json:"startDate"`
	EndDate     string   `json:"endDate"`
	Aggregation string   `json:"aggregation"`
	Functions   []string `json:"functions"`
	Limit       int      `json:"limit"`
	Offset      int      `json:"offset"`
}

// handleChat runs one conversational turn. The pipeline owns failure
// handling, so this handler always answers 200 once the request is valid.
func (s *Server) handleChat(c *gin.Context) {
	var req models.ChatRequest
	if !s.bindJSON(c, chatRequestSchema, &req) {
		return
	}

	resp := s.orchestrator.HandleChatTurn(c.Request.Context(), c.GetString(userIDKey), &req)
	c.JSON(http.StatusOK, resp)
}

// handleListProviders reports live status for every active provider.
func (s *Server) handleListProviders(c *gin.Context) {
	statuses := s.factory.GetAllProviderStatuses(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"providers": statuses,
		"count":     len(statuses),
	})
}

// handleTelemetryQuery serves direct aggregation queries, bypassing the
// conversational pipeline.
func (s *Server) handleTelemetryQuery(c *gin.Context) {
	var req telemetryQueryRequest
	if !s.bindJSON(c, telemetryQuerySchema, &req) {
		return
	}

	principal := c.GetString(userIDKey)
	if req.UserID != "" && req.UserID != principal {
		s.errorHandler.HandleRequestError(c, errors.NewDeviceOwnershipMismatchError(
			fmt.Sprintf("requested user %q does not match the authenticated user", req.UserID)))
		return
	}

	if req.DeviceName != "" && req.DeviceType != "" {
		s.errorHandler.HandleRequestError(c, errors.NewValidationFailedError(
			"deviceName and deviceType are mutually exclusive",
			map[string]interface{}{"deviceName": "set deviceName or deviceType, not both"}))
		return
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		s.errorHandler.HandleRequestError(c, errors.NewValidationFailedError(
			"startDate is not a valid timestamp",
			map[string]interface{}{"startDate": "expected an ISO-8601 timestamp or YYYY-MM-DD date"}))
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		s.errorHandler.HandleRequestError(c, errors.NewValidationFailedError(
			"endDate is not a valid timestamp",
			map[string]interface{}{"endDate": "expected an ISO-8601 timestamp or YYYY-MM-DD date"}))
		return
	}

	params := &models.QueryParams{
		UserID:      principal,
		Metrics:     req.Metrics,
		StartTime:   start,
		EndTime:     end,
		DeviceType:  req.DeviceType,
		DeviceName:  req.DeviceName,
		Aggregation: translate.ResolveAggregation(req.Aggregation, start, end),
		Functions:   req.Functions,
		Limit:       req.Limit,
		Offset:      req.Offset,
	}

	result, err := s.engine.Query(c.Request.Context(), params)
	if err != nil {
		s.errorHandler.HandleRequestError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.config.App.Name,
		"version": s.config.App.Version,
	})
}

// handleReady pings the backing stores so orchestrators only route traffic
// once both are reachable.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessProbeTimeout)
	defer cancel()

	checks := gin.H{}
	ready := true

	if err := s.db.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	} else {
		checks["postgres"] = "ok"
	}

	if err := s.redis.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}

	status := http.StatusOK
	overall := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		overall = "unavailable"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}

// bindJSON validates the raw body against the schema before decoding it, so
// rejections carry field-level detail instead of a bare unmarshal error.
func (s *Server) bindJSON(c *gin.Context, schema validation.JSONSchema, out interface{}) bool {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		s.errorHandler.HandleRequestError(c, errors.NewValidationFailedError("request body is required", nil))
		return false
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		s.errorHandler.HandleRequestError(c, errors.NewValidationFailedError("request body must be a JSON object", nil))
		return false
	}

	if result := validation.ValidateInput(raw, schema); !result.Valid {
		fields := make(map[string]interface{}, len(result.Errors))
		for _, ve := range result.Errors {
			fields[ve.Field] = ve.Message
		}
		s.errorHandler.HandleRequestError(c, errors.NewValidationFailedError("request validation failed", fields))
		return false
	}

	if err := json.Unmarshal(body, out); err != nil {
		s.errorHandler.HandleRequestError(c, errors.NewValidationFailedError("request body could not be decoded", nil))
		return false
	}
	return true
}

func parseDate(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", value)
}

func intPtr(v int) *int {
	return &v
}
