package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/internal/journal"
	"github.com/Denis-Chistyakov/Raccordo/internal/orchestrator"
	"github.com/Denis-Chistyakov/Raccordo/internal/version"
	"github.com/Denis-Chistyakov/Raccordo/pkg/mcpclient"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// Service is the orchestrator surface exposed over HTTP
type Service interface {
	IsInitialized() bool
	GetAllTools(ctx context.Context) ([]types.ToolInfo, error)
	Lookup(tool string) (types.ToolDescriptor, bool)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.ToolResult, error)
	RefreshTools(ctx context.Context, server string) error
	Stat() orchestrator.Stats
	Servers() []orchestrator.ServerStatus
}

// CallLog lists journaled calls
type CallLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Record, error)
}

// Handler handles HTTP requests
type Handler struct {
	service Service
	calls   CallLog
}

// NewHandler creates a new handler
func NewHandler(service Service, calls CallLog) *Handler {
	return &Handler{service: service, calls: calls}
}

func errorBody(message, code string) types.ErrorResponse {
	return types.ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// writeError maps orchestrator errors to HTTP statuses
func writeError(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "internal_error"

	var (
		connErr *mcpclient.ConnectionError
		cfgErr  *mcpclient.ConfigError
	)
	switch {
	case errors.Is(err, orchestrator.ErrNotInitialized):
		status, code = fiber.StatusServiceUnavailable, "not_initialized"
	case errors.Is(err, orchestrator.ErrToolNotFound):
		status, code = fiber.StatusNotFound, "tool_not_found"
	case errors.Is(err, orchestrator.ErrServerNotFound):
		status, code = fiber.StatusNotFound, "server_not_found"
	case errors.Is(err, orchestrator.ErrServerDisabled):
		status, code = fiber.StatusConflict, "server_disabled"
	case errors.Is(err, orchestrator.ErrServerNotConnected):
		status, code = fiber.StatusServiceUnavailable, "server_not_connected"
	case errors.As(err, &cfgErr), errors.As(err, &connErr):
		status, code = fiber.StatusBadGateway, "connection_failed"
	}

	if status >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestID(c)).Msg("Request failed")
	}
	return c.Status(status).JSON(errorBody(err.Error(), code))
}

// ListTools handles GET /api/v1/tools
func (h *Handler) ListTools(c fiber.Ctx) error {
	tools, err := h.service.GetAllTools(c.Context())
	if err != nil {
		return writeError(c, err)
	}

	if server := c.Query("server"); server != "" {
		filtered := make([]types.ToolInfo, 0, len(tools))
		for _, t := range tools {
			if t.ServerName == server {
				filtered = append(filtered, t)
			}
		}
		tools = filtered
	}

	return c.JSON(fiber.Map{
		"tools": tools,
		"total": len(tools),
	})
}

// GetTool handles GET /api/v1/tools/:name
func (h *Handler) GetTool(c fiber.Ctx) error {
	name := c.Params("name")

	tool, ok := h.service.Lookup(name)
	if !ok {
		// Discovery may not have run yet
		if _, err := h.service.GetAllTools(c.Context()); err != nil {
			return writeError(c, err)
		}
		tool, ok = h.service.Lookup(name)
	}
	if !ok {
		return writeError(c, &orchestrator.ToolNotFoundError{Tool: name})
	}
	return c.JSON(tool)
}

// CallTool handles POST /api/v1/tools/:name/call
func (h *Handler) CallTool(c fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody("Tool name is required", "bad_request"))
	}

	var req types.ToolCallRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorBody("Invalid request body: "+err.Error(), "bad_request"))
		}
	}

	log.Info().
		Str("request_id", requestID(c)).
		Str("tool", name).
		Msg("Calling tool")

	result, err := h.service.CallTool(c.Context(), name, req.Arguments)
	if err != nil {
		return writeError(c, err)
	}

	// Tool failures are data: the call itself succeeded
	return c.JSON(result)
}

// ListServers handles GET /api/v1/servers
func (h *Handler) ListServers(c fiber.Ctx) error {
	servers := h.service.Servers()
	return c.JSON(fiber.Map{
		"servers": servers,
		"total":   len(servers),
	})
}

// Refresh handles POST /api/v1/refresh and /api/v1/refresh/:server
func (h *Handler) Refresh(c fiber.Ctx) error {
	server := c.Params("server")

	if err := h.service.RefreshTools(c.Context(), server); err != nil {
		// A full refresh that partially failed still refreshed the healthy servers
		if server == "" && h.service.IsInitialized() {
			return c.Status(fiber.StatusMultiStatus).JSON(fiber.Map{
				"status": "partial",
				"error":  err.Error(),
				"stats":  h.service.Stat(),
			})
		}
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"status": "refreshed",
		"server": server,
		"stats":  h.service.Stat(),
	})
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(c fiber.Ctx) error {
	return c.JSON(h.service.Stat())
}

// RecentCalls handles GET /api/v1/calls
func (h *Handler) RecentCalls(c fiber.Ctx) error {
	if h.calls == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody("Call journal not enabled", "service_unavailable"))
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	records, err := h.calls.Recent(c.Context(), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"calls": records,
		"total": len(records),
	})
}

// HealthCheck handles GET /api/v1/health
func (h *Handler) HealthCheck(c fiber.Ctx) error {
	stats := h.service.Stat()

	status := "healthy"
	code := fiber.StatusOK
	if !stats.Initialized {
		status = "not_initialized"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"version":   version.Version,
		"timestamp": time.Now().Unix(),
		"stats":     stats,
	})
}

// LivenessProbe handles GET /api/v1/alive
func (h *Handler) LivenessProbe(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "alive",
	})
}
