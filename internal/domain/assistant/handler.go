// Package assistant answers free-form health questions through a hosted
// generative model.
package assistant

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxQueryLength = 4000

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// BuildPrompt wraps a user question in the assistant's instructions.
func BuildPrompt(query string) string {
	return fmt.Sprintf(`You are HealthPal, a medical assistant AI. Answer the following health question:

%s

Provide a clear, accurate response. Include a disclaimer about consulting healthcare professionals.`, query)
}

type Handler struct {
	gen    Generator
	logger zerolog.Logger
}

// NewHandler accepts a nil generator; the assistant then reports itself
// unavailable.
func NewHandler(gen Generator, logger zerolog.Logger) *Handler {
	return &Handler{gen: gen, logger: logger}
}

// RegisterRoutes mounts the assistant on g (normally /api/ai).
func (h *Handler) RegisterRoutes(g *echo.Group, protect echo.MiddlewareFunc) {
	g.POST("/health-assistant", h.HealthAssistant)
	g.GET("/insights/:patientId", h.Insights, protect)
	g.GET("/medication-info", h.MedicationInfo, protect)
}

type assistantRequest struct {
	Query string `json:"query"`
}

type assistantResponse struct {
	Success bool   `json:"success"`
	Answer  string `json:"answer"`
}

func (h *Handler) HealthAssistant(c echo.Context) error {
	var req assistantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query is required")
	}
	if len(query) > maxQueryLength {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Query must be at most %d characters", maxQueryLength))
	}
	if h.gen == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Health assistant is not available")
	}

	answer, err := h.gen.Generate(c.Request().Context(), BuildPrompt(query))
	if err != nil {
		h.logger.Warn().Err(err).Msg("health assistant generation failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Error processing health assistant request").SetInternal(err)
	}
	return c.JSON(http.StatusOK, assistantResponse{Success: true, Answer: answer})
}

type comingSoon struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) Insights(c echo.Context) error {
	return c.JSON(http.StatusOK, comingSoon{Success: true, Message: "Personalized insights feature coming soon"})
}

func (h *Handler) MedicationInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, comingSoon{Success: true, Message: "Medication information feature coming soon"})
}
