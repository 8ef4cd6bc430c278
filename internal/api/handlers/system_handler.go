package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/pkg/logger"
)

type ModelStatusProvider interface {
	Status() []llm.ModelStatus
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type SystemHandler struct {
	models ModelStatusProvider
	checks map[string]Pinger
}

// NewSystemHandler serves health, readiness and model status. checks are
// pinged by /ready; nil entries are skipped.
func NewSystemHandler(models ModelStatusProvider, checks map[string]Pinger) *SystemHandler {
	return &SystemHandler{models: models, checks: checks}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *SystemHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	failed := fiber.Map{}
	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"failed": failed,
		})
	}

	return c.JSON(fiber.Map{
		"status": "ready",
	})
}

func (h *SystemHandler) Models(c *fiber.Ctx) error {
	statuses := h.models.Status()
	models := make([]fiber.Map, 0, len(statuses))
	available := 0
	for _, s := range statuses {
		if s.Available {
			available++
		}
		item := fiber.Map{
			"name":                   s.Name,
			"provider":               s.Provider,
			"available":              s.Available,
			"requests":               s.Requests,
			"cooldown_remaining_sec": int(s.CooldownRemaining.Seconds()),
			"breaker":                s.Breaker,
		}
		if !s.LastUsed.IsZero() {
			item["last_used"] = s.LastUsed.UTC().Format(time.RFC3339)
		}
		models = append(models, item)
	}

	return c.JSON(fiber.Map{
		"models":    models,
		"available": available,
	})
}
