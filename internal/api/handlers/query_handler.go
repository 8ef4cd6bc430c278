package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/citation"
	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/query"
	"github.com/yomibot/backend/internal/storage/models"
	"github.com/yomibot/backend/pkg/logger"
)

// Engine is the pipeline entry point the handlers drive.
type Engine interface {
	Process(ctx context.Context, req query.Request) (*query.Response, error)
}

type HistoryStore interface {
	QueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error)
	QuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error)
	StoreFeedback(ctx context.Context, feedback *models.Feedback) error
}

type QueryConfig struct {
	Timeout             time.Duration
	HistoryDefaultLimit int
	AgenticDefault      bool
}

type QueryHandler struct {
	engine  Engine
	history HistoryStore
	cfg     QueryConfig
}

// NewQueryHandler builds the chat handler. history may be nil, in which case
// the history and feedback routes answer 503.
func NewQueryHandler(engine Engine, history HistoryStore, cfg QueryConfig) *QueryHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.HistoryDefaultLimit <= 0 {
		cfg.HistoryDefaultLimit = 20
	}
	return &QueryHandler{engine: engine, history: history, cfg: cfg}
}

type chatRequest struct {
	Query     string   `json:"query"`
	UserID    string   `json:"user_id"`
	Requester string   `json:"requester"`
	ImageURLs []string `json:"image_urls"`
	RepliedTo string   `json:"replied_to"`
	Agentic   *bool    `json:"agentic"`
}

func (h *QueryHandler) HandleChat(c *fiber.Ctx) error {
	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if sanitized, ok := c.Locals("sanitized_query").(string); ok {
		req.Query = sanitized
	}

	if strings.TrimSpace(req.Query) == "" && len(req.ImageURLs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	agentic := h.cfg.AgenticDefault
	if req.Agentic != nil {
		agentic = *req.Agentic
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.cfg.Timeout)
	defer cancel()

	resp, err := h.engine.Process(ctx, query.Request{
		Query:     req.Query,
		UserID:    req.UserID,
		Requester: req.Requester,
		ImageURLs: req.ImageURLs,
		RepliedTo: req.RepliedTo,
		Agentic:   agentic,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":              resp.ID,
		"query":           resp.Query,
		"response":        citation.StripSources(resp.Response),
		"sources":         resp.Sources,
		"player_scope":    resp.Scope,
		"players":         resp.Players,
		"wiki_pages":      resp.WikiPages,
		"metrics":         resp.Metrics,
		"web_search_used": resp.WebSearchUsed,
		"iterations":      resp.Iterations,
		"violations":      resp.Violations,
		"latency_ms":      resp.LatencyMS,
	})
}

// writeError maps a pipeline error to a status code and the user-facing text.
func writeError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		status = fiber.StatusBadRequest
	case llm.IsExhausted(err):
		status = fiber.StatusServiceUnavailable
		if d, ok := llm.RetryAfter(err); ok && d > 0 {
			c.Set(fiber.HeaderRetryAfter, fmt.Sprint(int(math.Ceil(d.Seconds()))))
		}
	case errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusGatewayTimeout
	}
	if status >= fiber.StatusInternalServerError {
		logger.Error("Failed to process query", zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": query.UserMessage(err),
	})
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "History is disabled",
		})
	}

	limit := c.QueryInt("limit", h.cfg.HistoryDefaultLimit)
	if limit <= 0 || limit > 200 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 200",
		})
	}

	records, err := h.history.QueryHistory(c.UserContext(), c.Query("user_id"), limit)
	if err != nil {
		logger.Error("Failed to load query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		item := fiber.Map{
			"id":              r.ID,
			"user_id":         r.UserID,
			"requester":       r.Requester,
			"query":           r.QueryText,
			"response":        r.Response,
			"player_scope":    r.Scope,
			"player_count":    r.PlayerCount,
			"wiki_page_count": r.WikiPageCount,
			"web_search_used": r.WebSearchUsed,
			"agentic":         r.Agentic,
			"iterations":      r.Iterations,
			"violations":      r.Violations,
			"latency_ms":      r.LatencyMS,
			"created_at":      r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if c.QueryBool("sources") {
			sources, err := h.history.QuerySources(c.UserContext(), r.ID)
			if err != nil {
				logger.Warn("Failed to load query sources", zap.String("query_id", r.ID), zap.Error(err))
			}
			list := make([]fiber.Map, 0, len(sources))
			for _, s := range sources {
				list = append(list, fiber.Map{"kind": s.Kind, "name": s.Name, "url": s.URL})
			}
			item["sources"] = list
		}
		history = append(history, item)
	}

	return c.JSON(fiber.Map{
		"history": history,
	})
}

func (h *QueryHandler) SubmitFeedback(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "History is disabled",
		})
	}

	var req struct {
		QueryID       string `json:"query_id"`
		Helpful       bool   `json:"helpful"`
		IssueCategory string `json:"issue_category"`
		Comment       string `json:"comment"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.QueryID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query_id is required",
		})
	}

	err := h.history.StoreFeedback(c.UserContext(), &models.Feedback{
		QueryID:       req.QueryID,
		Helpful:       req.Helpful,
		IssueCategory: req.IssueCategory,
		Comment:       req.Comment,
	})
	if err != nil {
		logger.Error("Failed to store feedback", zap.String("query_id", req.QueryID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status": "recorded",
	})
}
