package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/yomibot/backend/internal/api/handlers"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/internal/middleware/ratelimit"
	"github.com/yomibot/backend/internal/middleware/security"
	"github.com/yomibot/backend/internal/middleware/validation"
	"github.com/yomibot/backend/pkg/logger"
)

type Options struct {
	Engine  handlers.Engine
	History handlers.HistoryStore
	Models  handlers.ModelStatusProvider
	Checks  map[string]handlers.Pinger
	Limiter *ratelimit.RateLimiter

	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	BodyLimit           int
	AllowedOrigins      []string
	IsDevelopment       bool
	AccessLog           bool
	QueryTimeout        time.Duration
	MaxQueryLength      int
	HistoryDefaultLimit int
	AgenticDefault      bool
}

// NewApp builds the HTTP surface. The caller owns opts.Limiter and stops it.
func NewApp(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "yomibot",
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: opts.AllowedOrigins,
		IsDevelopment:  opts.IsDevelopment,
	}))

	origins := "*"
	if len(opts.AllowedOrigins) > 0 {
		origins = strings.Join(opts.AllowedOrigins, ", ")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	queryHandler := handlers.NewQueryHandler(opts.Engine, opts.History, handlers.QueryConfig{
		Timeout:             opts.QueryTimeout,
		HistoryDefaultLimit: opts.HistoryDefaultLimit,
		AgenticDefault:      opts.AgenticDefault,
	})
	systemHandler := handlers.NewSystemHandler(opts.Models, opts.Checks)
	wsHandler := handlers.NewWebSocketHandler(opts.Engine, opts.QueryTimeout, opts.AgenticDefault)

	app.Get("/health", systemHandler.Health)
	app.Get("/ready", systemHandler.Ready)
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	if opts.Limiter != nil {
		api.Use(opts.Limiter.Middleware())
	}
	api.Use(validation.Middleware(validation.Config{
		MaxQueryLength: opts.MaxQueryLength,
		Logger:         logger.GetLogger(),
	}))

	api.Post("/chat", queryHandler.HandleChat)
	api.Get("/history", queryHandler.GetQueryHistory)
	api.Post("/feedback", queryHandler.SubmitFeedback)
	api.Get("/models", systemHandler.Models)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	return app
}
