package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yomibot_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"mode"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_llm_requests_total",
			Help: "LLM requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ModelCooldown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yomibot_llm_model_cooldown",
			Help: "1 while a model is rate limited or unavailable",
		},
		[]string{"model"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yomibot_fetch_duration_seconds",
			Help:    "External fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	FetchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_fetch_outcomes_total",
			Help: "External fetch outcomes by source",
		},
		[]string{"source", "outcome"},
	)

	WebSearchTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yomibot_web_search_triggered_total",
			Help: "Total number of web search escalations",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ContractViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_output_contract_violations_total",
			Help: "Final answers that broke an output rule",
		},
		[]string{"rule"},
	)

	DiscordMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yomibot_discord_messages_total",
			Help: "Discord commands handled by outcome",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			LLMRequests,
			LLMTokensUsed,
			ModelCooldown,
			FetchDuration,
			FetchOutcomes,
			WebSearchTriggered,
			CacheHits,
			CacheMisses,
			ContractViolations,
			DiscordMessages,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
