package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/circuitbreaker"
	"github.com/yomibot/backend/pkg/logger"
	"github.com/yomibot/backend/pkg/retry"
)

type GatewayConfig struct {
	Priority    []string
	Cooldown    time.Duration
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
	Retry       retry.Config
}

// Gateway routes each request to the best available backend.
type Gateway struct {
	backends map[string]Backend
	breakers map[string]*circuitbreaker.CircuitBreaker
	priority []string
	usage    *UsageTable
	cfg      GatewayConfig
}

func NewGateway(cfg GatewayConfig, usage *UsageTable, backends ...Backend) (*Gateway, error) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = isTransient
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger.GetLogger()
	}
	if usage == nil {
		usage = NewUsageTable(nil)
	}

	g := &Gateway{
		backends: make(map[string]Backend, len(backends)),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker, len(backends)),
		usage:    usage,
		cfg:      cfg,
	}
	for _, b := range backends {
		g.backends[b.Name()] = b
		g.breakers[b.Name()] = circuitbreaker.NewCircuitBreaker("llm-"+b.Name(), circuitbreaker.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			IsFailure:        isTransient,
			Logger:           logger.GetLogger(),
		})
	}

	priority := cfg.Priority
	if len(priority) == 0 {
		for _, b := range backends {
			priority = append(priority, b.Name())
		}
	}
	for _, name := range priority {
		if _, ok := g.backends[name]; !ok {
			return nil, fmt.Errorf("priority lists unknown model %q", name)
		}
	}
	if len(priority) == 0 {
		return nil, errors.New("no model backends configured")
	}
	g.priority = priority

	logger.Info("Model gateway initialized", zap.Strings("priority", priority))
	return g, nil
}

type options struct {
	model       string
	system      string
	temperature *float32
	maxTokens   int
	toolChoice  string
}

type Option func(*options)

// WithModel pins the request to one backend; rate limits then propagate
// instead of substituting.
func WithModel(name string) Option {
	return func(o *options) { o.model = name }
}

func WithSystem(system string) Option {
	return func(o *options) { o.system = system }
}

func WithTemperature(t float32) Option {
	return func(o *options) { o.temperature = &t }
}

func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithToolChoice forces a specific tool. Without it any tool may be called,
// but some tool call is required.
func WithToolChoice(name string) Option {
	return func(o *options) { o.toolChoice = name }
}

func (g *Gateway) GenerateText(ctx context.Context, prompt string, opts ...Option) (string, error) {
	resp, err := g.Generate(ctx, &Request{Prompt: prompt}, opts...)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (g *Gateway) GenerateWithTools(ctx context.Context, prompt string, tools []Tool, opts ...Option) (*Response, error) {
	if len(tools) == 0 {
		return nil, errors.New("at least one tool is required")
	}
	return g.Generate(ctx, &Request{Prompt: prompt, Tools: tools}, opts...)
}

func (g *Gateway) GenerateWithImages(ctx context.Context, prompt string, images []Image, opts ...Option) (string, error) {
	resp, err := g.Generate(ctx, &Request{Prompt: prompt, Images: images}, opts...)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Generate walks the priority list at most once. Rate-limited and unavailable
// backends are put on cooldown and the next one is tried; backends that
// cannot serve tool calls or whose breaker is open are skipped.
func (g *Gateway) Generate(ctx context.Context, req *Request, opts ...Option) (*Response, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	r := *req
	if o.system != "" {
		r.System = o.system
	}
	r.Temperature = g.cfg.Temperature
	if o.temperature != nil {
		r.Temperature = *o.temperature
	}
	r.MaxTokens = g.cfg.MaxTokens
	if o.maxTokens > 0 {
		r.MaxTokens = o.maxTokens
	}
	if o.toolChoice != "" {
		r.ToolChoice = o.toolChoice
	}

	if o.model != "" {
		return g.generatePinned(ctx, o.model, &r)
	}

	tried := make(map[string]bool, len(g.priority))
	var lastErr error

	for range g.priority {
		remaining := make([]string, 0, len(g.priority))
		for _, name := range g.priority {
			if !tried[name] {
				remaining = append(remaining, name)
			}
		}
		if len(remaining) == 0 {
			break
		}

		name, err := g.usage.Select(remaining)
		if err != nil {
			if lastErr != nil {
				logger.Warn("No fallback model left", zap.Error(lastErr))
			}
			return nil, err
		}
		tried[name] = true

		resp, err := g.call(ctx, name, &r)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var be *BackendError
		switch {
		case errors.As(err, &be) && (be.Kind == KindRateLimited || be.Kind == KindUnavailable):
			g.usage.MarkUnavailable(name, g.cfg.Cooldown)
			logger.Warn("Substituting model", zap.String("model", name), zap.String("reason", be.Kind.String()))
		case errors.As(err, &be) && (be.Kind == KindUnsupportedTools || be.Kind == KindTransient):
			logger.Warn("Skipping model", zap.String("model", name), zap.String("reason", be.Kind.String()))
		case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			logger.Warn("Skipping model with open breaker", zap.String("model", name))
		default:
			return nil, err
		}
		lastErr = err
	}

	// Every backend was tried; report the soonest cooldown if there is one.
	if _, err := g.usage.Select(g.priority); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

func (g *Gateway) generatePinned(ctx context.Context, name string, r *Request) (*Response, error) {
	if _, ok := g.backends[name]; !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	if ok, wait := g.usage.Available(name); !ok {
		return nil, &RateLimitedError{Model: name, RetryAfter: wait}
	}

	resp, err := g.call(ctx, name, r)
	if err == nil {
		return resp, nil
	}

	var be *BackendError
	if errors.As(err, &be) {
		switch be.Kind {
		case KindRateLimited:
			g.usage.MarkUnavailable(name, g.cfg.Cooldown)
			wait := be.RetryAfter
			if wait <= 0 {
				wait = DefaultRateLimitRetry
			}
			return nil, &RateLimitedError{Model: name, RetryAfter: wait}
		case KindUnavailable:
			g.usage.MarkUnavailable(name, g.cfg.Cooldown)
			return nil, &ServiceUnavailableError{Model: name, RetryAfter: DefaultUnavailableRetry}
		}
	}
	return nil, err
}

func (g *Gateway) call(ctx context.Context, name string, r *Request) (*Response, error) {
	backend := g.backends[name]
	start := time.Now()

	resp, err := circuitbreaker.Call(ctx, g.breakers[name], func() (*Response, error) {
		return retry.DoWithResult(ctx, g.cfg.Retry, func() (*Response, error) {
			g.usage.RecordRequest(name)

			callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
			return backend.Generate(callCtx, r)
		})
	})

	if err != nil {
		outcome := "error"
		var be *BackendError
		if errors.As(err, &be) {
			outcome = be.Kind.String()
		}
		metrics.LLMRequests.WithLabelValues(name, outcome).Inc()
		logger.Warn("Model call failed",
			zap.String("model", name),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	resp.Model = name
	metrics.LLMRequests.WithLabelValues(name, "success").Inc()
	metrics.LLMTokensUsed.WithLabelValues(name, "prompt").Add(float64(resp.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(name, "completion").Add(float64(resp.CompletionTokens))
	logger.Debug("Model call succeeded",
		zap.String("model", name),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.Duration("latency", time.Since(start)),
	)
	return resp, nil
}

type ModelStatus struct {
	Name              string        `json:"name"`
	Provider          string        `json:"provider"`
	Available         bool          `json:"available"`
	Requests          int           `json:"requests"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	LastUsed          time.Time     `json:"last_used,omitempty"`
	Breaker           string        `json:"breaker"`
}

// Status reports every backend in priority order.
func (g *Gateway) Status() []ModelStatus {
	snapshot := g.usage.Snapshot(g.priority)
	now := g.usage.now()

	out := make([]ModelStatus, 0, len(g.priority))
	for _, name := range g.priority {
		rec := snapshot[name]
		st := ModelStatus{
			Name:      name,
			Provider:  g.backends[name].Provider(),
			Available: !rec.RateLimited,
			Requests:  rec.Requests,
			LastUsed:  rec.LastUsed,
			Breaker:   g.breakers[name].State().String(),
		}
		if rec.RateLimited {
			st.CooldownRemaining = rec.RateLimitedUntil.Sub(now)
		}
		out = append(out, st)
	}
	return out
}

func isTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == KindTransient
}
