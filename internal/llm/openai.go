package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/yomibot/backend/pkg/logger"
)

// OpenAIBackend serves any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, Groq, LM Studio, Ollama).
type OpenAIBackend struct {
	name   string
	model  string
	client *openai.Client
}

func NewOpenAIBackend(name, model, apiKey, baseURL string, httpClient *http.Client) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	if model == "" {
		model = name
	}

	logger.Info("OpenAI-compatible backend initialized",
		zap.String("name", name),
		zap.String("model", model),
		zap.String("base_url", cfg.BaseURL),
	)

	return &OpenAIBackend{name: name, model: model, client: openai.NewClientWithConfig(cfg)}
}

func (b *OpenAIBackend) Name() string     { return b.name }
func (b *OpenAIBackend) Provider() string { return "openai" }

func (b *OpenAIBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Images) == 0 {
		user.Content = req.Prompt
	} else {
		user.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.Prompt}}
		for _, img := range req.Images {
			user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	messages = append(messages, user)

	creq := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: openAITemperature(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			creq.Tools = append(creq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		if req.ToolChoice != "" {
			creq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice},
			}
		} else {
			creq.ToolChoice = "required"
		}
	}

	resp, err := b.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, b.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &BackendError{Model: b.name, Kind: KindTransient, Err: errors.New("empty choices")}
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Text:             msg.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (b *OpenAIBackend) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Model: b.name, Kind: KindTransient, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(b.name, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(b.name, reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	return &BackendError{Model: b.name, Kind: KindTransient, Err: fmt.Errorf("request failed: %w", err)}
}

// openAITemperature keeps an explicit zero on the wire; go-openai omits a
// zero Temperature, which providers read as their default.
func openAITemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}
