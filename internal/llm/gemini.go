package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/yomibot/backend/pkg/logger"
)

type GeminiBackend struct {
	name   string
	model  string
	client *genai.Client
}

func NewGeminiBackend(ctx context.Context, name, model, apiKey string, httpClient *http.Client) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini backend %s: API key is required", name)
	}
	if model == "" {
		model = name
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info("Gemini backend initialized", zap.String("name", name), zap.String("model", model))

	return &GeminiBackend{name: name, model: model, client: client}, nil
}

func (b *GeminiBackend) Name() string     { return b.name }
func (b *GeminiBackend) Provider() string { return "gemini" }

func (b *GeminiBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		calling := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
		if req.ToolChoice != "" {
			calling.AllowedFunctionNames = []string{req.ToolChoice}
		}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: calling}
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return nil, b.classify(err)
	}

	out := &Response{}
	if len(req.Tools) > 0 {
		for _, fc := range resp.FunctionCalls() {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return nil, &BackendError{Model: b.name, Kind: KindOther, Err: err}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: fc.Name, Args: args})
		}
	}
	if len(out.ToolCalls) == 0 {
		out.Text = resp.Text()
	}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (b *GeminiBackend) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Model: b.name, Kind: KindTransient, Err: err}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(b.name, apiErr.Code, apiErr.Status+" "+apiErr.Message+detailsText(apiErr.Details), err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus(b.name, apiErrPtr.Code, apiErrPtr.Status+" "+apiErrPtr.Message+detailsText(apiErrPtr.Details), err)
	}
	return &BackendError{Model: b.name, Kind: KindTransient, Err: fmt.Errorf("request failed: %w", err)}
}

// detailsText flattens error details so a RetryInfo "retryDelay" is visible
// to parseRetryDelay.
func detailsText(details []map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return " " + string(raw)
}

var geminiTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"string":  genai.TypeString,
	"array":   genai.TypeArray,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
}

func toGeminiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        geminiTypes[s.Type],
		Description: s.Description,
		Enum:        s.Enum,
		Pattern:     s.Pattern,
		Required:    s.Required,
		Items:       toGeminiSchema(s.Items),
	}
	if s.MaxItems > 0 {
		out.MaxItems = genai.Ptr(int64(s.MaxItems))
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toGeminiSchema(v)
		}
	}
	return out
}
