// Package llm is the model gateway: one interface over an ordered list of
// backends with cooldown-aware substitution.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Schema is a provider-neutral JSON schema subset, marshalled as-is for
// OpenAI-compatible backends and converted for Gemini.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Pattern     string             `json:"pattern,omitempty"`
	Required    []string           `json:"required,omitempty"`
	MaxItems    int                `json:"maxItems,omitempty"`
}

func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

func String(desc string) *Schema {
	return &Schema{Type: "string", Description: desc}
}

func StringArray(desc string, maxItems int) *Schema {
	return &Schema{Type: "array", Description: desc, Items: &Schema{Type: "string"}, MaxItems: maxItems}
}

type Tool struct {
	Name        string
	Description string
	Parameters  *Schema
}

type ToolCall struct {
	Name string
	Args json.RawMessage
}

func (c ToolCall) Decode(v any) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("tool call %s has no arguments", c.Name)
	}
	if err := json.Unmarshal(c.Args, v); err != nil {
		return fmt.Errorf("failed to decode %s arguments: %w", c.Name, err)
	}
	return nil
}

type Image struct {
	Data     []byte
	MIMEType string
}

type Request struct {
	System      string
	Prompt      string
	Images      []Image
	Tools       []Tool
	ToolChoice  string
	Temperature float32
	MaxTokens   int
}

type Response struct {
	Text             string
	ToolCalls        []ToolCall
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// FirstCall returns the first tool call, if any.
func (r *Response) FirstCall() (ToolCall, bool) {
	if r == nil || len(r.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return r.ToolCalls[0], true
}

// Backend is one model endpoint. Implementations return *BackendError for
// failures the gateway must tell apart.
type Backend interface {
	Name() string
	Provider() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}
