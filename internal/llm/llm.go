// ABOUTME: Provider-neutral message types and the Engine interface.
// ABOUTME: NewEngine picks the provider adapter from configuration.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-relay/internal/worker"
)

// ErrEmptyResponse is returned when the engine produced no usable parts.
var ErrEmptyResponse = errors.New("reasoning engine returned no content")

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Invocation is a request from the engine to run a capability.
type Invocation struct {
	ID   string // provider call id; may be empty for providers without one
	Name string
	Args map[string]any
}

// ToolResult is the outcome of an Invocation fed back to the engine.
type ToolResult struct {
	CallID string
	Name   string
	Text   string
}

// Part is one element of a message. Exactly one field is set.
type Part struct {
	Text   string
	Call   *Invocation
	Result *ToolResult
}

// Message is one entry of the conversation sent to the engine.
type Message struct {
	Role  Role
	Parts []Part
}

// UserText builds a single-part user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// AssistantText builds a single-part assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Text: text}}}
}

// Request is one engine call.
type Request struct {
	Messages     []Message
	Capabilities []worker.Capability
}

// Response is the engine's reply.
type Response struct {
	Parts []Part
}

// Calls returns the invocation requests in order.
func (r *Response) Calls() []*Invocation {
	var calls []*Invocation
	for _, p := range r.Parts {
		if p.Call != nil {
			calls = append(calls, p.Call)
		}
	}
	return calls
}

// Texts returns the text parts in order.
func (r *Response) Texts() []string {
	var texts []string
	for _, p := range r.Parts {
		if p.Call == nil && p.Result == nil {
			texts = append(texts, p.Text)
		}
	}
	return texts
}

// Engine produces the next step of a conversation.
type Engine interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// Provider names.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Defaults used when the configuration leaves them empty.
const (
	DefaultGeminiModel = "gemini-2.0-flash-001"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultTemperature = 0.4
)

// Config contains configuration options for an Engine.
type Config struct {
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string // OpenAI-compatible endpoint override
	Temperature  *float32
	SystemPrompt string
	Logger       *slog.Logger
}

func (c Config) temperature() float32 {
	if c.Temperature != nil {
		return *c.Temperature
	}
	return DefaultTemperature
}

func (c Config) systemPrompt() string {
	if strings.TrimSpace(c.SystemPrompt) != "" {
		return c.SystemPrompt
	}
	return DefaultSystemPrompt
}

// NewEngine creates the engine for cfg.Provider.
func NewEngine(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
}
