// ABOUTME: OpenAI-compatible engine built on github.com/sashabaranov/go-openai.
// ABOUTME: Capabilities become function tools; tool results are sent as tool-role messages.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/coven-relay/internal/worker"
)

// OpenAI is an Engine backed by the chat completions API.
type OpenAI struct {
	client       *openai.Client
	model        string
	temperature  float32
	systemPrompt string
	logger       *slog.Logger
}

// NewOpenAI creates an OpenAI engine. BaseURL may point at any compatible
// endpoint.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(oc),
		model:        model,
		temperature:  cfg.temperature(),
		systemPrompt: cfg.systemPrompt(),
		logger:       logger.With("component", "llm", "provider", ProviderOpenAI),
	}, nil
}

// Generate sends the conversation and returns the first choice's parts.
func (o *OpenAI) Generate(ctx context.Context, req *Request) (*Response, error) {
	msgs, err := openaiMessages(o.systemPrompt, req.Messages)
	if err != nil {
		return nil, err
	}
	creq := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: o.temperature,
		Tools:       openaiTools(req.Capabilities),
	}

	o.logger.Debug("openai call", "model", o.model, "messages", len(msgs), "tools", len(creq.Tools))
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return openaiResponse(resp.Choices[0].Message)
}

// Close is a no-op; the HTTP client needs no teardown.
func (o *OpenAI) Close() error { return nil }

func openaiTools(caps []worker.Capability) []openai.Tool {
	if len(caps) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(caps))
	for _, c := range caps {
		params := c.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        c.Name,
				Description: c.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func openaiMessages(system string, msgs []Message) ([]openai.ChatCompletionMessage, error) {
	out := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	for _, m := range msgs {
		var texts []string
		var calls []openai.ToolCall
		var results []openai.ChatCompletionMessage

		for _, p := range m.Parts {
			switch {
			case p.Call != nil:
				args, err := json.Marshal(p.Call.Args)
				if err != nil {
					return nil, fmt.Errorf("encoding arguments for %s: %w", p.Call.Name, err)
				}
				calls = append(calls, openai.ToolCall{
					ID:   p.Call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      p.Call.Name,
						Arguments: string(args),
					},
				})
			case p.Result != nil:
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    p.Result.Text,
					Name:       p.Result.Name,
					ToolCallID: p.Result.CallID,
				})
			default:
				texts = append(texts, p.Text)
			}
		}

		switch m.Role {
		case RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   strings.Join(texts, "\n"),
				ToolCalls: calls,
			})
		default:
			out = append(out, results...)
			if len(texts) > 0 {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: strings.Join(texts, "\n"),
				})
			}
		}
	}
	return out, nil
}

func openaiResponse(msg openai.ChatCompletionMessage) (*Response, error) {
	resp := &Response{}
	if msg.Content != "" {
		resp.Parts = append(resp.Parts, Part{Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("decoding arguments for %s: %w", tc.Function.Name, err)
			}
		}
		resp.Parts = append(resp.Parts, Part{Call: &Invocation{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}})
	}
	if len(resp.Parts) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}
