// ABOUTME: Gemini engine built on github.com/google/generative-ai-go.
// ABOUTME: Converts capability input schemas to genai.Schema and messages to chat history.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/2389/coven-relay/internal/worker"
)

// Gemini is an Engine backed by the Gemini API.
type Gemini struct {
	client       *genai.Client
	model        string
	temperature  float32
	systemPrompt string
	logger       *slog.Logger
}

// NewGemini creates a Gemini engine. APIKey is required.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{
		client:       client,
		model:        model,
		temperature:  cfg.temperature(),
		systemPrompt: cfg.systemPrompt(),
		logger:       logger.With("component", "llm", "provider", ProviderGemini),
	}, nil
}

// Generate sends the conversation and returns the model's parts.
func (g *Gemini) Generate(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini: no messages")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleUser {
		return nil, fmt.Errorf("gemini: last message must come from the user, got %s", last.Role)
	}

	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(g.temperature)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(g.systemPrompt)}}
	if tools := geminiTools(req.Capabilities); tools != nil {
		model.Tools = tools
	}

	contents := geminiContents(req.Messages)
	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]

	g.logger.Debug("gemini call", "model", g.model, "messages", len(contents), "tools", len(req.Capabilities))
	resp, err := cs.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrEmptyResponse
	}
	return geminiResponse(resp.Candidates[0].Content.Parts)
}

// Close releases the client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

func geminiTools(caps []worker.Capability) []*genai.Tool {
	if len(caps) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(caps))
	for _, c := range caps {
		decl := &genai.FunctionDeclaration{
			Name:        c.Name,
			Description: c.Description,
		}
		if s := geminiSchema(c.InputSchema); s != nil && len(s.Properties) > 0 {
			decl.Parameters = s
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts a JSON Schema object into the subset genai accepts.
// Keywords genai has no field for are dropped.
func geminiSchema(raw map[string]any) *genai.Schema {
	if raw == nil {
		return nil
	}
	s := &genai.Schema{}

	switch t := raw["type"].(type) {
	case string:
		s.Type = geminiType(t)
	case []any:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				s.Nullable = true
				continue
			}
			if s.Type == genai.TypeUnspecified {
				s.Type = geminiType(name)
			}
		}
	}
	if s.Type == genai.TypeUnspecified {
		if _, ok := raw["properties"]; ok {
			s.Type = genai.TypeObject
		} else if _, ok := raw["items"]; ok {
			s.Type = genai.TypeArray
		} else {
			s.Type = genai.TypeString
		}
	}

	if d, ok := raw["description"].(string); ok {
		s.Description = d
	}
	if f, ok := raw["format"].(string); ok && s.Type == genai.TypeString {
		// genai only accepts enum and date-time for strings.
		if f == "enum" || f == "date-time" {
			s.Format = f
		}
	}
	if n, ok := raw["nullable"].(bool); ok {
		s.Nullable = s.Nullable || n
	}
	if enum, ok := raw["enum"].([]any); ok && s.Type == genai.TypeString {
		for _, v := range enum {
			s.Enum = append(s.Enum, fmt.Sprint(v))
		}
	}
	if items, ok := raw["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	if s.Type == genai.TypeArray && s.Items == nil {
		s.Items = &genai.Schema{Type: genai.TypeString}
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if sub, ok := v.(map[string]any); ok {
				s.Properties[name] = geminiSchema(sub)
			}
		}
	}
	if req, ok := raw["required"].([]any); ok {
		for _, v := range req {
			name, ok := v.(string)
			if !ok {
				continue
			}
			if _, known := s.Properties[name]; known {
				s.Required = append(s.Required, name)
			}
		}
		sort.Strings(s.Required)
	}
	return s
}

func geminiType(name string) genai.Type {
	switch name {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func geminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		c := &genai.Content{Role: role}
		for _, p := range m.Parts {
			switch {
			case p.Call != nil:
				c.Parts = append(c.Parts, genai.FunctionCall{Name: p.Call.Name, Args: p.Call.Args})
			case p.Result != nil:
				c.Parts = append(c.Parts, genai.FunctionResponse{
					Name:     p.Result.Name,
					Response: map[string]any{"tool_response": p.Result.Text},
				})
			default:
				c.Parts = append(c.Parts, genai.Text(p.Text))
			}
		}
		out = append(out, c)
	}
	return out
}

func geminiResponse(parts []genai.Part) (*Response, error) {
	resp := &Response{}
	for _, part := range parts {
		switch v := part.(type) {
		case genai.Text:
			resp.Parts = append(resp.Parts, Part{Text: string(v)})
		case genai.FunctionCall:
			resp.Parts = append(resp.Parts, Part{Call: &Invocation{Name: v.Name, Args: v.Args}})
		case *genai.FunctionCall:
			resp.Parts = append(resp.Parts, Part{Call: &Invocation{Name: v.Name, Args: v.Args}})
		}
	}
	if len(resp.Parts) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}
