// ABOUTME: Conversation loop driving the reasoning engine, the gates and the workers
// ABOUTME: Every query yields an Answer; hard failures become action=error answers

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/worker"
)

// Defaults used when the configuration leaves them zero.
const (
	DefaultMaxIterations = 10
	DefaultEngineTimeout = 2 * time.Minute
)

// ErrIterationLimit ends a turn whose engine never stops requesting invocations.
var ErrIterationLimit = errors.New("reasoning engine did not produce a final answer")

// WorkerPool is what the service needs from the session pool.
type WorkerPool interface {
	Acquire() *packs.Registry
	Snapshot() *packs.Registry
	Add(ctx context.Context, artifact string) error
	Remove(ctx context.Context, name string) error
}

// Invoker dispatches a capability call to its owner.
type Invoker interface {
	Invoke(ctx context.Context, owner packs.Owner, name string, args map[string]any) (*worker.Result, error)
}

// Authorizer decides whether an invocation may run.
type Authorizer interface {
	Authorize(ctx context.Context, req gate.Request) (*gate.Decision, error)
}

// Query is one user utterance.
type Query struct {
	Text      string
	SessionID string
	UserID    string
	Consent   bool
}

// ToolCall summarizes the most recent invocation request of a turn.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// Answer is the result of a turn.
type Answer struct {
	Message          string                 `json:"message"`
	Action           gate.Action            `json:"action"`
	ContentVersionID string                 `json:"versioned_content_id,omitempty"`
	ContentID        string                 `json:"digital_content_id,omitempty"`
	ToolCall         *ToolCall              `json:"tool_call,omitempty"`
	Sources          []gate.SourceReference `json:"sources"`
}

// Config contains configuration options for the Service.
type Config struct {
	Sessions      store.SessionStore
	Engine        llm.Engine
	Pool          WorkerPool
	Router        Invoker
	Authorizer    Authorizer
	Events        *Broadcaster // optional
	HistoryLimit  int
	MaxIterations int
	EngineTimeout time.Duration
	Logger        *slog.Logger
}

// Service runs conversation turns.
type Service struct {
	sessions      store.SessionStore
	engine        llm.Engine
	pool          WorkerPool
	router        Invoker
	authorizer    Authorizer
	consent       gate.Consent
	events        *Broadcaster
	historyLimit  int
	maxIterations int
	engineTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = store.DefaultHistoryLimit
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	engineTimeout := cfg.EngineTimeout
	if engineTimeout <= 0 {
		engineTimeout = DefaultEngineTimeout
	}
	return &Service{
		sessions:      cfg.Sessions,
		engine:        cfg.Engine,
		pool:          cfg.Pool,
		router:        cfg.Router,
		authorizer:    cfg.Authorizer,
		events:        cfg.Events,
		historyLimit:  historyLimit,
		maxIterations: maxIterations,
		engineTimeout: engineTimeout,
		logger:        logger.With("component", "conversation"),
	}
}

// turn carries the state of one ProcessQuery call.
type turn struct {
	query    Query
	registry *packs.Registry
	messages []llm.Message
	texts    []string
	answer   *Answer
	logger   *slog.Logger
}

// ProcessQuery runs one turn. It always returns an Answer.
func (s *Service) ProcessQuery(ctx context.Context, q Query) *Answer {
	t := &turn{
		query:  q,
		answer: &Answer{Action: gate.ActionNone, Sources: []gate.SourceReference{}},
		logger: s.logger.With("session_id", q.SessionID, "user_id", q.UserID),
	}
	t.logger.Info("processing query")
	s.publish(q.SessionID, &Event{Type: EventQuery, Text: q.Text})

	answer, err := s.run(ctx, t)
	if err != nil {
		t.logger.Error("query processing failed", "error", err)
		answer = &Answer{
			Message:  fmt.Sprintf("Query processing failed: %v", err),
			Action:   gate.ActionError,
			ToolCall: t.answer.ToolCall,
			Sources:  []gate.SourceReference{},
		}
	}
	s.publish(q.SessionID, &Event{Type: EventAnswer, Text: answer.Message, Action: string(answer.Action)})
	return answer
}

func (s *Service) run(ctx context.Context, t *turn) (*Answer, error) {
	history, err := s.sessions.RecentTurns(ctx, t.query.SessionID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	for _, h := range history {
		if h.Role == store.RoleAssistant {
			t.messages = append(t.messages, llm.AssistantText(h.Content))
		} else {
			t.messages = append(t.messages, llm.UserText(h.Content))
		}
	}
	t.messages = append(t.messages, llm.UserText(`"`+t.query.Text+`"`))

	if err := s.sessions.AppendTurn(ctx, t.query.SessionID, store.RoleUser, t.query.Text); err != nil {
		return nil, fmt.Errorf("saving user turn: %w", err)
	}

	t.registry = s.pool.Acquire()
	defer t.registry.Release()
	capabilities := t.registry.List()

	for step := 0; step < s.maxIterations; step++ {
		resp, err := s.generate(ctx, &llm.Request{Messages: t.messages, Capabilities: capabilities})
		if err != nil {
			return nil, err
		}

		if len(resp.Calls()) == 0 {
			text := strings.Join(resp.Texts(), "\n")
			t.texts = append(t.texts, text)
			if err := s.sessions.AppendTurn(ctx, t.query.SessionID, store.RoleAssistant, text); err != nil {
				return nil, fmt.Errorf("saving assistant turn: %w", err)
			}
			t.answer.Message = strings.Join(t.texts, "\n")
			t.logger.Debug("final answer", "steps", step+1)
			return t.answer, nil
		}

		done, err := s.handleParts(ctx, t, step, resp.Parts)
		if err != nil || done {
			return t.answer, err
		}
	}

	return nil, fmt.Errorf("%w after %d steps", ErrIterationLimit, s.maxIterations)
}

// handleParts walks one engine response that contains invocation requests.
// done reports that the turn ended with a consent or subscription answer.
func (s *Service) handleParts(ctx context.Context, t *turn, step int, parts []llm.Part) (done bool, err error) {
	var requested, results []llm.Part

	for i, part := range parts {
		if part.Call == nil {
			if part.Text == "" {
				continue
			}
			t.texts = append(t.texts, part.Text)
			requested = append(requested, part)
			if err := s.sessions.AppendTurn(ctx, t.query.SessionID, store.RoleAssistant, part.Text); err != nil {
				return false, fmt.Errorf("saving assistant turn: %w", err)
			}
			s.publish(t.query.SessionID, &Event{Type: EventText, Text: part.Text})
			continue
		}

		call := part.Call
		if prompt, ok := s.consent.Check(t.query.Consent, call.Name); !ok {
			t.logger.Warn("consent required", "tool_name", call.Name)
			t.answer.Message = prompt
			t.answer.Action = gate.ActionConsent
			return true, nil
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", step, i)
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		t.answer.ToolCall = &ToolCall{Name: call.Name, Parameters: args}
		t.texts = append(t.texts, callingToolBlock(call.Name, args))
		s.publish(t.query.SessionID, &Event{Type: EventToolCall, Tool: call.Name, Arguments: args})

		text, decision, err := s.invoke(ctx, t, call.Name, args)
		if err != nil {
			return false, err
		}
		t.answer.ContentVersionID = decision.ContentVersionID
		t.answer.ContentID = decision.ContentID
		if !decision.Allowed() {
			t.answer.Message = decision.Message
			t.answer.Action = decision.Action
			return true, nil
		}
		if decision.Source != nil {
			src := *decision.Source
			src.Data = text
			t.answer.Sources = append(t.answer.Sources, src)
		}
		s.publish(t.query.SessionID, &Event{Type: EventToolResult, Tool: call.Name, Text: text})

		requested = append(requested, llm.Part{Call: call})
		results = append(results, llm.Part{Result: &llm.ToolResult{CallID: call.ID, Name: call.Name, Text: text}})
	}

	t.messages = append(t.messages,
		llm.Message{Role: llm.RoleAssistant, Parts: requested},
		llm.Message{Role: llm.RoleUser, Parts: results},
	)
	return false, nil
}

// invoke resolves, authorizes and dispatches one capability call.
func (s *Service) invoke(ctx context.Context, t *turn, name string, args map[string]any) (string, *gate.Decision, error) {
	owner, err := t.registry.Resolve(name)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", err, name)
	}

	decision, err := s.authorizer.Authorize(ctx, gate.Request{
		Owner:      owner.Identity,
		Default:    owner.Default,
		UserID:     t.query.UserID,
		Capability: name,
		Arguments:  args,
	})
	if err != nil {
		return "", nil, err
	}
	if !decision.Allowed() {
		return "", decision, nil
	}

	t.logger.Info("calling tool", "tool_name", name, "worker", owner.Identity)
	res, err := s.router.Invoke(ctx, owner, name, decision.Arguments)
	if err != nil {
		return "", nil, err
	}
	return res.Text, decision, nil
}

func (s *Service) generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.engineTimeout)
	defer cancel()

	resp, err := s.engine.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("reasoning engine: %w", err)
	}
	if len(resp.Parts) == 0 {
		return nil, fmt.Errorf("reasoning engine: %w", llm.ErrEmptyResponse)
	}
	return resp, nil
}

func (s *Service) publish(sessionID string, e *Event) {
	if s.events == nil {
		return
	}
	e.SessionID = sessionID
	s.events.Publish(e)
}

// callingToolBlock renders the markdown shown in the answer for each invocation.
func callingToolBlock(name string, args map[string]any) string {
	encoded, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		encoded = []byte(fmt.Sprint(args))
	}
	return fmt.Sprintf("#### Calling tool '%s'\n<details open>\n<summary><strong>Tool arguments</strong></summary>\n\n```\n%s\n```\n</details>\n", name, encoded)
}

// Invocation is a capability call made directly by a client rather than
// requested by the reasoning engine.
type Invocation struct {
	UserID    string
	Name      string
	Arguments map[string]any
}

// InvocationResult is the outcome of Invoke. When Action is not none the
// capability did not run and Message says why.
type InvocationResult struct {
	Text    string
	Action  gate.Action
	Message string
	Source  *gate.SourceReference
}

// Invoke runs one capability through the authorization gate outside of any
// conversation. Naming the capability explicitly stands in for consent.
func (s *Service) Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	t := &turn{
		query:    Query{UserID: inv.UserID, Consent: true},
		registry: s.pool.Acquire(),
		logger:   s.logger.With("user_id", inv.UserID),
	}
	defer t.registry.Release()

	args := inv.Arguments
	if args == nil {
		args = map[string]any{}
	}
	text, decision, err := s.invoke(ctx, t, inv.Name, args)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed() {
		return &InvocationResult{Action: decision.Action, Message: decision.Message}, nil
	}

	res := &InvocationResult{Text: text, Action: gate.ActionNone}
	if decision.Source != nil {
		src := *decision.Source
		src.Data = text
		res.Source = &src
	}
	return res, nil
}

// Capabilities returns every registered capability with its schema.
func (s *Service) Capabilities() []worker.Capability {
	return s.pool.Snapshot().List()
}

// ProvisionWorker connects the artifact and registers its capabilities.
func (s *Service) ProvisionWorker(ctx context.Context, artifact string) error {
	if strings.TrimSpace(artifact) == "" {
		return errors.New("artifact path is required")
	}
	return s.pool.Add(ctx, artifact)
}

// DeprovisionWorker deletes the named worker's artifact and resynchronizes
// the pool.
func (s *Service) DeprovisionWorker(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("worker name is required")
	}
	return s.pool.Remove(ctx, name)
}

// ListCapabilities returns the names of every registered capability.
func (s *Service) ListCapabilities() []string {
	caps := s.pool.Snapshot().List()
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name)
	}
	return names
}

// ListWorkers describes every connected worker.
func (s *Service) ListWorkers() []packs.WorkerInfo {
	return s.pool.Snapshot().Workers()
}
