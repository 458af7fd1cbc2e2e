// ABOUTME: Scripted reasoning engine for tests of the conversation loop.
// ABOUTME: Replays canned responses in order and records every request.

package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/coven-relay/internal/llm"
)

// ErrScriptExhausted is returned once every scripted step has been used.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Step is one scripted reply. When Err is set it is returned instead.
type Step struct {
	Response *llm.Response
	Err      error
}

// Script is an llm.Engine that replays Steps. When Repeat is set the last
// step is returned forever.
type Script struct {
	Steps  []Step
	Repeat bool

	mu       sync.Mutex
	requests []*llm.Request
	closed   bool
}

// NewScript builds a script from responses.
func NewScript(responses ...*llm.Response) *Script {
	s := &Script{}
	for _, r := range responses {
		s.Steps = append(s.Steps, Step{Response: r})
	}
	return s
}

func (s *Script) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := &llm.Request{
		Messages:     append([]llm.Message(nil), req.Messages...),
		Capabilities: req.Capabilities,
	}
	idx := len(s.requests)
	s.requests = append(s.requests, snapshot)

	if idx >= len(s.Steps) {
		if s.Repeat && len(s.Steps) > 0 {
			idx = len(s.Steps) - 1
		} else {
			return nil, ErrScriptExhausted
		}
	}
	step := s.Steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

func (s *Script) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Requests returns every request received so far.
func (s *Script) Requests() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.requests...)
}

// Text builds a response with one text part per argument.
func Text(texts ...string) *llm.Response {
	r := &llm.Response{}
	for _, t := range texts {
		r.Parts = append(r.Parts, llm.Part{Text: t})
	}
	return r
}

// Call builds a response requesting one invocation.
func Call(name string, args map[string]any) *llm.Response {
	return &llm.Response{Parts: []llm.Part{{Call: &llm.Invocation{Name: name, Args: args}}}}
}
