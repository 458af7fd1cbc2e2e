// Package llm adapts reasoning engines to the conversation loop.
//
// The loop speaks a small provider-neutral vocabulary: a Message carries
// text, capability invocation requests (Invocation) and capability results
// (ToolResult). Engines translate that vocabulary to a provider API and
// advertise the registry's capabilities as callable functions. Gemini
// (github.com/google/generative-ai-go) and any OpenAI-compatible endpoint
// (github.com/sashabaranov/go-openai) are supported.
package llm
