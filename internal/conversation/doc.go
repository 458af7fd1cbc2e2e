// Package conversation runs the query loop between the user, the reasoning
// engine and the connected workers.
//
// # Turn protocol
//
// ProcessQuery loads the session's recent turns, appends and persists the
// user utterance, and then alternates between the engine and the workers:
//
//  1. Ask the engine for the next step, advertising every capability in
//     the pinned registry snapshot.
//  2. A response with no invocation request ends the turn. Its text parts
//     are joined, persisted as one assistant turn and returned.
//  3. Otherwise each part is handled in order. Text is kept and persisted.
//     Each invocation request passes the consent check, is resolved in the
//     registry, passes the authorization gate and is dispatched. The request
//     and its result are folded back into the message list.
//  4. Repeat, up to the configured number of engine calls.
//
// # Outcomes
//
// Every turn yields an Answer. Consent and subscription outcomes are normal
// answers tagged with an Action. Hard failures (engine errors, unknown
// capabilities, worker failures, catalogue lookup failures) end the turn with
// ActionError and a "Query processing failed" message; they never touch the
// worker pool.
//
// # Events
//
// When a Broadcaster is configured the loop publishes progress events per
// session (tool calls, tool results, the final answer) so that clients can
// follow a long turn while it runs.
package conversation
