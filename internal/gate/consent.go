// ABOUTME: Per-turn consent check run before any capability is resolved.
// ABOUTME: A missing consent produces the prompt returned to the user.

package gate

import "fmt"

// Consent checks the turn-scoped consent flag.
type Consent struct{}

// Check reports whether capability may be invoked. When it may not, prompt
// is the message to show the user.
func (Consent) Check(consent bool, capability string) (prompt string, ok bool) {
	if consent {
		return "", true
	}
	return fmt.Sprintf("Please provide your consent to use your API keys to use tool %s and try again", capability), false
}
